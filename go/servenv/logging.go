// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package servenv sets up the process environment shared by the asyncpool
// commands. Today that is structured logging configured from viperutil
// values.
package servenv

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/spf13/pflag"

	"github.com/multigres/asyncpool/go/viperutil"
)

// Logger builds the process slog.Logger from the log-level, log-format and
// log-output values.
type Logger struct {
	logLevel  viperutil.Value[string]
	logFormat viperutil.Value[string]
	logOutput viperutil.Value[string]

	// stdout and stderr are the writers behind the "stdout" and "stderr"
	// outputs.
	stdout io.Writer
	stderr io.Writer

	mu     sync.Mutex
	logger *slog.Logger
	file   *os.File

	loggingSetupHooks []func(*slog.Logger)
}

func NewLogger(reg *viperutil.Registry) *Logger {
	return &Logger{
		logLevel: viperutil.Configure(reg, "log-level", viperutil.Options[string]{
			Default:  "info",
			FlagName: "log-level",
		}),
		logFormat: viperutil.Configure(reg, "log-format", viperutil.Options[string]{
			Default:  "json",
			FlagName: "log-format",
		}),
		logOutput: viperutil.Configure(reg, "log-output", viperutil.Options[string]{
			Default:  "stderr",
			FlagName: "log-output",
		}),
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
}

// SetWriters replaces the writers used for the "stdout" and "stderr"
// outputs.
func (lg *Logger) SetWriters(stdout, stderr io.Writer) {
	lg.mu.Lock()
	defer lg.mu.Unlock()
	lg.stdout, lg.stderr = stdout, stderr
}

// RegisterFlags registers logging-related command line flags.
// This must be called before ParseFlags if using the logging system.
func (lg *Logger) RegisterFlags(fs *pflag.FlagSet) {
	fs.String("log-level", lg.logLevel.Default(), "Log level (debug, info, warn, error)")
	fs.String("log-format", lg.logFormat.Default(), "Log format (json, text)")
	fs.String("log-output", lg.logOutput.Default(), "Log output (stdout, stderr, or file path)")
	viperutil.BindFlags(fs, lg.logLevel, lg.logFormat, lg.logOutput)
}

// OnLoggingSetup registers a callback run with every logger SetupLogging
// creates.
func (lg *Logger) OnLoggingSetup(f func(*slog.Logger)) {
	lg.mu.Lock()
	defer lg.mu.Unlock()
	lg.loggingSetupHooks = append(lg.loggingSetupHooks, f)
}

// SetupLogging builds the logger from the current values, installs it as the
// slog default and returns it. Calling it again rebuilds the logger, closing
// a log file opened by the previous call.
func (lg *Logger) SetupLogging() (*slog.Logger, error) {
	level, err := parseLevel(lg.logLevel.Get())
	if err != nil {
		return nil, err
	}

	lg.mu.Lock()
	defer lg.mu.Unlock()

	var (
		output io.Writer
		file   *os.File
	)
	switch out := lg.logOutput.Get(); strings.ToLower(out) {
	case "", "stderr":
		output = lg.stderr
	case "stdout":
		output = lg.stdout
	default:
		file, err = os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening log output: %w", err)
		}
		output = file
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch format := strings.ToLower(lg.logFormat.Get()); format {
	case "", "json":
		handler = slog.NewJSONHandler(output, opts)
	case "text":
		handler = slog.NewTextHandler(output, opts)
	default:
		if file != nil {
			file.Close()
		}
		return nil, fmt.Errorf("unknown log format %q (want json or text)", format)
	}

	if lg.file != nil {
		lg.file.Close()
	}
	lg.file = file
	lg.logger = slog.New(handler)
	slog.SetDefault(lg.logger)

	for _, hook := range lg.loggingSetupHooks {
		hook(lg.logger)
	}

	lg.logger.Debug("logging initialized",
		"level", level.String(),
		"format", lg.logFormat.Get(),
		"output", lg.logOutput.Get(),
	)
	return lg.logger, nil
}

// Close closes the log file, if logging goes to one.
func (lg *Logger) Close() error {
	lg.mu.Lock()
	defer lg.mu.Unlock()
	if lg.file == nil {
		return nil
	}
	err := lg.file.Close()
	lg.file = nil
	return err
}

// GetLogger returns the configured logger instance, or slog.Default() before
// SetupLogging has run.
func (lg *Logger) GetLogger() *slog.Logger {
	lg.mu.Lock()
	defer lg.mu.Unlock()
	if lg.logger == nil {
		return slog.Default()
	}
	return lg.logger
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q (want debug, info, warn or error)", s)
}
