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

package asyncpool

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/multigres/asyncpool/go/dbclient"
)

// Option names accepted in Options. They double as flag and config keys.
const (
	OptDriver              = "driver"
	OptHost                = "host"
	OptPort                = "port"
	OptUser                = "user"
	OptPassword            = "password"
	OptDatabase            = "database"
	OptSocket              = "socket"
	OptCharset             = "charset"
	OptEncoding            = "encoding"
	OptCompress            = "compress"
	OptIdleTimeout         = "idle-timeout"
	OptPoolSize            = "pool-size"
	OptLogging             = "logging"
	OptDefaultErrorHandler = "default-error-handler"
	OptConnectTimeout      = "connect-timeout"
	OptReconnectDelay      = "reconnect-delay"
	OptMaxDeadlockRetries  = "max-deadlock-retries"
)

// Options are settings overrides keyed by option name. Values are weakly
// typed: "4" works for pool-size, and durations may be given in seconds or
// as a time.ParseDuration string.
type Options map[string]any

// Settings are the merged, immutable settings of a pool. Every Connection of
// the pool keeps a copy and reuses it on reconnect.
type Settings struct {
	Driver      string        `mapstructure:"driver" yaml:"driver"`
	Host        string        `mapstructure:"host" yaml:"host,omitempty"`
	Port        int           `mapstructure:"port" yaml:"port,omitempty"`
	User        string        `mapstructure:"user" yaml:"user,omitempty"`
	Password    string        `mapstructure:"password" yaml:"-"`
	Database    string        `mapstructure:"database" yaml:"database,omitempty"`
	Socket      string        `mapstructure:"socket" yaml:"socket,omitempty"`
	Charset     string        `mapstructure:"charset" yaml:"charset,omitempty"`
	Compress    bool          `mapstructure:"compress" yaml:"compress"`
	IdleTimeout time.Duration `mapstructure:"idle-timeout" yaml:"idle-timeout"`
	PoolSize    int           `mapstructure:"pool-size" yaml:"pool-size"`
	Logging     bool          `mapstructure:"logging" yaml:"logging"`

	// DefaultErrorHandler receives fatal errors of requests without their
	// own error callback.
	DefaultErrorHandler func(error) `mapstructure:"default-error-handler" yaml:"-"`

	ConnectTimeout time.Duration `mapstructure:"connect-timeout" yaml:"connect-timeout"`
	ReconnectDelay time.Duration `mapstructure:"reconnect-delay" yaml:"reconnect-delay"`

	// MaxDeadlockRetries bounds how often a request is retried after a
	// deadlock. Zero retries forever.
	MaxDeadlockRetries int `mapstructure:"max-deadlock-retries" yaml:"max-deadlock-retries"`
}

// BuiltinDefaults returns the settings used when nothing is overridden.
func BuiltinDefaults() Settings {
	return Settings{
		Driver:         "mysql",
		PoolSize:       4,
		Logging:        false,
		ConnectTimeout: 10 * time.Second,
		ReconnectDelay: time.Second,
	}
}

var (
	defaultsMu sync.Mutex
	defaults   = BuiltinDefaults()
)

// Defaults returns the current process-wide default settings.
func Defaults() Settings {
	defaultsMu.Lock()
	defer defaultsMu.Unlock()
	return defaults
}

// SetDefaults merges overrides into the process-wide defaults. Pools pick up
// the defaults in effect when their connections are first built.
func SetDefaults(overrides Options) error {
	defaultsMu.Lock()
	defer defaultsMu.Unlock()

	merged, err := MergeSettings(defaults, overrides)
	if err != nil {
		return err
	}
	defaults = merged
	return nil
}

// ResetDefaults restores the built-in defaults.
func ResetDefaults() {
	defaultsMu.Lock()
	defer defaultsMu.Unlock()
	defaults = BuiltinDefaults()
}

// MergeSettings applies overrides on top of base. Keys are matched case
// insensitively, '_' is accepted for '-' and "encoding" is an alias of
// "charset". Unknown keys are an error.
func MergeSettings(base Settings, overrides Options) (Settings, error) {
	merged := base
	if len(overrides) == 0 {
		return merged, merged.Validate()
	}

	input, err := normalizeOptions(overrides)
	if err != nil {
		return Settings{}, err
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       durationHook,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &merged,
	})
	if err != nil {
		return Settings{}, err
	}
	if err := decoder.Decode(input); err != nil {
		return Settings{}, fmt.Errorf("invalid settings: %w", err)
	}

	return merged, merged.Validate()
}

func normalizeOptions(overrides Options) (map[string]any, error) {
	out := make(map[string]any, len(overrides))
	for key, value := range overrides {
		k := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(key)), "_", "-")
		if k == OptEncoding {
			k = OptCharset
		}
		if _, dup := out[k]; dup {
			return nil, fmt.Errorf("invalid settings: %q is set more than once", k)
		}
		out[k] = value
	}
	return out, nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// durationHook accepts durations as time.Duration, whole or fractional seconds
// or a time.ParseDuration string.
func durationHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != durationType {
		return data, nil
	}

	switch v := data.(type) {
	case time.Duration:
		return v, nil
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return time.Duration(0), nil
		}
		if secs, err := strconv.ParseFloat(s, 64); err == nil {
			return time.Duration(secs * float64(time.Second)), nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid duration %q: %w", v, err)
		}
		return d, nil
	}
	return data, nil
}

// Validate checks the settings for values no connection could work with.
func (s Settings) Validate() error {
	var errs []error
	if s.PoolSize < 1 {
		errs = append(errs, fmt.Errorf("%s must be at least 1, got %d", OptPoolSize, s.PoolSize))
	}
	if s.Driver == "" {
		errs = append(errs, fmt.Errorf("%s must be set", OptDriver))
	}
	if s.Port < 0 || s.Port > 65535 {
		errs = append(errs, fmt.Errorf("%s out of range: %d", OptPort, s.Port))
	}
	if s.ConnectTimeout < 0 || s.ReconnectDelay < 0 || s.IdleTimeout < 0 {
		errs = append(errs, errors.New("timeouts and delays must not be negative"))
	}
	if s.ReconnectDelay == 0 {
		errs = append(errs, fmt.Errorf("%s must be greater than zero", OptReconnectDelay))
	}
	if s.MaxDeadlockRetries < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", OptMaxDeadlockRetries))
	}
	return errors.Join(errs...)
}

// ClientConfig returns the session configuration derived from s.
func (s Settings) ClientConfig() dbclient.Config {
	return dbclient.Config{
		Driver:         s.Driver,
		Host:           s.Host,
		Port:           s.Port,
		User:           s.User,
		Password:       s.Password,
		Database:       s.Database,
		Socket:         s.Socket,
		Charset:        s.Charset,
		Compress:       s.Compress,
		IdleTimeout:    s.IdleTimeout,
		ConnectTimeout: s.ConnectTimeout,
	}
}
