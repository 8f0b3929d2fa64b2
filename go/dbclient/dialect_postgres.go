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

package dbclient

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"github.com/multigres/asyncpool/go/mterrors"
)

const (
	pgDeadlockDetected    = "40P01"
	pgAdminShutdown       = "57P01"
	pgCrashShutdown       = "57P02"
	pgCannotConnectNow    = "57P03"
	pgConnectionException = "08"
	pgSocketPrefix        = ".s.PGSQL."
)

type postgresDialect struct{}

func (postgresDialect) Name() string { return "postgres" }

func (postgresDialect) DriverName() string { return "postgres" }

func (postgresDialect) SupportsCompression() bool { return false }

// DSN builds a lib/pq key/value connection string. Settings that are not
// connection parameters are sent as startup parameters: client_encoding for
// the charset and idle_session_timeout (milliseconds) for the idle timeout.
func (postgresDialect) DSN(cfg Config) (string, error) {
	kv := map[string]string{
		"sslmode": "disable",
	}

	switch {
	case cfg.Socket != "":
		// lib/pq expects the socket directory, not the socket file.
		dir := cfg.Socket
		if base := filepath.Base(dir); strings.HasPrefix(base, pgSocketPrefix) {
			if port, err := strconv.Atoi(strings.TrimPrefix(base, pgSocketPrefix)); err == nil && cfg.Port == 0 {
				kv["port"] = strconv.Itoa(port)
			}
			dir = filepath.Dir(dir)
		}
		kv["host"] = dir
	case cfg.Host != "":
		kv["host"] = cfg.Host
	}

	if cfg.Port != 0 {
		kv["port"] = strconv.Itoa(cfg.Port)
	}
	if cfg.User != "" {
		kv["user"] = cfg.User
	}
	if cfg.Password != "" {
		kv["password"] = cfg.Password
	}
	if cfg.Database != "" {
		kv["dbname"] = cfg.Database
	}
	if cfg.Charset != "" {
		kv["client_encoding"] = cfg.Charset
	}
	if cfg.ConnectTimeout > 0 {
		kv["connect_timeout"] = strconv.Itoa(ceilSeconds(cfg.ConnectTimeout))
	}
	if cfg.IdleTimeout > 0 {
		kv["idle_session_timeout"] = strconv.FormatInt(cfg.IdleTimeout.Milliseconds(), 10)
	}

	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, quotePQ(kv[k])))
	}
	return strings.Join(parts, " "), nil
}

// quotePQ quotes a value for a lib/pq connection string.
func quotePQ(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

func (postgresDialect) Classify(err error) (mterrors.Class, bool) {
	var pe *pq.Error
	if !errors.As(err, &pe) {
		return mterrors.Fatal, false
	}

	switch {
	case pe.Code == pgDeadlockDetected:
		return mterrors.TransientDeadlock, true
	case pe.Code.Class() == pgConnectionException,
		pe.Code == pgAdminShutdown,
		pe.Code == pgCrashShutdown,
		pe.Code == pgCannotConnectNow:
		return mterrors.TransientDisconnect, true
	default:
		return mterrors.Fatal, true
	}
}
