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
	"strings"

	// Registers the "sqlite3" database/sql driver.
	_ "github.com/mattn/go-sqlite3"

	"github.com/multigres/asyncpool/go/mterrors"
)

const sqliteMemory = ":memory:"

type sqliteDialect struct{}

func (sqliteDialect) Name() string { return "sqlite3" }

func (sqliteDialect) DriverName() string { return "sqlite3" }

func (sqliteDialect) SupportsCompression() bool { return false }

// DSN returns the database path. Every session owns its own in-memory
// database when no path is set.
func (sqliteDialect) DSN(cfg Config) (string, error) {
	if cfg.Database == "" {
		return sqliteMemory, nil
	}
	return cfg.Database, nil
}

// Classify maps lock contention (SQLITE_BUSY, SQLITE_LOCKED) to the deadlock
// class: the statement can simply be retried later.
func (sqliteDialect) Classify(err error) (mterrors.Class, bool) {
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked") {
		return mterrors.TransientDeadlock, true
	}
	return mterrors.Fatal, false
}
