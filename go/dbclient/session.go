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

// Package dbclient is the database client used by the connection multiplexer.
// A Session is a single database session that accepts one query at a time
// without blocking: SendQuery returns immediately, the session signals
// Readable once the result is available and Result hands it over.
package dbclient

import (
	"context"
	"time"

	"github.com/multigres/asyncpool/go/reactor"
)

// Row maps column names to their textual values. NULL columns are absent.
type Row map[string]string

// Result is the outcome of one query.
type Result interface {
	// Columns returns the column names, in server order. Empty for
	// statements that do not return rows.
	Columns() []string

	// EachRow calls fn for every row, in server order, stopping at the first
	// error.
	EachRow(fn func(Row) error) error

	// RowsAffected returns the number of rows changed by the statement, or
	// the number of rows returned for queries.
	RowsAffected() int64

	// LastInsertID returns the last auto-generated key, or 0.
	LastInsertID() int64

	// Close releases the result.
	Close() error
}

// Session is one database session. It is not safe for concurrent use: the
// owner sends a query, waits for Readable and collects the Result before
// sending the next one.
type Session interface {
	reactor.Source

	// SendQuery starts executing query. It fails synchronously with a
	// disconnect-class error when the session is not connected.
	SendQuery(query string) error

	// Result returns the outcome of the last query. It must only be called
	// after Readable was signalled.
	Result() (Result, error)

	// Close ends the session and releases its descriptor.
	Close() error
}

// Config describes how to open a session. Options that the driver applies
// before connecting (charset, compression, idle timeout) live here.
type Config struct {
	Driver         string
	Host           string
	Port           int
	User           string
	Password       string
	Database       string
	Socket         string
	Charset        string
	Compress       bool
	IdleTimeout    time.Duration
	ConnectTimeout time.Duration
}

// Opener opens sessions.
type Opener interface {
	Open(ctx context.Context, cfg Config) (Session, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, cfg Config) (Session, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context, cfg Config) (Session, error) {
	return f(ctx, cfg)
}
