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

// Package mterrors defines the error taxonomy used by the connection
// multiplexer. Every error surfaced by a database session is sorted into one of
// three classes which decide the recovery path taken by a connection.
package mterrors

import (
	"errors"
	"fmt"
	"strings"
)

// Class is the recovery class of an error.
type Class int

const (
	// Fatal errors are delivered to exactly one handler (request scoped,
	// then pool default) or stop the event loop.
	Fatal Class = iota

	// TransientDeadlock errors are retried by re-appending the request to
	// the backlog. The connection stays usable.
	TransientDeadlock

	// TransientDisconnect errors requeue the request and rebuild the
	// connection's session.
	TransientDisconnect
)

// String returns the class name.
func (c Class) String() string {
	switch c {
	case TransientDeadlock:
		return "TransientDeadlock"
	case TransientDisconnect:
		return "TransientDisconnect"
	default:
		return "Fatal"
	}
}

// Transient reports whether errors of this class are recovered without
// involving application code.
func (c Class) Transient() bool {
	return c == TransientDeadlock || c == TransientDisconnect
}

// Errors added to the list of variables below must be added to the Errors slice
// a little below in this same file.
var (
	// AP10001 Not connected
	AP10001 = errorWithClass("AP10001", TransientDisconnect, "query: not connected", "The session was closed or lost before the query could be sent. The request is requeued and the connection reconnects.")

	// AP10002 Unhandled query error
	AP10002 = errorWithClass("AP10002", Fatal, "unhandled query error: %s", "A query failed with a non transient error and neither the request nor the pool configured an error handler.")

	// AP10003 Deadlock retries exhausted
	AP10003 = errorWithClass("AP10003", Fatal, "deadlock retries exhausted after %d attempts", "A request kept failing with a deadlock past the configured max-deadlock-retries.")

	// AP10004 Result decode failure
	AP10004 = errorWithClass("AP10004", Fatal, "failed to decode %s result", "The result returned by the database could not be shaped into the requested response kind.")

	// Errors is a list of errors that must match all the variables
	// defined above to enable auto-documentation of error codes.
	Errors = []func(args ...any) *Error{
		AP10001,
		AP10002,
		AP10003,
		AP10004,
	}
)

// Error is a classified error. It wraps the error reported by the database
// client (when there is one) and remembers the query it belongs to.
type Error struct {
	Class       Class
	ID          string
	Description string
	Query       string
	Err         error
}

func (e *Error) Error() string {
	if e.Query == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s (query: %q)", e.Err.Error(), e.Query)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

var _ error = (*Error)(nil)

// WithQuery returns a copy of e that records the query it was raised for.
func (e *Error) WithQuery(query string) *Error {
	cp := *e
	cp.Query = query
	return &cp
}

// errorWithClass returns a constructor for a coded error of the given class.
func errorWithClass(id string, class Class, short, long string) func(args ...any) *Error {
	return func(args ...any) *Error {
		s := short
		if len(args) != 0 {
			s = fmt.Sprintf(s, args...)
		}

		return &Error{
			Class:       class,
			ID:          id,
			Description: long,
			Err:         errors.New(id + ": " + s),
		}
	}
}

// Wrap attaches a class to err. A nil err stays nil.
func Wrap(class Class, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) && e.Class == class {
		return err
	}
	return &Error{Class: class, Err: err}
}

// Newf returns a classified error built from a format string.
func Newf(class Class, format string, args ...any) error {
	return &Error{Class: class, Err: fmt.Errorf(format, args...)}
}

// Message fragments reported by database clients for the transient classes.
// The disconnect list matches the messages of the MySQL C client.
var (
	disconnectMessages = []string{
		"query: not connected",
		"MySQL server has gone away",
		"Lost connection to MySQL server during query",
		"server closed the connection unexpectedly",
		"terminating connection due to administrator command",
	}

	deadlockMessages = []string{
		"Deadlock found when trying to get lock",
		"deadlock detected",
	}
)

// ClassOf returns the class of err. Errors classified with Wrap or the coded
// constructors keep their class; everything else is matched against the known
// client messages and defaults to Fatal.
func ClassOf(err error) Class {
	if err == nil {
		return Fatal
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}

	msg := err.Error()
	for _, m := range disconnectMessages {
		if strings.Contains(msg, m) {
			return TransientDisconnect
		}
	}
	for _, m := range deadlockMessages {
		if strings.Contains(msg, m) {
			return TransientDeadlock
		}
	}

	return Fatal
}

// IsError reports whether err carries the given error code.
func IsError(err error, code string) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) && e.ID == code {
		return true
	}
	return strings.Contains(err.Error(), code)
}
