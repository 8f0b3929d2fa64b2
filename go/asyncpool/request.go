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
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/multigres/asyncpool/go/dbclient"
)

// ResponseKind selects how a result is shaped before it reaches OnSuccess.
type ResponseKind int

const (
	// KindNone discards the result; OnSuccess receives nil.
	KindNone ResponseKind = iota
	// KindSelect yields []dbclient.Row in server order.
	KindSelect
	// KindUpdate yields the number of affected rows as int64.
	KindUpdate
	// KindInsert yields the last insert id as int64.
	KindInsert
	// KindRaw yields the dbclient.Result itself. It is only valid until
	// OnSuccess returns.
	KindRaw
)

var kindNames = map[ResponseKind]string{
	KindNone:   "none",
	KindSelect: "select",
	KindUpdate: "update",
	KindInsert: "insert",
	KindRaw:    "raw",
}

func (k ResponseKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ResponseKind(%d)", int(k))
}

// ParseResponseKind parses the name of a kind, as printed by String.
func ParseResponseKind(s string) (ResponseKind, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	for kind, name := range kindNames {
		if name == want {
			return kind, nil
		}
	}
	return KindNone, fmt.Errorf("unknown response kind %q", s)
}

// Request is one query submitted to a pool. It is never modified after
// creation; a deadlock retry travels as a copy.
type Request struct {
	// ID correlates log lines of the same request, retries included.
	ID uuid.UUID

	SQL  string
	Kind ResponseKind

	// OnSuccess receives the shaped result. May be nil.
	OnSuccess func(result any)

	// OnError receives fatal errors. When nil the pool default handler is
	// used, and without one the event loop is failed.
	OnError func(err error)

	// EnqueuedAt is when the request (or its latest retry) was submitted.
	EnqueuedAt time.Time

	attempts int
}

// NewRequest creates a request.
func NewRequest(sql string, kind ResponseKind, onSuccess func(any), onError func(error)) *Request {
	return &Request{
		ID:         uuid.New(),
		SQL:        sql,
		Kind:       kind,
		OnSuccess:  onSuccess,
		OnError:    onError,
		EnqueuedAt: time.Now(),
	}
}

// Attempts returns how many times the request failed with a deadlock.
func (r *Request) Attempts() int {
	return r.attempts
}

// retry returns the copy that is requeued after a deadlock.
func (r *Request) retry(now time.Time) *Request {
	cp := *r
	cp.attempts++
	cp.EnqueuedAt = now
	return &cp
}

// decoders shapes results by kind.
var decoders = map[ResponseKind]func(dbclient.Result) (any, error){
	KindNone: func(dbclient.Result) (any, error) {
		return nil, nil
	},
	KindSelect: func(res dbclient.Result) (any, error) {
		rows := []dbclient.Row{}
		err := res.EachRow(func(row dbclient.Row) error {
			rows = append(rows, row)
			return nil
		})
		return rows, err
	},
	KindUpdate: func(res dbclient.Result) (any, error) {
		return res.RowsAffected(), nil
	},
	KindInsert: func(res dbclient.Result) (any, error) {
		return res.LastInsertID(), nil
	},
	KindRaw: func(res dbclient.Result) (any, error) {
		return res, nil
	},
}

func decode(kind ResponseKind, res dbclient.Result) (any, error) {
	fn, ok := decoders[kind]
	if !ok {
		return nil, fmt.Errorf("no decoder for %v", kind)
	}
	if res == nil {
		return nil, fmt.Errorf("missing result")
	}
	return fn(res)
}
