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

// Package fakesqldb provides a fake database/sql database for tests. Sessions
// opened through dbclient.SQLOpener can be pointed at it with a Connector, so
// the full send/readable/result path runs without a database server.
package fakesqldb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// ErrServerDown is returned by Connect while the database is down.
var ErrServerDown = errors.New("fakesqldb: connection refused")

// DB is a fake database. All methods are thread-safe.
// It implements driver.Connector to be used with sql.OpenDB.
type DB struct {
	t    testing.TB
	name string

	// mu protects all the following fields
	mu sync.Mutex

	// data maps tolower(query) to a result
	data map[string]*ExpectedResult

	// rejectedData maps tolower(query) to an error
	rejectedData map[string]error

	// patterns are checked in insertion order when no exact query matches
	patterns []exprResult

	// queryCalled keeps track of how many times a query was called
	queryCalled map[string]int

	// querylog keeps track of all called queries
	querylog []string

	// neverFail makes unmatched queries return empty results instead of errors
	neverFail atomic.Bool

	// down makes connects and queries fail as if the server went away
	down atomic.Bool

	connects atomic.Int64
	closes   atomic.Int64
}

// ExpectedResult holds the data for a matched query.
type ExpectedResult struct {
	Columns []string
	Rows    [][]any
	// RowsAffected is reported for statements run through Exec. When zero,
	// the number of Rows is reported instead.
	RowsAffected int64
	// LastInsertID is reported for statements run through Exec.
	LastInsertID int64
	// BeforeFunc is synchronously called before the result is returned.
	BeforeFunc func()
}

type exprResult struct {
	expr   *regexp.Regexp
	result *ExpectedResult
	err    error
}

// New creates a new fake database for testing.
func New(t testing.TB) *DB {
	return &DB{
		t:            t,
		name:         "fakesqldb",
		data:         make(map[string]*ExpectedResult),
		rejectedData: make(map[string]error),
		queryCalled:  make(map[string]int),
	}
}

// Name returns the name of the DB.
func (db *DB) Name() string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.name
}

// SetName sets the name of the DB.
func (db *DB) SetName(name string) *DB {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.name = name
	return db
}

// Connect returns a driver.Conn implementation.
func (db *DB) Connect(ctx context.Context) (driver.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if db.down.Load() {
		return nil, ErrServerDown
	}
	db.connects.Add(1)
	return &conn{db: db}, nil
}

// Driver returns a driver.Driver implementation.
func (db *DB) Driver() driver.Driver {
	return connector{db: db}
}

// OpenDB returns a *sql.DB connected to this fake database.
func (db *DB) OpenDB() *sql.DB {
	return sql.OpenDB(db)
}

// SetDown makes every new connect fail with ErrServerDown and every query on
// an existing connection fail with driver.ErrBadConn, until called with false.
func (db *DB) SetDown(down bool) {
	db.down.Store(down)
}

// Connects returns how many connections were opened.
func (db *DB) Connects() int {
	return int(db.connects.Load())
}

// Closes returns how many connections were closed.
func (db *DB) Closes() int {
	return int(db.closes.Load())
}

// SetNeverFail makes unmatched queries return empty results instead of errors.
func (db *DB) SetNeverFail(neverFail bool) {
	db.neverFail.Store(neverFail)
}

// AddQuery adds a query and its expected result.
func (db *DB) AddQuery(query string, expectedResult *ExpectedResult) *ExpectedResult {
	db.mu.Lock()
	defer db.mu.Unlock()
	key := strings.ToLower(query)
	r := *expectedResult
	db.data[key] = &r
	db.queryCalled[key] = 0
	return &r
}

// AddQueryPattern adds an expected result for a set of queries.
// Patterns are checked if no exact matches from AddQuery() are found. Begin
// and end anchors (^$) are added and matching is case-insensitive.
func (db *DB) AddQueryPattern(queryPattern string, expectedResult *ExpectedResult) {
	expr := regexp.MustCompile("(?is)^" + queryPattern + "$")
	db.mu.Lock()
	defer db.mu.Unlock()
	db.patterns = append(db.patterns, exprResult{expr: expr, result: expectedResult})
}

// RejectQueryPattern makes every query matching the pattern fail with err.
func (db *DB) RejectQueryPattern(queryPattern string, err error) {
	expr := regexp.MustCompile("(?is)^" + queryPattern + "$")
	db.mu.Lock()
	defer db.mu.Unlock()
	db.patterns = append(db.patterns, exprResult{expr: expr, err: err})
}

// AddRejectedQuery adds a query which will be rejected at execution time.
func (db *DB) AddRejectedQuery(query string, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.rejectedData[strings.ToLower(query)] = err
}

// DeleteRejectedQuery removes a query added with AddRejectedQuery.
func (db *DB) DeleteRejectedQuery(query string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.rejectedData, strings.ToLower(query))
}

// GetQueryCalledNum returns how many times db executes a certain query.
func (db *DB) GetQueryCalledNum(query string) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.queryCalled[strings.ToLower(query)]
}

// QueryLog returns the query log as a semicolon separated string
func (db *DB) QueryLog() string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return strings.Join(db.querylog, ";")
}

// ResetQueryLog resets the query log
func (db *DB) ResetQueryLog() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.querylog = nil
}

// handleQuery handles a query and returns the result.
func (db *DB) handleQuery(query string) (*ExpectedResult, error) {
	if db.down.Load() {
		return nil, driver.ErrBadConn
	}

	key := strings.ToLower(query)
	db.mu.Lock()
	db.queryCalled[key]++
	db.querylog = append(db.querylog, key)

	if err, ok := db.rejectedData[key]; ok {
		db.mu.Unlock()
		return nil, err
	}

	if result, ok := db.data[key]; ok {
		db.mu.Unlock()
		if f := result.BeforeFunc; f != nil {
			f()
		}
		return result, nil
	}

	for _, pat := range db.patterns {
		if pat.expr.MatchString(query) {
			db.mu.Unlock()
			if pat.err != nil {
				return nil, pat.err
			}
			if f := pat.result.BeforeFunc; f != nil {
				f()
			}
			return pat.result, nil
		}
	}
	db.mu.Unlock()

	if db.neverFail.Load() {
		return &ExpectedResult{}, nil
	}
	return nil, fmt.Errorf("fakesqldb: query '%s' is not supported on %v", query, db.Name())
}
