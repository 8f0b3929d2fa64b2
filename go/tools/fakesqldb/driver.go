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

package fakesqldb

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
)

// errNoPrepare is returned by Prepare. database/sql only prepares when a
// connection lacks QueryerContext or ExecerContext, so nothing reaches it.
var errNoPrepare = errors.New("fakesqldb: prepared statements are not supported")

// conn is one client connection to a DB. Queries go straight to
// DB.handleQuery; transactions are accepted and ignored.
type conn struct {
	db *DB
}

func (c *conn) Prepare(string) (driver.Stmt, error) { return nil, errNoPrepare }

func (c *conn) Begin() (driver.Tx, error) { return c, nil }

func (c *conn) Commit() error { return nil }

func (c *conn) Rollback() error { return nil }

// Close counts the connection as closed.
func (c *conn) Close() error {
	c.db.closes.Add(1)
	return nil
}

func (c *conn) QueryContext(ctx context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	result, err := c.run(ctx, query)
	if err != nil {
		return nil, err
	}
	return &rowCursor{columns: result.Columns, rows: result.Rows}, nil
}

// ExecContext reports RowsAffected, or the number of scripted rows when that
// is zero, and LastInsertID.
func (c *conn) ExecContext(ctx context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	result, err := c.run(ctx, query)
	if err != nil {
		return nil, err
	}
	affected := result.RowsAffected
	if affected == 0 {
		affected = int64(len(result.Rows))
	}
	return execResult{affected: affected, insertID: result.LastInsertID}, nil
}

func (c *conn) run(ctx context.Context, query string) (*ExpectedResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.db.handleQuery(query)
}

type execResult struct {
	affected int64
	insertID int64
}

func (r execResult) LastInsertId() (int64, error) { return r.insertID, nil }

func (r execResult) RowsAffected() (int64, error) { return r.affected, nil }

// rowCursor walks the scripted rows of a result.
type rowCursor struct {
	columns []string
	rows    [][]any
	next    int
}

func (r *rowCursor) Columns() []string { return r.columns }

func (r *rowCursor) Close() error { return nil }

func (r *rowCursor) Next(dest []driver.Value) error {
	if r.next >= len(r.rows) {
		return io.EOF
	}
	row := r.rows[r.next]
	r.next++

	if len(dest) != len(row) {
		return errors.New("fakesqldb: row has the wrong number of columns")
	}
	for i, v := range row {
		dest[i] = v
	}
	return nil
}

// connector adapts a DB to driver.Driver for callers that need one.
type connector struct {
	db *DB
}

func (d connector) Open(string) (driver.Conn, error) {
	return d.db.Connect(context.Background())
}

var (
	_ driver.Driver         = connector{}
	_ driver.Conn           = (*conn)(nil)
	_ driver.Tx             = (*conn)(nil)
	_ driver.QueryerContext = (*conn)(nil)
	_ driver.ExecerContext  = (*conn)(nil)
	_ driver.Result         = execResult{}
	_ driver.Rows           = (*rowCursor)(nil)
)
