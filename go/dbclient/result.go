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

// MemResult is a fully materialized Result. Sessions backed by database/sql
// read every row before signalling readiness, so this is also the native
// handle exposed to Raw callers.
type MemResult struct {
	columns      []string
	rows         []Row
	rowsAffected int64
	lastInsertID int64
}

// NewMemResult builds a result from already decoded rows.
func NewMemResult(columns []string, rows []Row, rowsAffected, lastInsertID int64) *MemResult {
	return &MemResult{
		columns:      columns,
		rows:         rows,
		rowsAffected: rowsAffected,
		lastInsertID: lastInsertID,
	}
}

// Columns implements Result.
func (r *MemResult) Columns() []string {
	return r.columns
}

// Rows returns the decoded rows.
func (r *MemResult) Rows() []Row {
	return r.rows
}

// EachRow implements Result.
func (r *MemResult) EachRow(fn func(Row) error) error {
	for _, row := range r.rows {
		if err := fn(row); err != nil {
			return err
		}
	}
	return nil
}

// RowsAffected implements Result.
func (r *MemResult) RowsAffected() int64 {
	return r.rowsAffected
}

// LastInsertID implements Result.
func (r *MemResult) LastInsertID() int64 {
	return r.lastInsertID
}

// Close implements Result.
func (r *MemResult) Close() error {
	r.rows = nil
	return nil
}

var _ Result = (*MemResult)(nil)
