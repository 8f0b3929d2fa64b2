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
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multigres/asyncpool/go/mterrors"
)

func TestLookupDialect(t *testing.T) {
	for _, name := range []string{"mysql", "postgres", "sqlite3"} {
		d, err := LookupDialect(name)
		require.NoError(t, err)
		assert.Equal(t, name, d.Name())
	}

	_, err := LookupDialect("oracle")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mysql, postgres, sqlite3")

	assert.Equal(t, []string{"mysql", "postgres", "sqlite3"}, DialectNames())
}

func TestMySQLDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "defaults",
			cfg:  Config{},
			want: "root@tcp(localhost:3306)/?multiStatements=true",
		},
		{
			name: "tcp with options",
			cfg: Config{
				Host:        "db1",
				Port:        3307,
				User:        "app",
				Password:    "secret",
				Database:    "shop",
				Charset:     "utf8mb4",
				IdleTimeout: 30 * time.Second,
			},
			want: "app:secret@tcp(db1:3307)/shop?multiStatements=true&charset=utf8mb4&wait_timeout=30",
		},
		{
			name: "sub-second idle timeout rounds up",
			cfg:  Config{IdleTimeout: 500 * time.Millisecond},
			want: "root@tcp(localhost:3306)/?multiStatements=true&wait_timeout=1",
		},
		{
			name: "fractional idle timeout rounds up",
			cfg:  Config{IdleTimeout: 2500 * time.Millisecond},
			want: "root@tcp(localhost:3306)/?multiStatements=true&wait_timeout=3",
		},
		{
			name: "socket",
			cfg:  Config{Socket: "/var/run/mysqld/mysqld.sock", Database: "shop"},
			want: "root@unix(/var/run/mysqld/mysqld.sock)/shop?multiStatements=true",
		},
	}

	d := mysqlDialect{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dsn, err := d.DSN(tt.cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, dsn)

			// The DSN must round trip through the driver's parser.
			parsed, err := mysql.ParseDSN(dsn)
			require.NoError(t, err)
			assert.True(t, parsed.MultiStatements)
		})
	}
}

func TestPostgresDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "defaults",
			cfg:  Config{},
			want: "sslmode=disable",
		},
		{
			name: "tcp with options",
			cfg: Config{
				Host:           "pg1",
				Port:           5433,
				User:           "app",
				Password:       "it's secret",
				Database:       "shop",
				Charset:        "UTF8",
				IdleTimeout:    90 * time.Second,
				ConnectTimeout: 5 * time.Second,
			},
			want: `client_encoding=UTF8 connect_timeout=5 dbname=shop host=pg1 idle_session_timeout=90000 password='it\'s secret' port=5433 sslmode=disable user=app`,
		},
		{
			name: "fractional connect timeout rounds up",
			cfg:  Config{ConnectTimeout: 1500 * time.Millisecond},
			want: "connect_timeout=2 sslmode=disable",
		},
		{
			name: "socket file",
			cfg:  Config{Socket: "/tmp/.s.PGSQL.6432"},
			want: "host=/tmp port=6432 sslmode=disable",
		},
		{
			name: "socket dir",
			cfg:  Config{Socket: "/var/run/postgresql", Port: 5432},
			want: "host=/var/run/postgresql port=5432 sslmode=disable",
		},
	}

	d := postgresDialect{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dsn, err := d.DSN(tt.cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, dsn)
		})
	}
}

func TestSQLiteDSN(t *testing.T) {
	d := sqliteDialect{}

	dsn, err := d.DSN(Config{})
	require.NoError(t, err)
	assert.Equal(t, ":memory:", dsn)

	dsn, err = d.DSN(Config{Database: "/tmp/app.db"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/app.db", dsn)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	my := mysqlDialect{}
	pg := postgresDialect{}
	lite := sqliteDialect{}

	tests := []struct {
		name    string
		dialect Dialect
		err     error
		want    mterrors.Class
	}{
		{"bad conn", nil, driver.ErrBadConn, mterrors.TransientDisconnect},
		{"eof", my, fmt.Errorf("read: %w", io.EOF), mterrors.TransientDisconnect},
		{"net error", pg, timeoutErr{}, mterrors.TransientDisconnect},
		{"already classified", my, mterrors.Wrap(mterrors.TransientDeadlock, errors.New("x")), mterrors.TransientDeadlock},
		{"mysql deadlock", my, &mysql.MySQLError{Number: 1213, Message: "Deadlock found"}, mterrors.TransientDeadlock},
		{"mysql gone away", my, &mysql.MySQLError{Number: 2006}, mterrors.TransientDisconnect},
		{"mysql lost", my, &mysql.MySQLError{Number: 2013}, mterrors.TransientDisconnect},
		{"mysql invalid conn", my, mysql.ErrInvalidConn, mterrors.TransientDisconnect},
		{"mysql syntax", my, &mysql.MySQLError{Number: 1064, Message: "syntax"}, mterrors.Fatal},
		{"pg deadlock", pg, &pq.Error{Code: "40P01"}, mterrors.TransientDeadlock},
		{"pg connection failure", pg, &pq.Error{Code: "08006"}, mterrors.TransientDisconnect},
		{"pg admin shutdown", pg, &pq.Error{Code: "57P01"}, mterrors.TransientDisconnect},
		{"pg unique violation", pg, &pq.Error{Code: "23505"}, mterrors.Fatal},
		{"sqlite locked", lite, errors.New("database is locked"), mterrors.TransientDeadlock},
		{"sqlite other", lite, errors.New("no such table: t"), mterrors.Fatal},
		{"message fallback", nil, errors.New("MySQL server has gone away"), mterrors.TransientDisconnect},
		{"unknown", nil, errors.New("boom"), mterrors.Fatal},
		{"nil", my, nil, mterrors.Fatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.dialect, tt.err))
		})
	}
}

func TestReturnsRows(t *testing.T) {
	tests := []struct {
		query string
		want  bool
	}{
		{"SELECT 1", true},
		{"  select id from t", true},
		{"(SELECT 1) UNION (SELECT 2)", true},
		{"-- comment\nSELECT 1", true},
		{"/* hint */ SHOW TABLES", true},
		{"WITH x AS (SELECT 1) SELECT * FROM x", true},
		{"PRAGMA table_info(t)", true},
		{"INSERT INTO t VALUES (1) RETURNING id", true},
		{"INSERT INTO t VALUES (1)", false},
		{"UPDATE t SET x = 1", false},
		{"DELETE FROM t", false},
		{"CREATE TABLE t (id int)", false},
		{"SELECTED", false},
		{"", false},
		{"-- only a comment", false},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			assert.Equal(t, tt.want, ReturnsRows(tt.query))
		})
	}
}
