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

package command

import (
	"bytes"
	"database/sql/driver"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"gopkg.in/yaml.v3"

	"github.com/multigres/asyncpool/go/dbclient"
	"github.com/multigres/asyncpool/go/tools/fakesqldb"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// runCommand runs the asyncpool command line against db and returns what it
// printed.
func runCommand(t *testing.T, db *fakesqldb.DB, args ...string) (string, error) {
	t.Helper()
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	root, ac := GetRootCommand()
	ac.connector = func(dbclient.Config) (driver.Connector, error) { return db, nil }
	ac.lg.SetWriters(io.Discard, io.Discard)

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--config-file-not-found-handling=ignore"}, args...))

	err := root.ExecuteContext(t.Context())
	return out.String(), err
}

func usersDB(t *testing.T) *fakesqldb.DB {
	db := fakesqldb.New(t)
	db.AddQuery("select id, name from users", &fakesqldb.ExpectedResult{
		Columns: []string{"id", "name"},
		Rows:    [][]any{{"1", "ann"}, {"2", "bob"}},
	})
	return db
}

func TestQuerySelect(t *testing.T) {
	db := usersDB(t)

	out, err := runCommand(t, db, "-n", "2", "query", "select id, name from users")
	require.NoError(t, err)

	var got QueryOutput
	require.NoError(t, yaml.Unmarshal([]byte(out), &got))
	assert.Equal(t, "select", got.Kind)
	assert.Equal(t, []dbclient.Row{{"id": "1", "name": "ann"}, {"id": "2", "name": "bob"}}, got.Rows)
	assert.Nil(t, got.RowsAffected)
	assert.Equal(t, 1, db.GetQueryCalledNum("select id, name from users"))
}

func TestQueryInsert(t *testing.T) {
	db := fakesqldb.New(t)
	db.AddQuery("insert into users (name) values ('cy')", &fakesqldb.ExpectedResult{RowsAffected: 1, LastInsertID: 3})

	out, err := runCommand(t, db, "query", "--kind", "insert", "insert into users (name) values ('cy')")
	require.NoError(t, err)

	var got QueryOutput
	require.NoError(t, yaml.Unmarshal([]byte(out), &got))
	assert.Equal(t, "insert", got.Kind)
	require.NotNil(t, got.LastInsertID)
	assert.EqualValues(t, 3, *got.LastInsertID)
}

func TestQueryRaw(t *testing.T) {
	db := usersDB(t)

	out, err := runCommand(t, db, "query", "-k", "raw", "select id, name from users")
	require.NoError(t, err)

	var got QueryOutput
	require.NoError(t, yaml.Unmarshal([]byte(out), &got))
	assert.Equal(t, []string{"id", "name"}, got.Columns)
	assert.Len(t, got.Rows, 2)
	require.NotNil(t, got.RowsAffected)
	assert.EqualValues(t, 2, *got.RowsAffected)
}

func TestQueryErrors(t *testing.T) {
	db := fakesqldb.New(t)
	db.AddRejectedQuery("selec 1", errors.New("syntax error near 'selec'"))

	_, err := runCommand(t, db, "query", "selec 1")
	assert.ErrorContains(t, err, "syntax error near 'selec'")

	_, err = runCommand(t, db, "query", "--kind", "upsert", "select 1")
	assert.ErrorContains(t, err, `unknown response kind "upsert"`)

	_, err = runCommand(t, db, "query")
	assert.Error(t, err)
}

func TestQueryTimeout(t *testing.T) {
	db := fakesqldb.New(t)
	db.AddQuery("select sleep(1)", &fakesqldb.ExpectedResult{
		Columns:    []string{"sleep(1)"},
		Rows:       [][]any{{"0"}},
		BeforeFunc: func() { time.Sleep(200 * time.Millisecond) },
	})

	_, err := runCommand(t, db, "--timeout", "20ms", "query", "select sleep(1)")
	require.ErrorIs(t, err, errTimeout)
	assert.ErrorContains(t, err, "after 20ms")
}

func TestAll(t *testing.T) {
	db := fakesqldb.New(t)
	db.AddQuery("set names utf8mb4", &fakesqldb.ExpectedResult{})

	out, err := runCommand(t, db, "-n", "3", "all", "set names utf8mb4")
	require.NoError(t, err)

	var got AllOutput
	require.NoError(t, yaml.Unmarshal([]byte(out), &got))
	assert.Equal(t, 3, got.Connections)
	assert.Equal(t, 3, db.GetQueryCalledNum("set names utf8mb4"))
	assert.Equal(t, 3, db.Connects())
}

func TestAllFailure(t *testing.T) {
	db := fakesqldb.New(t)
	db.AddRejectedQuery("set bogus = 1", errors.New("unknown system variable 'bogus'"))

	_, err := runCommand(t, db, "-n", "2", "all", "set bogus = 1")
	assert.ErrorContains(t, err, "unknown system variable 'bogus'")
}

func TestLoad(t *testing.T) {
	db := fakesqldb.New(t)
	db.AddQuery("select 1", &fakesqldb.ExpectedResult{Columns: []string{"1"}, Rows: [][]any{{"1"}}})

	out, err := runCommand(t, db, "-n", "2", "load", "--count", "5", "select 1")
	require.NoError(t, err)

	var got LoadOutput
	require.NoError(t, yaml.Unmarshal([]byte(out), &got))
	assert.Equal(t, 5, got.Queries)
	assert.Equal(t, 5, got.Succeeded)
	assert.Equal(t, 0, got.Failed)
	assert.Equal(t, 2, got.Pool.Size)
	assert.Equal(t, 0, got.Pool.Backlog)
	assert.Equal(t, 5, db.GetQueryCalledNum("select 1"))
}

func TestLoadFailures(t *testing.T) {
	db := fakesqldb.New(t)
	db.AddRejectedQuery("select nope", errors.New("unknown column 'nope'"))

	out, err := runCommand(t, db, "-n", "2", "load", "-c", "3", "select nope")
	assert.EqualError(t, err, "3 of 3 queries failed")

	var got LoadOutput
	require.NoError(t, yaml.Unmarshal([]byte(out), &got))
	assert.Equal(t, 3, got.Failed)

	_, err = runCommand(t, db, "load", "--count", "0", "select 1")
	assert.EqualError(t, err, "--count must be at least 1, got 0")
}

func TestSettings(t *testing.T) {
	t.Setenv("ASYNCPOOL_PASSWORD", "hunter2")

	out, err := runCommand(t, nil, "--driver", "postgres", "--pool-size", "6", "--charset", "utf8", "--connect-timeout", "3s", "settings")
	require.NoError(t, err)
	assert.NotContains(t, out, "hunter2")

	var got map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &got))
	assert.Equal(t, "postgres", got["driver"])
	assert.Equal(t, 6, got["pool-size"])
	assert.Equal(t, "utf8", got["charset"])
	assert.Equal(t, "3s", got["connect-timeout"])
	assert.Equal(t, "1s", got["reconnect-delay"])
	assert.NotContains(t, got, "password")
}

func TestSettingsFromConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.yaml")
	require.NoError(t, os.WriteFile(path, []byte("host: db9\npool-size: 7\nlogging: true\n"), 0o644))

	out, err := runCommand(t, nil, "--config-file", path, "--pool-size", "8", "settings")
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &got))
	assert.Equal(t, "db9", got["host"])
	assert.Equal(t, 8, got["pool-size"], "flags take precedence over the config file")
	assert.Equal(t, true, got["logging"])
}

func TestSettingsConfigDurationsInSeconds(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "asyncpool.yaml"), []byte("idle-timeout: 30\nreconnect-delay: 2\nconnect-timeout: 0.5\n"), 0o644))

	out, err := runCommand(t, nil, "--config-path", dir, "settings")
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &got))
	assert.Equal(t, "30s", got["idle-timeout"])
	assert.Equal(t, "2s", got["reconnect-delay"])
	assert.Equal(t, "500ms", got["connect-timeout"])
}

func TestSettingsRejectsBadValues(t *testing.T) {
	_, err := runCommand(t, nil, "--pool-size", "0", "settings")
	assert.ErrorContains(t, err, "must be at least 1")

	_, err = runCommand(t, nil, "--reconnect-delay", "0s", "settings")
	assert.ErrorContains(t, err, "reconnect-delay must be greater than zero")
}
