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
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/multigres/asyncpool/go/mterrors"
)

// ErrQueryInFlight is returned by SendQuery when the previous result has not
// been collected yet.
var ErrQueryInFlight = errors.New("a query is already in flight on this session")

// errNoResult is returned by Result when nothing has completed yet.
var errNoResult = errors.New("no result available")

// SQLOpener opens sessions backed by database/sql. Each session owns a
// dedicated *sql.DB limited to one connection, so a session is exactly one
// database connection.
type SQLOpener struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Connector, when set, replaces the driver lookup. It is used to run
	// sessions against fakesqldb in tests.
	Connector func(cfg Config) (driver.Connector, error)

	// Descriptors defaults to the process-wide table.
	Descriptors *DescriptorTable
}

// Open implements Opener.
func (o *SQLOpener) Open(ctx context.Context, cfg Config) (Session, error) {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	table := o.Descriptors
	if table == nil {
		table = descriptors
	}

	dialect, err := LookupDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}

	var db *sql.DB
	if o.Connector != nil {
		connector, err := o.Connector(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to build connector: %w", err)
		}
		db = sql.OpenDB(connector)
	} else {
		dsn, err := dialect.DSN(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to build %s dsn: %w", dialect.Name(), err)
		}
		db, err = sql.Open(dialect.DriverName(), dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", dialect.Name(), err)
		}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", dialect.Name(), err)
	}

	if cfg.Compress && !dialect.SupportsCompression() {
		logger.Warn("compression requested but not supported by driver", "driver", dialect.Name())
	}

	return &sqlSession{
		logger:   logger,
		dialect:  dialect,
		table:    table,
		db:       db,
		conn:     conn,
		fd:       table.Acquire(),
		readable: make(chan struct{}, 1),
		hangup:   make(chan struct{}),
	}, nil
}

var _ Opener = (*SQLOpener)(nil)

// sqlSession runs each query on its own goroutine and signals readable once
// the result has been read in full.
type sqlSession struct {
	logger   *slog.Logger
	dialect  Dialect
	table    *DescriptorTable
	db       *sql.DB
	conn     *sql.Conn
	fd       int
	readable chan struct{}
	hangup   chan struct{}

	// mu protects the fields below.
	mu       sync.Mutex
	closed   bool
	broken   bool
	inFlight bool
	done     bool
	result   Result
	err      error
}

func (s *sqlSession) Descriptor() int {
	return s.fd
}

func (s *sqlSession) Readable() <-chan struct{} {
	return s.readable
}

// Hangup is never closed: a database/sql session notices a dead server on
// the next query, which then fails with a disconnect-class error.
func (s *sqlSession) Hangup() <-chan struct{} {
	return s.hangup
}

func (s *sqlSession) SendQuery(query string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.broken {
		return mterrors.AP10001()
	}
	if s.inFlight {
		return ErrQueryInFlight
	}

	s.inFlight = true
	s.done = false
	s.result = nil
	s.err = nil

	go s.run(query)
	return nil
}

func (s *sqlSession) run(query string) {
	ctx := context.Background()

	var res Result
	var err error
	if ReturnsRows(query) {
		res, err = s.query(ctx, query)
	} else {
		res, err = s.exec(ctx, query)
	}
	if err != nil {
		err = mterrors.Wrap(Classify(s.dialect, err), err)
	}

	s.mu.Lock()
	closed := s.closed
	s.inFlight = false
	s.done = true
	s.result = res
	s.err = err
	if err != nil && mterrors.ClassOf(err) == mterrors.TransientDisconnect {
		s.broken = true
	}
	s.mu.Unlock()

	if closed {
		s.release()
		return
	}

	select {
	case s.readable <- struct{}{}:
	default:
	}
}

func (s *sqlSession) query(ctx context.Context, query string) (Result, error) {
	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	values := make([]sql.NullString, len(columns))
	dest := make([]any, len(columns))
	for i := range values {
		dest[i] = &values[i]
	}

	var decoded []Row
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		row := make(Row, len(columns))
		for i, col := range columns {
			if values[i].Valid {
				row[col] = values[i].String
			}
		}
		decoded = append(decoded, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return NewMemResult(columns, decoded, int64(len(decoded)), 0), nil
}

func (s *sqlSession) exec(ctx context.Context, query string) (Result, error) {
	res, err := s.conn.ExecContext(ctx, query)
	if err != nil {
		return nil, err
	}

	// Drivers without support for either value return an error; report 0.
	affected, _ := res.RowsAffected()
	lastID, _ := res.LastInsertId()
	return NewMemResult(nil, nil, affected, lastID), nil
}

func (s *sqlSession) Result() (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.done {
		return nil, errNoResult
	}
	s.done = false
	res, err := s.result, s.err
	s.result, s.err = nil, nil
	return res, err
}

// Close releases the descriptor right away. The underlying connection is
// torn down once a running query, if any, returns.
func (s *sqlSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	running := s.inFlight
	s.mu.Unlock()

	s.table.Release(s.fd)
	if running {
		return nil
	}
	return s.release()
}

func (s *sqlSession) release() error {
	connErr := s.conn.Close()
	dbErr := s.db.Close()
	if err := errors.Join(connErr, dbErr); err != nil && !errors.Is(err, sql.ErrConnDone) {
		s.logger.Debug("error closing session", "fd", s.fd, "err", err)
		return err
	}
	return nil
}
