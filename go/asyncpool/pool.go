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

// Package asyncpool multiplexes queries over a fixed pool of non-blocking
// database connections driven by an event loop.
//
// Every connection carries at most one query at a time. Queries that find
// their connection busy wait in a FIFO backlog shared by the pool and are
// picked up by whichever connection frees up first. When a response arrives
// the connection goes idle and dispatches the next backlog item before the
// completed request's callback runs, so callbacks may submit more work and
// always observe the same interleaving.
//
// Errors are sorted into three classes (see mterrors): deadlocks are retried
// by requeueing the request, lost sessions are rebuilt on the next loop tick
// with the request requeued, and every other error reaches exactly one
// handler or stops the loop.
package asyncpool

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/multigres/asyncpool/go/dbclient"
)

// ErrPoolClosed is returned when operating on a closed pool.
var ErrPoolClosed = errors.New("pool is closed")

// Pool is a fixed set of connections sharing one backlog. Connections are
// built on first use from the process-wide defaults merged with the pool's
// overrides. Except for Submit, all methods must be called from the event
// loop goroutine.
type Pool struct {
	reactor   Reactor
	opener    dbclient.Opener
	overrides Options
	logger    *slog.Logger
	now       func() time.Time

	backlog  *Backlog
	conns    []*Connection
	settings Settings
	cursor   int
	closed   bool
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithLogger sets the logger used by the pool and its connections.
func WithLogger(logger *slog.Logger) PoolOption {
	return func(p *Pool) { p.logger = logger }
}

// WithClock replaces time.Now for request timestamps.
func WithClock(now func() time.Time) PoolOption {
	return func(p *Pool) { p.now = now }
}

// NewPool creates a pool. overrides are checked against the current defaults
// right away but only applied when the connections are built.
func NewPool(r Reactor, opener dbclient.Opener, overrides Options, opts ...PoolOption) (*Pool, error) {
	if _, err := MergeSettings(Defaults(), overrides); err != nil {
		return nil, err
	}

	p := &Pool{
		reactor:   r,
		opener:    opener,
		overrides: overrides,
		logger:    slog.Default(),
		now:       time.Now,
		backlog:   NewBacklog(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// ensure builds the connections on first use.
func (p *Pool) ensure() error {
	if p.closed {
		return ErrPoolClosed
	}
	if p.conns != nil {
		return nil
	}

	settings, err := MergeSettings(Defaults(), p.overrides)
	if err != nil {
		return err
	}
	p.settings = settings

	p.conns = make([]*Connection, settings.PoolSize)
	for i := range p.conns {
		p.conns[i] = newConnection(i, p, settings)
		p.conns[i].start()
	}
	p.logger.Info("pool started", "driver", settings.Driver, "size", settings.PoolSize)
	return nil
}

// Execute hands req to the next connection in round robin order. The cursor
// advances whether or not that connection is busy; a busy connection queues
// req on the shared backlog.
func (p *Pool) Execute(req *Request) error {
	if err := p.ensure(); err != nil {
		return err
	}
	conn := p.conns[p.cursor]
	p.cursor = (p.cursor + 1) % len(p.conns)
	conn.Execute(req)
	return nil
}

// Query builds a request and executes it.
func (p *Pool) Query(sql string, kind ResponseKind, onSuccess func(any), onError func(error)) error {
	return p.Execute(NewRequest(sql, kind, onSuccess, onError))
}

// Select runs a query and passes its rows to onSuccess.
func (p *Pool) Select(sql string, onSuccess func([]dbclient.Row), onError func(error)) error {
	return p.Query(sql, KindSelect, func(v any) {
		if onSuccess != nil {
			onSuccess(v.([]dbclient.Row))
		}
	}, onError)
}

// Insert runs a statement and passes the last insert id to onSuccess.
func (p *Pool) Insert(sql string, onSuccess func(id int64), onError func(error)) error {
	return p.Query(sql, KindInsert, func(v any) {
		if onSuccess != nil {
			onSuccess(v.(int64))
		}
	}, onError)
}

// Update runs a statement and passes the number of affected rows to
// onSuccess.
func (p *Pool) Update(sql string, onSuccess func(affected int64), onError func(error)) error {
	return p.Query(sql, KindUpdate, func(v any) {
		if onSuccess != nil {
			onSuccess(v.(int64))
		}
	}, onError)
}

// Raw passes the driver result to onSuccess. The result is closed when
// onSuccess returns.
func (p *Pool) Raw(sql string, onSuccess func(dbclient.Result), onError func(error)) error {
	return p.Query(sql, KindRaw, func(v any) {
		if onSuccess != nil {
			onSuccess(v.(dbclient.Result))
		}
	}, onError)
}

// Exec runs a statement and discards its result.
func (p *Pool) Exec(sql string, onSuccess func(), onError func(error)) error {
	return p.Query(sql, KindNone, func(any) {
		if onSuccess != nil {
			onSuccess()
		}
	}, onError)
}

// All sends a copy of the query to every connection, bypassing round robin.
// onDone runs once every copy has succeeded. A copy that fails does not
// count, so onDone never runs in that case.
func (p *Pool) All(sql string, kind ResponseKind, onDone func()) error {
	if err := p.ensure(); err != nil {
		return err
	}

	responses := 0
	size := len(p.conns)
	for _, conn := range p.conns {
		conn.Execute(NewRequest(sql, kind, func(any) {
			responses++
			if responses == size && onDone != nil {
				onDone()
			}
		}, nil))
	}
	return nil
}

// Submit executes req on the event loop. It is the only method that is safe
// to call from other goroutines. Errors that prevent execution go to
// req.OnError, or to the default error handler.
func (p *Pool) Submit(req *Request) {
	p.reactor.Post(func() {
		if err := p.Execute(req); err != nil {
			handler := req.OnError
			if handler == nil {
				handler = p.errorHandler()
			}
			if handler == nil {
				p.logger.Error("dropping submitted request", "request", req.ID, "query", req.SQL, "err", err)
				return
			}
			handler(err)
		}
	})
}

// errorHandler returns the default error handler. Before the connections
// are built it is resolved from the overrides, so requests rejected by a
// closed or misconfigured pool still reach it.
func (p *Pool) errorHandler() func(error) {
	if p.conns != nil {
		return p.settings.DefaultErrorHandler
	}
	if s, err := MergeSettings(Defaults(), p.overrides); err == nil {
		return s.DefaultErrorHandler
	}
	for key, v := range p.overrides {
		if h, ok := v.(func(error)); ok && strings.EqualFold(strings.ReplaceAll(key, "_", "-"), OptDefaultErrorHandler) {
			return h
		}
	}
	return Defaults().DefaultErrorHandler
}

// Close closes every connection. Requests in flight or waiting in the
// backlog are dropped without calling their callbacks.
func (p *Pool) Close() {
	if p.closed {
		return
	}
	p.closed = true
	for _, conn := range p.conns {
		conn.Close()
	}
	if dropped := p.backlog.Dispose(); len(dropped) > 0 {
		p.logger.Warn("pool closed with requests waiting", "dropped", len(dropped))
	}
}

// Settings returns the merged settings. Before first use it returns the
// settings the pool would start with right now.
func (p *Pool) Settings() (Settings, error) {
	if p.conns != nil {
		return p.settings, nil
	}
	return MergeSettings(Defaults(), p.overrides)
}

// Connections returns the connections, building them if needed.
func (p *Pool) Connections() []*Connection {
	if err := p.ensure(); err != nil {
		return nil
	}
	return p.conns
}

// Backlog returns the shared backlog.
func (p *Pool) Backlog() *Backlog {
	return p.backlog
}

// Stats is a snapshot of a pool.
type Stats struct {
	Size         int `yaml:"size"`
	Connecting   int `yaml:"connecting"`
	Idle         int `yaml:"idle"`
	Busy         int `yaml:"busy"`
	Disconnected int `yaml:"disconnected"`
	Backlog      int `yaml:"backlog"`
	Reconnects   int `yaml:"reconnects"`
}

// Stats returns per-state connection counts and the backlog length.
func (p *Pool) Stats() Stats {
	s := Stats{Size: len(p.conns), Backlog: p.backlog.Len()}
	for _, conn := range p.conns {
		switch conn.State() {
		case Connecting:
			s.Connecting++
		case Idle:
			s.Idle++
		case Busy:
			s.Busy++
		case Disconnected:
			s.Disconnected++
		}
		s.Reconnects += conn.Reconnects()
	}
	return s
}
