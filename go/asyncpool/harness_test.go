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
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/multigres/asyncpool/go/dbclient"
	"github.com/multigres/asyncpool/go/mterrors"
	"github.com/multigres/asyncpool/go/reactor"
)

// manualReactor is a deterministic stand-in for reactor.Loop. Tests deliver
// readiness with fire and drive the remaining phases with tick.
type manualReactor struct {
	now      time.Time
	subs     map[int]*manualSub
	posted   []func()
	nextTick []func()
	timers   []*manualTimer
	err      error
}

type manualSub struct {
	fd     int
	cb     func(reactor.Event)
	active bool
}

func (s *manualSub) Descriptor() int {
	return s.fd
}

type manualTimer struct {
	at time.Time
	cb func()
}

func newManualReactor() *manualReactor {
	return &manualReactor{
		now:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		subs: make(map[int]*manualSub),
	}
}

func (r *manualReactor) clock() time.Time {
	return r.now
}

func (r *manualReactor) Register(src reactor.Source, cb func(reactor.Event)) (reactor.Subscription, error) {
	fd := src.Descriptor()
	if _, ok := r.subs[fd]; ok {
		return nil, reactor.ErrDescriptorInUse
	}
	sub := &manualSub{fd: fd, cb: cb, active: true}
	r.subs[fd] = sub
	return sub, nil
}

func (r *manualReactor) Unregister(s reactor.Subscription) {
	sub := s.(*manualSub)
	if r.subs[sub.fd] == sub {
		delete(r.subs, sub.fd)
	}
	sub.active = false
}

func (r *manualReactor) Schedule(delay time.Duration, cb func()) {
	if delay <= 0 {
		r.nextTick = append(r.nextTick, cb)
		return
	}
	r.timers = append(r.timers, &manualTimer{at: r.now.Add(delay), cb: cb})
}

func (r *manualReactor) Post(fn func()) {
	r.posted = append(r.posted, fn)
}

func (r *manualReactor) Fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

// fire delivers an event to the subscription registered under fd.
func (r *manualReactor) fire(fd int, kind reactor.EventKind) bool {
	sub, ok := r.subs[fd]
	if !ok {
		return false
	}
	return r.fireSub(sub, kind)
}

// fireSub delivers an event queued for sub. Events of removed subscriptions
// are dropped, like the loop does.
func (r *manualReactor) fireSub(sub *manualSub, kind reactor.EventKind) bool {
	if !sub.active {
		return false
	}
	sub.cb(reactor.Event{Kind: kind, Descriptor: sub.fd})
	return true
}

// tick runs posted tasks, due timers and then the next-tick callbacks queued
// before that phase started.
func (r *manualReactor) tick() {
	posted := r.posted
	r.posted = nil
	for _, fn := range posted {
		fn()
	}

	sort.SliceStable(r.timers, func(i, j int) bool { return r.timers[i].at.Before(r.timers[j].at) })
	var due []*manualTimer
	for len(r.timers) > 0 && !r.timers[0].at.After(r.now) {
		due = append(due, r.timers[0])
		r.timers = r.timers[1:]
	}
	for _, t := range due {
		t.cb()
	}

	ticks := r.nextTick
	r.nextTick = nil
	for _, fn := range ticks {
		fn()
	}
}

// advance moves the clock forward and runs a tick.
func (r *manualReactor) advance(d time.Duration) {
	r.now = r.now.Add(d)
	r.tick()
}

type answer struct {
	res dbclient.Result
	err error
}

// fakeDB opens scripted sessions and records everything sent to them.
type fakeDB struct {
	table    *dbclient.DescriptorTable
	log      []string
	sessions []*fakeSession
	answers  map[string][]answer
	openErr  error
	opens    int
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		table:   dbclient.NewDescriptorTable(3),
		answers: make(map[string][]answer),
	}
}

// script queues answers for sql, returned in order. Without a scripted
// answer a query succeeds with an empty result.
func (db *fakeDB) script(sql string, answers ...answer) {
	db.answers[sql] = append(db.answers[sql], answers...)
}

func (db *fakeDB) next(sql string) answer {
	if queued := db.answers[sql]; len(queued) > 0 {
		db.answers[sql] = queued[1:]
		return queued[0]
	}
	return answer{res: dbclient.NewMemResult(nil, nil, 0, 0)}
}

func (db *fakeDB) Open(_ context.Context, _ dbclient.Config) (dbclient.Session, error) {
	db.opens++
	if db.openErr != nil {
		return nil, db.openErr
	}
	s := &fakeSession{db: db, fd: db.table.Acquire()}
	db.sessions = append(db.sessions, s)
	return s, nil
}

type fakeSession struct {
	db      *fakeDB
	fd      int
	closed  bool
	sendErr error
	pending *answer
	sent    []string
}

func (s *fakeSession) Descriptor() int {
	return s.fd
}

func (s *fakeSession) Readable() <-chan struct{} {
	return nil
}

func (s *fakeSession) Hangup() <-chan struct{} {
	return nil
}

func (s *fakeSession) SendQuery(sql string) error {
	if s.closed {
		return mterrors.AP10001()
	}
	if s.sendErr != nil {
		return s.sendErr
	}
	if s.pending != nil {
		return dbclient.ErrQueryInFlight
	}
	s.db.log = append(s.db.log, "send:"+sql)
	s.sent = append(s.sent, sql)
	a := s.db.next(sql)
	s.pending = &a
	return nil
}

func (s *fakeSession) Result() (dbclient.Result, error) {
	a := s.pending
	if a == nil {
		return nil, errors.New("no result")
	}
	s.pending = nil
	return a.res, a.err
}

func (s *fakeSession) Close() error {
	if !s.closed {
		s.closed = true
		s.db.table.Release(s.fd)
	}
	return nil
}

// trackedResult records whether it was closed.
type trackedResult struct {
	*dbclient.MemResult
	closed bool
}

func (r *trackedResult) Close() error {
	r.closed = true
	return r.MemResult.Close()
}

// failingResult fails while rows are read.
type failingResult struct {
	dbclient.MemResult
}

func (failingResult) EachRow(func(dbclient.Row) error) error {
	return errors.New("row decode failed")
}

var (
	errDeadlock   = mterrors.Wrap(mterrors.TransientDeadlock, errors.New("Deadlock found when trying to get lock"))
	errDisconnect = mterrors.Wrap(mterrors.TransientDisconnect, errors.New("Lost connection to MySQL server during query"))
	errSyntax     = errors.New("You have an error in your SQL syntax")
)

type harness struct {
	t    *testing.T
	r    *manualReactor
	db   *fakeDB
	pool *Pool
}

func newHarness(t *testing.T, overrides Options) *harness {
	t.Helper()
	r := newManualReactor()
	db := newFakeDB()
	pool, err := NewPool(r, db, overrides, WithClock(r.clock))
	require.NoError(t, err)
	return &harness{t: t, r: r, db: db, pool: pool}
}

// start builds the connections and connects them.
func (h *harness) start() []*Connection {
	h.t.Helper()
	conns := h.pool.Connections()
	h.r.tick()
	for _, c := range conns {
		require.Equal(h.t, Idle, c.State(), "conn %d", c.ID())
	}
	return conns
}

// complete signals readiness on c's session and runs the rest of the tick.
func (h *harness) complete(c *Connection) {
	h.t.Helper()
	require.True(h.t, h.r.fire(c.Descriptor(), reactor.Readable), "conn %d has no registered session", c.ID())
	h.r.tick()
}

func (h *harness) note(s string) func(any) {
	return func(any) {
		h.db.log = append(h.db.log, s)
	}
}

func (h *harness) execute(sql string, onSuccess func(any), onError func(error)) *Request {
	h.t.Helper()
	req := NewRequest(sql, KindNone, onSuccess, onError)
	require.NoError(h.t, h.pool.Execute(req))
	return req
}
