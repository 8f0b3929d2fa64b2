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

// Package reactor provides a single-goroutine event loop. Sources register
// their readiness channels with the loop and every callback (readiness, timers,
// posted tasks) runs on the goroutine driving the loop, so state touched only
// from callbacks needs no locking.
//
// A tick runs, in order:
//  1. posted tasks and readiness callbacks queued before the tick started,
//  2. timers that are due,
//  3. next-tick callbacks (Schedule with a zero delay) queued before phase 3
//     started.
//
// Phase 3 therefore always observes every readiness callback of the tick. This
// is what allows a connection to detach its old descriptor in phase 1 and
// attach a new one in phase 3 without colliding with another descriptor that
// is still being torn down in the same tick.
package reactor

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrDescriptorInUse is returned by Register when the descriptor is still
	// registered by another subscription.
	ErrDescriptorInUse = errors.New("descriptor already registered")

	// ErrLoopClosed is returned when operating on a closed loop.
	ErrLoopClosed = errors.New("event loop is closed")
)

// EventKind identifies what happened on a source.
type EventKind int

const (
	// Readable means the source has a result waiting to be consumed.
	Readable EventKind = iota
	// Hangup means the peer closed the source.
	Hangup
)

func (k EventKind) String() string {
	if k == Hangup {
		return "hangup"
	}
	return "readable"
}

// Event is delivered to the callback of a subscription.
type Event struct {
	Kind       EventKind
	Descriptor int
}

// Source is anything that can be watched by the loop.
type Source interface {
	// Descriptor is the numeric identity of the source. Two live
	// registrations can never share a descriptor.
	Descriptor() int

	// Readable is signalled once per available result.
	Readable() <-chan struct{}

	// Hangup is closed when the peer goes away. It may be nil.
	Hangup() <-chan struct{}
}

// Subscription is the handle returned by Register.
type Subscription interface {
	Descriptor() int
}

type subscription struct {
	fd     int
	cb     func(Event)
	done   chan struct{}
	active atomic.Bool
}

func (s *subscription) Descriptor() int {
	return s.fd
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the logger used by the loop.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// WithClock replaces time.Now for timer bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// Loop is the event loop. Register, Unregister, Schedule, Post and Fail may be
// called from any goroutine; callbacks always run on the goroutine calling
// RunOnce or Run.
type Loop struct {
	logger *slog.Logger
	now    func() time.Time

	// mu protects every field below.
	mu       sync.Mutex
	posted   []func()
	nextTick []func()
	timers   timerHeap
	timerSeq uint64
	subs     map[int]*subscription
	err      error
	closed   bool

	wake chan struct{}
	wg   sync.WaitGroup
}

// New creates a Loop.
func New(opts ...Option) *Loop {
	l := &Loop{
		logger: slog.Default(),
		now:    time.Now,
		subs:   make(map[int]*subscription),
		wake:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Register starts watching src. cb runs on the loop goroutine for every event
// of src until the subscription is removed with Unregister.
func (l *Loop) Register(src Source, cb func(Event)) (Subscription, error) {
	fd := src.Descriptor()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrLoopClosed
	}
	if _, ok := l.subs[fd]; ok {
		return nil, ErrDescriptorInUse
	}

	sub := &subscription{
		fd:   fd,
		cb:   cb,
		done: make(chan struct{}),
	}
	sub.active.Store(true)
	l.subs[fd] = sub

	l.wg.Add(1)
	go l.forward(src, sub)

	return sub, nil
}

// Unregister stops watching the source of sub. Events already queued for sub
// are dropped. Unregistering twice is a no-op.
func (l *Loop) Unregister(s Subscription) {
	sub, ok := s.(*subscription)
	if !ok || sub == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !sub.active.CompareAndSwap(true, false) {
		return
	}
	if l.subs[sub.fd] == sub {
		delete(l.subs, sub.fd)
	}
	close(sub.done)
}

// forward relays readiness of src onto the loop until sub is removed.
func (l *Loop) forward(src Source, sub *subscription) {
	defer l.wg.Done()

	readable := src.Readable()
	hangup := src.Hangup()
	for {
		select {
		case <-sub.done:
			return
		case _, ok := <-readable:
			if !ok {
				readable = nil
				continue
			}
			l.deliver(sub, Event{Kind: Readable, Descriptor: sub.fd})
		case <-hangup:
			hangup = nil
			l.deliver(sub, Event{Kind: Hangup, Descriptor: sub.fd})
		}
	}
}

func (l *Loop) deliver(sub *subscription, ev Event) {
	l.Post(func() {
		if !sub.active.Load() {
			l.logger.Debug("dropping event for unregistered descriptor", "fd", ev.Descriptor, "event", ev.Kind.String())
			return
		}
		sub.cb(ev)
	})
}

// Post queues fn to run on the loop goroutine during the next tick.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.posted = append(l.posted, fn)
	l.mu.Unlock()
	l.signal()
}

// Schedule runs cb after delay. A zero (or negative) delay runs cb at the end
// of the current tick, after every queued readiness callback, or at the end of
// the next tick when called from a next-tick callback.
func (l *Loop) Schedule(delay time.Duration, cb func()) {
	l.mu.Lock()
	if delay <= 0 {
		l.nextTick = append(l.nextTick, cb)
	} else {
		l.timerSeq++
		heap.Push(&l.timers, &timer{at: l.now().Add(delay), seq: l.timerSeq, cb: cb})
	}
	l.mu.Unlock()
	l.signal()
}

// Fail stops the loop: the tick in progress returns err and Run exits with
// it. Only the first error is kept.
func (l *Loop) Fail(err error) {
	if err == nil {
		return
	}
	l.mu.Lock()
	if l.err == nil {
		l.err = err
	}
	l.mu.Unlock()
	l.signal()
}

// Err returns the error passed to Fail, if any.
func (l *Loop) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// RunOnce runs a single tick. It returns the error passed to Fail as soon as a
// callback fails the loop.
func (l *Loop) RunOnce() error {
	l.mu.Lock()
	if l.err != nil {
		err := l.err
		l.mu.Unlock()
		return err
	}
	if l.closed {
		l.mu.Unlock()
		return ErrLoopClosed
	}
	tasks := l.posted
	l.posted = nil
	l.mu.Unlock()

	for _, fn := range tasks {
		fn()
		if err := l.Err(); err != nil {
			return err
		}
	}

	now := l.now()
	for {
		l.mu.Lock()
		if len(l.timers) == 0 || l.timers[0].at.After(now) {
			l.mu.Unlock()
			break
		}
		t := heap.Pop(&l.timers).(*timer)
		l.mu.Unlock()

		t.cb()
		if err := l.Err(); err != nil {
			return err
		}
	}

	l.mu.Lock()
	ticks := l.nextTick
	l.nextTick = nil
	l.mu.Unlock()

	for _, fn := range ticks {
		fn()
		if err := l.Err(); err != nil {
			return err
		}
	}

	return nil
}

// Pending reports whether work is queued for the next tick, and how long until
// the earliest timer fires (negative when there is no timer).
func (l *Loop) Pending() (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	wait := time.Duration(-1)
	if len(l.timers) > 0 {
		wait = max(l.timers[0].at.Sub(l.now()), 0)
	}
	return len(l.posted) > 0 || len(l.nextTick) > 0, wait
}

// Run drives the loop until ctx is done or a callback calls Fail. It returns
// the error passed to Fail, or nil when ctx is done first.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if err := l.RunOnce(); err != nil {
			return err
		}

		pending, wait := l.Pending()
		if pending {
			if ctx.Err() != nil {
				return l.Err()
			}
			continue
		}

		var t *time.Timer
		var timerC <-chan time.Time
		if wait >= 0 {
			t = time.NewTimer(wait)
			timerC = t.C
		}

		select {
		case <-ctx.Done():
		case <-l.wake:
		case <-timerC:
		}
		if t != nil {
			t.Stop()
		}
		if ctx.Err() != nil {
			return l.Err()
		}
	}
}

// Close unregisters every source and waits for the relay goroutines to exit.
// Queued callbacks are discarded.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	for fd, sub := range l.subs {
		if sub.active.CompareAndSwap(true, false) {
			close(sub.done)
		}
		delete(l.subs, fd)
	}
	l.posted = nil
	l.nextTick = nil
	l.timers = nil
	l.mu.Unlock()

	l.wg.Wait()
}

type timer struct {
	at  time.Time
	seq uint64
	cb  func()
}

// timerHeap orders timers by deadline, then by scheduling order.
type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) { *h = append(*h, x.(*timer)) }

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
