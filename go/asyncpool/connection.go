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
	"fmt"
	"log/slog"
	"time"

	"github.com/multigres/asyncpool/go/dbclient"
	"github.com/multigres/asyncpool/go/mterrors"
	"github.com/multigres/asyncpool/go/reactor"
)

// Reactor is the event loop a pool runs on. *reactor.Loop implements it.
type Reactor interface {
	Register(src reactor.Source, cb func(reactor.Event)) (reactor.Subscription, error)
	Unregister(sub reactor.Subscription)
	Schedule(delay time.Duration, cb func())
	Post(fn func())
	Fail(err error)
}

var _ Reactor = (*reactor.Loop)(nil)

// State is the state of a Connection.
type State int

const (
	// Connecting means a session is being opened.
	Connecting State = iota
	// Idle means the session is open and nothing is in flight.
	Idle
	// Busy means exactly one request is in flight.
	Busy
	// Disconnected means there is no session.
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Idle:
		return "idle"
	case Busy:
		return "busy"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Connection is one database session with at most one query in flight.
// Requests that arrive while it is busy wait in the shared Backlog. All
// methods must be called from the event loop goroutine.
type Connection struct {
	id       int
	logger   *slog.Logger
	reactor  Reactor
	opener   dbclient.Opener
	backlog  *Backlog
	settings Settings
	now      func() time.Time

	state    State
	session  dbclient.Session
	sub      reactor.Subscription
	inFlight *Request
	closed   bool

	reconnects int
}

func newConnection(id int, p *Pool, settings Settings) *Connection {
	return &Connection{
		id:       id,
		logger:   p.logger.With("conn", id),
		reactor:  p.reactor,
		opener:   p.opener,
		backlog:  p.backlog,
		settings: settings,
		now:      p.now,
		state:    Connecting,
	}
}

// ID returns the position of the connection in its pool.
func (c *Connection) ID() int {
	return c.id
}

// State returns the current state.
func (c *Connection) State() State {
	return c.state
}

// InFlight returns the request awaiting its response, if any.
func (c *Connection) InFlight() *Request {
	return c.inFlight
}

// Descriptor returns the descriptor of the current session, or -1.
func (c *Connection) Descriptor() int {
	if c.session == nil {
		return -1
	}
	return c.session.Descriptor()
}

// Reconnects returns how many times the session was lost.
func (c *Connection) Reconnects() int {
	return c.reconnects
}

// Settings returns the settings the connection was built with.
func (c *Connection) Settings() Settings {
	return c.settings
}

// Execute sends req right away when the connection is idle and queues it on
// the backlog otherwise. It never waits for the response.
func (c *Connection) Execute(req *Request) {
	if c.state != Idle {
		c.backlog.Push(req)
		return
	}
	c.send(req)
}

func (c *Connection) send(req *Request) {
	if err := c.session.SendQuery(req.SQL); err != nil {
		if mterrors.ClassOf(err) == mterrors.TransientDisconnect {
			c.logger.Warn("session lost before send", "request", req.ID, "err", err)
			c.backlog.Push(req)
			c.disconnect()
			return
		}
		// Handled like a failed response, on the next tick so that a
		// request failing synchronously cannot starve the loop.
		c.state = Idle
		c.reactor.Schedule(0, func() {
			c.handleError(req, err)
		})
		return
	}

	c.inFlight = req
	c.state = Busy
	if c.settings.Logging {
		c.logger.Info("query sent", "fd", c.Descriptor(), "request", req.ID, "query", req.SQL)
	}
}

// next sends the head of the backlog if the connection is idle.
func (c *Connection) next() {
	if c.state != Idle {
		return
	}
	if req, ok := c.backlog.Pop(); ok {
		c.send(req)
	}
}

func (c *Connection) handleEvent(ev reactor.Event) {
	switch ev.Kind {
	case reactor.Readable:
		c.notifyReadable()
	case reactor.Hangup:
		c.logger.Warn("session hung up", "fd", ev.Descriptor)
		if req := c.inFlight; req != nil {
			c.inFlight = nil
			c.backlog.Push(req)
		}
		c.disconnect()
	}
}

// notifyReadable collects the response of the request in flight. On success
// the connection goes idle and dispatches the next backlog item before the
// request's callback runs.
func (c *Connection) notifyReadable() {
	req := c.inFlight
	if req == nil {
		c.logger.Warn("readable, but nothing in flight", "fd", c.Descriptor(), "state", c.state.String())
		return
	}
	c.inFlight = nil

	res, err := c.session.Result()
	var value any
	if err == nil {
		value, err = decode(req.Kind, res)
		if err != nil {
			err = fmt.Errorf("%w: %w", mterrors.AP10004(req.Kind.String()), err)
		}
	}
	if err != nil {
		if res != nil {
			_ = res.Close()
		}
		c.handleError(req, err)
		return
	}

	if c.settings.Logging {
		c.logger.Info("query response", "request", req.ID, "query", req.SQL, "elapsed", c.now().Sub(req.EnqueuedAt))
	}

	c.state = Idle
	if req.Kind != KindRaw {
		_ = res.Close()
	}
	c.next()

	if req.OnSuccess != nil {
		req.OnSuccess(value)
	}
	if req.Kind == KindRaw {
		_ = res.Close()
	}
}

// handleError routes a failed request by error class.
func (c *Connection) handleError(req *Request, err error) {
	c.logger.Debug("query error", "request", req.ID, "query", req.SQL, "err", err)

	switch mterrors.ClassOf(err) {
	case mterrors.TransientDisconnect:
		c.backlog.Push(req)
		c.disconnect()
		return

	case mterrors.TransientDeadlock:
		limit := c.settings.MaxDeadlockRetries
		if limit == 0 || req.attempts < limit {
			c.logger.Debug("deadlock, requeueing request", "request", req.ID, "attempt", req.attempts+1)
			c.backlog.Push(req.retry(c.now()))
			c.becomeIdle()
			return
		}
		err = fmt.Errorf("%w: %w", mterrors.AP10003(req.attempts), err)
	}

	c.settle()
	if !c.fail(req, err) {
		return
	}
	c.becomeIdle()
}

// settle leaves Busy once nothing is in flight. A failure handled on a later
// tick may find the connection busy with another request, which it keeps.
func (c *Connection) settle() {
	if c.state == Busy && c.inFlight == nil {
		c.state = Idle
	}
}

func (c *Connection) becomeIdle() {
	c.settle()
	c.next()
}

// fail hands err to exactly one handler. Without a handler the event loop is
// failed and fail returns false.
func (c *Connection) fail(req *Request, err error) bool {
	switch {
	case req.OnError != nil:
		req.OnError(err)
	case c.settings.DefaultErrorHandler != nil:
		c.settings.DefaultErrorHandler(err)
	default:
		c.logger.Error("unhandled query error", "request", req.ID, "query", req.SQL, "err", err)
		c.reactor.Fail(fmt.Errorf("%w: %w", mterrors.AP10002(req.SQL), err))
		return false
	}
	return true
}

// start opens the first session on the next tick.
func (c *Connection) start() {
	c.reactor.Schedule(0, c.reconnect)
}

// disconnect drops the session and schedules a reconnect for the next tick.
// Detaching here and attaching in the next-tick phase keeps a new session
// from being handed the descriptor of one that is still being torn down.
func (c *Connection) disconnect() {
	c.state = Disconnected
	c.detach()
	c.reconnects++
	if c.closed {
		return
	}
	c.logger.Warn("disconnected, reconnecting on next tick", "backlog", c.backlog.Len())
	c.reactor.Schedule(0, c.reconnect)
}

func (c *Connection) detach() {
	if c.sub != nil {
		c.reactor.Unregister(c.sub)
		c.sub = nil
	}
	if c.session != nil {
		if err := c.session.Close(); err != nil {
			c.logger.Debug("error closing session", "err", err)
		}
		c.session = nil
	}
}

// reconnect opens a new session with the stored settings. Failures are
// retried after the reconnect delay until the connection is closed.
func (c *Connection) reconnect() {
	if c.closed || c.session != nil {
		return
	}
	c.state = Connecting

	ctx := context.Background()
	if c.settings.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.settings.ConnectTimeout)
		defer cancel()
	}

	session, err := c.opener.Open(ctx, c.settings.ClientConfig())
	if err != nil {
		c.retryConnect(err)
		return
	}

	sub, err := c.reactor.Register(session, c.handleEvent)
	if err != nil {
		_ = session.Close()
		c.retryConnect(err)
		return
	}

	c.session = session
	c.sub = sub
	c.state = Idle
	c.logger.Debug("connected", "fd", session.Descriptor())
	c.next()
}

func (c *Connection) retryConnect(err error) {
	c.logger.Warn("connect failed, retrying", "delay", c.settings.ReconnectDelay, "err", err)
	c.reactor.Schedule(c.settings.ReconnectDelay, c.reconnect)
}

// Close shuts the connection down. A request in flight is dropped without
// calling any of its callbacks, and no reconnect follows.
func (c *Connection) Close() {
	if c.closed {
		return
	}
	c.closed = true
	if req := c.inFlight; req != nil {
		c.logger.Warn("closing with a request in flight, dropping it", "request", req.ID, "query", req.SQL)
		c.inFlight = nil
	}
	c.state = Disconnected
	c.detach()
}
