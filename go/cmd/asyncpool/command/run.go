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
	"context"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/multigres/asyncpool/go/asyncpool"
	"github.com/multigres/asyncpool/go/dbclient"
	"github.com/multigres/asyncpool/go/reactor"
)

// errTimeout is returned when results do not arrive within --timeout.
var errTimeout = errors.New("timed out waiting for results")

// poolRun drives one pool on an event loop owned by the calling goroutine.
// Callbacks run on that goroutine, so finish needs no locking.
type poolRun struct {
	pool     *asyncpool.Pool
	cancel   context.CancelFunc
	finished bool
	err      error
}

// finish stops the loop. Only the first call counts.
func (r *poolRun) finish(err error) {
	if r.finished {
		return
	}
	r.finished = true
	r.err = err
	r.cancel()
}

// withPool builds a pool from the configured settings, runs start on the
// loop and drives the loop until start's callbacks call finish, a fatal
// error reaches the loop, or --timeout passes. The pool and loop are closed
// before it returns.
func (ac *AsyncPoolCommand) withPool(ctx context.Context, start func(r *poolRun) error) error {
	logger := ac.lg.GetLogger()
	timeout := ac.timeout.Get()

	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	loop := reactor.New(reactor.WithLogger(logger))
	defer loop.Close()

	run := &poolRun{cancel: cancel}

	overrides := ac.overrides()
	overrides[asyncpool.OptDefaultErrorHandler] = run.finish

	opener := &dbclient.SQLOpener{Logger: logger, Connector: ac.connector}
	pool, err := asyncpool.NewPool(loop, opener, overrides, asyncpool.WithLogger(logger))
	if err != nil {
		return err
	}
	defer pool.Close()
	run.pool = pool

	loop.Post(func() {
		if err := start(run); err != nil {
			run.finish(err)
		}
	})

	if err := loop.Run(ctx); err != nil {
		return err
	}
	if !run.finished {
		if ctxErr := ctx.Err(); errors.Is(ctxErr, context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", errTimeout, timeout)
		}
		return ctx.Err()
	}
	return run.err
}

// writeYAML writes v as a YAML document.
func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
