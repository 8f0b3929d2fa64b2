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
	"github.com/Workiva/go-datastructures/queue"
)

// Backlog is the FIFO of requests waiting for an idle connection. One Backlog
// is shared by every connection of a pool. It is only touched from the event
// loop goroutine.
type Backlog struct {
	q *queue.Queue
}

// NewBacklog creates an empty backlog.
func NewBacklog() *Backlog {
	return &Backlog{q: queue.New(16)}
}

// Push appends req at the tail. Pushing onto a disposed backlog drops req and
// returns false.
func (b *Backlog) Push(req *Request) bool {
	return b.q.Put(req) == nil
}

// Pop removes the head.
func (b *Backlog) Pop() (*Request, bool) {
	// Get blocks on an empty queue.
	if b.q.Empty() {
		return nil, false
	}
	items, err := b.q.Get(1)
	if err != nil || len(items) == 0 {
		return nil, false
	}
	return items[0].(*Request), true
}

// Len returns the number of waiting requests.
func (b *Backlog) Len() int {
	return int(b.q.Len())
}

// Dispose empties the backlog, returning what was waiting. The backlog
// refuses requests afterwards.
func (b *Backlog) Dispose() []*Request {
	items := b.q.Dispose()
	reqs := make([]*Request, 0, len(items))
	for _, item := range items {
		reqs = append(reqs, item.(*Request))
	}
	return reqs
}
