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

import "sync"

// DescriptorTable hands out session descriptors the way the kernel hands out
// file descriptors: the lowest free number first. A number is reused as soon
// as the session holding it is closed.
type DescriptorTable struct {
	mu    sync.Mutex
	base  int
	inUse []bool
}

// NewDescriptorTable returns a table whose first descriptor is base.
func NewDescriptorTable(base int) *DescriptorTable {
	return &DescriptorTable{base: base}
}

// descriptors is shared by every session of the process. 0-2 are skipped to
// keep numbers recognisable next to real file descriptors in logs.
var descriptors = NewDescriptorTable(3)

// Acquire returns the lowest free descriptor.
func (t *DescriptorTable) Acquire() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, used := range t.inUse {
		if !used {
			t.inUse[i] = true
			return t.base + i
		}
	}
	t.inUse = append(t.inUse, true)
	return t.base + len(t.inUse) - 1
}

// Release frees fd. Releasing an unknown descriptor is a no-op.
func (t *DescriptorTable) Release(fd int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := fd - t.base
	if i < 0 || i >= len(t.inUse) {
		return
	}
	t.inUse[i] = false
}

// InUse returns the number of descriptors currently held.
func (t *DescriptorTable) InUse() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, used := range t.inUse {
		if used {
			n++
		}
	}
	return n
}
