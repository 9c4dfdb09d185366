// Copyright 2026 The Vfscore Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fdtable implements the descriptor table: a
// mapping from integer FD to an optional stream reference, with a min-heap
// of unused FDs enforcing "lowest free FD" for open/dup/dup2/pipe/socket.
package fdtable

import (
	"container/heap"

	"github.com/posixtranslation/vfscore/errno"
	"github.com/posixtranslation/vfscore/stream"
)

// MinFD and MaxFD bound the descriptor space.
const (
	MinFD = 0
	MaxFD = 1024*1024 - 1
)

type entry struct {
	stream stream.Stream // nil while reserved-but-unbound
	used   bool
}

// Table is the FD-to-stream map. Not safe for concurrent use without
// external locking: the VFS dispatcher is the sole owner and always calls
// Table's methods with its global mutex held.
type Table struct {
	entries map[int]*entry
	free    *minHeap
	next    int // smallest FD never yet allocated, to bound heap growth
}

// New constructs an empty table.
func New() *Table {
	h := &minHeap{}
	heap.Init(h)
	return &Table{entries: make(map[int]*entry), free: h, next: MinFD}
}

// Reserve allocates the lowest unused FD and marks it used-but-unbound
// (stream = nil), for constructing a stream in multiple steps while still
// occupying its slot. Returns -1/EMFILE if none are available.
func (t *Table) Reserve() (int, errno.Errno) {
	// Skip free-pool entries that dup2 has since re-occupied directly.
	for t.free.Len() > 0 {
		fd := heap.Pop(t.free).(int)
		if _, ok := t.entries[fd]; ok {
			continue
		}
		t.entries[fd] = &entry{used: true}
		return fd, 0
	}
	if t.next > MaxFD {
		return -1, errno.EMFILE
	}
	fd := t.next
	t.next++
	t.entries[fd] = &entry{used: true}
	return fd, 0
}

// Bind attaches s to a previously Reserve()d fd.
func (t *Table) Bind(fd int, s stream.Stream) {
	if e, ok := t.entries[fd]; ok {
		e.stream = s
	}
}

// Install is Reserve+Bind in one step, the common case for open/socket/pipe.
func (t *Table) Install(s stream.Stream) (int, errno.Errno) {
	fd, e := t.Reserve()
	if e != 0 {
		return -1, e
	}
	t.Bind(fd, s)
	return fd, 0
}

// InstallAt installs s at exactly fd, closing whatever was there first.
// onLastRef is invoked if the replaced fd's stream's refcount reaches
// zero.
func (t *Table) InstallAt(fd int, s stream.Stream, onLastRef func(stream.Stream)) errno.Errno {
	if fd < MinFD || fd > MaxFD {
		return errno.EBADF
	}
	if old, ok := t.entries[fd]; ok && old.stream != nil {
		victim := old.stream
		victim.DecRef(func() {
			if onLastRef != nil {
				onLastRef(victim)
			}
		})
	} else if !ok {
		t.markUsedDirect(fd)
	}
	t.entries[fd] = &entry{stream: s, used: true}
	return 0
}

// markUsedDirect handles dup2 targeting an fd at or above the highest ever
// allocated (Linux allows this): it advances next past fd and pushes the
// skipped fds into the free pool. An fd already in the pool stays there
// and is skipped by Reserve once occupied.
func (t *Table) markUsedDirect(fd int) {
	if fd >= t.next {
		for i := t.next; i < fd; i++ {
			heap.Push(t.free, i)
		}
		t.next = fd + 1
	}
}

// Get returns the stream bound to fd, or -1/EBADF if fd is not open or not
// yet bound.
func (t *Table) Get(fd int) (stream.Stream, errno.Errno) {
	e, ok := t.entries[fd]
	if !ok || e.stream == nil {
		return nil, errno.EBADF
	}
	return e.stream, 0
}

// Dup installs a new reference to fd's stream at the lowest free fd.
func (t *Table) Dup(fd int) (int, errno.Errno) {
	s, e := t.Get(fd)
	if e != 0 {
		return -1, e
	}
	s.IncRef()
	newFD, e := t.Install(s)
	if e != 0 {
		s.DecRef(nil)
		return -1, e
	}
	return newFD, 0
}

// Dup2 closes newfd first, then aliases it to fd's stream. A dup2(fd, fd)
// is a no-op success without closing.
func (t *Table) Dup2(fd, newFD int, onLastRef func(stream.Stream)) (int, errno.Errno) {
	s, e := t.Get(fd)
	if e != 0 {
		return -1, e
	}
	if fd == newFD {
		return newFD, 0
	}
	s.IncRef()
	if e := t.InstallAt(newFD, s, onLastRef); e != 0 {
		s.DecRef(nil)
		return -1, e
	}
	return newFD, 0
}

// Close removes fd's mapping and, on the stream's last reference, invokes
// onLastRef, which may run teardown that itself blocks. A second close of
// the same fd must return -1/EBADF.
func (t *Table) Close(fd int, onLastRef func(stream.Stream)) errno.Errno {
	e, ok := t.entries[fd]
	if !ok || e.stream == nil {
		return errno.EBADF
	}
	victim := e.stream
	delete(t.entries, fd)
	heap.Push(t.free, fd)
	victim.DecRef(func() {
		if onLastRef != nil {
			onLastRef(victim)
		}
	})
	return 0
}

// minHeap is a container/heap of int FDs, enforcing "lowest free FD".
type minHeap []int

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(int)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}
