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

// Package poll implements the readiness fabric shared by poll(2),
// select(2), and epoll: every suspension point here waits on the
// caller-supplied condvar with an absolute deadline and rechecks each
// stream's readiness predicate on wakeup.
package poll

import (
	"github.com/posixtranslation/vfscore/errno"
	"github.com/posixtranslation/vfscore/stream"
	"github.com/posixtranslation/vfscore/timeutil"
)

// Event bits, matching the POLL* constants in poll(2). Declared as
// stream.PollEvents so a Stream's GetPollEvents() composes directly.
const (
	POLLIN   stream.PollEvents = 0x0001
	POLLPRI  stream.PollEvents = 0x0002
	POLLOUT  stream.PollEvents = 0x0004
	POLLERR  stream.PollEvents = 0x0008
	POLLHUP  stream.PollEvents = 0x0010
	POLLNVAL stream.PollEvents = 0x0020
)

// PollFD mirrors struct pollfd.
type PollFD struct {
	Stream  stream.Stream
	Events  stream.PollEvents
	Revents stream.PollEvents
	Closed  bool // set by the caller when the fd itself was never valid
}

// Waiter is the condvar every blocking readiness wait suspends on. The VFS
// dispatcher owns one Waiter, its global condvar; callers pass it in
// rather than poll constructing its own, so that any other state-changing
// VFS operation's broadcast also wakes a blocked poll.
type Waiter = timeutil.CondWaiter

// Poll implements poll(2)/ppoll(2): wait until any fds[i] reports a subset
// of fds[i].Events | POLLHUP | POLLERR | POLLNVAL, or the deadline expires.
// The caller must hold w.L for the duration of the call.
func Poll(w *Waiter, fds []PollFD, deadline timeutil.Deadline) (int, errno.Errno) {
	ready := 0
	satisfied := func() bool {
		ready = 0
		for i := range fds {
			fds[i].Revents = computeRevents(fds[i])
			if fds[i].Revents != 0 {
				ready++
			}
		}
		return ready > 0
	}

	if !w.WaitUntil(deadline, satisfied) {
		// Timeout: recompute once more for a final consistent snapshot.
		satisfied()
	}
	return ready, 0
}

func computeRevents(pfd PollFD) stream.PollEvents {
	if pfd.Closed {
		return POLLNVAL
	}
	always := POLLHUP | POLLERR | POLLNVAL
	got := pfd.Stream.GetPollEvents()
	return got & (pfd.Events | always)
}

// FDSet is a minimal fd_set-equivalent: a set of streams being watched for
// one of read/write/exception readiness.
type FDSet map[stream.Stream]bool

// Select implements select(2)/pselect(2): like Poll but expressed over
// three fd_sets, and reports the unelapsed remainder of the timeout back
// to the caller, a Linux-compatible extension beyond strict POSIX.
func Select(w *Waiter, readSet, writeSet, exceptSet FDSet, deadline timeutil.Deadline) (readyRead, readyWrite, readyExcept FDSet, remaining timeutil.Deadline, errnum errno.Errno) {
	readyRead = FDSet{}
	readyWrite = FDSet{}
	readyExcept = FDSet{}

	satisfied := func() bool {
		anyReady := false
		for s := range readSet {
			if s.IsSelectReadReady() {
				readyRead[s] = true
				anyReady = true
			}
		}
		for s := range writeSet {
			if s.IsSelectWriteReady() {
				readyWrite[s] = true
				anyReady = true
			}
		}
		for s := range exceptSet {
			if s.IsSelectExceptionReady() {
				readyExcept[s] = true
				anyReady = true
			}
		}
		return anyReady
	}

	w.WaitUntil(deadline, satisfied)
	return readyRead, readyWrite, readyExcept, deadline, 0
}
