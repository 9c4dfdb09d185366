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

package vfs

import (
	"time"

	"github.com/posixtranslation/vfscore/errno"
	"github.com/posixtranslation/vfscore/poll"
	"github.com/posixtranslation/vfscore/stream"
	"github.com/posixtranslation/vfscore/timeutil"
)

// PollRequest is one struct pollfd entry, addressed by fd rather than by
// stream reference since the caller only ever has fds.
type PollRequest struct {
	FD     int
	Events stream.PollEvents
}

// Poll implements poll(2)/ppoll(2): resolves every fd to its stream (an
// invalid fd reports POLLNVAL rather than failing the whole call, matching
// Linux), then delegates to the poll package's shared wait loop.
func (v *VirtualFileSystem) Poll(reqs []PollRequest, deadline timeutil.Deadline) ([]poll.PollFD, int, errno.Errno) {
	v.mu.Lock()
	defer v.mu.Unlock()

	pfds := make([]poll.PollFD, len(reqs))
	for i, r := range reqs {
		s, e := v.fds.Get(r.FD)
		if e != 0 {
			pfds[i] = poll.PollFD{Closed: true, Events: r.Events}
			continue
		}
		pfds[i] = poll.PollFD{Stream: s, Events: r.Events}
	}
	n, e := poll.Poll(v.waiter, pfds, deadline)
	return pfds, n, e
}

// Select implements select(2)/pselect(2): fds are translated to streams
// and back via the per-call maps below, since poll.FDSet is keyed by
// stream identity rather than by fd number.
func (v *VirtualFileSystem) Select(readFDs, writeFDs, exceptFDs []int, deadline timeutil.Deadline) (readyRead, readyWrite, readyExcept []int, remaining timeutil.Deadline, errnum errno.Errno) {
	v.mu.Lock()
	defer v.mu.Unlock()

	byStream := make(map[stream.Stream][]int)
	toSet := func(fds []int) (poll.FDSet, errno.Errno) {
		set := poll.FDSet{}
		for _, fd := range fds {
			s, e := v.fds.Get(fd)
			if e != 0 {
				return nil, e
			}
			set[s] = true
			byStream[s] = append(byStream[s], fd)
		}
		return set, 0
	}

	readSet, e := toSet(readFDs)
	if e != 0 {
		return nil, nil, nil, deadline, e
	}
	writeSet, e := toSet(writeFDs)
	if e != 0 {
		return nil, nil, nil, deadline, e
	}
	exceptSet, e := toSet(exceptFDs)
	if e != 0 {
		return nil, nil, nil, deadline, e
	}

	rr, rw, re, rem, _ := poll.Select(v.waiter, readSet, writeSet, exceptSet, deadline)
	fromSet := func(set poll.FDSet) []int {
		var out []int
		for s := range set {
			out = append(out, byStream[s]...)
		}
		return out
	}
	return fromSet(rr), fromSet(rw), fromSet(re), rem, 0
}

// EpollCreate1 implements epoll_create1(2): installs a fresh epoll stream
// sharing this VFS's condvar, so any broadcast from another operation also
// wakes a blocked EpollWait.
func (v *VirtualFileSystem) EpollCreate1() (int, errno.Errno) {
	v.mu.Lock()
	defer v.mu.Unlock()
	s := poll.NewEpollStream(v.waiter)
	perm := stream.PermissionInfo{UID: v.identity.UID()}
	return v.installStream(s, perm, "")
}

func (v *VirtualFileSystem) epollStream(epfd int) (*poll.EpollStream, errno.Errno) {
	s, e := v.fds.Get(epfd)
	if e != 0 {
		return nil, e
	}
	ep, ok := s.(*poll.EpollStream)
	if !ok {
		return nil, errno.EINVAL
	}
	return ep, 0
}

// EpollCtl implements epoll_ctl(2).
func (v *VirtualFileSystem) EpollCtl(epfd int, op int, targetFD int, event stream.EpollEvent) errno.Errno {
	v.mu.Lock()
	defer v.mu.Unlock()
	ep, e := v.epollStream(epfd)
	if e != 0 {
		return e
	}
	target, e := v.fds.Get(targetFD)
	if e != 0 {
		return e
	}
	event.Stream = target
	return ep.EpollCtl(op, target, event)
}

// EpollWait implements epoll_wait(2). The lookup and the wait itself share
// v.mu: EpollWait blocks on the same condvar every other suspension point
// uses, and that condvar's Lock must stay held for the duration of the wait.
func (v *VirtualFileSystem) EpollWait(epfd int, maxEvents int, deadline time.Time) ([]stream.EpollEvent, errno.Errno) {
	v.mu.Lock()
	defer v.mu.Unlock()
	ep, e := v.epollStream(epfd)
	if e != 0 {
		return nil, e
	}
	return ep.EpollWait(maxEvents, deadline)
}
