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

package poll

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/posixtranslation/vfscore/errno"
	"github.com/posixtranslation/vfscore/stream"
	"github.com/posixtranslation/vfscore/timeutil"
)

// EPOLL* op values, matching epoll_ctl(2).
const (
	EPOLL_CTL_ADD = 1
	EPOLL_CTL_DEL = 2
	EPOLL_CTL_MOD = 3
)

// Edge-triggered/one-shot bits. Setting either degrades to level-triggered
// with a logged warning.
const (
	EPOLLET      stream.PollEvents = 1 << 31
	EPOLLONESHOT stream.PollEvents = 1 << 30
)

type epollEntry struct {
	target   stream.Stream
	mask     stream.PollEvents
	userData uint64
}

// EpollStream is the epoll-create1 stream: it holds a map from member
// stream to (event_mask, user_data) and attaches itself to each member's
// listener set for wake-ups.
type EpollStream struct {
	*stream.BaseStream

	waiter *Waiter

	mu      sync.Mutex
	entries map[stream.Stream]*epollEntry
}

// NewEpollStream creates an epoll stream sharing the VFS dispatcher's
// condvar, so EpollWait is woken by the same broadcasts as every other
// blocking primitive.
func NewEpollStream(waiter *Waiter) *EpollStream {
	return &EpollStream{
		BaseStream: stream.NewBaseStream("epoll"),
		waiter:     waiter,
		entries:    make(map[stream.Stream]*epollEntry),
	}
}

// Notify implements stream.Listener: invoked when a member stream's
// readiness may have changed.
func (e *EpollStream) Notify() {
	e.waiter.Broadcast()
}

// EpollCtl implements epoll_ctl(2): add/modify/remove entries.
// Closing either the epoll-stream or a member stream is safe in any order
// because the member detaches itself from e.entries via RemoveMember,
// called from the member's last-file-ref teardown.
func (e *EpollStream) EpollCtl(op int, target stream.Stream, event stream.EpollEvent) errno.Errno {
	e.mu.Lock()
	defer e.mu.Unlock()

	if event.Events&(EPOLLET|EPOLLONESHOT) != 0 {
		logrus.WithFields(logrus.Fields{"subsystem": "poll"}).
			Warn("edge-triggered/one-shot epoll requested; degrading to level-triggered")
	}

	switch op {
	case EPOLL_CTL_ADD:
		if _, ok := e.entries[target]; ok {
			return errno.EEXIST
		}
		ent := &epollEntry{target: target, mask: event.Events, userData: event.UserData}
		e.entries[target] = ent
		target.AddListener(e)
	case EPOLL_CTL_MOD:
		ent, ok := e.entries[target]
		if !ok {
			return errno.ENOENT
		}
		ent.mask = event.Events
		ent.userData = event.UserData
	case EPOLL_CTL_DEL:
		if _, ok := e.entries[target]; !ok {
			return errno.ENOENT
		}
		delete(e.entries, target)
		target.RemoveListener(e)
	default:
		return errno.EINVAL
	}
	e.waiter.Broadcast()
	return 0
}

// RemoveMember detaches target from this epoll set without requiring a
// matching EPOLL_CTL_DEL; called from the member's last-file-ref teardown
// so a closed member doesn't leave a dangling entry.
func (e *EpollStream) RemoveMember(target stream.Stream) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.entries, target)
}

// Close detaches this epoll stream from every remaining member's listener
// set, so a member outliving the epoll fd doesn't keep notifying a dead
// set.
func (e *EpollStream) Close() errno.Errno {
	e.mu.Lock()
	members := make([]stream.Stream, 0, len(e.entries))
	for s := range e.entries {
		members = append(members, s)
	}
	e.entries = make(map[stream.Stream]*epollEntry)
	e.mu.Unlock()
	for _, s := range members {
		s.RemoveListener(e)
	}
	return 0
}

// EpollWait implements epoll_wait(2): scans registered streams on
// every wakeup, returning up to maxEvents entries whose current
// GetPollEvents() intersects their registered mask.
func (e *EpollStream) EpollWait(maxEvents int, deadline time.Time) ([]stream.EpollEvent, errno.Errno) {
	var d timeutil.Deadline
	if deadline.IsZero() {
		d = timeutil.Forever
	} else {
		d = timeutil.FromTimeout(time.Until(deadline))
	}

	var out []stream.EpollEvent
	scan := func() bool {
		out = out[:0]
		e.mu.Lock()
		for _, ent := range e.entries {
			got := ent.target.GetPollEvents() & (ent.mask | POLLHUP | POLLERR)
			if got != 0 {
				out = append(out, stream.EpollEvent{Events: got, UserData: ent.userData, Stream: ent.target})
				if len(out) == maxEvents {
					break
				}
			}
		}
		e.mu.Unlock()
		return len(out) > 0
	}

	e.waiter.WaitUntil(d, scan)
	return out, 0
}

func (e *EpollStream) GetStreamType() string { return "epoll" }
