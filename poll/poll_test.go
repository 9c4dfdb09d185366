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
	"testing"
	"time"

	"github.com/posixtranslation/vfscore/errno"
	"github.com/posixtranslation/vfscore/stream"
	"github.com/posixtranslation/vfscore/timeutil"
)

// fakeStream is a minimal stream.Stream whose readiness is controlled
// directly by the test, for exercising Poll/Select/Epoll without a real
// socket or file underneath.
type fakeStream struct {
	*stream.BaseStream

	mu         sync.Mutex
	pollEvents stream.PollEvents
	readReady  bool
	writeReady bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{BaseStream: stream.NewBaseStream("fake")}
}

func (f *fakeStream) GetPollEvents() stream.PollEvents {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pollEvents
}

func (f *fakeStream) IsSelectReadReady() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readReady
}

func (f *fakeStream) IsSelectWriteReady() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeReady
}

func (f *fakeStream) setReady(events stream.PollEvents, read, write bool) {
	f.mu.Lock()
	f.pollEvents = events
	f.readReady = read
	f.writeReady = write
	f.mu.Unlock()
}

func newWaiter() *Waiter {
	var mu sync.Mutex
	return timeutil.NewCondWaiter(&mu)
}

func TestPollReturnsImmediatelyWhenAlreadyReady(t *testing.T) {
	w := newWaiter()
	s := newFakeStream()
	s.setReady(POLLIN, true, false)

	fds := []PollFD{{Stream: s, Events: POLLIN}}

	w.L.Lock()
	n, e := Poll(w, fds, timeutil.FromTimeout(0))
	w.L.Unlock()

	if e != 0 || n != 1 {
		t.Fatalf("Poll = (%d, %v), want (1, success)", n, e)
	}
	if fds[0].Revents&POLLIN == 0 {
		t.Fatalf("Revents = %v, want POLLIN set", fds[0].Revents)
	}
}

func TestPollWaitsThenWakesOnBroadcast(t *testing.T) {
	w := newWaiter()
	s := newFakeStream()
	fds := []PollFD{{Stream: s, Events: POLLIN}}

	go func() {
		time.Sleep(20 * time.Millisecond)
		w.L.Lock()
		s.setReady(POLLIN, true, false)
		w.Broadcast()
		w.L.Unlock()
	}()

	w.L.Lock()
	n, e := Poll(w, fds, timeutil.FromTimeout(2*time.Second))
	w.L.Unlock()

	if e != 0 || n != 1 {
		t.Fatalf("Poll = (%d, %v), want (1, success)", n, e)
	}
}

func TestPollTimesOutWhenNeverReady(t *testing.T) {
	w := newWaiter()
	s := newFakeStream()
	fds := []PollFD{{Stream: s, Events: POLLIN}}

	w.L.Lock()
	n, e := Poll(w, fds, timeutil.FromTimeout(10*time.Millisecond))
	w.L.Unlock()

	if e != 0 || n != 0 {
		t.Fatalf("Poll = (%d, %v), want (0, success)", n, e)
	}
}

func TestPollClosedFDReportsPOLLNVAL(t *testing.T) {
	w := newWaiter()
	fds := []PollFD{{Closed: true}}

	w.L.Lock()
	n, e := Poll(w, fds, timeutil.FromTimeout(0))
	w.L.Unlock()

	if e != 0 || n != 1 {
		t.Fatalf("Poll = (%d, %v), want (1, success)", n, e)
	}
	if fds[0].Revents != POLLNVAL {
		t.Fatalf("Revents = %v, want POLLNVAL", fds[0].Revents)
	}
}

func TestSelectReportsReadAndWriteSetsSeparately(t *testing.T) {
	w := newWaiter()
	r := newFakeStream()
	r.setReady(0, true, false)
	wr := newFakeStream()
	wr.setReady(0, false, true)

	readSet := FDSet{r: true}
	writeSet := FDSet{wr: true}

	w.L.Lock()
	readyRead, readyWrite, readyExcept, _, e := Select(w, readSet, writeSet, FDSet{}, timeutil.FromTimeout(0))
	w.L.Unlock()

	if e != 0 {
		t.Fatalf("Select = %v, want success", e)
	}
	if !readyRead[r] {
		t.Fatalf("readyRead missing r")
	}
	if !readyWrite[wr] {
		t.Fatalf("readyWrite missing wr")
	}
	if len(readyExcept) != 0 {
		t.Fatalf("readyExcept = %v, want empty", readyExcept)
	}
}

func TestEpollCtlAddDuplicateFailsEEXIST(t *testing.T) {
	w := newWaiter()
	e := NewEpollStream(w)
	s := newFakeStream()

	if rc := e.EpollCtl(EPOLL_CTL_ADD, s, stream.EpollEvent{Events: POLLIN}); rc != 0 {
		t.Fatalf("first ADD = %v, want success", rc)
	}
	if rc := e.EpollCtl(EPOLL_CTL_ADD, s, stream.EpollEvent{Events: POLLIN}); rc != errno.EEXIST {
		t.Fatalf("duplicate ADD = %v, want EEXIST", rc)
	}
}

func TestEpollCtlModOnMissingFailsENOENT(t *testing.T) {
	w := newWaiter()
	e := NewEpollStream(w)
	s := newFakeStream()

	if rc := e.EpollCtl(EPOLL_CTL_MOD, s, stream.EpollEvent{}); rc == 0 {
		t.Fatalf("MOD on missing = success, want an error")
	}
}

func TestEpollCtlDelRemovesEntry(t *testing.T) {
	w := newWaiter()
	e := NewEpollStream(w)
	s := newFakeStream()

	e.EpollCtl(EPOLL_CTL_ADD, s, stream.EpollEvent{Events: POLLIN})
	if rc := e.EpollCtl(EPOLL_CTL_DEL, s, stream.EpollEvent{}); rc != 0 {
		t.Fatalf("DEL = %v, want success", rc)
	}
	if rc := e.EpollCtl(EPOLL_CTL_DEL, s, stream.EpollEvent{}); rc == 0 {
		t.Fatalf("second DEL = success, want an error")
	}
}

func TestEpollCtlUnknownOpFailsEINVAL(t *testing.T) {
	w := newWaiter()
	e := NewEpollStream(w)
	s := newFakeStream()
	if rc := e.EpollCtl(99, s, stream.EpollEvent{}); rc == 0 {
		t.Fatalf("unknown op = success, want EINVAL")
	}
}

func TestEpollWaitReturnsReadyMembers(t *testing.T) {
	w := newWaiter()
	e := NewEpollStream(w)
	s := newFakeStream()
	e.EpollCtl(EPOLL_CTL_ADD, s, stream.EpollEvent{Events: POLLIN, UserData: 42})

	s.setReady(POLLIN, true, false)

	w.L.Lock()
	events, rc := e.EpollWait(8, time.Now().Add(time.Second))
	w.L.Unlock()
	if rc != 0 {
		t.Fatalf("EpollWait = %v, want success", rc)
	}
	if len(events) != 1 || events[0].UserData != 42 {
		t.Fatalf("events = %+v, want one event with UserData 42", events)
	}
}

func TestEpollWaitTimesOutWhenNothingReady(t *testing.T) {
	w := newWaiter()
	e := NewEpollStream(w)
	s := newFakeStream()
	e.EpollCtl(EPOLL_CTL_ADD, s, stream.EpollEvent{Events: POLLIN})

	w.L.Lock()
	events, rc := e.EpollWait(8, time.Now().Add(20*time.Millisecond))
	w.L.Unlock()
	if rc != 0 {
		t.Fatalf("EpollWait = %v, want success", rc)
	}
	if len(events) != 0 {
		t.Fatalf("events = %v, want none", events)
	}
}

func TestRemoveMemberDetachesWithoutCtlDel(t *testing.T) {
	w := newWaiter()
	e := NewEpollStream(w)
	s := newFakeStream()
	e.EpollCtl(EPOLL_CTL_ADD, s, stream.EpollEvent{Events: POLLIN})

	e.RemoveMember(s)

	if rc := e.EpollCtl(EPOLL_CTL_DEL, s, stream.EpollEvent{}); rc == 0 {
		t.Fatalf("DEL after RemoveMember = success, want ENOENT (already detached)")
	}
}
