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
	"sort"
	"testing"
	"time"

	"github.com/posixtranslation/vfscore/errno"
	"github.com/posixtranslation/vfscore/hostcap/loopback"
	"github.com/posixtranslation/vfscore/mount"
	"github.com/posixtranslation/vfscore/poll"
	"github.com/posixtranslation/vfscore/sockaddr"
	"github.com/posixtranslation/vfscore/stream"
	"github.com/posixtranslation/vfscore/timeutil"
	"github.com/posixtranslation/vfscore/vfs/memfs"
)

func newTestVFS(uid uint32) (*VirtualFileSystem, *memfs.Handler) {
	identity := loopback.Identity{UIDValue: uid, PIDValue: 1}
	v := New(identity, loopback.HostSocket{})
	h := memfs.New(false)
	v.Mount("/", h, 0, true)
	return v, h
}

func TestOpenCreateWriteReadRoundTrips(t *testing.T) {
	v, _ := newTestVFS(0)
	fd, e := v.Open("/file", stream.OpenFlags{Create: true}, 0644)
	if e != 0 {
		t.Fatalf("Open(create) = %v, want success", e)
	}
	if _, e := v.Write(fd, []byte("hello")); e != 0 {
		t.Fatalf("Write = %v, want success", e)
	}
	if e := v.Close(fd); e != 0 {
		t.Fatalf("Close = %v, want success", e)
	}

	fd2, e := v.Open("/file", stream.OpenFlags{}, 0)
	if e != 0 {
		t.Fatalf("reopen = %v, want success", e)
	}
	buf := make([]byte, 16)
	n, e := v.Read(fd2, buf)
	if e != 0 || string(buf[:n]) != "hello" {
		t.Fatalf("Read = (%q, %v), want (\"hello\", success)", buf[:n], e)
	}
}

func TestOpenDirectoryRoutesToDirectoryEnumerator(t *testing.T) {
	v, h := newTestVFS(0)
	if e := h.Mkdir("/dir", 0755); e != 0 {
		t.Fatalf("Mkdir = %v, want success", e)
	}
	h.Open("/dir/a", stream.OpenFlags{Create: true}, 0644)
	h.Open("/dir/b", stream.OpenFlags{Create: true}, 0644)

	fd, e := v.Open("/dir", stream.OpenFlags{Directory: true}, 0)
	if e != 0 {
		t.Fatalf("Open(O_DIRECTORY) = %v, want success", e)
	}
	defer v.Close(fd)

	entries, ge := v.Getdents(fd)
	if ge != 0 {
		t.Fatalf("Getdents = %v, want success", ge)
	}
	var names []string
	for _, ent := range entries {
		names = append(names, ent.Name)
	}
	sort.Strings(names)
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Fatalf("Getdents names = %v, want [a b]", names)
	}
}

func TestOpenDirectoryOnEmptyDirectorySupportsGetdents(t *testing.T) {
	// Regression guard: Open(O_DIRECTORY) must dispatch to
	// OnDirectoryContentsNeeded, not Open, or Getdents would see a
	// plain byte stream and report ENOTDIR.
	v, h := newTestVFS(0)
	h.Mkdir("/d2", 0755)

	fd, e := v.Open("/d2", stream.OpenFlags{Directory: true}, 0)
	if e != 0 {
		t.Fatalf("Open(O_DIRECTORY) = %v, want success", e)
	}
	defer v.Close(fd)
	if _, ge := v.Getdents(fd); ge != 0 {
		t.Fatalf("Getdents on a directory stream = %v, want success", ge)
	}
}

func TestMkdirRmdirLifecycle(t *testing.T) {
	v, _ := newTestVFS(0)
	if e := v.Mkdir("/newdir", 0755); e != 0 {
		t.Fatalf("Mkdir = %v, want success", e)
	}
	st, e := v.Stat("/newdir")
	if e != 0 || !st.IsDir {
		t.Fatalf("Stat = (%v, %v), want a directory", st, e)
	}
	if e := v.Rmdir("/newdir"); e != 0 {
		t.Fatalf("Rmdir = %v, want success", e)
	}
	if _, e := v.Stat("/newdir"); e != errno.ENOENT {
		t.Fatalf("Stat after rmdir = %v, want ENOENT", e)
	}
}

func TestRenamePreservesInodeAcrossMove(t *testing.T) {
	v, _ := newTestVFS(0)
	v.Open("/old", stream.OpenFlags{Create: true}, 0644)
	before, _ := v.Stat("/old")

	if e := v.Rename("/old", "/new"); e != 0 {
		t.Fatalf("Rename = %v, want success", e)
	}
	after, e := v.Stat("/new")
	if e != 0 {
		t.Fatalf("Stat(/new) = %v, want success", e)
	}
	if after.Ino != before.Ino {
		t.Fatalf("inode changed across rename: before=%d after=%d", before.Ino, after.Ino)
	}
}

func TestCreateOnReadOnlyMountDeniedForAppUID(t *testing.T) {
	identity := loopback.Identity{UIDValue: 10050, PIDValue: 1}
	v := New(identity, loopback.HostSocket{})
	h := memfs.New(false)
	v.Mount("/", h, 0, false)

	if _, e := v.Open("/blocked", stream.OpenFlags{Create: true}, 0644); e != errno.EACCES {
		t.Fatalf("Open(create) on read-only mount for app uid = %v, want EACCES", e)
	}
}

func TestCreateOnReadOnlyMountAllowedForRoot(t *testing.T) {
	v := New(loopback.Identity{UIDValue: 0, PIDValue: 1}, loopback.HostSocket{})
	h := memfs.New(false)
	v.Mount("/", h, 0, false)

	if _, e := v.Open("/allowed", stream.OpenFlags{Create: true}, 0644); e != 0 {
		t.Fatalf("Open(create) as root on read-only mount = %v, want success", e)
	}
}

func TestPipeRoundTrip(t *testing.T) {
	v, _ := newTestVFS(0)
	r, w, e := v.Pipe()
	if e != 0 {
		t.Fatalf("Pipe = %v, want success", e)
	}
	defer v.Close(r)
	defer v.Close(w)

	if _, e := v.Write(w, []byte("msg")); e != 0 {
		t.Fatalf("Write = %v, want success", e)
	}
	buf := make([]byte, 8)
	n, e := v.Read(r, buf)
	if e != 0 || string(buf[:n]) != "msg" {
		t.Fatalf("Read = (%q, %v), want (\"msg\", success)", buf[:n], e)
	}
}

func TestLoadBootstrapMountsPrefix(t *testing.T) {
	v := New(loopback.Identity{UIDValue: 0, PIDValue: 1}, loopback.HostSocket{})
	h := memfs.New(false)
	handlers := map[string]stream.FileSystemHandler{"/data": h}
	bootstrap := []mount.BootstrapMount{{Prefix: "/data", OwnerUID: 0, Writable: true}}

	if e := v.LoadBootstrap(bootstrap, handlers); e != 0 {
		t.Fatalf("LoadBootstrap = %v, want success", e)
	}
	if e := h.Mkdir("/data/x", 0755); e != 0 {
		t.Fatalf("precondition Mkdir = %v, want success", e)
	}
	st, e := v.Stat("/data/x")
	if e != 0 || !st.IsDir {
		t.Fatalf("Stat(/data/x) = (%v, %v), want a directory", st, e)
	}
}

func TestLoadBootstrapRejectsUnknownPrefix(t *testing.T) {
	v := New(loopback.Identity{UIDValue: 0, PIDValue: 1}, loopback.HostSocket{})
	bootstrap := []mount.BootstrapMount{{Prefix: "/missing", OwnerUID: 0, Writable: true}}
	if e := v.LoadBootstrap(bootstrap, map[string]stream.FileSystemHandler{}); e != errno.ENODEV {
		t.Fatalf("LoadBootstrap with unregistered handler = %v, want ENODEV", e)
	}
}

func TestCloseAlreadyClosedFailsEBADF(t *testing.T) {
	v, _ := newTestVFS(0)
	fd, _ := v.Open("/f", stream.OpenFlags{Create: true}, 0644)
	if e := v.Close(fd); e != 0 {
		t.Fatalf("first Close = %v, want success", e)
	}
	if e := v.Close(fd); e != errno.EBADF {
		t.Fatalf("second Close = %v, want EBADF", e)
	}
}

// withTimeout runs fn in a goroutine and fails the test rather than hanging
// forever if fn doesn't return in time. Regression guard for the
// v.mu/s.waiter.L double-lock deadlock: before the fix, Poll/Select/
// EpollWait on a real socket-backed stream never returned at all.
func withTimeout(t *testing.T, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out — poll/select/epoll on a socket-backed stream deadlocked")
	}
}

// TestPollOnSocketStreamDoesNotDeadlock is the regression guard for a real
// bug: the readiness predicates consulted by the poll fabric
// (GetPollEvents/IsSelectReadReady/...) used to lock the stream's own
// s.waiter.L, which for a tcp/udp/localsocket stream is literally v.mu —
// the same mutex vfs.Poll already holds for the whole wait. Before the fix
// this self-deadlocked every poll(2) call against a connected socket.
func TestPollOnSocketStreamDoesNotDeadlock(t *testing.T) {
	v := New(loopback.Identity{UIDValue: 0, PIDValue: 1}, loopback.HostSocket{})

	fd1, fd2, e := v.Socketpair(int(sockaddr.AF_UNIX), SOCK_STREAM, 0)
	if e != 0 {
		t.Fatalf("Socketpair = %v, want success", e)
	}
	defer v.Close(fd1)
	defer v.Close(fd2)

	if _, e := v.Write(fd1, []byte("ping")); e != 0 {
		t.Fatalf("Write = %v, want success", e)
	}

	var pfds []poll.PollFD
	var n int
	withTimeout(t, func() {
		pfds, n, e = v.Poll([]PollRequest{{FD: fd2, Events: poll.POLLIN}}, timeutil.FromTimeout(time.Second))
	})
	if e != 0 {
		t.Fatalf("Poll = %v, want success", e)
	}
	if n != 1 || pfds[0].Revents&poll.POLLIN == 0 {
		t.Fatalf("Poll result = %+v, want POLLIN ready", pfds)
	}
}

// TestSelectOnSocketStreamDoesNotDeadlock covers the same deadlock for
// vfs.Select, the other entry point into the same readiness fabric.
func TestSelectOnSocketStreamDoesNotDeadlock(t *testing.T) {
	v := New(loopback.Identity{UIDValue: 0, PIDValue: 1}, loopback.HostSocket{})

	fd1, fd2, e := v.Socketpair(int(sockaddr.AF_UNIX), SOCK_STREAM, 0)
	if e != 0 {
		t.Fatalf("Socketpair = %v, want success", e)
	}
	defer v.Close(fd1)
	defer v.Close(fd2)

	if _, e := v.Write(fd1, []byte("ping")); e != 0 {
		t.Fatalf("Write = %v, want success", e)
	}

	var readyRead []int
	withTimeout(t, func() {
		readyRead, _, _, _, e = v.Select([]int{fd2}, nil, nil, timeutil.FromTimeout(time.Second))
	})
	if e != 0 {
		t.Fatalf("Select = %v, want success", e)
	}
	if len(readyRead) != 1 || readyRead[0] != fd2 {
		t.Fatalf("Select readyRead = %v, want [%d]", readyRead, fd2)
	}
}

// TestEpollWaitOnSocketStreamDoesNotDeadlock covers the epoll_wait(2) path
// (poll/epoll.go's EpollStream.EpollWait), driven here through a real
// socket-backed fd.
func TestEpollWaitOnSocketStreamDoesNotDeadlock(t *testing.T) {
	v := New(loopback.Identity{UIDValue: 0, PIDValue: 1}, loopback.HostSocket{})

	fd1, fd2, e := v.Socketpair(int(sockaddr.AF_UNIX), SOCK_STREAM, 0)
	if e != 0 {
		t.Fatalf("Socketpair = %v, want success", e)
	}
	defer v.Close(fd1)
	defer v.Close(fd2)

	epfd, e := v.EpollCreate1()
	if e != 0 {
		t.Fatalf("EpollCreate1 = %v, want success", e)
	}
	defer v.Close(epfd)

	if e := v.EpollCtl(epfd, poll.EPOLL_CTL_ADD, fd2, stream.EpollEvent{Events: poll.POLLIN}); e != 0 {
		t.Fatalf("EpollCtl = %v, want success", e)
	}

	if _, e := v.Write(fd1, []byte("ping")); e != 0 {
		t.Fatalf("Write = %v, want success", e)
	}

	var events []stream.EpollEvent
	withTimeout(t, func() {
		events, e = v.EpollWait(epfd, 8, time.Now().Add(time.Second))
	})
	if e != 0 {
		t.Fatalf("EpollWait = %v, want success", e)
	}
	if len(events) != 1 || events[0].Events&poll.POLLIN == 0 {
		t.Fatalf("EpollWait events = %+v, want one POLLIN event", events)
	}
}
