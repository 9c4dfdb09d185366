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
	"github.com/posixtranslation/vfscore/errno"
	"github.com/posixtranslation/vfscore/sockaddr"
	"github.com/posixtranslation/vfscore/stream"
	"github.com/posixtranslation/vfscore/stream/localsocket"
	"github.com/posixtranslation/vfscore/stream/tcp"
	"github.com/posixtranslation/vfscore/stream/udp"
)

// socket(2) type constants, matching Linux.
const (
	SOCK_STREAM = 1
	SOCK_DGRAM  = 2
)

// SOCK_NONBLOCK/SOCK_CLOEXEC type-flag bits, matching Linux.
const (
	sockNonBlock = 0x800
	sockCloExec  = 0x80000
)

// Socket implements socket(2): domain/type select which concrete stream
// package backs the new fd; SOCK_NONBLOCK is recorded in the stream's
// open-flags, SOCK_CLOEXEC is accepted and ignored (no exec boundary
// exists in a single-process emulation).
func (v *VirtualFileSystem) Socket(domain int, typ int, protocol int) (int, errno.Errno) {
	v.mu.Lock()
	defer v.mu.Unlock()

	nonBlock := typ&sockNonBlock != 0
	sockType := typ &^ (sockNonBlock | sockCloExec)

	var s stream.Stream
	switch sockaddr.Family(domain) {
	case sockaddr.AF_INET, sockaddr.AF_INET6:
		switch sockType {
		case SOCK_STREAM:
			s = tcp.New(v.waiter, v.sock)
		case SOCK_DGRAM:
			s = udp.New(v.waiter)
		default:
			return -1, errno.EPROTONOSUPPORT
		}
	case sockaddr.AF_UNIX:
		s = localsocket.New(v.waiter, localsocket.ReadWrite, sockType == SOCK_DGRAM, v.peerCred())
	default:
		return -1, errno.EAFNOSUPPORT
	}

	s.SetFlags(stream.OpenFlags{NonBlock: nonBlock})
	perm := stream.PermissionInfo{UID: v.identity.UID(), Writable: true}
	return v.installStream(s, perm, "")
}

// Socketpair implements socketpair(2): only AF_UNIX is supported, matching
// the localsocket package's scope.
func (v *VirtualFileSystem) Socketpair(domain, typ, protocol int) (int, int, errno.Errno) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if sockaddr.Family(domain) != sockaddr.AF_UNIX {
		return -1, -1, errno.EAFNOSUPPORT
	}
	a, b := localsocket.SocketPair(v.waiter, typ&^(sockNonBlock|sockCloExec) == SOCK_DGRAM, v.peerCred())
	perm := stream.PermissionInfo{UID: v.identity.UID(), Writable: true}
	fd1, e := v.installStream(a, perm, "")
	if e != 0 {
		return -1, -1, e
	}
	fd2, e := v.installStream(b, perm, "")
	if e != 0 {
		v.fds.Close(fd1, closeStream)
		return -1, -1, e
	}
	return fd1, fd2, 0
}

// Pipe/Pipe2 implement pipe(2)/pipe2(2) over the same half-duplex
// localsocket endpoints pipes and sockets share.
func (v *VirtualFileSystem) Pipe() (int, int, errno.Errno) {
	return v.Pipe2(0)
}

// Pipe2 is pipe2(2): O_NONBLOCK applies to both ends, O_CLOEXEC is
// accepted and ignored (no exec boundary in a single-process emulation).
func (v *VirtualFileSystem) Pipe2(flags int) (int, int, errno.Errno) {
	v.mu.Lock()
	defer v.mu.Unlock()
	r, w := localsocket.Pipe(v.waiter, v.peerCred())
	if flags&O_NONBLOCK != 0 {
		rf := r.Flags()
		rf.NonBlock = true
		r.SetFlags(rf)
		wf := w.Flags()
		wf.NonBlock = true
		w.SetFlags(wf)
	}
	perm := stream.PermissionInfo{UID: v.identity.UID(), Writable: true}
	rfd, e := v.installStream(r, perm, "")
	if e != 0 {
		return -1, -1, e
	}
	wfd, e := v.installStream(w, perm, "")
	if e != 0 {
		v.fds.Close(rfd, closeStream)
		return -1, -1, e
	}
	return rfd, wfd, 0
}

func (v *VirtualFileSystem) Bind(fd int, addr []byte) errno.Errno {
	s, e := v.get(fd)
	if e != 0 {
		return e
	}
	return s.Bind(addr)
}

func (v *VirtualFileSystem) Connect(fd int, addr []byte) errno.Errno {
	s, e := v.get(fd)
	if e != 0 {
		return e
	}
	return s.Connect(addr)
}

func (v *VirtualFileSystem) Listen(fd int, backlog int) errno.Errno {
	s, e := v.get(fd)
	if e != 0 {
		return e
	}
	return s.Listen(backlog)
}

// Accept implements accept(2)/accept4(2): the accepted connection is
// installed at the lowest free fd in the same table as the listener.
func (v *VirtualFileSystem) Accept(fd int) (int, errno.Errno) {
	s, e := v.get(fd)
	if e != 0 {
		return -1, e
	}
	child, ae := s.Accept()
	if ae != 0 {
		return -1, ae
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	perm := stream.PermissionInfo{UID: v.identity.UID(), Writable: true}
	return v.installStream(child, perm, "")
}

func (v *VirtualFileSystem) Shutdown(fd int, how int) errno.Errno {
	s, e := v.get(fd)
	if e != 0 {
		return e
	}
	return s.Shutdown(how)
}

func (v *VirtualFileSystem) Getsockname(fd int) ([]byte, errno.Errno) {
	s, e := v.get(fd)
	if e != 0 {
		return nil, e
	}
	return s.Getsockname()
}

func (v *VirtualFileSystem) Getpeername(fd int) ([]byte, errno.Errno) {
	s, e := v.get(fd)
	if e != 0 {
		return nil, e
	}
	return s.Getpeername()
}

func (v *VirtualFileSystem) Getsockopt(fd int, level, name int) ([]byte, errno.Errno) {
	s, e := v.get(fd)
	if e != 0 {
		return nil, e
	}
	return s.Getsockopt(level, name)
}

func (v *VirtualFileSystem) Setsockopt(fd int, level, name int, value []byte) errno.Errno {
	s, e := v.get(fd)
	if e != 0 {
		return e
	}
	return s.Setsockopt(level, name, value)
}

func (v *VirtualFileSystem) Send(fd int, p []byte, flags int) (int, errno.Errno) {
	s, e := v.get(fd)
	if e != 0 {
		return -1, e
	}
	return s.Send(p, flags)
}

func (v *VirtualFileSystem) SendTo(fd int, p []byte, addr []byte, flags int) (int, errno.Errno) {
	s, e := v.get(fd)
	if e != 0 {
		return -1, e
	}
	return s.SendTo(p, addr, flags)
}

func (v *VirtualFileSystem) Recv(fd int, p []byte, flags int) (int, errno.Errno) {
	s, e := v.get(fd)
	if e != 0 {
		return -1, e
	}
	return s.Recv(p, flags)
}

func (v *VirtualFileSystem) RecvFrom(fd int, p []byte, flags int) (int, []byte, errno.Errno) {
	s, e := v.get(fd)
	if e != 0 {
		return -1, nil, e
	}
	return s.RecvFrom(p, flags)
}

// SendMsg implements sendmsg(2): resolves msg.RightsFDs against this
// process's fd table into dup_locked stream references before handing the
// call to the stream, since only the dispatcher can see the sender's fd
// table.
func (v *VirtualFileSystem) SendMsg(fd int, msg *stream.Msghdr) (int, errno.Errno) {
	v.mu.Lock()
	s, e := v.fds.Get(fd)
	if e != 0 {
		v.mu.Unlock()
		return -1, e
	}
	rights := make([]stream.Stream, 0, len(msg.RightsFDs))
	for _, rfd := range msg.RightsFDs {
		rs, re := v.dupLocked(rfd)
		if re != 0 {
			for _, r := range rights {
				r.DecRef(nil)
			}
			v.mu.Unlock()
			return -1, re
		}
		rights = append(rights, rs)
	}
	msg.RightsStreams = rights
	v.mu.Unlock()

	return s.SendMsg(msg, msg.Flags)
}

// RecvMsg implements recvmsg(2): installs every stream RecvMsg dequeued
// into this process's fd table at fresh numbers, filling msg.RightsFDs.
func (v *VirtualFileSystem) RecvMsg(fd int, msg *stream.Msghdr) (int, errno.Errno) {
	s, e := v.get(fd)
	if e != 0 {
		return -1, e
	}
	n, re := s.RecvMsg(msg, msg.Flags)
	if re != 0 {
		return n, re
	}
	if len(msg.RightsStreams) == 0 {
		return n, 0
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	msg.RightsFDs = make([]int, 0, len(msg.RightsStreams))
	for _, rs := range msg.RightsStreams {
		rfd, ie := v.fds.Install(rs)
		if ie != 0 {
			rs.DecRef(nil)
			continue
		}
		msg.RightsFDs = append(msg.RightsFDs, rfd)
	}
	return n, 0
}
