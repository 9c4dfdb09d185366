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

// Package localsocket implements one class covering both pipes
// (half-duplex byte streams) and true AF_UNIX sockets in the abstract
// namespace, including connect rendezvous, SCM_RIGHTS passing, and
// SO_PEERCRED.
package localsocket

import (
	"sync"

	"github.com/posixtranslation/vfscore/errno"
	"github.com/posixtranslation/vfscore/poll"
	"github.com/posixtranslation/vfscore/sockaddr"
	"github.com/posixtranslation/vfscore/stream"
	"github.com/posixtranslation/vfscore/timeutil"
)

// Direction is the half-duplex direction of a pipe endpoint; true AF_UNIX
// sockets are always READ_WRITE.
type Direction int

const (
	ReadOnly Direction = iota
	WriteOnly
	ReadWrite
)

const (
	ringCap       = 64 * 1024
	backlogCap    = 16
	datagramCap   = 256
)

// PeerCred is the creator pid/uid/gid captured at peer-attach, returned by
// SO_PEERCRED.
type PeerCred struct {
	PID uint32
	UID uint32
	GID uint32
}

type cmsgBatch struct {
	streams []stream.Stream
}

// Stream is a local socket or pipe endpoint.
type Stream struct {
	*stream.BaseStream

	waiter *poll.Waiter
	dir    Direction

	closed bool

	// Byte-stream mode (SOCK_STREAM / pipe): circular buffer.
	ring    []byte
	ringLen int

	// Datagram mode (SOCK_DGRAM): deque of whole messages.
	datagram bool
	dgrams   [][]byte

	cmsgQueue []cmsgBatch

	peer     *Stream
	peerCred PeerCred
	selfCred PeerCred

	// Listener-only state (populated once Listen succeeds; nil otherwise).
	boundName     string
	listenBacklog int
	pendingConns  []*pendingConn
}

// New constructs a detached endpoint; Connect/Accept (for sockets) or
// Pipe (for pipes) wires up the peer.
func New(w *poll.Waiter, dir Direction, datagram bool, cred PeerCred) *Stream {
	return &Stream{
		BaseStream: stream.NewBaseStream("localsocket"),
		waiter:     w,
		dir:        dir,
		datagram:   datagram,
		ring:       make([]byte, ringCap),
		selfCred:   cred,
	}
}

func (s *Stream) GetStreamType() string { return "localsocket" }

// Pipe wires two newly constructed endpoints (read side, write side)
// together as reciprocal peers, for pipe(2)/pipe2(2).
func Pipe(w *poll.Waiter, cred PeerCred) (*Stream, *Stream) {
	r := New(w, ReadOnly, false, cred)
	wr := New(w, WriteOnly, false, cred)
	r.setPeer(wr, cred)
	wr.setPeer(r, cred)
	return r, wr
}

// SocketPair wires two newly constructed AF_UNIX endpoints together as
// reciprocal peers, for socketpair(2).
func SocketPair(w *poll.Waiter, datagram bool, cred PeerCred) (*Stream, *Stream) {
	a := New(w, ReadWrite, datagram, cred)
	b := New(w, ReadWrite, datagram, cred)
	a.setPeer(b, cred)
	b.setPeer(a, cred)
	return a, b
}

func (s *Stream) setPeer(p *Stream, cred PeerCred) {
	s.peer = p
	s.peerCred = cred
}

// abstractNamespace is the process-wide flat map from abstract name to
// listening stream, per the abstract-namespace-only contract (sun_path[0]
// == '\0'; pathname-bound sockets return ENOSYS).
type abstractNamespace struct {
	mu        sync.Mutex
	listeners map[string]*Stream
}

// Namespace is the process-wide abstract-socket-namespace table through
// which every local-socket Stream in this package binds and connects.
var Namespace = &abstractNamespace{listeners: make(map[string]*Stream)}

type pendingConn struct {
	conn *Stream
}

// Bind registers this stream as a listener under addr's abstract name (if
// the socket later calls Listen); a pathname-bound address is ENOSYS.
func (s *Stream) Bind(raw []byte) errno.Errno {
	addr, e := sockaddr.Decode(raw)
	if e != 0 {
		return e
	}
	if addr.Family != sockaddr.AF_UNIX {
		return errno.EAFNOSUPPORT
	}
	s.waiter.L.Lock()
	defer s.waiter.L.Unlock()
	s.boundName = addr.Path
	return 0
}

// Listen marks this stream as a listener under its bound abstract name;
// subsequent Connect calls from other streams enqueue onto backlog.
func (s *Stream) Listen(backlog int) errno.Errno {
	s.waiter.L.Lock()
	if backlog <= 0 {
		backlog = backlogCap
	}
	s.listenBacklog = backlog
	name := s.boundName
	s.waiter.L.Unlock()
	if name == "" {
		return errno.EINVAL
	}

	Namespace.mu.Lock()
	Namespace.listeners[name] = s
	Namespace.mu.Unlock()
	return 0
}

// Connect locates the listener registered under addr's abstract name,
// enqueues onto its backlog (refusing with ECONNREFUSED if full), and
// waits for Accept to pair the two sides via setPeer.
func (s *Stream) Connect(raw []byte) errno.Errno {
	addr, e := sockaddr.Decode(raw)
	if e != 0 {
		return e
	}
	Namespace.mu.Lock()
	listener, ok := Namespace.listeners[addr.Path]
	Namespace.mu.Unlock()
	if !ok {
		return errno.ECONNREFUSED
	}

	listener.waiter.L.Lock()
	if len(listener.pendingConns) >= listener.listenBacklog {
		listener.waiter.L.Unlock()
		return errno.ECONNREFUSED
	}
	listener.pendingConns = append(listener.pendingConns, &pendingConn{conn: s})
	listener.waiter.Broadcast()
	listener.waiter.L.Unlock()

	s.waiter.L.Lock()
	defer s.waiter.L.Unlock()
	s.waiter.WaitUntil(timeutil.Forever, func() bool { return s.peer != nil || s.closed })
	if s.closed {
		return errno.EBADF
	}
	return 0
}

// Accept blocks for an enqueued connector, pairs both sides via setPeer,
// and returns the server-side endpoint. Already-closed connectors
// sitting in the backlog are popped silently.
func (s *Stream) Accept() (stream.Stream, errno.Errno) {
	s.waiter.L.Lock()
	defer s.waiter.L.Unlock()

	// Every local-socket endpoint shares the one VFS condvar and its lock,
	// so the connector's state is already guarded by the lock held here.
	for {
		s.waiter.WaitUntil(timeutil.Forever, func() bool { return len(s.pendingConns) > 0 || s.closed })
		if s.closed {
			return nil, errno.EBADF
		}
		pc := s.pendingConns[0]
		s.pendingConns = s.pendingConns[1:]

		if pc.conn.closed {
			continue
		}
		server := New(s.waiter, ReadWrite, s.datagram, s.selfCred)
		server.setPeer(pc.conn, pc.conn.selfCred)
		pc.conn.setPeer(server, s.selfCred)
		s.waiter.Broadcast()
		return server, 0
	}
}

// Write appends to the peer's buffer (stream mode) or enqueues a whole
// message (datagram mode). Stream mode blocks while the peer's buffer is
// full; datagram mode fails with EAGAIN once the peer already holds
// datagramCap queued messages. The peer shares this endpoint's condvar and lock, so one acquisition guards
// both sides.
func (s *Stream) Write(p []byte) (int, error) {
	s.waiter.L.Lock()
	defer s.waiter.L.Unlock()
	if s.dir == ReadOnly {
		return 0, errno.EBADF
	}
	if s.peer == nil {
		return 0, errno.EPIPE
	}
	peer := s.peer

	if s.datagram {
		if len(peer.dgrams) >= datagramCap {
			return 0, errno.EAGAIN
		}
		msg := make([]byte, len(p))
		copy(msg, p)
		peer.dgrams = append(peer.dgrams, msg)
		s.waiter.Broadcast()
		return len(p), nil
	}

	if s.Flags().NonBlock && peer.ringLen >= len(peer.ring) && !peer.closed {
		return 0, errno.EAGAIN
	}
	s.waiter.WaitUntil(timeutil.Forever, func() bool {
		return peer.ringLen < len(peer.ring) || peer.closed || s.closed
	})
	if s.closed {
		return 0, errno.EBADF
	}
	if peer.closed {
		return 0, errno.EPIPE
	}
	room := len(peer.ring) - peer.ringLen
	n := len(p)
	if n > room {
		n = room
	}
	copy(peer.ring[peer.ringLen:], p[:n])
	peer.ringLen += n
	s.waiter.Broadcast()
	return n, nil
}

// Read pulls bytes out of this endpoint's own buffer (stream mode) or pops
// one queued datagram. A read blocked at the time of this endpoint's own
// close reports EBADF; a closed peer with nothing buffered is EOF.
func (s *Stream) Read(p []byte) (int, error) {
	s.waiter.L.Lock()
	defer s.waiter.L.Unlock()
	if s.dir == WriteOnly {
		return 0, errno.EBADF
	}

	if s.datagram {
		if s.Flags().NonBlock && len(s.dgrams) == 0 && (s.peer == nil || !s.peer.closed) {
			return 0, errno.EAGAIN
		}
		s.waiter.WaitUntil(timeutil.Forever, func() bool {
			return len(s.dgrams) > 0 || s.closed || (s.peer != nil && s.peer.closed)
		})
		if len(s.dgrams) == 0 {
			if s.closed {
				return 0, errno.EBADF
			}
			return 0, nil
		}
		msg := s.dgrams[0]
		s.dgrams = s.dgrams[1:]
		return copy(p, msg), nil
	}

	if s.Flags().NonBlock && s.ringLen == 0 && (s.peer == nil || !s.peer.closed) {
		return 0, errno.EAGAIN
	}
	s.waiter.WaitUntil(timeutil.Forever, func() bool {
		return s.ringLen > 0 || s.closed || (s.peer != nil && s.peer.closed)
	})
	if s.ringLen == 0 {
		if s.closed {
			return 0, errno.EBADF
		}
		return 0, nil
	}
	n := len(p)
	if n > s.ringLen {
		n = s.ringLen
	}
	copy(p[:n], s.ring[:n])
	copy(s.ring, s.ring[n:s.ringLen])
	s.ringLen -= n
	s.waiter.Broadcast()
	return n, nil
}

func (s *Stream) Send(p []byte, flags int) (int, errno.Errno) {
	n, err := s.Write(p)
	if err != nil {
		return n, errno.FromHostIOError(err)
	}
	return n, 0
}

func (s *Stream) Recv(p []byte, flags int) (int, errno.Errno) {
	n, err := s.Read(p)
	if err != nil {
		return n, errno.FromHostIOError(err)
	}
	return n, 0
}

// SendMsg transfers msg's payload like Send and, if RightsStreams is
// non-empty (the VFS dispatcher having already dup_locked each listed FD),
// enqueues the batch on the peer's cmsg queue.
func (s *Stream) SendMsg(msg *stream.Msghdr, flags int) (int, errno.Errno) {
	var total int
	for _, iov := range msg.Iov {
		n, e := s.Send(iov, flags)
		total += n
		if e != 0 {
			return total, e
		}
	}
	if len(msg.RightsStreams) > 0 {
		s.waiter.L.Lock()
		peer := s.peer
		if peer == nil {
			s.waiter.L.Unlock()
			return total, errno.EPIPE
		}
		peer.cmsgQueue = append(peer.cmsgQueue, cmsgBatch{streams: msg.RightsStreams})
		s.waiter.Broadcast()
		s.waiter.L.Unlock()
	}
	return total, 0
}

// RecvMsg pops one cmsg batch if bytes were transferred. If the caller's
// msg.ControlLen is too small to hold every FD, extra FDs are closed
// (newest first) and MSG_CTRUNC is set in msg.Flags.
func (s *Stream) RecvMsg(msg *stream.Msghdr, flags int) (int, errno.Errno) {
	const MSG_CTRUNC = 0x08
	var total int
	for _, iov := range msg.Iov {
		n, e := s.Recv(iov, flags)
		total += n
		if e != 0 {
			return total, e
		}
		if n < len(iov) {
			break
		}
	}
	if total == 0 {
		return total, 0
	}

	s.waiter.L.Lock()
	if len(s.cmsgQueue) > 0 {
		batch := s.cmsgQueue[0]
		s.cmsgQueue = s.cmsgQueue[1:]
		maxRights := msg.ControlLen / 4
		streams := batch.streams
		if maxRights > 0 && len(streams) > maxRights {
			overflow := streams[maxRights:]
			streams = streams[:maxRights]
			msg.Flags |= MSG_CTRUNC
			// Close the newest (tail) FDs first, matching the
			// newest-first overflow rule.
			for i := len(overflow) - 1; i >= 0; i-- {
				overflow[i].DecRef(nil)
			}
		}
		msg.RightsStreams = streams
	}
	s.waiter.L.Unlock()
	return total, 0
}

// Getsockopt surfaces SO_PEERCRED: the creator pid/uid/gid captured at
// peer-attach.
func (s *Stream) Getsockopt(level, name int) ([]byte, errno.Errno) {
	const SO_PEERCRED = 17
	if name != SO_PEERCRED {
		return nil, errno.EOPNOTSUPP
	}
	s.waiter.L.Lock()
	defer s.waiter.L.Unlock()
	buf := make([]byte, 12)
	putU32(buf[0:4], s.peerCred.PID)
	putU32(buf[4:8], s.peerCred.UID)
	putU32(buf[8:12], s.peerCred.GID)
	return buf, 0
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func (s *Stream) Getsockname() ([]byte, errno.Errno) {
	s.waiter.L.Lock()
	defer s.waiter.L.Unlock()
	return sockaddr.Encode(sockaddr.Addr{Family: sockaddr.AF_UNIX, Path: s.boundName}), 0
}

func (s *Stream) Getpeername() ([]byte, errno.Errno) {
	s.waiter.L.Lock()
	defer s.waiter.L.Unlock()
	if s.peer == nil {
		return nil, errno.ENOTCONN
	}
	return sockaddr.Encode(sockaddr.Addr{Family: sockaddr.AF_UNIX, Path: s.peer.boundName}), 0
}

func (s *Stream) Shutdown(how int) errno.Errno { return 0 }

func (s *Stream) Close() errno.Errno {
	s.waiter.L.Lock()
	if s.closed {
		s.waiter.L.Unlock()
		return errno.EBADF
	}
	s.closed = true
	for _, batch := range s.cmsgQueue {
		for _, st := range batch.streams {
			st.DecRef(nil)
		}
	}
	s.cmsgQueue = nil
	name := s.boundName
	s.waiter.Broadcast()
	s.waiter.L.Unlock()

	if name != "" {
		Namespace.mu.Lock()
		if Namespace.listeners[name] == s {
			delete(Namespace.listeners, name)
		}
		Namespace.mu.Unlock()
	}
	return 0
}

// IsSelectReadReady, IsSelectWriteReady, IsSelectExceptionReady, and
// GetPollEvents are readiness predicates consulted only by the poll/select/
// epoll fabric (poll/poll.go, poll/epoll.go), which always calls them with
// s.waiter.L already held for the duration of the wait. They must not take
// that lock themselves, or a poll/select/epoll_wait on this stream would
// self-deadlock against the caller's own lock.
func (s *Stream) IsSelectReadReady() bool {
	if s.datagram {
		return len(s.dgrams) > 0
	}
	return s.ringLen > 0 || (s.peer != nil && s.peer.closed) || len(s.pendingConns) > 0
}

func (s *Stream) IsSelectWriteReady() bool {
	return s.peer == nil || s.peer.ringLen < len(s.peer.ring) || s.datagram
}

func (s *Stream) IsSelectExceptionReady() bool { return false }

func (s *Stream) GetPollEvents() stream.PollEvents {
	var ev stream.PollEvents
	if s.IsSelectReadReady() {
		ev |= 0x0001
	}
	if s.IsSelectWriteReady() {
		ev |= 0x0004
	}
	if s.peer != nil && s.peer.closed {
		ev |= 0x0010 // POLLHUP
	}
	return ev
}
