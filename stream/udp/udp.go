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

// Package udp implements the UDP stream state machine: bounded incoming
// datagram queue, unbounded-until-drained outgoing queue, auto-bind on
// first send, and the connected-peer ingress filter.
package udp

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/posixtranslation/vfscore/errno"
	"github.com/posixtranslation/vfscore/poll"
	"github.com/posixtranslation/vfscore/sockaddr"
	"github.com/posixtranslation/vfscore/stream"
	"github.com/posixtranslation/vfscore/timeutil"
)

// State is the UDP stream's binding state.
type State int

const (
	StateNew State = iota
	StateBinding
	StateBound
)

const (
	inQueueCap = 16

	// Enforced packet-size ceilings, per address family.
	maxPacketIPv4 = 65507
	maxPacketIPv6 = 65527
)

type datagram struct {
	payload []byte
	from    sockaddr.Addr
}

// Stream is a UDP socket stream.
type Stream struct {
	*stream.BaseStream

	waiter *poll.Waiter
	conn   net.PacketConn

	state   State
	closed  bool
	peer    sockaddr.Addr
	hasPeer bool
	local   sockaddr.Addr

	inQueue []datagram

	// Outgoing datagrams are queued and sent one at a time; draining is
	// the writer goroutine's job. The host API commits to message
	// boundaries, so a partial send is an invariant violation.
	outQueue []datagram
	draining bool

	// Receive timeout as a duration; the absolute deadline is computed at
	// the start of each wait. Zero means no timeout.
	rcvTimeo time.Duration

	readLoopStarted bool
}

// New constructs an unbound UDP stream sharing w as its condition
// variable.
func New(w *poll.Waiter) *Stream {
	return &Stream{
		BaseStream: stream.NewBaseStream("udp"),
		waiter:     w,
		state:      StateNew,
	}
}

func (s *Stream) GetStreamType() string { return "udp" }

// Bind transitions the socket from NEW to BOUND at addr.
func (s *Stream) Bind(raw []byte) errno.Errno {
	addr, e := sockaddr.Decode(raw)
	if e != 0 {
		return e
	}
	s.waiter.L.Lock()
	defer s.waiter.L.Unlock()
	if s.state != StateNew {
		return errno.EINVAL
	}
	return s.bindLocked(addr)
}

func (s *Stream) bindLocked(addr sockaddr.Addr) errno.Errno {
	host := ""
	if addr.IP.IsValid() {
		host = addr.IP.String()
	}
	conn, err := net.ListenPacket("udp", host)
	if err != nil {
		return errno.FromHostIOError(err)
	}
	s.conn = conn
	s.local = addr
	if ua, ok := conn.LocalAddr().(*net.UDPAddr); ok && addr.IP.IsValid() {
		s.local = sockaddr.FromUDPAddr(ua)
	}
	s.state = StateBound
	s.startReadLoopLocked()
	return 0
}

// Connect with AF_UNSPEC clears the peer; otherwise it stores the peer
// address without issuing a host connect (UDP "connect" is purely local
// bookkeeping here).
func (s *Stream) Connect(raw []byte) errno.Errno {
	addr, e := sockaddr.Decode(raw)
	if e != 0 {
		return e
	}
	s.waiter.L.Lock()
	defer s.waiter.L.Unlock()
	if addr.Family == sockaddr.AF_UNSPEC {
		s.hasPeer = false
		return 0
	}
	s.peer = addr
	s.hasPeer = true
	return 0
}

func (s *Stream) startReadLoopLocked() {
	if s.readLoopStarted {
		return
	}
	s.readLoopStarted = true
	go s.readLoop()
}

// readLoop pulls datagrams off the host PacketConn and enqueues them,
// bounded at inQueueCap; beyond that, incoming datagrams are dropped.
func (s *Stream) readLoop() {
	buf := make([]byte, 65535)
	for {
		n, from, err := s.conn.ReadFrom(buf)
		s.waiter.L.Lock()
		if s.closed {
			s.waiter.L.Unlock()
			return
		}
		if err != nil {
			s.waiter.L.Unlock()
			return
		}
		var fromAddr sockaddr.Addr
		if udpAddr, ok := from.(*net.UDPAddr); ok {
			fromAddr = sockaddr.FromUDPAddr(udpAddr)
		}
		if s.hasPeer && !sameAddr(fromAddr, s.peer) {
			// Ingress filter: connected sockets silently drop datagrams
			// from any other peer.
			s.waiter.L.Unlock()
			continue
		}
		if len(s.inQueue) < inQueueCap {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			s.inQueue = append(s.inQueue, datagram{payload: payload, from: fromAddr})
		} else {
			logrus.WithFields(logrus.Fields{"subsystem": "udp", "bytes": n}).
				Warn("inbound datagram dropped: queue full")
		}
		s.waiter.Broadcast()
		s.waiter.L.Unlock()
	}
}

func sameAddr(a, b sockaddr.Addr) bool {
	return a.Family == b.Family && a.IP == b.IP
}

func ceilingFor(addr sockaddr.Addr) int {
	if addr.Family == sockaddr.AF_INET6 {
		return maxPacketIPv6
	}
	return maxPacketIPv4
}

// SendTo queues one datagram to addr, auto-binding to the wildcard address
// first if the socket has not yet bound. Queued datagrams are drained one
// at a time by a writer goroutine; the queue is unbounded until drained.
func (s *Stream) SendTo(p []byte, addrRaw []byte, flags int) (int, errno.Errno) {
	addr, e := sockaddr.Decode(addrRaw)
	if e != 0 {
		return 0, e
	}
	if len(p) > ceilingFor(addr) {
		return 0, errno.EMSGSIZE
	}

	s.waiter.L.Lock()
	defer s.waiter.L.Unlock()
	if s.state == StateNew {
		if be := s.bindLocked(sockaddr.Addr{Family: sockaddr.AF_INET}); be != 0 {
			return 0, be
		}
	}
	payload := make([]byte, len(p))
	copy(payload, p)
	s.outQueue = append(s.outQueue, datagram{payload: payload, from: addr})
	s.drainLocked()
	return len(p), 0
}

// drainLocked ensures one writer goroutine is sending the head of
// outQueue. Caller must hold s.waiter.L.
func (s *Stream) drainLocked() {
	if s.draining || len(s.outQueue) == 0 {
		return
	}
	s.draining = true
	dg := s.outQueue[0]
	conn := s.conn
	go func() {
		target := &net.UDPAddr{IP: dg.from.IP.Addr().AsSlice(), Port: int(dg.from.IP.Port())}
		n, err := conn.WriteTo(dg.payload, target)
		if err == nil && n != len(dg.payload) {
			panic("udp: partial datagram send violates host message-boundary contract")
		}
		s.waiter.L.Lock()
		defer s.waiter.L.Unlock()
		s.draining = false
		if s.closed {
			return
		}
		s.outQueue = s.outQueue[1:]
		s.waiter.Broadcast()
		s.drainLocked()
	}()
}

// Send requires a connected peer and forwards to SendTo.
func (s *Stream) Send(p []byte, flags int) (int, errno.Errno) {
	s.waiter.L.Lock()
	if !s.hasPeer {
		s.waiter.L.Unlock()
		return 0, errno.EDESTADDRREQ
	}
	peer := s.peer
	s.waiter.L.Unlock()
	return s.SendTo(p, sockaddr.Encode(peer), 0)
}

func (s *Stream) Write(p []byte) (int, error) {
	n, e := s.Send(p, 0)
	if e != 0 {
		return n, e
	}
	return n, nil
}

// RecvFrom dequeues one datagram, optionally peeking (leaving it queued)
// when MSG_PEEK is set.
func (s *Stream) RecvFrom(p []byte, flags int) (int, []byte, errno.Errno) {
	const MSG_PEEK = 0x2
	s.waiter.L.Lock()
	defer s.waiter.L.Unlock()

	if s.Flags().NonBlock && len(s.inQueue) == 0 {
		return 0, nil, errno.EAGAIN
	}
	deadline := timeutil.Forever
	if s.rcvTimeo > 0 {
		deadline = timeutil.FromTimeout(s.rcvTimeo)
	}
	ok := s.waiter.WaitUntil(deadline, func() bool { return len(s.inQueue) > 0 || s.closed })
	if s.closed {
		return 0, nil, errno.EBADF
	}
	if !ok {
		return 0, nil, errno.EAGAIN
	}
	dg := s.inQueue[0]
	if flags&MSG_PEEK == 0 {
		s.inQueue = s.inQueue[1:]
	}
	n := copy(p, dg.payload)
	return n, sockaddr.Encode(dg.from), 0
}

// Recv requires a connected peer; recv with no connected peer fails
// ENOTCONN.
func (s *Stream) Recv(p []byte, flags int) (int, errno.Errno) {
	s.waiter.L.Lock()
	connected := s.hasPeer
	s.waiter.L.Unlock()
	if !connected {
		return 0, errno.ENOTCONN
	}
	n, _, e := s.RecvFrom(p, flags)
	return n, e
}

func (s *Stream) Read(p []byte) (int, error) {
	n, e := s.Recv(p, 0)
	if e != 0 {
		return n, e
	}
	return n, nil
}

func (s *Stream) Getsockname() ([]byte, errno.Errno) {
	s.waiter.L.Lock()
	defer s.waiter.L.Unlock()
	return sockaddr.Encode(s.local), 0
}

func (s *Stream) Getpeername() ([]byte, errno.Errno) {
	s.waiter.L.Lock()
	defer s.waiter.L.Unlock()
	if !s.hasPeer {
		return nil, errno.ENOTCONN
	}
	return sockaddr.Encode(s.peer), 0
}

func (s *Stream) Shutdown(how int) errno.Errno { return 0 }

func (s *Stream) Close() errno.Errno {
	s.waiter.L.Lock()
	if s.closed {
		s.waiter.L.Unlock()
		return errno.EBADF
	}
	s.closed = true
	conn := s.conn
	s.waiter.Broadcast()
	s.waiter.L.Unlock()
	if conn != nil {
		conn.Close()
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
	return len(s.inQueue) > 0
}

func (s *Stream) IsSelectWriteReady() bool { return true }

func (s *Stream) IsSelectExceptionReady() bool { return false }

func (s *Stream) GetPollEvents() stream.PollEvents {
	var ev stream.PollEvents
	if s.IsSelectReadReady() {
		ev |= 0x0001
	}
	ev |= 0x0004
	return ev
}

func (s *Stream) Getsockopt(level, name int) ([]byte, errno.Errno) {
	const SO_BROADCAST = 6
	switch name {
	case SO_BROADCAST:
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, 0)
		return buf, 0
	default:
		return nil, errno.EOPNOTSUPP
	}
}

func (s *Stream) Setsockopt(level, name int, value []byte) errno.Errno {
	const (
		SO_BROADCAST = 6
		SO_RCVTIMEO  = 20
		SO_SNDTIMEO  = 21
	)
	switch name {
	case SO_BROADCAST:
		return 0
	case SO_RCVTIMEO:
		if len(value) >= 4 {
			s.waiter.L.Lock()
			s.rcvTimeo = time.Duration(binary.LittleEndian.Uint32(value)) * time.Millisecond
			s.waiter.L.Unlock()
		}
		return 0
	case SO_SNDTIMEO:
		// Sends never block the caller (the writer goroutine drains the
		// queue), so a send timeout has nothing to bound; accepted as a
		// no-op.
		return 0
	default:
		return errno.EOPNOTSUPP
	}
}
