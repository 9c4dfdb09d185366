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

// Package tcp implements the TCP stream state machine: client connect,
// server listen/accept, and the buffered async read/write pipelines
// layered on top of the hostcap capability boundary.
package tcp

import (
	"context"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/posixtranslation/vfscore/errno"
	"github.com/posixtranslation/vfscore/hostcap"
	"github.com/posixtranslation/vfscore/poll"
	"github.com/posixtranslation/vfscore/sockaddr"
	"github.com/posixtranslation/vfscore/stream"
	"github.com/posixtranslation/vfscore/timeutil"
)

// State is the TCP stream's connection state.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateListening
	StateError
)

const (
	bufCap       = 64 * 1024
	writeChunk   = 32 * 1024
	acceptBacklog = 16
)

// Stream is a TCP socket stream. Clients move NEW -> CONNECTING ->
// CONNECTED, or to ERROR when the connect fails; servers move NEW ->
// LISTENING. A failed connect is the only way into ERROR: a read error on
// a connected stream is reported as end of file, and a failed accept
// leaves a listener LISTENING.
type Stream struct {
	*stream.BaseStream

	waiter *poll.Waiter // shared VFS condvar; also guards every field below
	sock   hostcap.HostSocket

	state  State
	closed bool

	// Client side.
	conn    net.Conn
	asyncIO hostcap.AsyncIO
	connErr error // set on connect failure; surfaced via SO_ERROR

	inBuf      []byte
	outBuf     []byte
	readInFlt  bool
	writeInFlt bool
	eof        bool

	// Server side.
	listener net.Listener
	pending  []*Stream
	lBacklog int

	reuseAddr bool
	linger    int32
	nodelay   bool

	// Receive/send timeouts as durations; the absolute deadline is computed
	// at the start of each wait. Zero means no timeout.
	rcvTimeo time.Duration
	sndTimeo time.Duration

	group *errgroup.Group
}

// New constructs an unconnected client-side TCP stream sharing w as its
// condition variable, the same one the owning VFS dispatcher broadcasts on
// after every state change.
func New(w *poll.Waiter, sock hostcap.HostSocket) *Stream {
	return &Stream{
		BaseStream: stream.NewBaseStream("tcp"),
		waiter:     w,
		sock:       sock,
		state:      StateNew,
		lBacklog:   acceptBacklog,
		group:      &errgroup.Group{},
	}
}

// GetStreamType overrides BaseStream's default to identify this concrete type.
func (s *Stream) GetStreamType() string { return "tcp" }

func (s *Stream) isClosedLocked() bool { return s.closed }

// Connect starts an asynchronous connect to addr. Non-blocking callers get
// EINPROGRESS on the first call and EALREADY on any subsequent call while
// still CONNECTING; a blocking caller waits on the condvar until the state
// leaves CONNECTING.
func (s *Stream) Connect(raw []byte) errno.Errno {
	addr, e := sockaddr.Decode(raw)
	if e != 0 {
		return e
	}

	s.waiter.L.Lock()
	if s.state == StateConnecting {
		s.waiter.L.Unlock()
		return errno.EALREADY
	}
	if s.state == StateConnected {
		s.waiter.L.Unlock()
		return errno.EISCONN
	}
	s.state = StateConnecting
	nonBlock := s.Flags().NonBlock
	s.waiter.L.Unlock()

	target := addr.IP.String()
	s.group.Go(func() error {
		aio, conn, err := s.sock.Connect(context.Background(), "tcp", target)
		s.waiter.L.Lock()
		defer s.waiter.L.Unlock()
		if s.isClosedLocked() {
			return nil
		}
		if err != nil {
			s.state = StateError
			s.connErr = err
		} else {
			s.state = StateConnected
			s.conn = conn
			s.asyncIO = aio
			s.armRead()
		}
		s.waiter.Broadcast()
		return nil
	})

	if nonBlock {
		return errno.EINPROGRESS
	}

	s.waiter.L.Lock()
	defer s.waiter.L.Unlock()
	s.waiter.WaitUntil(timeutil.Forever, func() bool { return s.state != StateConnecting })
	if s.state == StateError {
		return errno.FromHostIOError(s.connErr)
	}
	return 0
}

// Listen transitions the stream to LISTENING and starts the background
// accept loop that posts incoming connections into the pending slot.
func (s *Stream) Listen(backlog int) errno.Errno {
	s.waiter.L.Lock()
	if s.state != StateNew {
		s.waiter.L.Unlock()
		return errno.EINVAL
	}
	if backlog > 0 {
		s.lBacklog = backlog
	}
	addr := s.Path()
	s.waiter.L.Unlock()

	ln, err := s.sock.Listen("tcp", addr)
	if err != nil {
		return errno.FromHostIOError(err)
	}

	s.waiter.L.Lock()
	s.listener = ln
	s.state = StateListening
	s.waiter.L.Unlock()

	s.armAccept()
	return 0
}

// armAccept posts one background Accept call; on success the new
// connection is appended to the pending slot and the loop re-arms itself,
// matching the re-arm-on-every-completion pipeline used for reads.
func (s *Stream) armAccept() {
	s.group.Go(func() error {
		conn, err := s.listener.Accept()
		s.waiter.L.Lock()
		defer s.waiter.L.Unlock()
		if s.isClosedLocked() || s.state != StateListening {
			if conn != nil {
				conn.Close()
			}
			return nil
		}
		if err != nil {
			s.waiter.Broadcast()
			return nil
		}
		child := New(s.waiter, s.sock)
		child.state = StateConnected
		child.conn = conn
		child.asyncIO = s.sock.WrapConn(conn)
		if len(s.pending) < s.lBacklog {
			s.pending = append(s.pending, child)
			child.armRead()
		} else {
			conn.Close()
		}
		s.waiter.Broadcast()
		// Re-arm while still holding the lock: Close marks the stream
		// closed under this same lock before waiting out the group, so no
		// new accept can be posted after that wait begins.
		s.armAccept()
		return nil
	})
}

// recvDeadlineLocked computes this wait's absolute deadline from
// SO_RCVTIMEO.
func (s *Stream) recvDeadlineLocked() timeutil.Deadline {
	if s.rcvTimeo <= 0 {
		return timeutil.Forever
	}
	return timeutil.FromTimeout(s.rcvTimeo)
}

func (s *Stream) sendDeadlineLocked() timeutil.Deadline {
	if s.sndTimeo <= 0 {
		return timeutil.Forever
	}
	return timeutil.FromTimeout(s.sndTimeo)
}

// Accept waits for a pending inbound connection, with deadline honoring
// SO_RCVTIMEO, and returns a new CONNECTED stream installed by the caller
// at the next free FD.
func (s *Stream) Accept() (stream.Stream, errno.Errno) {
	s.waiter.L.Lock()
	defer s.waiter.L.Unlock()
	if s.state != StateListening {
		return nil, errno.EINVAL
	}
	ok := s.waiter.WaitUntil(s.recvDeadlineLocked(), func() bool { return len(s.pending) > 0 || s.isClosedLocked() })
	if s.isClosedLocked() {
		return nil, errno.EBADF
	}
	if !ok {
		return nil, errno.EAGAIN
	}
	child := s.pending[0]
	s.pending = s.pending[1:]
	return child, 0
}

func (s *Stream) armRead() {
	if s.readInFlt || s.eof || len(s.inBuf) >= bufCap/2 {
		return
	}
	s.readInFlt = true
	buf := make([]byte, bufCap)
	s.asyncIO.ReadAsync(buf, func(res hostcap.AsyncResult) {
		s.waiter.L.Lock()
		defer s.waiter.L.Unlock()
		s.readInFlt = false
		if s.isClosedLocked() {
			return
		}
		if res.Err != nil || res.N == 0 {
			s.eof = true
		} else {
			s.inBuf = append(s.inBuf, buf[:res.N]...)
		}
		s.waiter.Broadcast()
		s.armRead()
	})
}

func (s *Stream) armWrite() {
	if s.writeInFlt || len(s.outBuf) == 0 {
		return
	}
	n := len(s.outBuf)
	if n > writeChunk {
		n = writeChunk
	}
	chunk := make([]byte, n)
	copy(chunk, s.outBuf[:n])
	s.writeInFlt = true
	s.asyncIO.WriteAsync(chunk, func(res hostcap.AsyncResult) {
		s.waiter.L.Lock()
		defer s.waiter.L.Unlock()
		s.writeInFlt = false
		if s.isClosedLocked() {
			return
		}
		if res.N > 0 {
			s.outBuf = s.outBuf[res.N:]
		}
		s.waiter.Broadcast()
		s.armWrite()
	})
}

// Read implements io.Reader: copies from inBuf and re-arms the reader. An
// O_NONBLOCK stream with nothing buffered reports EAGAIN instead of
// waiting; a blocking read honors SO_RCVTIMEO.
func (s *Stream) Read(p []byte) (int, error) {
	s.waiter.L.Lock()
	defer s.waiter.L.Unlock()
	if s.state != StateConnected {
		return 0, errno.ENOTCONN
	}
	s.armRead()
	if s.Flags().NonBlock {
		if len(s.inBuf) == 0 && !s.eof {
			return 0, errno.EAGAIN
		}
	} else {
		ok := s.waiter.WaitUntil(s.recvDeadlineLocked(), func() bool {
			return len(s.inBuf) > 0 || s.eof || s.isClosedLocked()
		})
		if !ok {
			return 0, errno.EAGAIN
		}
	}
	if s.isClosedLocked() {
		return 0, errno.EBADF
	}
	if len(s.inBuf) == 0 && s.eof {
		return 0, nil
	}
	n := copy(p, s.inBuf)
	s.inBuf = s.inBuf[n:]
	s.armRead()
	return n, nil
}

// Write implements io.Writer: appends to outBuf (blocking while full,
// honoring SO_SNDTIMEO; EAGAIN for O_NONBLOCK) and arms the writer.
func (s *Stream) Write(p []byte) (int, error) {
	s.waiter.L.Lock()
	defer s.waiter.L.Unlock()
	if s.state != StateConnected {
		return 0, errno.ENOTCONN
	}
	if s.Flags().NonBlock {
		if len(s.outBuf) >= bufCap {
			return 0, errno.EAGAIN
		}
	} else {
		ok := s.waiter.WaitUntil(s.sendDeadlineLocked(), func() bool {
			return len(s.outBuf) < bufCap || s.isClosedLocked()
		})
		if !ok {
			return 0, errno.EAGAIN
		}
	}
	if s.isClosedLocked() {
		return 0, errno.EBADF
	}
	room := bufCap - len(s.outBuf)
	n := len(p)
	if n > room {
		n = room
	}
	s.outBuf = append(s.outBuf, p[:n]...)
	s.armWrite()
	return n, nil
}

// Recv and Send delegate to Read/Write; MSG_PEEK and other flags beyond
// plain transfer are not meaningful for a stream socket here.
func (s *Stream) Recv(p []byte, flags int) (int, errno.Errno) {
	n, err := s.Read(p)
	if err != nil {
		if e, ok := err.(errno.Errno); ok {
			return n, e
		}
		return n, errno.FromHostIOError(err)
	}
	return n, 0
}

func (s *Stream) Send(p []byte, flags int) (int, errno.Errno) {
	n, err := s.Write(p)
	if err != nil {
		if e, ok := err.(errno.Errno); ok {
			return n, e
		}
		return n, errno.FromHostIOError(err)
	}
	return n, 0
}

// Getsockopt surfaces SO_ERROR (read-once-but-persists, per this socket's
// observable contract) and the echoed buffer-size/linger options.
func (s *Stream) Getsockopt(level, name int) ([]byte, errno.Errno) {
	s.waiter.L.Lock()
	defer s.waiter.L.Unlock()
	switch name {
	case SO_ERROR:
		v := int32(0)
		if s.connErr != nil {
			v = int32(errno.FromHostIOError(s.connErr))
		}
		return int32Bytes(v), 0
	case SO_REUSEADDR:
		return boolBytes(s.reuseAddr), 0
	case SO_RCVBUF, SO_SNDBUF:
		return int32Bytes(bufCap), 0
	case SO_LINGER:
		return int32Bytes(s.linger), 0
	case TCP_NODELAY:
		return boolBytes(s.nodelay), 0
	default:
		return nil, errno.EOPNOTSUPP
	}
}

func (s *Stream) Setsockopt(level, name int, value []byte) errno.Errno {
	s.waiter.L.Lock()
	defer s.waiter.L.Unlock()
	switch name {
	case SO_REUSEADDR:
		s.reuseAddr = bytesBool(value)
		return 0
	case SO_BROADCAST:
		return 0
	case SO_LINGER:
		s.linger = bytesInt32(value)
		return 0
	case SO_RCVBUF, SO_SNDBUF:
		return 0
	case SO_RCVTIMEO:
		s.rcvTimeo = time.Duration(bytesInt32(value)) * time.Millisecond
		return 0
	case SO_SNDTIMEO:
		s.sndTimeo = time.Duration(bytesInt32(value)) * time.Millisecond
		return 0
	case TCP_NODELAY:
		s.nodelay = bytesBool(value)
		return 0
	case IPV6_V6ONLY:
		if bytesInt32(value) == 0 {
			return 0
		}
		return errno.EINVAL
	default:
		return errno.EOPNOTSUPP
	}
}

// Shutdown checks that the socket is connected and otherwise changes
// nothing: no half-close is recorded, and teardown happens on Close.
func (s *Stream) Shutdown(how int) errno.Errno {
	s.waiter.L.Lock()
	defer s.waiter.L.Unlock()
	if s.state != StateConnected {
		return errno.ENOTCONN
	}
	return 0
}

// Close waits for any in-flight write to drain, cancels any in-flight
// read, and marks the stream closed so background completions bail out.
func (s *Stream) Close() errno.Errno {
	s.waiter.L.Lock()
	if s.closed {
		s.waiter.L.Unlock()
		return errno.EBADF
	}
	s.waiter.WaitUntil(timeutil.Forever, func() bool { return !s.writeInFlt })
	s.closed = true
	if s.asyncIO != nil {
		s.asyncIO.Cancel()
	}
	conn := s.conn
	ln := s.listener
	s.waiter.Broadcast()
	s.waiter.L.Unlock()

	// Unblock any host call still in flight before waiting for its
	// completion to observe the closed flag.
	if conn != nil {
		conn.Close()
	}
	if ln != nil {
		ln.Close()
	}
	s.group.Wait()
	return 0
}

// IsSelectReadReady, IsSelectWriteReady, IsSelectExceptionReady, and
// GetPollEvents are readiness predicates consulted only by the poll/select/
// epoll fabric (poll/poll.go, poll/epoll.go), which always calls them with
// s.waiter.L already held for the duration of the wait. They must not take
// that lock themselves, or a poll/select/epoll_wait on this stream would
// self-deadlock against the caller's own lock.
func (s *Stream) IsSelectReadReady() bool {
	if s.state == StateListening {
		return len(s.pending) > 0
	}
	return len(s.inBuf) > 0 || s.eof
}

func (s *Stream) IsSelectWriteReady() bool {
	if s.state == StateConnecting {
		return false
	}
	return s.state == StateConnected && len(s.outBuf) < bufCap
}

func (s *Stream) IsSelectExceptionReady() bool {
	return s.state == StateError
}

func (s *Stream) GetPollEvents() stream.PollEvents {
	var ev stream.PollEvents
	switch s.state {
	case StateConnecting:
		// Neither readable nor writable until the connect attempt resolves.
	case StateConnected:
		if len(s.inBuf) > 0 || s.eof {
			ev |= 0x0001 // POLLIN
		}
		if len(s.outBuf) < bufCap {
			ev |= 0x0004 // POLLOUT
		}
	case StateListening:
		if len(s.pending) > 0 {
			ev |= 0x0001
		}
	case StateError:
		ev |= 0x0001 | 0x0004 | 0x0008 // POLLIN|POLLOUT|POLLERR
	}
	return ev
}
