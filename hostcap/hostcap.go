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

// Package hostcap declares the narrow contracts this module consumes from
// its host environment: a capability-style API exposing a file-system
// handle, TCP/UDP socket handles, a host resolver, and timers. Concrete
// implementations (a sandboxed file handler, a host DNS resolver, a
// TCP/UDP transport library, a syscall-tracing shim, a test harness) are
// external collaborators and out of scope for this module; it depends
// only on these interfaces.
package hostcap

import (
	"context"
	"net"
	"time"
)

// Identity reports the uid/pid of the calling process, standing in for a
// concrete process emulator's identity stubs, out of scope here.
type Identity interface {
	UID() uint32
	PID() uint32
}

// AsyncResult is the outcome of a completed asynchronous host operation.
type AsyncResult struct {
	N   int
	Err error
}

// AsyncIO is the async completion-callback primitive the contract's streams
// post reads/writes through. Completions are delivered on fn, which must
// acquire the VFS mutex before touching any shared state.
type AsyncIO interface {
	// ReadAsync posts an asynchronous read of up to len(buf) bytes and
	// invokes fn with the result once it completes (on the host-callback
	// thread scheduling).
	ReadAsync(buf []byte, fn func(AsyncResult))
	// WriteAsync posts an asynchronous write of buf and invokes fn with the
	// result once it completes.
	WriteAsync(buf []byte, fn func(AsyncResult))
	// Cancel best-effort cancels any operation in flight. Completions for a
	// cancelled operation may still be delivered; callers must check their
	// stream's closed flag in fn cancellation.
	Cancel()
}

// HostSocket is the host socket API this layer's TCP/UDP/local-socket
// streams are built on.
type HostSocket interface {
	Connect(ctx context.Context, network, addr string) (AsyncIO, net.Conn, error)
	Listen(network, addr string) (net.Listener, error)
	// WrapConn adapts an already-established connection (an accepted
	// inbound socket) to the same async primitive Connect returns.
	WrapConn(conn net.Conn) AsyncIO
	DialUDP(laddr, raddr *net.UDPAddr) (net.PacketConn, error)
}

// HostFile is the host file-IO API concrete FileSystemHandlers are built
// on. It is listed here for completeness of the capability surface; the
// VFS core itself only ever talks to a FileSystemHandler, never to
// HostFile directly.
type HostFile interface {
	Open(path string, flags int, mode uint32) (AsyncIO, error)
	Stat(path string) (size int64, mode uint32, err error)
}

// Timer is the blocking-wait facility backing absolute-deadline waits
// when a stream needs a host-driven timeout instead of timeutil's
// in-process timer (e.g. a host-side accept timeout).
type Timer interface {
	After(d time.Duration) <-chan time.Time
}

// Statx mirrors the fields of this module's stat result that a handler can
// populate; the VFS dispatcher fills in the inode itself, since inodes are
// assigned by the VFS, not the handler.
type Statx struct {
	Size    int64
	Mode    uint32
	UID     uint32
	GID     uint32
	Atime   time.Time
	Mtime   time.Time
	Ctime   time.Time
	IsDir   bool
	NLink   uint32
}

// Statfs mirrors the statfs(2)/statvfs(2) result a handler reports.
type Statfs struct {
	BlockSize   int64
	Blocks      uint64
	BlocksFree  uint64
	Files       uint64
	FilesFree   uint64
	NameMax     uint32
}
