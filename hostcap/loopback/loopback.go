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

// Package loopback is an in-process stand-in implementation of the
// hostcap contracts, used by tests and the cmd/vfsshell diagnostic tool.
// It talks to the real host loopback network and local filesystem rather
// than faking them, since gofrs/flock-style file locking and an actual
// TCP/UDP loopback stack are cheap and deterministic enough in a test
// environment. It is not a production host capability: no sandboxing, no
// seccomp filter, no resource accounting.
package loopback

import (
	"context"
	"io"
	"net"
	"os"
	"time"

	"github.com/posixtranslation/vfscore/hostcap"
)

// Identity is a fixed uid/pid stand-in for a concrete process emulator's
// identity stubs.
type Identity struct {
	UIDValue uint32
	PIDValue uint32
}

func (i Identity) UID() uint32 { return i.UIDValue }
func (i Identity) PID() uint32 { return i.PIDValue }

// Timer wraps time.After directly; no test fakery needed since it is
// already a pure function of a duration.
type Timer struct{}

func (Timer) After(d time.Duration) <-chan time.Time { return time.After(d) }

// asyncIO adapts a blocking io.Reader/io.Writer pair to hostcap.AsyncIO by
// running each call on its own goroutine. fn is responsible for
// acquiring the VFS mutex itself, per the AsyncIO contract.
type asyncIO struct {
	conn net.Conn
}

func (a *asyncIO) ReadAsync(buf []byte, fn func(hostcap.AsyncResult)) {
	go func() {
		n, err := a.conn.Read(buf)
		fn(hostcap.AsyncResult{N: n, Err: err})
	}()
}

func (a *asyncIO) WriteAsync(buf []byte, fn func(hostcap.AsyncResult)) {
	go func() {
		n, err := a.conn.Write(buf)
		fn(hostcap.AsyncResult{N: n, Err: err})
	}()
}

// Cancel is best-effort: closing the underlying conn unblocks any
// in-flight Read/Write, which is the only cancellation primitive net.Conn
// exposes.
func (a *asyncIO) Cancel() { a.conn.Close() }

// HostSocket implements hostcap.HostSocket against the real host network
// stack (loopback-friendly: tests bind to 127.0.0.1:0 and pass the
// resolved address back through Connect).
type HostSocket struct{}

func (HostSocket) Connect(ctx context.Context, network, addr string) (hostcap.AsyncIO, net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, nil, err
	}
	return &asyncIO{conn: conn}, conn, nil
}

func (HostSocket) Listen(network, addr string) (net.Listener, error) {
	return net.Listen(network, addr)
}

func (HostSocket) WrapConn(conn net.Conn) hostcap.AsyncIO {
	return &asyncIO{conn: conn}
}

func (HostSocket) DialUDP(laddr, raddr *net.UDPAddr) (net.PacketConn, error) {
	return net.ListenUDP("udp", laddr)
}

// HostFile implements hostcap.HostFile against the real local
// filesystem. Listed for capability-surface completeness; vfs itself
// never talks to HostFile directly (only a FileSystemHandler would).
type HostFile struct{}

type hostFileIO struct {
	f *os.File
}

func (h *hostFileIO) ReadAsync(buf []byte, fn func(hostcap.AsyncResult)) {
	go func() {
		n, err := h.f.Read(buf)
		if err == io.EOF {
			err = nil
		}
		fn(hostcap.AsyncResult{N: n, Err: err})
	}()
}

func (h *hostFileIO) WriteAsync(buf []byte, fn func(hostcap.AsyncResult)) {
	go func() {
		n, err := h.f.Write(buf)
		fn(hostcap.AsyncResult{N: n, Err: err})
	}()
}

func (h *hostFileIO) Cancel() { h.f.Close() }

func (HostFile) Open(path string, flags int, mode uint32) (hostcap.AsyncIO, error) {
	f, err := os.OpenFile(path, flags, os.FileMode(mode))
	if err != nil {
		return nil, err
	}
	return &hostFileIO{f: f}, nil
}

func (HostFile) Stat(path string) (size int64, mode uint32, err error) {
	fi, serr := os.Stat(path)
	if serr != nil {
		return 0, 0, serr
	}
	return fi.Size(), uint32(fi.Mode()), nil
}
