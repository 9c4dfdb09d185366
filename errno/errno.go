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

// Package errno defines the POSIX errno taxonomy used at every boundary of
// this module. Every POSIX-shaped entry point returns (-1, Errno) on
// failure; internally, functions return (T, Errno) rather than panicking.
package errno

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Errno is a POSIX error number. The zero value means success and must
// never be returned alongside a -1 result.
type Errno unix.Errno

// The subset of errno values this module's taxonomy names
// explicitly. Values are borrowed from golang.org/x/sys/unix so they agree
// with the host kernel's numbering.
const (
	// Path errors.
	ENOENT       = Errno(unix.ENOENT)
	ENOTDIR      = Errno(unix.ENOTDIR)
	EEXIST       = Errno(unix.EEXIST)
	EACCES       = Errno(unix.EACCES)
	ENAMETOOLONG = Errno(unix.ENAMETOOLONG)
	EXDEV        = Errno(unix.EXDEV)
	EISDIR       = Errno(unix.EISDIR)
	ELOOP        = Errno(unix.ELOOP)

	// FD errors.
	EBADF  = Errno(unix.EBADF)
	EMFILE = Errno(unix.EMFILE)
	ENFILE = Errno(unix.ENFILE)

	// I/O transient.
	EAGAIN      = Errno(unix.EAGAIN)
	EWOULDBLOCK = Errno(unix.EWOULDBLOCK)
	EINPROGRESS = Errno(unix.EINPROGRESS)
	EALREADY    = Errno(unix.EALREADY)
	ETIME       = Errno(unix.ETIME)
	ETIMEDOUT   = Errno(unix.ETIMEDOUT)

	// Socket errors.
	ECONNREFUSED    = Errno(unix.ECONNREFUSED)
	ENOTCONN        = Errno(unix.ENOTCONN)
	EISCONN         = Errno(unix.EISCONN)
	EADDRINUSE      = Errno(unix.EADDRINUSE)
	EAFNOSUPPORT    = Errno(unix.EAFNOSUPPORT)
	EPROTONOSUPPORT = Errno(unix.EPROTONOSUPPORT)
	EMSGSIZE        = Errno(unix.EMSGSIZE)
	ENOTSOCK        = Errno(unix.ENOTSOCK)
	EOPNOTSUPP      = Errno(unix.EOPNOTSUPP)
	EDESTADDRREQ    = Errno(unix.EDESTADDRREQ)

	// Memory errors.
	ENOMEM = Errno(unix.ENOMEM)
	ENODEV = Errno(unix.ENODEV)
	EINVAL = Errno(unix.EINVAL)

	// Generic.
	EFAULT = Errno(unix.EFAULT)
	EPERM  = Errno(unix.EPERM)
	ENOSYS = Errno(unix.ENOSYS)
	ESPIPE = Errno(unix.ESPIPE)
	EIO    = Errno(unix.EIO)
	ENXIO  = Errno(unix.ENXIO)
	ENOTTY = Errno(unix.ENOTTY)
	EPIPE  = Errno(unix.EPIPE)
)

func (e Errno) Error() string {
	return unix.Errno(e).Error()
}

// Is reports whether err wraps this errno, for use with errors.Is.
func (e Errno) Is(err error) bool {
	var other Errno
	if As(err, &other) {
		return other == e
	}
	return false
}

// As extracts an Errno from err if possible.
func As(err error, out *Errno) bool {
	if e, ok := err.(Errno); ok {
		*out = e
		return true
	}
	return false
}

// PathPriority picks the errno a permission-gated path operation should
// synthesize when more than one condition applies:
// ENOTDIR > ENOENT > EACCES > EEXIST.
func PathPriority(notDir, notExist, noAccess, alreadyExists bool) (Errno, bool) {
	switch {
	case notDir:
		return ENOTDIR, true
	case notExist:
		return ENOENT, true
	case noAccess:
		return EACCES, true
	case alreadyExists:
		return EEXIST, true
	default:
		return 0, false
	}
}

// FromHostPathError maps an unrecognized host-layer failure to the nearest
// POSIX errno for a path-shaped call, defaulting to ENOENT.
func FromHostPathError(err error) Errno {
	return fromHost(err, ENOENT)
}

// FromHostIOError maps an unrecognized host-layer failure to the nearest
// POSIX errno for a non-path call, defaulting to EIO.
func FromHostIOError(err error) Errno {
	return fromHost(err, EIO)
}

// fromHost unwraps err down to a kernel errno if one is buried anywhere in
// its chain (net.OpError and os.SyscallError both wrap one), falling back
// to dflt.
func fromHost(err error, dflt Errno) Errno {
	if err == nil {
		return 0
	}
	var e Errno
	if errors.As(err, &e) {
		return e
	}
	var sys unix.Errno
	if errors.As(err, &sys) {
		return Errno(sys)
	}
	return dflt
}
