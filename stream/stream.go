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

// Package stream defines the Stream and FileSystemHandler contracts every
// concrete stream (TCP/UDP socket, local socket, ashmem, sync fence, device
// file, directory) implements, plus the default "returns an errno" base
// every concrete stream embeds and overrides selectively, the way a VFS
// layer's default file-description implementation usually works.
package stream

import (
	"io"
	"sync"
	"time"

	"github.com/posixtranslation/vfscore/errno"
)

// PollEvents is a bitmask of poll(2)-shaped readiness bits (POLLIN et al.,
// defined in package poll to avoid a cycle; Stream implementations only
// need to OR raw bits together so the type is a plain uint32 here).
type PollEvents uint32

// OpenFlags mirrors the open(2) flags relevant to a stream's behavior.
type OpenFlags struct {
	Raw       int
	NonBlock  bool
	Append    bool
	Create    bool
	Excl      bool
	Directory bool
}

// PermissionInfo is set by the owning handler immediately after
// construction and before the stream is handed to a caller: every stream
// handed out by a handler must have a PermissionInfo with a valid UID
// before it reaches the user.
type PermissionInfo struct {
	UID      uint32
	Writable bool
}

// InvalidUID marks a PermissionInfo that has not yet been assigned.
const InvalidUID = ^uint32(0)

// IOVec is a scatter/gather buffer, mirroring struct iovec.
type IOVec []byte

// Listener is the weak back-reference target notified when a stream's
// readiness changes. poll/select/epoll register listeners on a stream's
// listener set.
type Listener interface {
	Notify()
}

// Stream is the per-descriptor object every concrete stream implements.
// BaseStream supplies a default for every method; concrete streams embed
// it and override only the methods relevant to their type.
type Stream interface {
	// GetStreamType returns a static string used for tracing.
	GetStreamType() string

	// Path returns the stream's immutable path, or "" if none.
	Path() string
	// Permission returns the stream's PermissionInfo.
	Permission() PermissionInfo
	SetPermission(PermissionInfo)
	SetPath(string)

	// Flags returns the stream's open-flags, including O_NONBLOCK.
	Flags() OpenFlags
	SetFlags(OpenFlags)

	// Ref-counting: IncRef/DecRef are called by the FD table on
	// dup/dup2/close and by the memory-map registry while a region holds a
	// reference.
	IncRef()
	// DecRef drops a reference; when the count reaches zero,
	// onLastRef runs while the VFS mutex is held.
	DecRef(onLastRef func())

	io.Reader
	io.Writer
	ReadV(iovs []IOVec) (int64, errno.Errno)
	WriteV(iovs []IOVec) (int64, errno.Errno)
	PRead(p []byte, offset int64) (int, errno.Errno)
	PWrite(p []byte, offset int64) (int, errno.Errno)
	Lseek(offset int64, whence int) (int64, errno.Errno)

	Fstat() (Statx, errno.Errno)
	Fstatfs() (Statfs, errno.Errno)
	Fsync() errno.Errno
	Fdatasync() errno.Errno
	Fcntl(cmd int, arg uintptr) (int, errno.Errno)
	Ioctl(req uintptr, arg uintptr) (int, errno.Errno)

	Mmap(opts MmapOpts) (MmapResult, errno.Errno)
	Munmap(addr uintptr, length uintptr) errno.Errno
	Mprotect(addr uintptr, length uintptr, prot int) errno.Errno
	Madvise(addr uintptr, length uintptr, advice int) errno.Errno

	// Getdents is implemented only by directory streams.
	Getdents() ([]Dirent, errno.Errno)

	// Socket operations, implemented only by socket streams.
	Accept() (Stream, errno.Errno)
	Bind(addr []byte) errno.Errno
	Connect(addr []byte) errno.Errno
	Listen(backlog int) errno.Errno
	Shutdown(how int) errno.Errno
	Getsockname() ([]byte, errno.Errno)
	Getpeername() ([]byte, errno.Errno)
	Getsockopt(level, name int) ([]byte, errno.Errno)
	Setsockopt(level, name int, value []byte) errno.Errno

	Recv(p []byte, flags int) (int, errno.Errno)
	RecvFrom(p []byte, flags int) (int, []byte, errno.Errno)
	RecvMsg(msg *Msghdr, flags int) (int, errno.Errno)
	Send(p []byte, flags int) (int, errno.Errno)
	SendTo(p []byte, addr []byte, flags int) (int, errno.Errno)
	SendMsg(msg *Msghdr, flags int) (int, errno.Errno)

	// Epoll operations, implemented only by epoll streams.
	EpollCtl(op int, target Stream, event EpollEvent) errno.Errno
	EpollWait(maxEvents int, deadline time.Time) ([]EpollEvent, errno.Errno)

	// Readiness predicates, consulted by poll/select/epoll.
	IsSelectReadReady() bool
	IsSelectWriteReady() bool
	IsSelectExceptionReady() bool
	GetPollEvents() PollEvents

	// ReturnsSameAddressForMultipleMmaps flags a stream quirk where mapping
	// the same region twice must bump a shared reference rather than
	// create two independent regions (ashmem returns true).
	ReturnsSameAddressForMultipleMmaps() bool
	// OnUnmapByOverwritingMmap is the hook a stream uses to react to a
	// partial unmap it cannot fully tolerate.
	OnUnmapByOverwritingMmap(addr uintptr, length uintptr)

	// Listener set registration for poll/epoll wake-ups. Listeners
	// returns a snapshot so last-file-ref teardown can detach the stream
	// from every watcher.
	AddListener(l Listener)
	RemoveListener(l Listener)
	Listeners() []Listener
}

// Statx is this module's stat(2)/fstat(2) result.
type Statx struct {
	Ino     uint64
	Size    int64
	Mode    uint32
	UID     uint32
	GID     uint32
	Atime   time.Time
	Mtime   time.Time
	Ctime   time.Time
	IsDir   bool
	IsChr   bool
	NLink   uint32
}

// Statfs is this module's statfs(2)/fstatfs(2) result.
type Statfs struct {
	BlockSize  int64
	Blocks     uint64
	BlocksFree uint64
	Files      uint64
	FilesFree  uint64
	NameMax    uint32
}

// Dirent is one entry of a getdents(2) result.
type Dirent struct {
	Ino  uint64
	Name string
	Type uint8
}

// MmapOpts mirrors the arguments to mmap(2). Stream is the backing stream
// for a non-anonymous mapping (nil for MAP_ANONYMOUS), filled in by the
// VFS dispatcher from the caller's fd before handing opts to the
// memory-map registry.
type MmapOpts struct {
	Addr   uintptr
	Length uintptr
	Prot   int
	Flags  int
	Offset int64
	Stream Stream
}

// MmapResult is what a stream's Mmap returns to the memory-map registry.
type MmapResult struct {
	Addr uintptr
}

// Msghdr mirrors struct msghdr, including ancillary (SCM_RIGHTS) data.
type Msghdr struct {
	Name       []byte
	Iov        []IOVec
	Control    []byte
	ControlLen int // caller-supplied msg_controllen, used for MSG_CTRUNC sizing
	Flags      int
	RightsFDs  []int // decoded/encoded SCM_RIGHTS payload, sender- or receiver-table FD numbers

	// RightsStreams carries the already-dup_locked stream references a
	// SendMsg is handing off, populated by the VFS dispatcher (the only
	// thing with access to the sender's FD table) before the call reaches
	// the stream. RecvMsg returns the dequeued streams here; the
	// dispatcher installs each at a fresh FD in the receiver's table and
	// fills RightsFDs with the numbers it assigned.
	RightsStreams []Stream
}

// EpollEvent mirrors struct epoll_event.
type EpollEvent struct {
	Events   PollEvents
	UserData uint64
	Stream   Stream
}

// FileSystemHandler is the mount-point-scoped factory for streams over a
// namespace, consumed by the VFS dispatcher. In this module vfs/memfs and
// vfs/devfs implement it.
type FileSystemHandler interface {
	Open(path string, flags OpenFlags, mode uint32) (Stream, errno.Errno)
	Stat(path string) (Statx, errno.Errno)
	Statfs(path string) (Statfs, errno.Errno)
	Readlink(path string) (string, errno.Errno)
	Mkdir(path string, mode uint32) errno.Errno
	Rmdir(path string) errno.Errno
	Unlink(path string) errno.Errno
	Rename(oldPath, newPath string) errno.Errno
	Symlink(oldPath, newPath string) errno.Errno
	Truncate(path string, length int64) errno.Errno
	Utimes(path string, atime, mtime time.Time) errno.Errno

	// OnDirectoryContentsNeeded returns a directory-enumerator stream.
	OnDirectoryContentsNeeded(path string) (Stream, errno.Errno)

	IsInitialized() bool
	IsWorldWritable(path string) bool
	AddToCache(path string)
	InvalidateCache(path string)
}

// BaseStream is the default Stream implementation every concrete stream
// embeds and overrides selectively, matching a "small sealed
// trait/interface" dispatch strategy.
type BaseStream struct {
	mu sync.Mutex

	streamType string
	path       string
	perm       PermissionInfo
	flags      OpenFlags
	refs       int32

	listeners map[Listener]struct{}
}

// NewBaseStream constructs a BaseStream for a concrete stream of the given
// GetStreamType() value, starting with one reference held (mirroring a
// freshly opened FD).
func NewBaseStream(streamType string) *BaseStream {
	return &BaseStream{
		streamType: streamType,
		perm:       PermissionInfo{UID: InvalidUID},
		refs:       1,
		listeners:  make(map[Listener]struct{}),
	}
}

func (b *BaseStream) GetStreamType() string { return b.streamType }

func (b *BaseStream) Path() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.path
}

func (b *BaseStream) SetPath(p string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.path = p
}

func (b *BaseStream) Permission() PermissionInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.perm
}

func (b *BaseStream) SetPermission(p PermissionInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.perm = p
}

func (b *BaseStream) Flags() OpenFlags {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flags
}

func (b *BaseStream) SetFlags(f OpenFlags) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flags = f
}

func (b *BaseStream) IncRef() {
	b.mu.Lock()
	b.refs++
	b.mu.Unlock()
}

// DecRef decrements the reference count. The caller must hold the VFS
// mutex; onLastRef runs synchronously (under that same mutex) when the
// count reaches zero on_last_file_ref hook.
func (b *BaseStream) DecRef(onLastRef func()) {
	b.mu.Lock()
	b.refs--
	last := b.refs == 0
	b.mu.Unlock()
	if last && onLastRef != nil {
		onLastRef()
	}
}

func (b *BaseStream) AddListener(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[l] = struct{}{}
}

func (b *BaseStream) RemoveListener(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.listeners, l)
}

// Listeners returns a snapshot of the registered listener set.
func (b *BaseStream) Listeners() []Listener {
	b.mu.Lock()
	defer b.mu.Unlock()
	ls := make([]Listener, 0, len(b.listeners))
	for l := range b.listeners {
		ls = append(ls, l)
	}
	return ls
}

// NotifyListeners wakes every registered listener; concrete streams call
// this after any state change that could affect readiness.
func (b *BaseStream) NotifyListeners() {
	b.mu.Lock()
	ls := make([]Listener, 0, len(b.listeners))
	for l := range b.listeners {
		ls = append(ls, l)
	}
	b.mu.Unlock()
	for _, l := range ls {
		l.Notify()
	}
}

// The remainder of BaseStream's methods are the "appropriate errno"
// defaults every concrete stream overrides selectively.

func (b *BaseStream) Read(p []byte) (int, error)  { return 0, errno.EBADF }
func (b *BaseStream) Write(p []byte) (int, error) { return 0, errno.EBADF }

func (b *BaseStream) ReadV(iovs []IOVec) (int64, errno.Errno) {
	var total int64
	for _, iov := range iovs {
		n, err := b.Read(iov)
		total += int64(n)
		if err != nil {
			return total, errno.FromHostIOError(err)
		}
		if n < len(iov) {
			break
		}
	}
	return total, 0
}

func (b *BaseStream) WriteV(iovs []IOVec) (int64, errno.Errno) {
	var total int64
	for _, iov := range iovs {
		n, err := b.Write(iov)
		total += int64(n)
		if err != nil {
			return total, errno.FromHostIOError(err)
		}
		if n < len(iov) {
			break
		}
	}
	return total, 0
}

func (b *BaseStream) PRead(p []byte, offset int64) (int, errno.Errno)  { return 0, errno.ESPIPE }
func (b *BaseStream) PWrite(p []byte, offset int64) (int, errno.Errno) { return 0, errno.ESPIPE }
func (b *BaseStream) Lseek(offset int64, whence int) (int64, errno.Errno) {
	return 0, errno.ESPIPE
}

func (b *BaseStream) Fstat() (Statx, errno.Errno) {
	p := b.Permission()
	return Statx{UID: p.UID}, 0
}
func (b *BaseStream) Fstatfs() (Statfs, errno.Errno)        { return Statfs{}, errno.ENOSYS }
func (b *BaseStream) Fsync() errno.Errno                    { return 0 }
func (b *BaseStream) Fdatasync() errno.Errno                { return 0 }
func (b *BaseStream) Fcntl(cmd int, arg uintptr) (int, errno.Errno) { return 0, errno.EINVAL }
func (b *BaseStream) Ioctl(req uintptr, arg uintptr) (int, errno.Errno) {
	return 0, errno.EINVAL
}

func (b *BaseStream) Mmap(opts MmapOpts) (MmapResult, errno.Errno) {
	return MmapResult{}, errno.ENODEV
}
func (b *BaseStream) Munmap(addr, length uintptr) errno.Errno            { return errno.EINVAL }
func (b *BaseStream) Mprotect(addr, length uintptr, prot int) errno.Errno { return errno.EINVAL }
func (b *BaseStream) Madvise(addr, length uintptr, advice int) errno.Errno {
	return errno.EINVAL
}

func (b *BaseStream) Getdents() ([]Dirent, errno.Errno) { return nil, errno.ENOTDIR }

func (b *BaseStream) Accept() (Stream, errno.Errno)                 { return nil, errno.ENOTSOCK }
func (b *BaseStream) Bind(addr []byte) errno.Errno                  { return errno.ENOTSOCK }
func (b *BaseStream) Connect(addr []byte) errno.Errno               { return errno.ENOTSOCK }
func (b *BaseStream) Listen(backlog int) errno.Errno                { return errno.ENOTSOCK }
func (b *BaseStream) Shutdown(how int) errno.Errno                  { return errno.ENOTSOCK }
func (b *BaseStream) Getsockname() ([]byte, errno.Errno)            { return nil, errno.ENOTSOCK }
func (b *BaseStream) Getpeername() ([]byte, errno.Errno)            { return nil, errno.ENOTSOCK }
func (b *BaseStream) Getsockopt(level, name int) ([]byte, errno.Errno) {
	return nil, errno.ENOTSOCK
}
func (b *BaseStream) Setsockopt(level, name int, value []byte) errno.Errno {
	return errno.ENOTSOCK
}

func (b *BaseStream) Recv(p []byte, flags int) (int, errno.Errno) { return 0, errno.ENOTSOCK }
func (b *BaseStream) RecvFrom(p []byte, flags int) (int, []byte, errno.Errno) {
	return 0, nil, errno.ENOTSOCK
}
func (b *BaseStream) RecvMsg(msg *Msghdr, flags int) (int, errno.Errno) { return 0, errno.ENOTSOCK }
func (b *BaseStream) Send(p []byte, flags int) (int, errno.Errno)       { return 0, errno.ENOTSOCK }
func (b *BaseStream) SendTo(p []byte, addr []byte, flags int) (int, errno.Errno) {
	return 0, errno.ENOTSOCK
}
func (b *BaseStream) SendMsg(msg *Msghdr, flags int) (int, errno.Errno) { return 0, errno.ENOTSOCK }

func (b *BaseStream) EpollCtl(op int, target Stream, event EpollEvent) errno.Errno {
	return errno.EINVAL
}
func (b *BaseStream) EpollWait(maxEvents int, deadline time.Time) ([]EpollEvent, errno.Errno) {
	return nil, errno.EINVAL
}

func (b *BaseStream) IsSelectReadReady() bool      { return false }
func (b *BaseStream) IsSelectWriteReady() bool     { return false }
func (b *BaseStream) IsSelectExceptionReady() bool { return false }
func (b *BaseStream) GetPollEvents() PollEvents    { return 0 }

func (b *BaseStream) ReturnsSameAddressForMultipleMmaps() bool { return false }
func (b *BaseStream) OnUnmapByOverwritingMmap(addr, length uintptr) {}
