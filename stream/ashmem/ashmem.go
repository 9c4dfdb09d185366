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

// Package ashmem implements /dev/ashmem: Android's anonymous shared-memory
// device, with pin/unpin, delayed-unmap, and the MAP_SHARED/MAP_PRIVATE
// split required for CTS compatibility.
package ashmem

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/posixtranslation/vfscore/errno"
	"github.com/posixtranslation/vfscore/stream"
)

// ashmem ioctl request numbers, matching the kernel ashmem.h shapes.
const (
	ASHMEM_SET_NAME      = 0x41007701
	ASHMEM_GET_NAME      = 0x81007702
	ASHMEM_SET_SIZE      = 0x40087703
	ASHMEM_GET_SIZE      = 0x00007704
	ASHMEM_SET_PROT_MASK = 0x40047705
	ASHMEM_PIN           = 0x40087708
	ASHMEM_UNPIN         = 0x40087709
)

// State is ashmem's four-state machine.
type State int

const (
	Initial State = iota
	Mapped
	UnmapDelayed
	PartiallyUnmapped
)

const pageSize = 4096

// Stream is a /dev/ashmem stream.
type Stream struct {
	*stream.BaseStream

	mu sync.Mutex

	name string
	// size is stored exactly as ioctl'd, including a negative value via
	// INT_MIN; bounded lengths are derived from it at the point of
	// arithmetic use rather than clamped at ioctl time, matching observed
	// CTS behavior.
	size    int64
	sizeSet bool
	// content is the shared region's backing bytes. Once MAP_SHARED has
	// succeeded it is a real anonymous host mapping (hostMapped true) and
	// &content[0] is the address handed back to the caller, so writes
	// through the returned pointer are what read/pread copy out.
	content    []byte
	hostMapped bool
	mmapLength uintptr
	mmapBase   uintptr
	readOffset int64

	// privates tracks MAP_PRIVATE views by their mapped address; each is
	// an independent anonymous host mapping with no linkage to content.
	privates          map[uintptr][]byte
	hasPrivateMapping bool
	state             State

	backing *FileBacking
}

// New constructs a fresh /dev/ashmem stream in the INITIAL state.
func New() *Stream {
	return &Stream{BaseStream: stream.NewBaseStream("ashmem")}
}

func (s *Stream) GetStreamType() string { return "ashmem" }

func (s *Stream) ReturnsSameAddressForMultipleMmaps() bool { return true }

func boundedSize(size int64) int64 {
	if size < 0 {
		return 0
	}
	return size
}

// SetName implements ASHMEM_SET_NAME: only legal in INITIAL with no
// private mapping. Exposed as a typed method (rather than decoded out of
// Ioctl's raw uintptr arg) since the name is a variable-length string the
// hostcap boundary marshals, not a fixed-width word; the VFS dispatcher
// dispatches ASHMEM_SET_NAME/GET_NAME to these methods directly.
func (s *Stream) SetName(name string) errno.Errno {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Initial || s.hasPrivateMapping {
		return errno.EINVAL
	}
	s.name = name
	return 0
}

// Name implements ASHMEM_GET_NAME.
func (s *Stream) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

func (s *Stream) Ioctl(req uintptr, arg uintptr) (int, errno.Errno) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch uint32(req) {
	case ASHMEM_SET_NAME, ASHMEM_GET_NAME:
		// Handled via SetName/Name; routed here only so the generic
		// request-number switch stays the single source of truth for
		// which ioctls this device recognizes.
		return 0, 0
	case ASHMEM_SET_SIZE:
		if s.state != Initial || s.hasPrivateMapping {
			return -1, errno.EINVAL
		}
		s.size = int64(int32(arg))
		s.sizeSet = true
		return 0, 0
	case ASHMEM_GET_SIZE:
		return int(s.size), 0
	case ASHMEM_SET_PROT_MASK:
		return 0, 0
	case ASHMEM_PIN:
		return pinNotPurged, 0
	case ASHMEM_UNPIN:
		return pinIsUnpinned, 0
	default:
		return -1, errno.EINVAL
	}
}

const (
	pinNotPurged  = 0 // ASHMEM_NOT_PURGED
	pinIsUnpinned = 1 // ASHMEM_WAS_PURGED / ASHMEM_IS_UNPINNED canned replies
)

// Lseek fails EINVAL if size unset; EBADF if never mapped and no private
// mapping.
func (s *Stream) Lseek(offset int64, whence int) (int64, errno.Errno) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.sizeSet {
		return 0, errno.EINVAL
	}
	if s.state == Initial && !s.hasPrivateMapping {
		return 0, errno.EBADF
	}
	size := boundedSize(s.size)
	var newOff int64
	switch whence {
	case 0: // SEEK_SET
		newOff = offset
	case 1: // SEEK_CUR
		newOff = s.readOffset + offset
	case 2: // SEEK_END
		newOff = size + offset
	default:
		return 0, errno.EINVAL
	}
	if newOff < 0 {
		return 0, errno.EINVAL
	}
	s.readOffset = newOff
	return newOff, 0
}

// Read/PRead fail EBADF if never mapped and no private mapping, or in
// PARTIALLY_UNMAPPED; return 0 at EOF; copy from content if present, else
// zero-fill.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, e := s.readLocked(p, s.readOffset)
	if e != 0 {
		return 0, e
	}
	s.readOffset += int64(n)
	return n, nil
}

func (s *Stream) PRead(p []byte, offset int64) (int, errno.Errno) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(p, offset)
}

func (s *Stream) readLocked(p []byte, offset int64) (int, errno.Errno) {
	if s.state == Initial && !s.hasPrivateMapping {
		return 0, errno.EBADF
	}
	if s.state == PartiallyUnmapped {
		return 0, errno.EBADF
	}
	size := boundedSize(s.size)
	if offset >= size {
		return 0, 0
	}
	n := len(p)
	if int64(n) > size-offset {
		n = int(size - offset)
	}
	if s.content != nil && offset < int64(len(s.content)) {
		avail := int64(len(s.content)) - offset
		copyN := n
		if int64(copyN) > avail {
			copyN = int(avail)
		}
		copy(p[:copyN], s.content[offset:offset+int64(copyN)])
		for i := copyN; i < n; i++ {
			p[i] = 0
		}
	} else {
		for i := 0; i < n; i++ {
			p[i] = 0
		}
	}
	return n, 0
}

// Write always fails EINVAL.
func (s *Stream) Write(p []byte) (int, error) { return 0, errno.EINVAL }
func (s *Stream) PWrite(p []byte, offset int64) (int, errno.Errno) {
	return 0, errno.EINVAL
}

const (
	mapShared  = 0x01
	mapPrivate = 0x02
	mapFixed   = 0x10
)

// Mmap implements MAP_PRIVATE (a fresh anonymous private region with no
// linkage to shared content, so private writes don't propagate and
// private reads don't see shared writes once split) and MAP_SHARED
// (reserves/resurrects the single backing anonymous region). Both are
// real host mappings: the returned address is dereferenceable, and for
// MAP_SHARED it aliases content, so writes through it are what a later
// read/pread copies out.
func (s *Stream) Mmap(opts stream.MmapOpts) (stream.MmapResult, errno.Errno) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if opts.Flags&mapPrivate != 0 {
		data, err := unix.Mmap(-1, 0, int(opts.Length),
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
		if err != nil {
			return stream.MmapResult{}, errno.ENOMEM
		}
		addr := uintptr(unsafe.Pointer(&data[0]))
		if s.privates == nil {
			s.privates = make(map[uintptr][]byte)
		}
		s.privates[addr] = data
		s.hasPrivateMapping = true
		return stream.MmapResult{Addr: addr}, 0
	}

	if opts.Flags&mapShared == 0 {
		return stream.MmapResult{}, errno.EINVAL
	}
	if opts.Offset != 0 {
		return stream.MmapResult{}, errno.EINVAL
	}

	switch s.state {
	case Initial:
		data, err := unix.Mmap(-1, 0, int(opts.Length),
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
		if err != nil {
			return stream.MmapResult{}, errno.ENOMEM
		}
		// Preserve any content a file backing loaded, zero-extended or
		// truncated to the mapped length.
		copy(data, s.content)
		s.content = data
		s.hostMapped = true
		s.mmapLength = opts.Length
		s.mmapBase = uintptr(unsafe.Pointer(&data[0]))
		s.state = Mapped
		return stream.MmapResult{Addr: s.mmapBase}, 0
	case Mapped, UnmapDelayed:
		sameLength := opts.Length == s.mmapLength
		sameAddr := opts.Flags&mapFixed == 0 || opts.Addr == s.mmapBase
		if !sameLength || !sameAddr {
			return stream.MmapResult{}, errno.EINVAL
		}
		s.state = Mapped
		return stream.MmapResult{Addr: s.mmapBase}, 0
	default:
		return stream.MmapResult{}, errno.EINVAL
	}
}

// releaseContentLocked returns the shared region's pages to the host and
// drops the content reference. Caller must hold s.mu.
func (s *Stream) releaseContentLocked() {
	if s.hostMapped && s.content != nil {
		unix.Munmap(s.content)
	}
	s.content = nil
	s.hostMapped = false
}

// Munmap of the full extent in MAPPED sets UNMAP_DELAYED without
// releasing backing memory, so a subsequent read/pread still copies out;
// a later partial munmap flips to PARTIALLY_UNMAPPED and actually
// releases. A private view's address unmaps that view alone.
func (s *Stream) Munmap(addr, length uintptr) errno.Errno {
	s.mu.Lock()
	defer s.mu.Unlock()
	if data, ok := s.privates[addr]; ok && length == uintptr(len(data)) {
		unix.Munmap(data)
		delete(s.privates, addr)
		return 0
	}
	if s.state != Mapped && s.state != UnmapDelayed {
		return 0
	}
	if addr == s.mmapBase && length == s.mmapLength {
		s.state = UnmapDelayed
		return 0
	}
	s.state = PartiallyUnmapped
	s.releaseContentLocked()
	return 0
}

// OnUnmapByOverwritingMmap mirrors Munmap's partial-release behavior when
// the registry overwrites this region via a MAP_FIXED overlay rather than
// an explicit munmap call.
func (s *Stream) OnUnmapByOverwritingMmap(addr, length uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if addr != s.mmapBase || length != s.mmapLength {
		s.state = PartiallyUnmapped
		s.releaseContentLocked()
	}
}

func (s *Stream) Fstat() (stream.Statx, errno.Errno) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.Permission()
	return stream.Statx{UID: p.UID, Size: boundedSize(s.size), IsChr: true}, 0
}
