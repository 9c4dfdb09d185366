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

package ashmem

import (
	"os"
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/posixtranslation/vfscore/errno"
	"github.com/posixtranslation/vfscore/stream"
)

// mappedBytes reconstructs the caller's view of a mapping from the
// address Mmap returned, the way a guest dereferences the pointer.
func mappedBytes(addr uintptr, length int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
}

func mustSetSize(t *testing.T, s *Stream, size int64) {
	t.Helper()
	if _, e := s.Ioctl(ASHMEM_SET_SIZE, uintptr(size)); e != 0 {
		t.Fatalf("SET_SIZE(%d) = %v, want success", size, e)
	}
}

func TestSetSizeOnlyLegalInInitial(t *testing.T) {
	s := New()
	mustSetSize(t, s, 4096)

	if _, e := s.Mmap(stream.MmapOpts{Addr: 0x1000, Length: 4096, Flags: mapShared}); e != 0 {
		t.Fatalf("Mmap = %v, want success", e)
	}
	if _, e := s.Ioctl(ASHMEM_SET_SIZE, 8192); e != errno.EINVAL {
		t.Fatalf("SET_SIZE after mapping = %v, want EINVAL", e)
	}
}

func TestSetNameRejectedAfterPrivateMapping(t *testing.T) {
	s := New()
	if _, e := s.Mmap(stream.MmapOpts{Addr: 0x2000, Length: 4096, Flags: mapPrivate}); e != 0 {
		t.Fatalf("private Mmap = %v, want success", e)
	}
	if e := s.SetName("region"); e != errno.EINVAL {
		t.Fatalf("SetName after private mapping = %v, want EINVAL", e)
	}
}

func TestReadFailsUntilMappedOrPrivate(t *testing.T) {
	s := New()
	mustSetSize(t, s, 16)

	buf := make([]byte, 16)
	if _, err := s.Read(buf); err != errno.EBADF {
		t.Fatalf("Read before mapping = %v, want EBADF", err)
	}

	if _, e := s.Mmap(stream.MmapOpts{Addr: 0x3000, Length: 16, Flags: mapShared}); e != 0 {
		t.Fatalf("Mmap = %v, want success", e)
	}
	n, err := s.Read(buf)
	if err != nil || n != 16 {
		t.Fatalf("Read after mapping = (%d, %v), want (16, nil)", n, err)
	}
}

func TestWriteAlwaysEINVAL(t *testing.T) {
	s := New()
	if _, err := s.Write([]byte("x")); err != errno.EINVAL {
		t.Fatalf("Write = %v, want EINVAL", err)
	}
}

func TestMunmapFullExtentDelaysThenPartialReleases(t *testing.T) {
	s := New()
	mustSetSize(t, s, 4096)
	res, e := s.Mmap(stream.MmapOpts{Length: 4096, Flags: mapShared})
	if e != 0 {
		t.Fatalf("Mmap = %v, want success", e)
	}

	if e := s.Munmap(res.Addr, 4096); e != 0 {
		t.Fatalf("Munmap full extent = %v, want success", e)
	}
	if s.state != UnmapDelayed {
		t.Fatalf("state after full munmap = %v, want UnmapDelayed", s.state)
	}
	if s.content == nil {
		t.Fatalf("content released on delayed unmap, want retained")
	}

	if e := s.Munmap(res.Addr, 1024); e != 0 {
		t.Fatalf("Munmap partial extent = %v, want success", e)
	}
	if s.state != PartiallyUnmapped {
		t.Fatalf("state after partial munmap = %v, want PartiallyUnmapped", s.state)
	}
	if s.content != nil {
		t.Fatalf("content retained on partial unmap, want released")
	}
}

// TestWriteThroughMappedAddressVisibleToRead drives the canonical ashmem
// round trip: set a size, map shared, write through the returned address,
// unmap the full extent, and read the bytes back through the fd.
func TestWriteThroughMappedAddressVisibleToRead(t *testing.T) {
	s := New()
	defer s.Close()
	mustSetSize(t, s, 0x10000)

	res, e := s.Mmap(stream.MmapOpts{Length: 0x10000, Flags: mapShared})
	if e != 0 {
		t.Fatalf("Mmap = %v, want success", e)
	}
	p := mappedBytes(res.Addr, 0x10000)
	p[0] = 1
	p[0xFFFF] = 1

	if e := s.Munmap(res.Addr, 0x10000); e != 0 {
		t.Fatalf("Munmap = %v, want success", e)
	}

	buf := make([]byte, 0x10000)
	n, err := s.Read(buf)
	if err != nil || n != 0x10000 {
		t.Fatalf("Read = (%d, %v), want (0x10000, nil)", n, err)
	}
	if buf[0] != 1 || buf[0xFFFE] != 0 || buf[0xFFFF] != 1 {
		t.Fatalf("read-back bytes = [0]=%d [0xFFFE]=%d [0xFFFF]=%d, want 1, 0, 1",
			buf[0], buf[0xFFFE], buf[0xFFFF])
	}
}

// TestPrivateViewUnlinkedFromSharedContent checks the copy-on-write
// split: writes through a private view don't propagate to the shared
// region, and the private view doesn't see shared writes once split.
func TestPrivateViewUnlinkedFromSharedContent(t *testing.T) {
	s := New()
	defer s.Close()
	mustSetSize(t, s, 4096)

	shared, e := s.Mmap(stream.MmapOpts{Length: 4096, Flags: mapShared})
	if e != 0 {
		t.Fatalf("shared Mmap = %v, want success", e)
	}
	private, e := s.Mmap(stream.MmapOpts{Length: 4096, Flags: mapPrivate})
	if e != 0 {
		t.Fatalf("private Mmap = %v, want success", e)
	}

	sp := mappedBytes(shared.Addr, 4096)
	pp := mappedBytes(private.Addr, 4096)
	sp[0] = 0xAA
	pp[1] = 0xBB

	if pp[0] != 0 {
		t.Fatalf("private view saw shared write: pp[0] = %#x, want 0", pp[0])
	}
	if sp[1] != 0 {
		t.Fatalf("shared region saw private write: sp[1] = %#x, want 0", sp[1])
	}
}

func TestPartiallyUnmappedRejectsRead(t *testing.T) {
	s := New()
	mustSetSize(t, s, 4096)
	res, _ := s.Mmap(stream.MmapOpts{Length: 4096, Flags: mapShared})
	s.Munmap(res.Addr, 4096)
	s.Munmap(res.Addr, 1024)

	buf := make([]byte, 16)
	if _, err := s.Read(buf); err != errno.EBADF {
		t.Fatalf("Read while PartiallyUnmapped = %v, want EBADF", err)
	}
}

func TestFileBackingRoundTripsThroughClose(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "region.bin")

	s := New()
	mustSetSize(t, s, 8)
	fb := NewFileBacking(path)
	if e := s.AttachFileBacking(fb); e != 0 {
		t.Fatalf("AttachFileBacking = %v, want success", e)
	}
	res, e := s.Mmap(stream.MmapOpts{Length: 4096, Flags: mapShared})
	if e != 0 {
		t.Fatalf("Mmap = %v, want success", e)
	}
	copy(mappedBytes(res.Addr, 8), "saved!!!")

	if e := s.Close(); e != 0 {
		t.Fatalf("Close = %v, want success", e)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile after Close: %v", err)
	}
	if string(data[:8]) != "saved!!!" {
		t.Fatalf("persisted content = %q, want %q", data, "saved!!!")
	}
}

func TestAttachFileBackingRejectedAfterMapping(t *testing.T) {
	dir := t.TempDir()
	s := New()
	mustSetSize(t, s, 8)
	s.Mmap(stream.MmapOpts{Addr: 0x7000, Length: 4096, Flags: mapShared})

	fb := NewFileBacking(filepath.Join(dir, "late.bin"))
	if e := s.AttachFileBacking(fb); e != errno.EINVAL {
		t.Fatalf("AttachFileBacking after mapping = %v, want EINVAL", e)
	}
}
