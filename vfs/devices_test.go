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
	"testing"
	"unsafe"

	"github.com/posixtranslation/vfscore/errno"
	"github.com/posixtranslation/vfscore/hostcap/loopback"
	"github.com/posixtranslation/vfscore/mm"
	"github.com/posixtranslation/vfscore/stream"
	"github.com/posixtranslation/vfscore/stream/ashmem"
	"github.com/posixtranslation/vfscore/stream/syncfence"
	"github.com/posixtranslation/vfscore/vfs/devfs"
)

func newDeviceVFS() *VirtualFileSystem {
	v := New(loopback.Identity{UIDValue: 0, PIDValue: 1}, loopback.HostSocket{})
	v.Mount("/dev", devfs.New("/dev"), 0, true)
	return v
}

func TestAshmemMmapWriteMunmapReadBack(t *testing.T) {
	v := newDeviceVFS()
	fd, e := v.Open("/dev/ashmem", stream.OpenFlags{}, 0)
	if e != 0 {
		t.Fatalf("Open(/dev/ashmem) = %v, want success", e)
	}
	defer v.Close(fd)

	if _, e := v.Ioctl(fd, ashmem.ASHMEM_SET_SIZE, 0x10000); e != 0 {
		t.Fatalf("SET_SIZE = %v, want success", e)
	}
	addr, e := v.Mmap(fd, stream.MmapOpts{
		Length: 0x10000, Prot: mm.PROT_READ | mm.PROT_WRITE, Flags: mm.MAP_SHARED,
	})
	if e != 0 {
		t.Fatalf("Mmap = %v, want success", e)
	}

	// The returned address is a real mapping over the region's backing, so
	// writes through it are what read(2) copies out after the unmap.
	p := unsafe.Slice((*byte)(unsafe.Pointer(addr)), 0x10000)
	p[0] = 1
	p[0xFFFF] = 1

	if e := v.Munmap(addr, 0x10000); e != 0 {
		t.Fatalf("Munmap = %v, want success", e)
	}

	buf := make([]byte, 0x10000)
	n, re := v.Read(fd, buf)
	if re != 0 || n != 0x10000 {
		t.Fatalf("Read after delayed unmap = (%d, %v), want (0x10000, success)", n, re)
	}
	if buf[0] != 1 || buf[0xFFFE] != 0 || buf[0xFFFF] != 1 {
		t.Fatalf("read-back bytes = [0]=%d [0xFFFE]=%d [0xFFFF]=%d, want 1, 0, 1",
			buf[0], buf[0xFFFE], buf[0xFFFF])
	}
}

func TestAshmemSetNameThroughTypedIoctl(t *testing.T) {
	v := newDeviceVFS()
	fd, _ := v.Open("/dev/ashmem", stream.OpenFlags{}, 0)
	defer v.Close(fd)

	if e := v.AshmemSetName(fd, "cursor-region"); e != 0 {
		t.Fatalf("AshmemSetName = %v, want success", e)
	}
	name, e := v.AshmemGetName(fd)
	if e != 0 || name != "cursor-region" {
		t.Fatalf("AshmemGetName = (%q, %v), want (\"cursor-region\", success)", name, e)
	}
}

func TestDevZeroReadReturnsZeros(t *testing.T) {
	v := newDeviceVFS()
	fd, e := v.Open("/dev/zero", stream.OpenFlags{}, 0)
	if e != 0 {
		t.Fatalf("Open(/dev/zero) = %v, want success", e)
	}
	defer v.Close(fd)

	if _, we := v.Write(fd, []byte("discarded")); we != 0 {
		t.Fatalf("Write to /dev/zero = %v, want success (discard)", we)
	}
	buf := []byte{1, 2, 3, 4}
	n, re := v.Read(fd, buf)
	if re != 0 || n != 4 {
		t.Fatalf("Read = (%d, %v), want (4, success)", n, re)
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("buf[%d] = %d, want 0", i, b)
		}
	}
}

func TestDevUrandomFills(t *testing.T) {
	v := newDeviceVFS()
	fd, _ := v.Open("/dev/urandom", stream.OpenFlags{}, 0)
	defer v.Close(fd)

	buf := make([]byte, 64)
	n, e := v.Read(fd, buf)
	if e != 0 || n != 64 {
		t.Fatalf("Read = (%d, %v), want (64, success)", n, e)
	}
}

func TestAlarmGetTimeThroughVFS(t *testing.T) {
	v := newDeviceVFS()
	fd, e := v.Open("/dev/alarm", stream.OpenFlags{}, 0)
	if e != 0 {
		t.Fatalf("Open(/dev/alarm) = %v, want success", e)
	}
	defer v.Close(fd)

	ts, ge := v.AlarmGetTime(fd, 1) // ANDROID_ALARM_RTC
	if ge != 0 {
		t.Fatalf("AlarmGetTime = %v, want success", ge)
	}
	if ts.Unix() <= 0 {
		t.Fatalf("AlarmGetTime seconds = %d, want > 0", ts.Unix())
	}

	// Any other ioctl on the alarm device is an unimplemented SET/WAIT
	// variant.
	if _, ie := v.Ioctl(fd, 0x40080001, 0); ie != errno.ENOSYS {
		t.Fatalf("alarm SET ioctl = %v, want ENOSYS", ie)
	}
}

func TestLogWriteThenReadRoundTrips(t *testing.T) {
	v := newDeviceVFS()
	wfd, e := v.Open("/dev/log/main", stream.OpenFlags{}, 0)
	if e != 0 {
		t.Fatalf("Open(/dev/log/main) = %v, want success", e)
	}
	defer v.Close(wfd)

	if _, we := v.Write(wfd, []byte("tag\x00message")); we != 0 {
		t.Fatalf("log Write = %v, want success", we)
	}
	buf := make([]byte, 256)
	n, re := v.Read(wfd, buf)
	if re != 0 || n == 0 {
		t.Fatalf("log Read = (%d, %v), want a logger_entry record", n, re)
	}

	ver, ge := v.LogGetVersion(wfd)
	if ge != 0 || ver != 2 {
		t.Fatalf("LogGetVersion = (%d, %v), want (2, success)", ver, ge)
	}
	if se := v.LogSetVersion(wfd, 3); se != errno.EINVAL {
		t.Fatalf("LogSetVersion(3) = %v, want EINVAL", se)
	}
}

func TestSyncFenceWaitAndMergeThroughVFS(t *testing.T) {
	v := newDeviceVFS()
	tl := syncfence.NewTimeline()

	install := func(f *syncfence.Fence) int {
		v.mu.Lock()
		defer v.mu.Unlock()
		fd, e := v.installStream(f, stream.PermissionInfo{UID: 0}, "")
		if e != 0 {
			t.Fatalf("installStream = %v, want success", e)
		}
		return fd
	}

	fd := install(tl.CreateFence("f", 5))
	defer v.Close(fd)

	if e := v.SyncFenceWait(fd, 20); e != errno.ETIME {
		t.Fatalf("SYNC_IOC_WAIT before signal = %v, want ETIME", e)
	}
	tl.IncrementCounter(5)
	if e := v.SyncFenceWait(fd, 0); e != 0 {
		t.Fatalf("SYNC_IOC_WAIT after signal = %v, want success", e)
	}

	// fd2 identical to self dups the fd rather than building a new fence.
	dup, e := v.SyncFenceMerge(fd, fd, "self")
	if e != 0 {
		t.Fatalf("SyncFenceMerge(self) = %v, want success", e)
	}
	defer v.Close(dup)
	if dup == fd {
		t.Fatalf("SyncFenceMerge(self) returned the same fd, want a dup")
	}

	other := install(tl.CreateFence("g", 9))
	defer v.Close(other)
	merged, me := v.SyncFenceMerge(fd, other, "merged")
	if me != 0 {
		t.Fatalf("SyncFenceMerge = %v, want success", me)
	}
	defer v.Close(merged)
	if e := v.SyncFenceWait(merged, 0); e != errno.ETIME {
		t.Fatalf("merged wait before counter reaches 9 = %v, want ETIME (later wins)", e)
	}
	tl.IncrementCounter(4)
	if e := v.SyncFenceWait(merged, 0); e != 0 {
		t.Fatalf("merged wait after counter reaches 9 = %v, want success", e)
	}
}
