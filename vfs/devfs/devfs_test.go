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

package devfs

import (
	"testing"

	"github.com/posixtranslation/vfscore/errno"
	"github.com/posixtranslation/vfscore/stream"
	"github.com/posixtranslation/vfscore/stream/ashmem"
	"github.com/posixtranslation/vfscore/stream/devfiles"
)

func TestOpenKnownDevices(t *testing.T) {
	h := New("/dev")
	for _, path := range []string{"/dev/ashmem", "/dev/alarm", "/dev/urandom", "/dev/zero", "/dev/log/main"} {
		s, e := h.Open(path, stream.OpenFlags{}, 0)
		if e != 0 || s == nil {
			t.Fatalf("Open(%s) = (%v, %v), want a stream", path, s, e)
		}
	}
}

func TestOpenUnknownDeviceFailsENOENT(t *testing.T) {
	h := New("/dev")
	if _, e := h.Open("/dev/nosuch", stream.OpenFlags{}, 0); e != errno.ENOENT {
		t.Fatalf("Open(/dev/nosuch) = %v, want ENOENT", e)
	}
	if _, e := h.Open("/dev/log/nope", stream.OpenFlags{}, 0); e != errno.ENOENT {
		t.Fatalf("Open(/dev/log/nope) = %v, want ENOENT", e)
	}
}

func TestAshmemOpensAreIndependentRegions(t *testing.T) {
	h := New("/dev")
	a, _ := h.Open("/dev/ashmem", stream.OpenFlags{}, 0)
	b, _ := h.Open("/dev/ashmem", stream.OpenFlags{}, 0)
	if a == b {
		t.Fatal("two /dev/ashmem opens returned the same stream, want independent regions")
	}
	if _, ok := a.(*ashmem.Stream); !ok {
		t.Fatalf("/dev/ashmem stream type = %T, want *ashmem.Stream", a)
	}
}

func TestLogBufferIsSharedAcrossOpens(t *testing.T) {
	h := New("/dev")
	a, _ := h.Open("/dev/log/main", stream.OpenFlags{}, 0)
	b, _ := h.Open("/dev/log/main", stream.OpenFlags{}, 0)
	if a != b {
		t.Fatal("two /dev/log/main opens returned distinct streams, want the shared ring")
	}
	if _, ok := a.(*devfiles.LogStream); !ok {
		t.Fatalf("/dev/log/main stream type = %T, want *devfiles.LogStream", a)
	}
}

func TestStatDistinguishesDirsFromDevices(t *testing.T) {
	h := New("/dev")
	st, e := h.Stat("/dev")
	if e != 0 || !st.IsDir {
		t.Fatalf("Stat(/dev) = (%+v, %v), want a directory", st, e)
	}
	st, e = h.Stat("/dev/zero")
	if e != 0 || !st.IsChr {
		t.Fatalf("Stat(/dev/zero) = (%+v, %v), want a character device", st, e)
	}
	if _, e := h.Stat("/dev/absent"); e != errno.ENOENT {
		t.Fatalf("Stat(/dev/absent) = %v, want ENOENT", e)
	}
}

func TestDirectoryListingCoversEveryDevice(t *testing.T) {
	h := New("/dev")
	d, e := h.OnDirectoryContentsNeeded("/dev")
	if e != 0 {
		t.Fatalf("OnDirectoryContentsNeeded(/dev) = %v, want success", e)
	}
	entries, ge := d.Getdents()
	if ge != 0 || len(entries) != 5 {
		t.Fatalf("Getdents = (%v, %v), want five entries", entries, ge)
	}
}

func TestMutatingOperationsRejected(t *testing.T) {
	h := New("/dev")
	if e := h.Mkdir("/dev/sub", 0755); e != errno.EPERM {
		t.Fatalf("Mkdir = %v, want EPERM", e)
	}
	if e := h.Unlink("/dev/zero"); e != errno.EPERM {
		t.Fatalf("Unlink = %v, want EPERM", e)
	}
}
