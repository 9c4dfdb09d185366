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

package mm

import (
	"testing"

	"github.com/posixtranslation/vfscore/stream"
)

func TestMmapMunmapRoundTrip(t *testing.T) {
	r := New()
	addr, e := r.Mmap(stream.MmapOpts{
		Addr: 0x1000, Length: PageSize, Prot: PROT_READ | PROT_WRITE,
		Flags: MAP_FIXED | MAP_ANONYMOUS,
	}, nil)
	if e != 0 {
		t.Fatalf("Mmap failed: %v", e)
	}
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
	if e := r.Munmap(addr, PageSize); e != 0 {
		t.Fatalf("Munmap failed: %v", e)
	}
	if r.Len() != 0 {
		t.Fatalf("Len() after munmap = %d, want 0", r.Len())
	}

	// Re-mappable: a second MAP_FIXED at the same address must not panic
	// nor report an overlap.
	if _, e := r.Mmap(stream.MmapOpts{
		Addr: 0x1000, Length: PageSize, Prot: PROT_READ,
		Flags: MAP_FIXED | MAP_ANONYMOUS,
	}, nil); e != 0 {
		t.Fatalf("re-Mmap failed: %v", e)
	}
}

func TestMmapOverlapRejectedWhenAbortDisabled(t *testing.T) {
	r := New()
	r.AbortOnUnexpectedMaps = false
	if _, e := r.Mmap(stream.MmapOpts{
		Addr: 0x2000, Length: PageSize, Flags: MAP_FIXED | MAP_ANONYMOUS,
	}, nil); e != 0 {
		t.Fatalf("first Mmap failed: %v", e)
	}
	_, e := r.Mmap(stream.MmapOpts{
		Addr: 0x2000, Length: PageSize, Flags: MAP_ANONYMOUS, // no MAP_FIXED: must not silently overwrite
	}, nil)
	if e == 0 {
		t.Fatal("expected overlap to be rejected when AbortOnUnexpectedMaps is false")
	}
}

func TestMunmapSplitsRegion(t *testing.T) {
	r := New()
	if _, e := r.Mmap(stream.MmapOpts{
		Addr: 0x4000, Length: 3 * PageSize, Flags: MAP_FIXED | MAP_ANONYMOUS,
	}, nil); e != 0 {
		t.Fatalf("Mmap failed: %v", e)
	}
	// Unmap the middle page only.
	if e := r.Munmap(0x4000+PageSize, PageSize); e != 0 {
		t.Fatalf("Munmap failed: %v", e)
	}
	if r.Len() != 2 {
		t.Fatalf("Len() after partial munmap = %d, want 2 (head+tail fragments)", r.Len())
	}
	if reg, ok := r.Lookup(0x4000); !ok || reg.Length != PageSize {
		t.Fatalf("head fragment missing or wrong size: %+v ok=%v", reg, ok)
	}
	if reg, ok := r.Lookup(0x4000 + 2*PageSize); !ok || reg.Length != PageSize {
		t.Fatalf("tail fragment missing or wrong size: %+v ok=%v", reg, ok)
	}
	if _, ok := r.Lookup(0x4000 + PageSize); ok {
		t.Fatal("middle page should be unmapped")
	}
}

func TestMprotectZeroLengthNoop(t *testing.T) {
	r := New()
	if e := r.Mprotect(0x1000, 0, PROT_READ); e != 0 {
		t.Fatalf("zero-length Mprotect should be a no-op success, got %v", e)
	}
}
