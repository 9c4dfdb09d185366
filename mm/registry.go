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

// Package mm implements the memory-map registry: a sorted set
// of non-overlapping regions, each owning an optional reference to the
// backing stream, driving partial/overlapping munmap, mprotect, and
// madvise.
//
// Lock order:
//
//	Registry.mu
//		stream-local mutexes
//
// Blocking stream calls (Mmap/Munmap/Mprotect on the underlying stream,
// which may themselves block or re-enter the VFS mutex) are issued with
// mu NOT held. Non-blocking hooks (OnUnmapByOverwritingMmap, reference
// drops) only take stream-local locks and may run under mu.
package mm

import (
	"sync"
	"unsafe"

	"github.com/google/btree"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/posixtranslation/vfscore/errno"
	"github.com/posixtranslation/vfscore/stream"
)

// PageSize is the page size this registry aligns everything to.
const PageSize = 4096

// Region is one mapped address range.
type Region struct {
	Base     uintptr
	Length   uintptr
	Prot     int
	Flags    int
	Offset   int64
	Inode    uint64
	Stream   stream.Stream // nil for a pure anonymous passthrough region
	RefCount int
}

func (r *Region) End() uintptr { return r.Base + r.Length }

// less orders regions by base address for the btree.
func less(a, b *Region) bool { return a.Base < b.Base }

// Registry is the process-wide memory-map registry. It is owned by the VFS
// dispatcher and touched only under the VFS mutex; mu additionally guards
// every access to the region btree. AbortOnUnexpectedMaps is a plain field
// that mu does not guard.
type Registry struct {
	mu sync.Mutex

	regions *btree.BTreeG[*Region]

	// OnLastRegionRef runs a stream's teardown when dropping a region's
	// reference leaves the stream with none. Set once by the VFS dispatcher
	// before any mapping exists; invoked with the dispatcher's mutex held.
	OnLastRegionRef func(stream.Stream)

	// AbortOnUnexpectedMaps being false demotes the registry-overlap
	// assertion to -1/ENODEV instead of a fatal abort; production always
	// runs with this true. Tests may clear it.
	AbortOnUnexpectedMaps bool
}

// New constructs an empty registry with fatal-on-overlap enabled, matching
// production behavior.
func New() *Registry {
	return &Registry{
		regions:               btree.NewG[*Region](32, less),
		AbortOnUnexpectedMaps: true,
	}
}

func alignUp(v uintptr) uintptr {
	return (v + PageSize - 1) &^ (PageSize - 1)
}

func alignDown(v uintptr) uintptr {
	return v &^ (PageSize - 1)
}

// anonStream is the "passthrough" stream the registry installs for
// MAP_ANONYMOUS regions. The host's own anonymous mapping is the backing
// store, so unmap and protection changes need no stream-side work.
type anonStream struct{ *stream.BaseStream }

func newAnonStream() *anonStream {
	return &anonStream{BaseStream: stream.NewBaseStream("anon")}
}

func (*anonStream) Munmap(addr, length uintptr) errno.Errno             { return 0 }
func (*anonStream) Mprotect(addr, length uintptr, prot int) errno.Errno { return 0 }
func (*anonStream) Madvise(addr, length uintptr, advice int) errno.Errno {
	return 0
}

const (
	MAP_SHARED    = 0x01
	MAP_PRIVATE   = 0x02
	MAP_FIXED     = 0x10
	MAP_ANONYMOUS = 0x20
)

const (
	PROT_NONE  = 0x0
	PROT_READ  = 0x1
	PROT_WRITE = 0x2
	PROT_EXEC  = 0x4
)

// Mmap validates alignment, asks the backing stream (or installs an
// anonymous passthrough) for an address, and inserts the resulting region.
// The inserted region holds its own reference to the backing stream so the
// stream outlives the region even after its last FD closes.
func (r *Registry) Mmap(opts stream.MmapOpts, inodeOf func(stream.Stream) uint64) (uintptr, errno.Errno) {
	if opts.Length == 0 {
		return 0, errno.EINVAL
	}
	if opts.Offset%PageSize != 0 {
		return 0, errno.EINVAL
	}
	length := alignUp(opts.Length)

	var target stream.Stream
	var base uintptr

	if opts.Flags&MAP_ANONYMOUS != 0 {
		// The fresh passthrough stream's initial reference belongs to the
		// region inserted below.
		target = newAnonStream()
		base = opts.Addr
	} else {
		if opts.Stream == nil {
			return 0, errno.EINVAL
		}
		res, e := opts.Stream.Mmap(opts)
		if e != 0 {
			return 0, e
		}
		target = opts.Stream
		base = res.Addr
		target.IncRef()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if target.ReturnsSameAddressForMultipleMmaps() {
		if existing, ok := r.findExact(base, length, target); ok {
			existing.RefCount++
			r.decRefLocked(target)
			return existing.Base, 0
		}
	}

	if opts.Flags&MAP_FIXED != 0 {
		if e := r.removeOverlappingLocked(base, length); e != 0 {
			r.decRefLocked(target)
			return 0, e
		}
	} else if r.overlaps(base, length) {
		r.decRefLocked(target)
		return 0, r.onUnexpectedOverlap()
	}

	region := &Region{
		Base:     base,
		Length:   length,
		Prot:     opts.Prot,
		Flags:    opts.Flags,
		Offset:   opts.Offset,
		Stream:   target,
		RefCount: 1,
	}
	if inodeOf != nil && target != nil {
		region.Inode = inodeOf(target)
	}
	r.regions.ReplaceOrInsert(region)
	return base, 0
}

// decRefLocked drops one region-held stream reference, running the
// dispatcher-supplied teardown on the last drop.
func (r *Registry) decRefLocked(s stream.Stream) {
	if s == nil {
		return
	}
	s.DecRef(func() {
		if r.OnLastRegionRef != nil {
			r.OnLastRegionRef(s)
		}
	})
}

func (r *Registry) onUnexpectedOverlap() errno.Errno {
	if r.AbortOnUnexpectedMaps {
		panic("mm: overlapping mmap region violates invariant")
	}
	logrus.WithField("subsystem", "mm").Warn("mmap overlap demoted to ENODEV under test flag")
	return errno.ENODEV
}

func (r *Registry) findExact(base uintptr, length uintptr, s stream.Stream) (*Region, bool) {
	var found *Region
	r.regions.AscendRange(&Region{Base: base}, &Region{Base: base + 1}, func(reg *Region) bool {
		if reg.Base == base && reg.Length == length && reg.Stream == s {
			found = reg
			return false
		}
		return true
	})
	return found, found != nil
}

func (r *Registry) overlaps(base, length uintptr) bool {
	end := base + length
	overlap := false
	r.regions.Ascend(func(reg *Region) bool {
		if reg.Base >= end {
			return false
		}
		if reg.End() > base {
			overlap = true
			return false
		}
		return true
	})
	return overlap
}

// removeOverlappingLocked deletes every region intersecting
// [base, base+length) without calling the streams' Munmap, since
// MAP_FIXED's overlay already unmapped those pages, refusing when a
// victim is a multi-referenced same-address region (ENODEV). Caller must
// hold r.mu.
func (r *Registry) removeOverlappingLocked(base, length uintptr) errno.Errno {
	end := base + length
	var toDelete []*Region
	r.regions.Ascend(func(reg *Region) bool {
		if reg.Base >= end {
			return false
		}
		if reg.End() > base {
			toDelete = append(toDelete, reg)
		}
		return true
	})
	for _, reg := range toDelete {
		if reg.RefCount > 1 && reg.Stream != nil && reg.Stream.ReturnsSameAddressForMultipleMmaps() {
			return errno.ENODEV
		}
	}
	for _, reg := range toDelete {
		r.regions.Delete(reg)
		if reg.Stream != nil {
			cutStart := max(reg.Base, base)
			cutEnd := min(reg.End(), end)
			reg.Stream.OnUnmapByOverwritingMmap(cutStart, cutEnd-cutStart)
		}
		r.decRefLocked(reg.Stream)
	}
	return 0
}

// Munmap splits regions at the cut points, invokes each affected stream's
// Munmap for the released bytes, and removes the released ranges.
func (r *Registry) Munmap(addr, length uintptr) errno.Errno {
	if length == 0 {
		return errno.EINVAL
	}
	base := alignDown(addr)
	end := alignUp(addr + length)

	affected := r.collect(base, end)

	// A multi-referenced same-address region wholly covered by the cut
	// drops one reference instead of being unmapped.
	retained := make(map[*Region]bool)
	for _, reg := range affected {
		if reg.RefCount > 1 && reg.Base >= base && reg.End() <= end {
			r.mu.Lock()
			reg.RefCount--
			r.mu.Unlock()
			retained[reg] = true
			continue
		}
		cutStart := max(reg.Base, base)
		cutEnd := min(reg.End(), end)
		if reg.Stream != nil {
			if e := reg.Stream.Munmap(cutStart, cutEnd-cutStart); e != 0 {
				return e
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, reg := range affected {
		if !retained[reg] {
			r.splitAndRemoveLocked(reg, base, end)
		}
	}
	return 0
}

func (r *Registry) collect(base, end uintptr) []*Region {
	var out []*Region
	r.mu.Lock()
	r.regions.Ascend(func(reg *Region) bool {
		if reg.Base >= end {
			return false
		}
		if reg.End() > base {
			out = append(out, reg)
		}
		return true
	})
	r.mu.Unlock()
	return out
}

// splitAndRemoveLocked removes [base,end) from reg, re-inserting the
// surviving head/tail fragments as new regions. Partial-length operations
// split regions at page boundaries. Each surviving fragment carries its
// own stream reference; the net reference delta is fragments-minus-one.
// Caller must hold r.mu.
func (r *Registry) splitAndRemoveLocked(reg *Region, base, end uintptr) {
	if _, ok := r.regions.Get(reg); !ok {
		return
	}
	r.regions.Delete(reg)

	fragments := 0
	if reg.Base < base {
		head := *reg
		head.Length = base - reg.Base
		r.regions.ReplaceOrInsert(&head)
		fragments++
	}
	if reg.End() > end {
		tail := *reg
		tail.Base = end
		tail.Length = reg.End() - end
		tail.Offset = reg.Offset + int64(end-reg.Base)
		r.regions.ReplaceOrInsert(&tail)
		fragments++
	}
	if fragments == 0 {
		r.decRefLocked(reg.Stream)
	} else if reg.Stream != nil {
		for i := 1; i < fragments; i++ {
			reg.Stream.IncRef()
		}
	}
}

// Mprotect updates protection bits: zero-length is a legal no-op; every
// intersecting region's stored prot is updated and its stream's Mprotect
// is invoked (default: delegate to host).
func (r *Registry) Mprotect(addr, length uintptr, prot int) errno.Errno {
	if length == 0 {
		return 0
	}
	base := alignDown(addr)
	end := alignUp(addr + length)

	affected := r.collect(base, end)
	for _, reg := range affected {
		if reg.Stream != nil {
			if e := reg.Stream.Mprotect(addr, length, prot); e != 0 {
				return e
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, reg := range affected {
		if _, ok := r.regions.Get(reg); ok {
			reg.Prot = prot
		}
	}
	return 0
}

// Madvise implements the MADV_DONTNEED contract: an in-place anonymous
// private remap that zeroes the pages while preserving addressing. The
// host remap is performed here, before bookkeeping; landing anywhere but
// the requested address is fatal.
func (r *Registry) Madvise(addr, length uintptr, advice int) errno.Errno {
	const MADV_DONTNEED = 4
	if advice != MADV_DONTNEED {
		return 0
	}
	if length == 0 {
		return 0
	}
	base := alignDown(addr)
	end := alignUp(addr + length)

	if e := remapZero(base, end-base); e != 0 {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var affected []*Region
	r.regions.Ascend(func(reg *Region) bool {
		if reg.Base >= end {
			return false
		}
		if reg.End() > base {
			affected = append(affected, reg)
		}
		return true
	})
	for _, reg := range affected {
		r.splitAndRemoveLocked(reg, base, end)
	}
	r.regions.ReplaceOrInsert(&Region{
		Base:   base,
		Length: end - base,
		Prot:   PROT_READ | PROT_WRITE,
		Flags:  MAP_ANONYMOUS | MAP_PRIVATE,
		Stream: newAnonStream(),
	})
	return 0
}

// remapZero installs a fresh anonymous private mapping over exactly
// [base, base+length), zeroing the pages while preserving addressing.
func remapZero(base, length uintptr) errno.Errno {
	p, err := unix.MmapPtr(-1, 0, unsafe.Pointer(base), length,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED)
	if err != nil {
		return errno.FromHostIOError(err)
	}
	if uintptr(p) != base {
		panic("mm: MADV_DONTNEED remap landed away from the requested address")
	}
	return 0
}

// Lookup returns the region containing addr, if any.
func (r *Registry) Lookup(addr uintptr) (*Region, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found *Region
	r.regions.Descend(func(reg *Region) bool {
		if reg.Base > addr {
			return true
		}
		if addr < reg.End() {
			found = reg
		}
		return false
	})
	return found, found != nil
}

// Len reports the number of distinct regions currently tracked (test hook).
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.regions.Len()
}

func max(a, b uintptr) uintptr {
	if a > b {
		return a
	}
	return b
}

func min(a, b uintptr) uintptr {
	if a < b {
		return a
	}
	return b
}
