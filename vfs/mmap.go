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
	"github.com/posixtranslation/vfscore/errno"
	"github.com/posixtranslation/vfscore/mm"
	"github.com/posixtranslation/vfscore/stream"
	"github.com/posixtranslation/vfscore/stream/devfiles"
)

// Mmap implements mmap(2): fd is ignored for MAP_ANONYMOUS, otherwise
// resolved to its backing stream before delegating to the memory-map
// registry. A /dev/zero mapping is the classic anonymous zero-fill idiom
// and takes the registry's MAP_ANONYMOUS passthrough path; the zero
// stream itself has no mapping state.
func (v *VirtualFileSystem) Mmap(fd int, opts stream.MmapOpts) (uintptr, errno.Errno) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if opts.Flags&mm.MAP_ANONYMOUS == 0 {
		s, e := v.fds.Get(fd)
		if e != 0 {
			return 0, e
		}
		if _, ok := s.(*devfiles.ZeroStream); ok {
			opts.Flags |= mm.MAP_ANONYMOUS
		} else {
			opts.Stream = s
		}
	}

	inodeOf := func(s stream.Stream) uint64 {
		if p := s.Path(); p != "" {
			return v.inodes.Get(p)
		}
		return 0
	}
	return v.mm.Mmap(opts, inodeOf)
}

// Munmap implements munmap(2).
func (v *VirtualFileSystem) Munmap(addr, length uintptr) errno.Errno {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.mm.Munmap(addr, length)
}

// Mprotect implements mprotect(2).
func (v *VirtualFileSystem) Mprotect(addr, length uintptr, prot int) errno.Errno {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.mm.Mprotect(addr, length, prot)
}

// Madvise implements madvise(2). Only MADV_DONTNEED has an observable
// effect: the registry remaps the pages to fresh anonymous memory at the
// same address and updates its bookkeeping. Every other advice value is a
// silent no-op success, matching the host's "advisory, never mandatory"
// contract.
func (v *VirtualFileSystem) Madvise(addr, length uintptr, advice int) errno.Errno {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.mm.Madvise(addr, length, advice)
}
