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

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"github.com/posixtranslation/vfscore/errno"
)

// FileBacking optionally persists an ashmem region's shared content to a
// real file on disk instead of pure in-memory bytes, so its contents
// survive a process restart. gofrs/flock guards the backing file against
// concurrent writers from two processes pointed at the same path. Only the
// package tests use it; production ashmem regions and cmd/vfsshell do not.
type FileBacking struct {
	path string
	lock *flock.Flock
}

// NewFileBacking prepares (without yet opening) a file backing at path.
func NewFileBacking(path string) *FileBacking {
	return &FileBacking{path: path, lock: flock.New(path + ".lock")}
}

// AttachFileBacking takes the backing file's advisory lock, loads any
// existing content into the stream exactly as stored in the file (its
// length is not adjusted to SET_SIZE here), and arranges for Close to flush and
// release the lock. Only legal before the stream has been mapped.
func (s *Stream) AttachFileBacking(fb *FileBacking) errno.Errno {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Initial {
		return errno.EINVAL
	}
	if err := fb.lock.Lock(); err != nil {
		return errno.EIO
	}
	data, err := os.ReadFile(fb.path)
	if err == nil {
		s.content = data
	}
	s.backing = fb
	return 0
}

// Close flushes the stream's content to its backing file (if attached),
// releases the advisory lock, and returns every host mapping — the
// shared region and any private views — to the host. The VFS
// dispatcher's generic close-hook type-assertion finds it on every
// ashmem stream regardless of whether file backing is in use.
func (s *Stream) Close() errno.Errno {
	s.mu.Lock()
	defer s.mu.Unlock()

	var flushErr error
	if s.backing != nil {
		flushErr = os.WriteFile(s.backing.path, s.content, 0600)
		if err := s.backing.lock.Unlock(); err != nil && flushErr == nil {
			flushErr = err
		}
		s.backing = nil
	}

	for addr, data := range s.privates {
		unix.Munmap(data)
		delete(s.privates, addr)
	}
	s.releaseContentLocked()

	if flushErr != nil {
		return errno.EIO
	}
	return 0
}
