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

package memfs

import (
	"io"
	"sync"

	"github.com/posixtranslation/vfscore/errno"
	"github.com/posixtranslation/vfscore/stream"
)

// fileStream is the stream.Stream a memfs file's Open returns: a cursor
// into the shared node's byte slice.
type fileStream struct {
	*stream.BaseStream

	node   *node
	mu     sync.Mutex
	offset int64
}

func (s *fileStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	off := s.offset
	s.mu.Unlock()
	n, err := s.PRead(p, off)
	if n > 0 {
		s.mu.Lock()
		s.offset += int64(n)
		s.mu.Unlock()
	}
	if err != 0 {
		return n, err
	}
	return n, nil
}

func (s *fileStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	off := s.offset
	s.mu.Unlock()
	n, err := s.PWrite(p, off)
	if n > 0 {
		s.mu.Lock()
		s.offset += int64(n)
		s.mu.Unlock()
	}
	if err != 0 {
		return n, err
	}
	return n, nil
}

func (s *fileStream) PRead(p []byte, offset int64) (int, errno.Errno) {
	s.node.mu.Lock()
	defer s.node.mu.Unlock()
	if offset >= int64(len(s.node.data)) {
		return 0, 0 // EOF reads as n=0/err=0; the Read wrapper passes it on as (0, nil)
	}
	n := copy(p, s.node.data[offset:])
	return n, 0
}

func (s *fileStream) PWrite(p []byte, offset int64) (int, errno.Errno) {
	s.node.mu.Lock()
	defer s.node.mu.Unlock()
	end := offset + int64(len(p))
	if end > int64(len(s.node.data)) {
		grown := make([]byte, end)
		copy(grown, s.node.data)
		s.node.data = grown
	}
	n := copy(s.node.data[offset:], p)
	return n, 0
}

func (s *fileStream) Lseek(offset int64, whence int) (int64, errno.Errno) {
	s.node.mu.Lock()
	size := int64(len(s.node.data))
	s.node.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	switch whence {
	case 0: // SEEK_SET
		s.offset = offset
	case 1: // SEEK_CUR
		s.offset += offset
	case 2: // SEEK_END
		s.offset = size + offset
	default:
		return 0, errno.EINVAL
	}
	if s.offset < 0 {
		s.offset = 0
		return 0, errno.EINVAL
	}
	return s.offset, 0
}

func (s *fileStream) Fstat() (stream.Statx, errno.Errno) {
	st := s.node.statx()
	st.UID = s.Permission().UID
	return st, 0
}

func (s *fileStream) Fstatfs() (stream.Statfs, errno.Errno) {
	return stream.Statfs{BlockSize: 4096, Blocks: 1 << 20, BlocksFree: 1 << 20, NameMax: 255}, 0
}

// dirStream is the stream.Stream OnDirectoryContentsNeeded returns: a
// fixed, pre-enumerated getdents(2) listing (memfs never mutates an
// in-flight listing, unlike a real directory whose contents can change
// mid-readdir).
type dirStream struct {
	*stream.BaseStream

	entries []stream.Dirent
}

func (d *dirStream) Getdents() ([]stream.Dirent, errno.Errno) { return d.entries, 0 }

func (d *dirStream) Read(p []byte) (int, error) { return 0, io.EOF }
