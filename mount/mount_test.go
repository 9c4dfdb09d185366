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

package mount

import (
	"testing"
	"time"

	"github.com/posixtranslation/vfscore/errno"
	"github.com/posixtranslation/vfscore/stream"
)

// noopHandler is a minimal stream.FileSystemHandler for exercising
// Manager.Lookup's routing without a real handler implementation.
type noopHandler struct{ name string }

func (h *noopHandler) Open(string, stream.OpenFlags, uint32) (stream.Stream, errno.Errno) {
	return nil, errno.ENOSYS
}
func (h *noopHandler) Stat(string) (stream.Statx, errno.Errno)    { return stream.Statx{}, errno.ENOSYS }
func (h *noopHandler) Statfs(string) (stream.Statfs, errno.Errno) { return stream.Statfs{}, errno.ENOSYS }
func (h *noopHandler) Readlink(string) (string, errno.Errno)      { return "", errno.ENOSYS }
func (h *noopHandler) Mkdir(string, uint32) errno.Errno           { return errno.ENOSYS }
func (h *noopHandler) Rmdir(string) errno.Errno                   { return errno.ENOSYS }
func (h *noopHandler) Unlink(string) errno.Errno                  { return errno.ENOSYS }
func (h *noopHandler) Rename(string, string) errno.Errno          { return errno.ENOSYS }
func (h *noopHandler) Symlink(string, string) errno.Errno         { return errno.ENOSYS }
func (h *noopHandler) Truncate(string, int64) errno.Errno         { return errno.ENOSYS }
func (h *noopHandler) Utimes(string, time.Time, time.Time) errno.Errno { return errno.ENOSYS }
func (h *noopHandler) OnDirectoryContentsNeeded(string) (stream.Stream, errno.Errno) {
	return nil, errno.ENOSYS
}
func (h *noopHandler) IsInitialized() bool            { return true }
func (h *noopHandler) IsWorldWritable(string) bool     { return false }
func (h *noopHandler) AddToCache(string)               {}
func (h *noopHandler) InvalidateCache(string)           {}

func TestLongestPrefixWins(t *testing.T) {
	m := NewManager()
	root := &noopHandler{"root"}
	data := &noopHandler{"data"}
	dataApp := &noopHandler{"data-app"}

	m.Mount("/", root, 0, false)
	m.Mount("/data", data, 1000, true)
	m.Mount("/data/app", dataApp, 2000, true)

	r, e := m.Lookup("/data/app/foo/bar")
	if e != 0 {
		t.Fatalf("Lookup failed: %v", e)
	}
	if r.Prefix != "/data/app" {
		t.Fatalf("Lookup matched %q, want /data/app", r.Prefix)
	}

	r, e = m.Lookup("/data/other")
	if e != 0 || r.Prefix != "/data" {
		t.Fatalf("Lookup(/data/other) = %q,%v want /data,nil", r.Prefix, e)
	}

	r, e = m.Lookup("/etc/passwd")
	if e != 0 || r.Prefix != "/" {
		t.Fatalf("Lookup(/etc/passwd) = %q,%v want /,nil", r.Prefix, e)
	}
}

func TestLookupNoMountsFails(t *testing.T) {
	m := NewManager()
	if _, e := m.Lookup("/anything"); e != errno.ENOENT {
		t.Fatalf("Lookup with no mounts = %v, want ENOENT", e)
	}
}

func TestChownOverridesOwner(t *testing.T) {
	m := NewManager()
	m.Mount("/", &noopHandler{"root"}, 0, false)
	m.Chown("/etc/passwd", 5000)

	r, _ := m.Lookup("/etc/passwd")
	if r.OwnerUID != 5000 {
		t.Fatalf("OwnerUID = %d, want 5000 after chown", r.OwnerUID)
	}

	r, _ = m.Lookup("/etc/other")
	if r.OwnerUID != 0 {
		t.Fatalf("OwnerUID for unrelated path = %d, want unaffected default 0", r.OwnerUID)
	}
}
