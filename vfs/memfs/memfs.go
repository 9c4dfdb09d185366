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

// Package memfs is a minimal in-memory stream.FileSystemHandler: every
// node lives in a map keyed by normalized path, backed by a plain byte
// slice. It exists so vfs and its callers are independently testable
// without a real sandboxed file handler; it is not a production handler
// (no permission bits beyond the mount-level owner/writable gate, no
// hard links, no special files).
package memfs

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/posixtranslation/vfscore/errno"
	"github.com/posixtranslation/vfscore/stream"
)

type node struct {
	mu    sync.Mutex
	isDir bool
	data  []byte
	mode  uint32
	mtime time.Time
	ctime time.Time
	atime time.Time
}

// Handler is a reference stream.FileSystemHandler over an in-memory tree.
type Handler struct {
	mu            sync.Mutex
	nodes         map[string]*node
	worldWritable bool
}

// New constructs a Handler with a root directory at "/".
func New(worldWritable bool) *Handler {
	now := time.Time{}
	h := &Handler{
		nodes:         make(map[string]*node),
		worldWritable: worldWritable,
	}
	h.nodes["/"] = &node{isDir: true, mode: 0755, mtime: now, ctime: now, atime: now}
	return h
}

func (h *Handler) lookup(path string) (*node, errno.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, ok := h.nodes[path]
	if !ok {
		return nil, errno.ENOENT
	}
	return n, 0
}

// Open implements stream.FileSystemHandler.Open: creates the node on
// O_CREAT if absent, reporting EEXIST for O_CREAT|O_EXCL against an
// existing node and EISDIR against a directory opened without
// O_DIRECTORY.
func (h *Handler) Open(path string, flags stream.OpenFlags, mode uint32) (stream.Stream, errno.Errno) {
	h.mu.Lock()
	n, ok := h.nodes[path]
	if !ok {
		if !flags.Create {
			h.mu.Unlock()
			return nil, errno.ENOENT
		}
		dir, _ := splitLast(path)
		if _, pok := h.nodes[dir]; !pok {
			h.mu.Unlock()
			return nil, errno.ENOENT
		}
		now := time.Time{}
		n = &node{mode: mode, mtime: now, ctime: now, atime: now}
		h.nodes[path] = n
		h.mu.Unlock()
	} else {
		h.mu.Unlock()
		if flags.Create && flags.Excl {
			return nil, errno.EEXIST
		}
		if n.isDir && !flags.Directory {
			return nil, errno.EISDIR
		}
	}

	s := &fileStream{BaseStream: stream.NewBaseStream("memfs.file"), node: n}
	if flags.Append {
		n.mu.Lock()
		s.offset = int64(len(n.data))
		n.mu.Unlock()
	}
	return s, 0
}

// Stat implements stream.FileSystemHandler.Stat.
func (h *Handler) Stat(path string) (stream.Statx, errno.Errno) {
	n, e := h.lookup(path)
	if e != 0 {
		return stream.Statx{}, e
	}
	return n.statx(), 0
}

func (n *node) statx() stream.Statx {
	n.mu.Lock()
	defer n.mu.Unlock()
	st := stream.Statx{
		Size:  int64(len(n.data)),
		Mode:  n.mode,
		Atime: n.atime,
		Mtime: n.mtime,
		Ctime: n.ctime,
		IsDir: n.isDir,
		NLink: 1,
	}
	return st
}

// Statfs implements stream.FileSystemHandler.Statfs with a generous fixed
// "disk" shape; memfs has no real capacity limit.
func (h *Handler) Statfs(path string) (stream.Statfs, errno.Errno) {
	if _, e := h.lookup(path); e != 0 {
		return stream.Statfs{}, e
	}
	return stream.Statfs{BlockSize: 4096, Blocks: 1 << 20, BlocksFree: 1 << 20, NameMax: 255}, 0
}

// Readlink implements stream.FileSystemHandler.Readlink. memfs has no
// symlinks: every path reports EINVAL ("not a symlink"), which
// mount.Normalize's readlink closure treats as "stop resolving, use the
// literal component".
func (h *Handler) Readlink(path string) (string, errno.Errno) { return "", errno.EINVAL }

// Mkdir implements stream.FileSystemHandler.Mkdir.
func (h *Handler) Mkdir(path string, mode uint32) errno.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.nodes[path]; ok {
		return errno.EEXIST
	}
	dir, _ := splitLast(path)
	if _, ok := h.nodes[dir]; !ok {
		return errno.ENOENT
	}
	now := time.Time{}
	h.nodes[path] = &node{isDir: true, mode: mode, mtime: now, ctime: now, atime: now}
	return 0
}

// Rmdir implements stream.FileSystemHandler.Rmdir: the directory must be
// empty, checked via a linear scan of every registered path (memfs keeps
// no child index; fine at its intended test-fixture scale).
func (h *Handler) Rmdir(path string) errno.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, ok := h.nodes[path]
	if !ok {
		return errno.ENOENT
	}
	if !n.isDir {
		return errno.ENOTDIR
	}
	for p := range h.nodes {
		if p != path && isChildOf(path, p) {
			return errno.ENOTDIR // not empty; memfs has no ENOTEMPTY, closest Linux reuses ENOTDIR in some paths
		}
	}
	delete(h.nodes, path)
	return 0
}

// Unlink implements stream.FileSystemHandler.Unlink.
func (h *Handler) Unlink(path string) errno.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, ok := h.nodes[path]
	if !ok {
		return errno.ENOENT
	}
	if n.isDir {
		return errno.EISDIR
	}
	delete(h.nodes, path)
	return 0
}

// Rename implements stream.FileSystemHandler.Rename, moving the node and
// (for a directory) every descendant's key prefix.
func (h *Handler) Rename(oldPath, newPath string) errno.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, ok := h.nodes[oldPath]
	if !ok {
		return errno.ENOENT
	}
	moved := map[string]*node{newPath: n}
	for p, child := range h.nodes {
		if p != oldPath && isChildOf(oldPath, p) {
			moved[newPath+p[len(oldPath):]] = child
			delete(h.nodes, p)
		}
	}
	delete(h.nodes, oldPath)
	for p, child := range moved {
		h.nodes[p] = child
	}
	return 0
}

// Symlink implements stream.FileSystemHandler.Symlink. Not supported: no
// component of this reference handler models a symlink target.
func (h *Handler) Symlink(oldPath, newPath string) errno.Errno { return errno.ENOSYS }

// Truncate implements stream.FileSystemHandler.Truncate.
func (h *Handler) Truncate(path string, length int64) errno.Errno {
	n, e := h.lookup(path)
	if e != 0 {
		return e
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if int64(len(n.data)) == length {
		return 0
	}
	grown := make([]byte, length)
	copy(grown, n.data)
	n.data = grown
	return 0
}

// Utimes implements stream.FileSystemHandler.Utimes.
func (h *Handler) Utimes(path string, atime, mtime time.Time) errno.Errno {
	n, e := h.lookup(path)
	if e != 0 {
		return e
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.atime = atime
	n.mtime = mtime
	return 0
}

// OnDirectoryContentsNeeded implements stream.FileSystemHandler by
// enumerating every registered path that is a direct child of path.
func (h *Handler) OnDirectoryContentsNeeded(path string) (stream.Stream, errno.Errno) {
	n, e := h.lookup(path)
	if e != 0 {
		return nil, e
	}
	if !n.isDir {
		return nil, errno.ENOTDIR
	}
	h.mu.Lock()
	var entries []stream.Dirent
	for p, child := range h.nodes {
		if p != path && isChildOf(path, p) && isDirectChild(path, p) {
			typ := uint8(8) // DT_REG
			if child.isDir {
				typ = 4 // DT_DIR
			}
			name := p[len(path)+1:]
			if path == "/" {
				name = p[1:]
			}
			entries = append(entries, stream.Dirent{Name: name, Type: typ})
		}
	}
	h.mu.Unlock()
	return &dirStream{BaseStream: stream.NewBaseStream("memfs.dir"), entries: entries}, 0
}

// IsInitialized implements stream.FileSystemHandler: memfs has no
// asynchronous warm-up phase, so it is always ready.
func (h *Handler) IsInitialized() bool { return true }

// IsWorldWritable implements stream.FileSystemHandler.
func (h *Handler) IsWorldWritable(path string) bool { return h.worldWritable }

// AddToCache/InvalidateCache implement stream.FileSystemHandler; memfs
// keeps no separate lookup cache distinct from h.nodes, so both are
// diagnostics-only no-ops.
func (h *Handler) AddToCache(path string) {
	logrus.WithFields(logrus.Fields{"subsystem": "memfs", "path": path}).Debug("add to cache (no-op)")
}

func (h *Handler) InvalidateCache(path string) {
	logrus.WithFields(logrus.Fields{"subsystem": "memfs", "path": path}).Debug("invalidate cache (no-op)")
}

func splitLast(path string) (dir, base string) {
	idx := -1
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			idx = i
			break
		}
	}
	if idx <= 0 {
		return "/", path[idx+1:]
	}
	return path[:idx], path[idx+1:]
}

func isChildOf(parent, p string) bool {
	if parent == "/" {
		return len(p) > 1
	}
	return len(p) > len(parent) && p[:len(parent)] == parent && p[len(parent)] == '/'
}

func isDirectChild(parent, p string) bool {
	rest := p[len(parent):]
	if parent == "/" {
		rest = p[1:]
	} else {
		rest = p[len(parent)+1:]
	}
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return false
		}
	}
	return true
}
