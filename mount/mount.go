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
	"sort"
	"strings"
	"sync"

	"github.com/google/btree"

	"github.com/posixtranslation/vfscore/errno"
	"github.com/posixtranslation/vfscore/stream"
)

// mountEntry is one prefix -> (handler, owner uid) binding.
type mountEntry struct {
	prefix    string
	handler   stream.FileSystemHandler
	ownerUID  uint32
	writable  bool
}

func entryLess(a, b *mountEntry) bool { return a.prefix < b.prefix }

// Manager is the mount-point manager: an ordered map from absolute path
// prefix to (handler, owner_uid), with longest-prefix match and per-path
// owner overrides from chown.
//
// Backed by a google/btree ordered set so longest-prefix lookup is a
// bounded walk rather than scanning every mount point on every path
// operation.
type Manager struct {
	mu sync.RWMutex

	tree *btree.BTreeG[*mountEntry]

	// overrides holds per-path chown re-ownership, checked before falling
	// back to the owning mount's default owner uid.
	overrides map[string]uint32
}

// NewManager constructs an empty mount-point manager.
func NewManager() *Manager {
	return &Manager{
		tree:      btree.NewG[*mountEntry](32, entryLess),
		overrides: make(map[string]uint32),
	}
}

// Mount registers handler at prefix with the given default owner uid and
// writability.
func (m *Manager) Mount(prefix string, handler stream.FileSystemHandler, ownerUID uint32, writable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tree.ReplaceOrInsert(&mountEntry{prefix: prefix, handler: handler, ownerUID: ownerUID, writable: writable})
}

// Resolved is what Lookup returns: the handler owning path and the
// effective uid/writable bits used for permission gating.
type Resolved struct {
	Handler  stream.FileSystemHandler
	OwnerUID uint32
	Writable bool
	Prefix   string
}

// Lookup finds the longest registered prefix of path.
func (m *Manager) Lookup(path string) (Resolved, errno.Errno) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *mountEntry
	m.tree.DescendLessOrEqual(&mountEntry{prefix: path}, func(e *mountEntry) bool {
		if isPrefix(e.prefix, path) {
			best = e
			return false
		}
		return true
	})
	if best == nil {
		return Resolved{}, errno.ENOENT
	}

	owner := best.ownerUID
	if o, ok := m.overrides[path]; ok {
		owner = o
	}
	return Resolved{Handler: best.handler, OwnerUID: owner, Writable: best.writable, Prefix: best.prefix}, 0
}

// Chown re-owns path, overriding the mount's default owner uid for that
// specific path. A path whose effective owner uid is root is writable
// only to root and to paths re-owned here.
func (m *Manager) Chown(path string, uid uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[path] = uid
}

func isPrefix(prefix, path string) bool {
	if prefix == "/" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	rest := path[len(prefix):]
	return rest == "" || rest[0] == '/'
}

// BootstrapMount is one mount-table row as read from configuration: a
// prefix plus the owner uid/writable bits, with the handler itself
// supplied separately since handlers aren't something a config file can
// describe.
type BootstrapMount struct {
	Prefix   string
	OwnerUID uint32
	Writable bool
}

// LoadBootstrap registers every entry in mounts, looking up each one's
// handler in handlers by prefix. A prefix with no matching handler is a
// configuration error: it reports ENODEV rather than silently skipping
// the mount point, the same way a missing device node fails at mount
// time rather than at first access.
func (m *Manager) LoadBootstrap(mounts []BootstrapMount, handlers map[string]stream.FileSystemHandler) errno.Errno {
	for _, bm := range mounts {
		h, ok := handlers[bm.Prefix]
		if !ok {
			return errno.ENODEV
		}
		m.Mount(bm.Prefix, h, bm.OwnerUID, bm.Writable)
	}
	return 0
}

// All returns every mount entry's prefix, sorted, for diagnostics.
func (m *Manager) All() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	m.tree.Ascend(func(e *mountEntry) bool {
		out = append(out, e.prefix)
		return true
	})
	sort.Strings(out)
	return out
}
