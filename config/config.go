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

// Package config loads the TOML bootstrap configuration a host embedding
// this module uses to wire up the initial mount table and process
// identity, without a code change. Read once at startup; there is no
// hot-reload.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/posixtranslation/vfscore/errno"
	"github.com/posixtranslation/vfscore/mount"
	"github.com/posixtranslation/vfscore/stream"
)

// MountConfig is one [[mounts]] table entry.
type MountConfig struct {
	Prefix   string `toml:"prefix"`
	OwnerUID uint32 `toml:"owner_uid"`
	Writable bool   `toml:"writable"`
}

// Bootstrap is the root of a bootstrap TOML document.
type Bootstrap struct {
	ProcessUID uint32        `toml:"process_uid"`
	ProcessPID uint32        `toml:"process_pid"`
	Mounts     []MountConfig `toml:"mounts"`
}

// Load parses the TOML bootstrap file at path.
func Load(path string) (*Bootstrap, error) {
	var b Bootstrap
	if _, err := toml.DecodeFile(path, &b); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return &b, nil
}

// MountList converts the parsed [[mounts]] entries into the shape
// mount.Manager.LoadBootstrap consumes.
func (b *Bootstrap) MountList() []mount.BootstrapMount {
	out := make([]mount.BootstrapMount, len(b.Mounts))
	for i, m := range b.Mounts {
		out[i] = mount.BootstrapMount{Prefix: m.Prefix, OwnerUID: m.OwnerUID, Writable: m.Writable}
	}
	return out
}

// bootstrapLoader is the subset of *vfs.VirtualFileSystem this package
// needs, narrowed to avoid an import cycle (vfs never imports config).
type bootstrapLoader interface {
	LoadBootstrap(mounts []mount.BootstrapMount, handlers map[string]stream.FileSystemHandler) errno.Errno
}

// Apply registers every mount this bootstrap describes against v,
// resolving each prefix's handler from handlers.
func (b *Bootstrap) Apply(v bootstrapLoader, handlers map[string]stream.FileSystemHandler) errno.Errno {
	return v.LoadBootstrap(b.MountList(), handlers)
}
