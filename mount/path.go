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

// Package mount implements path normalization, the mount-point manager,
// and the inode map.
package mount

import (
	"strings"

	"github.com/posixtranslation/vfscore/errno"
)

// NormalizeMode selects how far Normalize resolves a path.
type NormalizeMode int

const (
	// NormalizeNone performs no resolution at all.
	NormalizeNone NormalizeMode = iota
	// NormalizeParentOnly resolves everything but the final component,
	// used by lstat/readlink/symlink.
	NormalizeParentOnly
	// NormalizeFull resolves the entire path, including symlinks.
	NormalizeFull
)

// maxSymlinkDepth caps symlink resolution depth, failing ELOOP past this
// point rather than attempting true cycle detection.
const maxSymlinkDepth = 40

// ReadlinkFunc asks the owning handler to resolve one symlink hop.
type ReadlinkFunc func(path string) (target string, isSymlink bool)

// Normalize reduces path: strip trailing slashes (preserving
// root), collapse "./" and "//", prepend cwd if relative, resolve ".." by
// popping one component, and optionally resolve symlinks via readlink.
//
// Normalization output never contains ".", "..", "//", or a trailing slash
// except the root.
func Normalize(path, cwd string, mode NormalizeMode, readlink ReadlinkFunc) (string, errno.Errno) {
	if path == "" {
		return "", errno.ENOENT
	}
	if !strings.HasPrefix(path, "/") {
		path = joinPath(cwd, path)
	}

	resolved, e := collapse(path)
	if e != 0 {
		return "", e
	}
	if mode == NormalizeNone || readlink == nil {
		return resolved, 0
	}

	if mode == NormalizeParentOnly {
		dir, base := splitLast(resolved)
		dir, e = resolveSymlinks(dir, readlink, 0)
		if e != 0 {
			return "", e
		}
		return joinPath(dir, base), 0
	}

	return resolveSymlinks(resolved, readlink, 0)
}

func joinPath(base, rel string) string {
	if base == "" {
		base = "/"
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + rel
}

// collapse strips trailing slashes, collapses "./" and "//", and resolves
// ".." by popping one component. Never performs symlink resolution.
func collapse(path string) (string, errno.Errno) {
	parts := strings.Split(path, "/")
	var stack []string
	for _, p := range parts {
		switch p {
		case "", ".":
			continue
		case "..":
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		default:
			stack = append(stack, p)
		}
	}
	if len(stack) == 0 {
		return "/", 0
	}
	return "/" + strings.Join(stack, "/"), 0
}

func splitLast(path string) (dir, base string) {
	idx := strings.LastIndexByte(path, '/')
	if idx <= 0 {
		return "/", path[idx+1:]
	}
	return path[:idx], path[idx+1:]
}

// resolveSymlinks repeatedly asks readlink for the owning handler's
// opinion on whether a path component is a symlink, recursing on the
// replacement target, capped at maxSymlinkDepth.
func resolveSymlinks(path string, readlink ReadlinkFunc, depth int) (string, errno.Errno) {
	if depth > maxSymlinkDepth {
		return "", errno.ELOOP
	}
	target, isSymlink := readlink(path)
	if !isSymlink {
		return path, 0
	}
	if !strings.HasPrefix(target, "/") {
		dir, _ := splitLast(path)
		target = joinPath(dir, target)
	}
	collapsed, e := collapse(target)
	if e != 0 {
		return "", e
	}
	return resolveSymlinks(collapsed, readlink, depth+1)
}
