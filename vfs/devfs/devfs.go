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

// Package devfs is the device-family FileSystemHandler serving the /dev
// tree this layer emulates: /dev/ashmem, /dev/alarm,
// /dev/log/{main,events,radio,system}, /dev/urandom, and /dev/zero.
// Each open of /dev/ashmem yields a fresh region; the log buffers are
// shared rings, so every open of the same buffer path sees one stream.
package devfs

import (
	"strings"
	"sync"
	"time"

	"github.com/posixtranslation/vfscore/errno"
	"github.com/posixtranslation/vfscore/stream"
	"github.com/posixtranslation/vfscore/stream/ashmem"
	"github.com/posixtranslation/vfscore/stream/devfiles"
)

// logBuffers are the four Android log devices.
var logBuffers = []string{"main", "events", "radio", "system"}

// Handler implements stream.FileSystemHandler over the /dev namespace.
type Handler struct {
	prefix string

	mu   sync.Mutex
	logs map[string]*devfiles.LogStream
}

// New constructs a Handler intended to be mounted at prefix (normally
// "/dev").
func New(prefix string) *Handler {
	return &Handler{prefix: prefix, logs: make(map[string]*devfiles.LogStream)}
}

// rel strips the mount prefix: "/dev/ashmem" -> "ashmem".
func (h *Handler) rel(path string) string {
	rest := strings.TrimPrefix(path, h.prefix)
	return strings.TrimPrefix(rest, "/")
}

func (h *Handler) Open(path string, flags stream.OpenFlags, mode uint32) (stream.Stream, errno.Errno) {
	switch name := h.rel(path); {
	case name == "ashmem":
		return ashmem.New(), 0
	case name == "alarm":
		return devfiles.NewAlarm(), 0
	case name == "urandom":
		return devfiles.NewURandom(), 0
	case name == "zero":
		return devfiles.NewZero(), 0
	case strings.HasPrefix(name, "log/"):
		buf := name[len("log/"):]
		if !isLogBuffer(buf) {
			return nil, errno.ENOENT
		}
		h.mu.Lock()
		defer h.mu.Unlock()
		if s, ok := h.logs[buf]; ok {
			// The ring is shared: a second open of the same buffer aliases
			// the existing stream, so it carries one reference per fd.
			s.IncRef()
			return s, 0
		}
		s := devfiles.NewLog(buf)
		h.logs[buf] = s
		return s, 0
	default:
		return nil, errno.ENOENT
	}
}

func isLogBuffer(name string) bool {
	for _, b := range logBuffers {
		if b == name {
			return true
		}
	}
	return false
}

func (h *Handler) Stat(path string) (stream.Statx, errno.Errno) {
	name := h.rel(path)
	if name == "" || name == "log" {
		return stream.Statx{Mode: 0755, IsDir: true, NLink: 2}, 0
	}
	if !h.exists(name) {
		return stream.Statx{}, errno.ENOENT
	}
	return stream.Statx{Mode: 0666, IsChr: true, NLink: 1}, 0
}

func (h *Handler) exists(name string) bool {
	switch name {
	case "ashmem", "alarm", "urandom", "zero":
		return true
	}
	if strings.HasPrefix(name, "log/") {
		return isLogBuffer(name[len("log/"):])
	}
	return false
}

func (h *Handler) Statfs(path string) (stream.Statfs, errno.Errno) {
	return stream.Statfs{BlockSize: 4096, NameMax: 255}, 0
}

func (h *Handler) Readlink(path string) (string, errno.Errno) { return "", errno.EINVAL }

// The /dev tree is fixed; nothing below creates, removes, or renames
// device nodes.
func (h *Handler) Mkdir(path string, mode uint32) errno.Errno           { return errno.EPERM }
func (h *Handler) Rmdir(path string) errno.Errno                       { return errno.EPERM }
func (h *Handler) Unlink(path string) errno.Errno                      { return errno.EPERM }
func (h *Handler) Rename(oldPath, newPath string) errno.Errno          { return errno.EPERM }
func (h *Handler) Symlink(oldPath, newPath string) errno.Errno         { return errno.EPERM }
func (h *Handler) Truncate(path string, length int64) errno.Errno      { return errno.EINVAL }
func (h *Handler) Utimes(path string, atime, mtime time.Time) errno.Errno {
	return errno.EPERM
}

func (h *Handler) OnDirectoryContentsNeeded(path string) (stream.Stream, errno.Errno) {
	name := h.rel(path)
	var entries []stream.Dirent
	switch name {
	case "":
		entries = []stream.Dirent{
			{Name: "alarm", Type: 2},
			{Name: "ashmem", Type: 2},
			{Name: "log", Type: 4},
			{Name: "urandom", Type: 2},
			{Name: "zero", Type: 2},
		}
	case "log":
		for _, b := range logBuffers {
			entries = append(entries, stream.Dirent{Name: b, Type: 2})
		}
	default:
		return nil, errno.ENOTDIR
	}
	return &dirStream{BaseStream: stream.NewBaseStream("devfs.dir"), entries: entries}, 0
}

func (h *Handler) IsInitialized() bool                { return true }
func (h *Handler) IsWorldWritable(path string) bool   { return true }
func (h *Handler) AddToCache(path string)             {}
func (h *Handler) InvalidateCache(path string)        {}

type dirStream struct {
	*stream.BaseStream

	entries []stream.Dirent
}

func (d *dirStream) Getdents() ([]stream.Dirent, errno.Errno) { return d.entries, 0 }
