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

package devfiles

import (
	"github.com/posixtranslation/vfscore/errno"
	"github.com/posixtranslation/vfscore/stream"
)

// ZeroStream is /dev/zero: read returns N zero bytes unconditionally;
// write succeeds and discards; mmap(MAP_PRIVATE) is the classic
// anonymous zero-fill mapping idiom, implemented as a passthrough to an
// anonymous private region exactly like MAP_ANONYMOUS.
type ZeroStream struct {
	*stream.BaseStream
}

func NewZero() *ZeroStream {
	return &ZeroStream{BaseStream: stream.NewBaseStream("dev_zero")}
}

func (z *ZeroStream) GetStreamType() string { return "dev_zero" }

func (z *ZeroStream) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func (z *ZeroStream) Write(p []byte) (int, error) {
	return len(p), nil
}

// Mmap reports ENODEV: the VFS dispatcher recognizes /dev/zero specially
// and routes its mmap through the memory-map registry's MAP_ANONYMOUS
// passthrough path rather than calling through to this stream, since a
// zero-fill mapping needs no backing stream state at all.
func (z *ZeroStream) Mmap(opts stream.MmapOpts) (stream.MmapResult, errno.Errno) {
	return stream.MmapResult{}, errno.ENODEV
}

func (z *ZeroStream) Fstat() (stream.Statx, errno.Errno) {
	perm := z.Permission()
	return stream.Statx{UID: perm.UID, IsChr: true}, 0
}
