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
	"crypto/rand"

	"github.com/posixtranslation/vfscore/errno"
	"github.com/posixtranslation/vfscore/stream"
)

// URandomStream is /dev/urandom: reads fill from a CSPRNG; writes always
// succeed and discard their input without feeding it to the generator.
type URandomStream struct {
	*stream.BaseStream
}

func NewURandom() *URandomStream {
	return &URandomStream{BaseStream: stream.NewBaseStream("dev_urandom")}
}

func (u *URandomStream) GetStreamType() string { return "dev_urandom" }

func (u *URandomStream) Read(p []byte) (int, error) {
	return rand.Read(p)
}

func (u *URandomStream) Write(p []byte) (int, error) {
	return len(p), nil
}

func (u *URandomStream) Fstat() (stream.Statx, errno.Errno) {
	perm := u.Permission()
	return stream.Statx{UID: perm.UID, IsChr: true}, 0
}
