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

package tcp

import "encoding/binary"

// Socket option names this stream recognizes in Getsockopt/Setsockopt,
// matching the kernel's SO_*/TCP_*/IPPROTO_* numbering this layer surfaces
// to callers.
const (
	SO_ERROR     = 4
	SO_REUSEADDR = 2
	SO_BROADCAST = 6
	SO_LINGER    = 13
	SO_RCVBUF    = 8
	SO_SNDBUF    = 7
	SO_RCVTIMEO  = 20
	SO_SNDTIMEO  = 21

	TCP_NODELAY = 1
	IPV6_V6ONLY = 26
)

func int32Bytes(v int32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(v))
	return buf
}

func boolBytes(v bool) []byte {
	if v {
		return int32Bytes(1)
	}
	return int32Bytes(0)
}

func bytesInt32(b []byte) int32 {
	if len(b) < 4 {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(b))
}

func bytesBool(b []byte) bool {
	return bytesInt32(b) != 0
}
