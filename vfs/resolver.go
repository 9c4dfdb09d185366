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

package vfs

import (
	"github.com/posixtranslation/vfscore/errno"
	"github.com/posixtranslation/vfscore/sockaddr"
)

// Getaddrinfo resolves a numeric host (AI_NUMERICHOST) and port into an
// Addr. Non-numeric hostname resolution is out of scope: no DNS resolver
// is wired into this module, matching hostcap's narrow capability surface.
func (v *VirtualFileSystem) Getaddrinfo(host string, port uint16) (sockaddr.Addr, errno.Errno) {
	return sockaddr.ParseNumeric(host, port)
}

// Getnameinfo implements the numeric-only getnameinfo(3) direction: it
// never performs a reverse DNS lookup, only formats addr's host/port as
// strings.
func (v *VirtualFileSystem) Getnameinfo(addr sockaddr.Addr) (sockaddr.NameInfo, errno.Errno) {
	return sockaddr.GetNameInfo(addr)
}

// Gethostbyname accepts only a numeric name, parsed as Getaddrinfo does;
// any other name reports ENOSYS, since no resolver is wired in.
// Gethostbyname2 shares that limit, and GethostbyAddr formats the address
// numerically without a reverse PTR lookup.
func (v *VirtualFileSystem) Gethostbyname(name string) (sockaddr.Addr, errno.Errno) {
	if addr, e := sockaddr.ParseNumeric(name, 0); e == 0 {
		return addr, 0
	}
	return sockaddr.Addr{}, errno.ENOSYS
}

// Gethostbyname2 is the address-family-qualified variant: the numeric
// parse must agree with the requested family.
func (v *VirtualFileSystem) Gethostbyname2(name string, family sockaddr.Family) (sockaddr.Addr, errno.Errno) {
	addr, e := v.Gethostbyname(name)
	if e != 0 {
		return sockaddr.Addr{}, e
	}
	if addr.Family != family {
		return sockaddr.Addr{}, errno.EAFNOSUPPORT
	}
	return addr, 0
}

func (v *VirtualFileSystem) GethostbyAddr(addr sockaddr.Addr) (string, errno.Errno) {
	info, e := sockaddr.GetNameInfo(addr)
	if e != 0 {
		return "", e
	}
	return info.Host, 0
}
