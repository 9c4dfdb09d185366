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

// Package sockaddr encodes and decodes struct sockaddr variants
// (sockaddr_in, sockaddr_in6, sockaddr_un) to and from the raw byte form
// that the stream state machines hand back to callers from getsockname,
// getpeername, accept, and recvfrom.
package sockaddr

import (
	"encoding/binary"
	"net"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/posixtranslation/vfscore/errno"
)

// Family is an AF_* address family constant.
type Family uint16

const (
	AF_UNSPEC Family = unix.AF_UNSPEC
	AF_UNIX   Family = unix.AF_UNIX
	AF_INET   Family = unix.AF_INET
	AF_INET6  Family = unix.AF_INET6
)

// Addr is a decoded socket address: an IP endpoint for AF_INET/AF_INET6, or
// an abstract/pathname name for AF_UNIX.
type Addr struct {
	Family Family
	IP     netip.AddrPort // valid when Family is AF_INET or AF_INET6
	Path   string         // valid when Family is AF_UNIX (abstract name, no leading NUL)
}

// sizeof struct sockaddr_in / sockaddr_in6 headers (family + port + addr),
// matching the kernel's wire layout exactly (family in little-endian host
// order, port and address in network byte order).
const (
	sockaddrInLen  = 16
	sockaddrIn6Len = 28
)

// Encode produces the raw struct sockaddr bytes for addr (family
// little-endian, port and address network-order), matching what a
// caller's getsockname/getpeername/accept buffer expects.
func Encode(addr Addr) []byte {
	switch addr.Family {
	case AF_INET:
		buf := make([]byte, sockaddrInLen)
		binary.LittleEndian.PutUint16(buf[0:2], uint16(AF_INET))
		binary.BigEndian.PutUint16(buf[2:4], addr.IP.Port())
		ip4 := addr.IP.Addr().As4()
		copy(buf[4:8], ip4[:])
		return buf
	case AF_INET6:
		buf := make([]byte, sockaddrIn6Len)
		binary.LittleEndian.PutUint16(buf[0:2], uint16(AF_INET6))
		binary.BigEndian.PutUint16(buf[2:4], addr.IP.Port())
		ip16 := addr.IP.Addr().As16()
		copy(buf[8:24], ip16[:])
		return buf
	case AF_UNIX:
		buf := make([]byte, 2+1+len(addr.Path))
		binary.LittleEndian.PutUint16(buf[0:2], uint16(AF_UNIX))
		buf[2] = 0 // leading NUL marks the abstract namespace
		copy(buf[3:], addr.Path)
		return buf
	default:
		buf := make([]byte, 2)
		binary.LittleEndian.PutUint16(buf, uint16(AF_UNSPEC))
		return buf
	}
}

// Decode parses raw struct sockaddr bytes, validating the declared length
// against the family-specific minimum.
func Decode(raw []byte) (Addr, errno.Errno) {
	if len(raw) < 2 {
		return Addr{}, errno.EINVAL
	}
	family := Family(binary.LittleEndian.Uint16(raw[0:2]))
	switch family {
	case AF_INET:
		if len(raw) < sockaddrInLen {
			return Addr{}, errno.EINVAL
		}
		port := binary.BigEndian.Uint16(raw[2:4])
		var ip4 [4]byte
		copy(ip4[:], raw[4:8])
		return Addr{Family: AF_INET, IP: netip.AddrPortFrom(netip.AddrFrom4(ip4), port)}, 0
	case AF_INET6:
		if len(raw) < sockaddrIn6Len {
			return Addr{}, errno.EINVAL
		}
		port := binary.BigEndian.Uint16(raw[2:4])
		var ip16 [16]byte
		copy(ip16[:], raw[8:24])
		return Addr{Family: AF_INET6, IP: netip.AddrPortFrom(netip.AddrFrom16(ip16), port)}, 0
	case AF_UNIX:
		if len(raw) < 3 || raw[2] != 0 {
			// Pathname-bound sockets are out of scope; only the abstract
			// namespace (leading NUL) is supported.
			return Addr{}, errno.ENOSYS
		}
		return Addr{Family: AF_UNIX, Path: string(raw[3:])}, 0
	case AF_UNSPEC:
		return Addr{Family: AF_UNSPEC}, 0
	default:
		return Addr{}, errno.EAFNOSUPPORT
	}
}

// FromTCPAddr builds an Addr from a resolved net.TCPAddr, choosing
// AF_INET/AF_INET6 by the address's shape.
func FromTCPAddr(a *net.TCPAddr) Addr {
	ip, _ := netip.AddrFromSlice(a.IP)
	ip = ip.Unmap()
	fam := AF_INET
	if ip.Is6() {
		fam = AF_INET6
	}
	return Addr{Family: fam, IP: netip.AddrPortFrom(ip, uint16(a.Port))}
}

// FromUDPAddr builds an Addr from a resolved net.UDPAddr.
func FromUDPAddr(a *net.UDPAddr) Addr {
	ip, _ := netip.AddrFromSlice(a.IP)
	ip = ip.Unmap()
	fam := AF_INET
	if ip.Is6() {
		fam = AF_INET6
	}
	return Addr{Family: fam, IP: netip.AddrPortFrom(ip, uint16(a.Port))}
}

// NameInfo is the decoded result of a getnameinfo-shaped reverse lookup:
// the host and service strings a caller expects back, numeric by default
// since this layer never talks to a resolver of its own.
type NameInfo struct {
	Host    string
	Service string
}

// GetNameInfo renders addr's host/port as numeric strings, bit-exact with
// what Encode/Decode round-trips, matching the property that a numeric
// getaddrinfo result reverses cleanly through getnameinfo.
func GetNameInfo(addr Addr) (NameInfo, errno.Errno) {
	switch addr.Family {
	case AF_INET, AF_INET6:
		return NameInfo{Host: addr.IP.Addr().String(), Service: portString(addr.IP.Port())}, 0
	default:
		return NameInfo{}, errno.EAFNOSUPPORT
	}
}

func portString(p uint16) string {
	const digits = "0123456789"
	if p == 0 {
		return "0"
	}
	var buf [5]byte
	i := len(buf)
	for p > 0 {
		i--
		buf[i] = digits[p%10]
		p /= 10
	}
	return string(buf[i:])
}

// ParseNumeric parses a bare numeric host string plus a separate port into an Addr,
// the getaddrinfo(AI_NUMERICHOST) case this layer actually implements; a
// non-numeric hostname is out of scope since no resolver is wired in here.
func ParseNumeric(host string, port uint16) (Addr, errno.Errno) {
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return Addr{}, errno.EAFNOSUPPORT
	}
	fam := AF_INET
	if ip.Is6() {
		fam = AF_INET6
	}
	return Addr{Family: fam, IP: netip.AddrPortFrom(ip, port)}, 0
}
