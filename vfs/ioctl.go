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
	"time"

	"github.com/posixtranslation/vfscore/errno"
	"github.com/posixtranslation/vfscore/stream"
	"github.com/posixtranslation/vfscore/stream/ashmem"
	"github.com/posixtranslation/vfscore/stream/devfiles"
	"github.com/posixtranslation/vfscore/stream/syncfence"
)

// The ioctls below carry a variable-length string or an out-parameter the
// generic Ioctl(fd, req, arg uintptr) surface can't express without this
// layer simulating guest memory, which is out of scope; callers that know
// their fd is one of these device types use the typed methods instead.
// Ioctl itself still recognizes every request number; a raw
// ASHMEM_SET_NAME or ASHMEM_GET_NAME through it returns success and
// leaves the name untouched.

// AshmemSetName implements ASHMEM_SET_NAME for fd.
func (v *VirtualFileSystem) AshmemSetName(fd int, name string) errno.Errno {
	s, e := v.get(fd)
	if e != 0 {
		return e
	}
	a, ok := s.(*ashmem.Stream)
	if !ok {
		return errno.ENOTTY
	}
	return a.SetName(name)
}

// AshmemGetName implements ASHMEM_GET_NAME for fd.
func (v *VirtualFileSystem) AshmemGetName(fd int) (string, errno.Errno) {
	s, e := v.get(fd)
	if e != 0 {
		return "", e
	}
	a, ok := s.(*ashmem.Stream)
	if !ok {
		return "", errno.ENOTTY
	}
	return a.Name(), 0
}

// AlarmGetTime implements ANDROID_ALARM_GET_TIME(type) for fd.
func (v *VirtualFileSystem) AlarmGetTime(fd int, alarmType int) (time.Time, errno.Errno) {
	s, e := v.get(fd)
	if e != 0 {
		return time.Time{}, e
	}
	a, ok := s.(*devfiles.AlarmStream)
	if !ok {
		return time.Time{}, errno.ENOTTY
	}
	var out time.Time
	if ge := a.GetTime(alarmType, &out); ge != 0 {
		return time.Time{}, ge
	}
	return out, 0
}

// LogGetVersion/LogSetVersion implement LOGGER_GET_VERSION/SET_VERSION for
// an fd backed by one of the /dev/log/* streams.
func (v *VirtualFileSystem) LogGetVersion(fd int) (int32, errno.Errno) {
	s, e := v.get(fd)
	if e != 0 {
		return 0, e
	}
	l, ok := s.(*devfiles.LogStream)
	if !ok {
		return 0, errno.ENOTTY
	}
	return l.GetVersion(), 0
}

func (v *VirtualFileSystem) LogSetVersion(fd int, version int32) errno.Errno {
	s, e := v.get(fd)
	if e != 0 {
		return e
	}
	l, ok := s.(*devfiles.LogStream)
	if !ok {
		return errno.ENOTTY
	}
	return l.SetVersion(version)
}

// SyncFenceWait implements SYNC_IOC_WAIT for fd.
func (v *VirtualFileSystem) SyncFenceWait(fd int, timeoutMs int64) errno.Errno {
	s, e := v.get(fd)
	if e != 0 {
		return e
	}
	f, ok := s.(*syncfence.Fence)
	if !ok {
		return errno.ENOTTY
	}
	return f.Wait(timeoutMs)
}

// SyncFenceInfo implements SYNC_IOC_FENCE_INFO for fd.
func (v *VirtualFileSystem) SyncFenceInfo(fd int, capacity int) ([]syncfence.SyncPtInfo, errno.Errno) {
	s, e := v.get(fd)
	if e != 0 {
		return nil, e
	}
	f, ok := s.(*syncfence.Fence)
	if !ok {
		return nil, errno.ENOTTY
	}
	return f.Info(capacity)
}

// SyncFenceMerge implements SYNC_IOC_MERGE: merges fd2's fence into fd's,
// installing the result at a fresh fd. fd2 identical to fd returns a
// dup'ed fd.
func (v *VirtualFileSystem) SyncFenceMerge(fd int, fd2 int, name string) (int, errno.Errno) {
	v.mu.Lock()
	s1, e := v.fds.Get(fd)
	if e != 0 {
		v.mu.Unlock()
		return -1, e
	}
	f1, ok := s1.(*syncfence.Fence)
	if !ok {
		v.mu.Unlock()
		return -1, errno.ENOTTY
	}
	if fd2 == fd {
		defer v.mu.Unlock()
		return v.fds.Dup(fd)
	}
	s2, e := v.fds.Get(fd2)
	if e != 0 {
		v.mu.Unlock()
		return -1, e
	}
	f2, ok := s2.(*syncfence.Fence)
	if !ok {
		v.mu.Unlock()
		return -1, errno.ENOTTY
	}
	v.mu.Unlock()

	merged := syncfence.Merge(name, f1, f2)
	v.mu.Lock()
	defer v.mu.Unlock()
	perm := stream.PermissionInfo{UID: v.identity.UID()}
	return v.installStream(merged, perm, "")
}
