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

package fdtable

import (
	"testing"

	"github.com/posixtranslation/vfscore/errno"
	"github.com/posixtranslation/vfscore/stream"
)

func newTestStream() stream.Stream {
	return &struct{ *stream.BaseStream }{stream.NewBaseStream("test")}
}

func TestLowestFreeFD(t *testing.T) {
	tb := New()
	fd0, _ := tb.Install(newTestStream())
	fd1, _ := tb.Install(newTestStream())
	fd2, _ := tb.Install(newTestStream())
	if fd0 != 0 || fd1 != 1 || fd2 != 2 {
		t.Fatalf("expected sequential fds 0,1,2; got %d,%d,%d", fd0, fd1, fd2)
	}
	if e := tb.Close(fd1, nil); e != 0 {
		t.Fatalf("Close failed: %v", e)
	}
	fd3, _ := tb.Install(newTestStream())
	if fd3 != fd1 {
		t.Fatalf("expected reused lowest fd %d, got %d", fd1, fd3)
	}
}

func TestDoubleCloseFails(t *testing.T) {
	tb := New()
	fd, _ := tb.Install(newTestStream())
	if e := tb.Close(fd, nil); e != 0 {
		t.Fatalf("first Close failed: %v", e)
	}
	if e := tb.Close(fd, nil); e != errno.EBADF {
		t.Fatalf("second Close = %v, want EBADF", e)
	}
}

func TestDup2ClosesTargetFirst(t *testing.T) {
	tb := New()
	fd, _ := tb.Install(newTestStream())
	other, _ := tb.Install(newTestStream())

	var closed stream.Stream
	newFD, e := tb.Dup2(fd, other, func(s stream.Stream) { closed = s })
	if e != 0 {
		t.Fatalf("Dup2 failed: %v", e)
	}
	if newFD != other {
		t.Fatalf("Dup2 returned %d, want %d", newFD, other)
	}
	if closed == nil {
		t.Fatal("expected the old stream at `other` to have its last ref dropped")
	}
	got, e := tb.Get(other)
	if e != 0 {
		t.Fatalf("Get(other) failed: %v", e)
	}
	want, _ := tb.Get(fd)
	if got != want {
		t.Fatal("Get(other) should now alias Get(fd)'s stream")
	}
}

func TestDup2SameFDIsNoop(t *testing.T) {
	tb := New()
	fd, _ := tb.Install(newTestStream())
	newFD, e := tb.Dup2(fd, fd, func(stream.Stream) { t.Fatal("should not close anything") })
	if e != 0 || newFD != fd {
		t.Fatalf("Dup2(fd, fd) = (%d, %v), want (%d, 0)", newFD, e, fd)
	}
}
