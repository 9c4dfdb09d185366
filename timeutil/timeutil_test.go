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

package timeutil

import (
	"sync"
	"testing"
	"time"
)

func TestWaitUntilSignaled(t *testing.T) {
	var mu sync.Mutex
	w := NewCondWaiter(&mu)
	ready := false

	go func() {
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		ready = true
		w.Broadcast()
		mu.Unlock()
	}()

	mu.Lock()
	ok := w.WaitUntil(FromTimeout(time.Second), func() bool { return ready })
	mu.Unlock()
	if !ok {
		t.Fatal("WaitUntil returned false, want true (predicate satisfied)")
	}
}

func TestWaitUntilTimesOut(t *testing.T) {
	var mu sync.Mutex
	w := NewCondWaiter(&mu)

	mu.Lock()
	ok := w.WaitUntil(FromTimeout(20*time.Millisecond), func() bool { return false })
	mu.Unlock()
	if ok {
		t.Fatal("WaitUntil returned true, want false (never satisfied)")
	}
}

func TestFromMillisNegativeIsForever(t *testing.T) {
	d := FromMillis(-1)
	if !d.forever {
		t.Fatal("FromMillis(-1) should be Forever")
	}
	if d.Expired() {
		t.Fatal("Forever deadline should never be expired")
	}
}

func TestFromMillisZeroIsPoll(t *testing.T) {
	d := FromMillis(0)
	time.Sleep(time.Millisecond)
	if !d.Expired() {
		t.Fatal("FromMillis(0) should expire immediately")
	}
}
