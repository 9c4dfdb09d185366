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

// Package syncfence implements the Android sync-fence driver: timelines
// handing out monotonically ordered signaling times, sync points that
// signal when a timeline's counter reaches theirs, and fences — streams
// backed by a set of sync points — supporting SYNC_IOC_WAIT,
// SYNC_IOC_FENCE_INFO, and SYNC_IOC_MERGE.
//
// Mutex hierarchy: timeline mutex > fence mutex > sync-point mutex. No
// code here acquires upward.
package syncfence

import (
	"sync"
	"time"

	"github.com/posixtranslation/vfscore/errno"
	"github.com/posixtranslation/vfscore/stream"
	"github.com/posixtranslation/vfscore/timeutil"
)

// Sync-fence ioctl request numbers, matching the kernel sync.h shapes.
const (
	SYNC_IOC_WAIT       = 0x40040000
	SYNC_IOC_MERGE      = 0xc0140001
	SYNC_IOC_FENCE_INFO = 0xc0100003
)

// SyncPoint is a promise on a timeline that signals once the timeline's
// counter reaches its signaling_time.
type SyncPoint struct {
	mu            sync.Mutex
	timeline      *Timeline
	signalingTime uint32
	timestampNs   int64 // 0 = not signaled
	fence         *Fence
}

func (p *SyncPoint) signaled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timestampNs != 0
}

func (p *SyncPoint) timestamp() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timestampNs
}

// DetachSyncPoint clears the point's back-pointer to its fence, called
// from the fence's destructor-equivalent teardown to break the
// sync-point-to-fence back-reference cycle.
func (p *SyncPoint) DetachSyncPoint() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fence = nil
}

// Timeline is a monotonically increasing counter that hands out
// signaling-time values.
type Timeline struct {
	mu      sync.Mutex
	counter uint32
	// points maps signaling_time -> the sync points waiting on it.
	points map[uint32][]*SyncPoint
}

// NewTimeline constructs a timeline starting at counter 0.
func NewTimeline() *Timeline {
	return &Timeline{points: make(map[uint32][]*SyncPoint)}
}

// newSyncPointLocked allocates a sync point for signalingTime, registering
// it in t.points; if signalingTime is already <= the current counter the
// point is immediately marked signaled. Caller must hold t.mu.
func (t *Timeline) newSyncPointLocked(signalingTime uint32) *SyncPoint {
	p := &SyncPoint{timeline: t, signalingTime: signalingTime}
	if signalingTime <= t.counter {
		p.timestampNs = time.Now().UnixNano()
	} else {
		t.points[signalingTime] = append(t.points[signalingTime], p)
	}
	return p
}

// CreateFence allocates a sync point at signalingTime and a fence wrapping
// it in a single step; if the point's time is already reached the fence is
// immediately signaled.
func (t *Timeline) CreateFence(name string, signalingTime uint32) *Fence {
	t.mu.Lock()
	p := t.newSyncPointLocked(signalingTime)
	t.mu.Unlock()

	f := newFence(name)
	f.addPoint(p)
	p.mu.Lock()
	p.fence = f
	already := p.timestampNs != 0
	p.mu.Unlock()
	if already {
		f.reevaluate()
	}
	return f
}

// IncrementCounter advances the counter by n, looks up every sync point in
// (old, old+n], marks them signaled, and asks their owning fence to
// re-evaluate.
func (t *Timeline) IncrementCounter(n uint32) {
	t.mu.Lock()
	old := t.counter
	t.counter = old + n
	var newlySignaled []*SyncPoint
	for st := old + 1; st <= old+n; st++ {
		pts, ok := t.points[st]
		if !ok {
			continue
		}
		newlySignaled = append(newlySignaled, pts...)
		delete(t.points, st)
	}
	t.mu.Unlock()

	now := time.Now().UnixNano()
	fences := map[*Fence]struct{}{}
	for _, p := range newlySignaled {
		p.mu.Lock()
		p.timestampNs = now
		f := p.fence
		p.mu.Unlock()
		if f != nil {
			fences[f] = struct{}{}
		}
	}
	for f := range fences {
		f.reevaluate()
	}
}

// Status is a fence's ACTIVE/SIGNALED state.
type Status int

const (
	Active Status = iota
	Signaled
)

// SyncPtInfo is one entry of a SYNC_IOC_FENCE_INFO result, per
// struct sync_pt_info.
type SyncPtInfo struct {
	Name          string
	ObjName       string
	Status        int32 // 1 = signaled, 0 = active
	TimestampNs   int64
}

// Fence is a stream backed by a set of sync points, signaled when all of
// them are.
type Fence struct {
	*stream.BaseStream

	mu     sync.Mutex
	cond   *sync.Cond
	name   string
	points []*SyncPoint
	status Status
}

func newFence(name string) *Fence {
	f := &Fence{BaseStream: stream.NewBaseStream("syncfence"), name: name}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *Fence) addPoint(p *SyncPoint) {
	f.mu.Lock()
	f.points = append(f.points, p)
	f.mu.Unlock()
}

func (f *Fence) GetStreamType() string { return "syncfence" }

// reevaluate checks whether every point has signaled and, if so,
// transitions ACTIVE -> SIGNALED (at most once) under the fence mutex and
// broadcasts.
func (f *Fence) reevaluate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status == Signaled {
		return
	}
	for _, p := range f.points {
		if !p.signaled() {
			return
		}
	}
	f.status = Signaled
	f.cond.Broadcast()
}

// Wait implements SYNC_IOC_WAIT: blocks until every sync point is signaled
// or timeoutMs expires (<0 forever, 0 poll-only).
func (f *Fence) Wait(timeoutMs int64) errno.Errno {
	f.mu.Lock()
	defer f.mu.Unlock()

	deadline := timeutil.FromMillis(timeoutMs)
	w := timeutil.CondWaiter{L: &f.mu, C: f.cond}
	ok := w.WaitUntil(deadline, func() bool { return f.status == Signaled })
	if !ok {
		return errno.ETIME
	}
	return 0
}

// Info implements SYNC_IOC_FENCE_INFO: one entry per sync point. The
// caller-provided capacity must be sufficient or ENOMEM.
func (f *Fence) Info(capacity int) ([]SyncPtInfo, errno.Errno) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if capacity < len(f.points) {
		return nil, errno.ENOMEM
	}
	out := make([]SyncPtInfo, 0, len(f.points))
	for _, p := range f.points {
		status := int32(0)
		if p.signaled() {
			status = 1
		}
		out = append(out, SyncPtInfo{
			Name:        f.name,
			Status:      status,
			TimestampNs: p.timestamp(),
		})
	}
	return out, 0
}

// Merge constructs a new fence from the union of f's and other's sync
// points, keyed by timeline: when both operands contribute on the same
// timeline, the later signaling_time wins. The merged fence gets fresh
// sync points registered on each contributing timeline, since a point's
// fence back-pointer is single-valued; sharing an operand's points would
// leave the merged fence unsignalable.
func Merge(name string, f, other *Fence) *Fence {
	byTimeline := map[*Timeline]uint32{}
	collect := func(fence *Fence) {
		fence.mu.Lock()
		defer fence.mu.Unlock()
		for _, p := range fence.points {
			p.mu.Lock()
			tl := p.timeline
			if cur, ok := byTimeline[tl]; !ok || p.signalingTime > cur {
				byTimeline[tl] = p.signalingTime
			}
			p.mu.Unlock()
		}
	}
	collect(f)
	if other != f {
		collect(other)
	}

	merged := newFence(name)
	for tl, st := range byTimeline {
		tl.mu.Lock()
		p := tl.newSyncPointLocked(st)
		tl.mu.Unlock()
		p.mu.Lock()
		p.fence = merged
		p.mu.Unlock()
		merged.addPoint(p)
	}
	merged.reevaluate()
	return merged
}

// Close breaks every sync-point-to-fence back-pointer, the
// destructor-equivalent teardown that keeps a signaled timeline from
// reaching into a dead fence.
func (f *Fence) Close() errno.Errno {
	f.mu.Lock()
	points := append([]*SyncPoint(nil), f.points...)
	f.mu.Unlock()
	for _, p := range points {
		p.DetachSyncPoint()
	}
	return 0
}

func (f *Fence) IsSelectReadReady() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status == Signaled
}

func (f *Fence) IsSelectWriteReady() bool     { return false }
func (f *Fence) IsSelectExceptionReady() bool { return false }

func (f *Fence) GetPollEvents() stream.PollEvents {
	if f.IsSelectReadReady() {
		return 0x0001
	}
	return 0
}
