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
	"encoding/binary"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/posixtranslation/vfscore/errno"
	"github.com/posixtranslation/vfscore/stream"
	"github.com/posixtranslation/vfscore/timeutil"
)

// LOGGER_* ioctls, matching the kernel's logger.h.
const (
	LOGGER_GET_LOG_BUF_SIZE   = 0x6207
	LOGGER_GET_LOG_LEN        = 0x6208
	LOGGER_GET_NEXT_ENTRY_LEN = 0x6209
	LOGGER_FLUSH_LOG          = 0x620a
	LOGGER_GET_VERSION        = 0x6263
	LOGGER_SET_VERSION        = 0x6264
)

// logBufSize is the ring's total byte capacity; entryCap bounds a single
// record's payload.
const (
	logBufSize = 256 * 1024
	entryCap   = 4 * 1024
)

// LogEntry mirrors struct logger_entry: header + payload.
type LogEntry struct {
	PID     int32
	TID     int32
	Sec     int32
	NSec    int32
	Payload []byte
}

// Encode renders e in the logger_entry wire format: a fixed header
// followed by the payload.
func (e LogEntry) Encode() []byte {
	buf := make([]byte, 2+2+4+4+4+4+len(e.Payload))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(e.Payload)))
	binary.LittleEndian.PutUint16(buf[2:4], 0) // hdr_size, unused by this emulation
	binary.LittleEndian.PutUint32(buf[4:8], uint32(e.PID))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(e.TID))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(e.Sec))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(e.NSec))
	copy(buf[20:], e.Payload)
	return buf
}

// LogStream is one of /dev/log/{main,events,radio,system}: a bounded ring
// of logger_entry records. write never blocks (entries are truncated or
// dropped instead); blocking read waits for a new entry.
type LogStream struct {
	*stream.BaseStream

	mu       sync.Mutex
	cond     *sync.Cond
	buf      string // which buffer this is ("main", "events", ...), for logging fields
	entries  []LogEntry
	size     int

	version int32

	nonBlockWarnOnce sync.Once

	dropLimiter *rate.Limiter
}

// NewLog constructs a log stream for the named Android log buffer.
func NewLog(name string) *LogStream {
	s := &LogStream{
		BaseStream:  stream.NewBaseStream("dev_log"),
		buf:         name,
		version:     2,
		dropLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *LogStream) GetStreamType() string { return "dev_log" }

// Write appends one record, truncating the payload to entryCap, and
// broadcasts. When the ring is full, the oldest record is dropped first;
// a drop is pace-limited Warn diagnostic rather than a per-write log line,
// so a log storm doesn't flood the structured-logging sink.
func (s *LogStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload := p
	if len(payload) > entryCap {
		payload = payload[:entryCap]
	}
	entry := LogEntry{Sec: int32(time.Now().Unix()), NSec: int32(time.Now().Nanosecond()), Payload: append([]byte(nil), payload...)}

	dropped := 0
	for s.size+len(entry.Payload) > logBufSize && len(s.entries) > 0 {
		s.size -= len(s.entries[0].Payload)
		s.entries = s.entries[1:]
		dropped++
	}
	s.entries = append(s.entries, entry)
	s.size += len(entry.Payload)
	s.cond.Broadcast()

	if dropped > 0 && s.dropLimiter.Allow() {
		logrus.WithFields(logrus.Fields{"subsystem": "dev_log", "buffer": s.buf}).
			Warnf("ring buffer dropped %d entries", dropped)
	}
	return len(p), nil
}

// Read blocks for a new entry and copies it out in logger_entry wire
// format.
func (s *LogStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := timeutil.CondWaiter{L: &s.mu, C: s.cond}
	w.WaitUntil(timeutil.Forever, func() bool { return len(s.entries) > 0 })

	entry := s.entries[0]
	s.entries = s.entries[1:]
	s.size -= len(entry.Payload)
	wire := entry.Encode()
	n := copy(p, wire)
	return n, nil
}

// Fcntl accepts F_SETFL/O_NONBLOCK but it has no effect on subsequent
// blocking reads, per this device's documented non-goal; logged once per
// stream at Warn.
func (s *LogStream) Fcntl(cmd int, arg uintptr) (int, errno.Errno) {
	const F_SETFL = 4
	if cmd == F_SETFL {
		s.nonBlockWarnOnce.Do(func() {
			logrus.WithFields(logrus.Fields{"subsystem": "dev_log", "buffer": s.buf}).
				Warn("O_NONBLOCK via fcntl on log device has no effect")
		})
		return 0, 0
	}
	return 0, errno.EINVAL
}

func (s *LogStream) Ioctl(req uintptr, arg uintptr) (int, errno.Errno) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch uint32(req) {
	case LOGGER_GET_LOG_BUF_SIZE:
		return logBufSize, 0
	case LOGGER_GET_LOG_LEN:
		return s.size, 0
	case LOGGER_GET_NEXT_ENTRY_LEN:
		if len(s.entries) == 0 {
			return 0, 0
		}
		return len(s.entries[0].Payload), 0
	case LOGGER_FLUSH_LOG:
		s.entries = nil
		s.size = 0
		return 0, 0
	default:
		return 0, errno.EINVAL
	}
}

// GetVersion and SetVersion implement LOGGER_GET_VERSION/SET_VERSION;
// versions 1-2 only, EINVAL otherwise.
func (s *LogStream) GetVersion() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

func (s *LogStream) SetVersion(v int32) errno.Errno {
	if v != 1 && v != 2 {
		return errno.EINVAL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = v
	return 0
}

func (s *LogStream) IsSelectReadReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries) > 0
}

func (s *LogStream) IsSelectWriteReady() bool { return true }

func (s *LogStream) GetPollEvents() stream.PollEvents {
	var ev stream.PollEvents
	if s.IsSelectReadReady() {
		ev |= 0x0001
	}
	ev |= 0x0004
	return ev
}

func (s *LogStream) Fstat() (stream.Statx, errno.Errno) {
	p := s.Permission()
	return stream.Statx{UID: p.UID, IsChr: true}, 0
}
