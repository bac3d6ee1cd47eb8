// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package observe

import "sync"

// Default buffer bounds.
const (
	DefaultMaxBufferBytes    = 1024 * 1024
	DefaultRetainBufferBytes = 512 * 1024
)

// OutputBuffer holds the most recent terminal output in memory. When a
// write takes it past the ceiling it drops the oldest bytes, keeping
// only the retained size. Raw bytes are stored, escape sequences
// included, for full-fidelity replay.
//
// The buffer tracks a monotonically increasing byte offset: the
// contents always span (offset - Len()) to offset. Watchers use offsets
// to splice a snapshot onto the stream of later writes without gaps or
// duplicates.
//
// All methods are safe for concurrent use.
type OutputBuffer struct {
	mutex  sync.Mutex
	data   []byte
	max    int
	retain int

	// totalWritten is the number of bytes ever written.
	totalWritten uint64

	// watchers counts subscribers that took a snapshot with Watch. It
	// lives under the same mutex as the data so a writer that comes
	// after a Watch always sees it.
	watchers int
}

// NewOutputBuffer returns a buffer that trims to retain bytes whenever
// its length exceeds max. Panics if retain is not in (0, max].
func NewOutputBuffer(max, retain int) *OutputBuffer {
	if retain <= 0 || retain > max {
		panic("observe: output buffer retain size must be in (0, max]")
	}
	return &OutputBuffer{max: max, retain: retain}
}

// Write appends data, trimming if the ceiling is exceeded. It returns
// the offset of data's first byte and whether any watcher is attached.
func (buffer *OutputBuffer) Write(data []byte) (start uint64, watched bool) {
	buffer.mutex.Lock()
	defer buffer.mutex.Unlock()

	start = buffer.totalWritten
	buffer.data = append(buffer.data, data...)
	buffer.totalWritten += uint64(len(data))
	if len(buffer.data) > buffer.max {
		// Copy into a fresh slice so the evicted prefix can be freed.
		kept := make([]byte, buffer.retain, buffer.max)
		copy(kept, buffer.data[len(buffer.data)-buffer.retain:])
		buffer.data = kept
	}
	return start, buffer.watchers > 0
}

// Snapshot returns a copy of the contents and the offset just past
// them.
func (buffer *OutputBuffer) Snapshot() ([]byte, uint64) {
	buffer.mutex.Lock()
	defer buffer.mutex.Unlock()
	return buffer.snapshotLocked()
}

// Watch is Snapshot plus registering a watcher, atomically. Every
// later Write reports watched=true until the matching Unwatch.
func (buffer *OutputBuffer) Watch() ([]byte, uint64) {
	buffer.mutex.Lock()
	defer buffer.mutex.Unlock()
	buffer.watchers++
	return buffer.snapshotLocked()
}

// Unwatch releases a watcher registered with Watch.
func (buffer *OutputBuffer) Unwatch() {
	buffer.mutex.Lock()
	defer buffer.mutex.Unlock()
	if buffer.watchers > 0 {
		buffer.watchers--
	}
}

func (buffer *OutputBuffer) snapshotLocked() ([]byte, uint64) {
	snapshot := make([]byte, len(buffer.data))
	copy(snapshot, buffer.data)
	return snapshot, buffer.totalWritten
}

// Len returns the number of bytes currently held.
func (buffer *OutputBuffer) Len() int {
	buffer.mutex.Lock()
	defer buffer.mutex.Unlock()
	return len(buffer.data)
}

// Offset returns the total number of bytes ever written.
func (buffer *OutputBuffer) Offset() uint64 {
	buffer.mutex.Lock()
	defer buffer.mutex.Unlock()
	return buffer.totalWritten
}

// splice returns the part of data (which starts at offset start) that
// lies at or after from.
func splice(data []byte, start, from uint64) []byte {
	end := start + uint64(len(data))
	switch {
	case end <= from:
		return nil
	case start >= from:
		return data
	default:
		return data[from-start:]
	}
}
