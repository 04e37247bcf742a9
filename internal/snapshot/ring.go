// Package snapshot keeps the bounded history of simulation states and
// their checksums, indexed by frame.
package snapshot

import (
	"errors"

	"github.com/andersfylling/rollplay/internal/protocol"
)

// ErrUnknownFrame is returned when a load requests a frame that is not
// in the ring.
var ErrUnknownFrame = errors.New("no snapshot for frame")

// CompressionTag records how a snapshot's state bytes are encoded.
type CompressionTag uint8

const (
	CompressionNone CompressionTag = iota
	CompressionDelta
	CompressionGeneric
)

// Snapshot is one saved simulation state. The runtime owns the state
// bytes once saved; callers must not mutate them afterwards.
type Snapshot struct {
	Frame       protocol.Frame
	State       []byte
	Checksums   protocol.ChecksumTuple
	Compression CompressionTag
	BaseFrame   protocol.Frame // delta base, meaningful only for CompressionDelta
	Wrapped     bool           // generic codec applied on top of the encoding
}

// Ring is a bounded, frame-ordered snapshot history. Eviction is
// oldest-frame-first; bounds are enforced on insert, never by refusing
// a save.
type Ring struct {
	snaps    []Snapshot
	capacity int
}

// NewRing creates a ring holding at most capacity snapshots.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{
		snaps:    make([]Snapshot, 0, capacity),
		capacity: capacity,
	}
}

// Save stores a snapshot. Saving an existing frame replaces it (replay
// recomputes checksums); a new frame evicts the oldest entry when the
// ring is full. Frames arrive in increasing order except on replace.
func (r *Ring) Save(s Snapshot) {
	for i := range r.snaps {
		if r.snaps[i].Frame == s.Frame {
			r.snaps[i] = s
			return
		}
	}
	if len(r.snaps) >= r.capacity {
		copy(r.snaps, r.snaps[1:])
		r.snaps = r.snaps[:len(r.snaps)-1]
	}
	r.snaps = append(r.snaps, s)
}

// Load returns the snapshot at exactly the given frame.
func (r *Ring) Load(frame protocol.Frame) (Snapshot, error) {
	for i := len(r.snaps) - 1; i >= 0; i-- {
		if r.snaps[i].Frame == frame {
			return r.snaps[i], nil
		}
	}
	return Snapshot{}, ErrUnknownFrame
}

// FindNearest returns the latest snapshot with frame ≤ the requested
// frame.
func (r *Ring) FindNearest(frame protocol.Frame) (Snapshot, error) {
	for i := len(r.snaps) - 1; i >= 0; i-- {
		if r.snaps[i].Frame <= frame {
			return r.snaps[i], nil
		}
	}
	return Snapshot{}, ErrUnknownFrame
}

// DropFrom removes every snapshot with frame ≥ the given frame. Used
// when a rollback invalidates speculative history.
func (r *Ring) DropFrom(frame protocol.Frame) {
	kept := r.snaps[:0]
	for _, s := range r.snaps {
		if s.Frame < frame {
			kept = append(kept, s)
		}
	}
	r.snaps = kept
}

// Reset empties the ring. Used on full resync.
func (r *Ring) Reset() {
	r.snaps = r.snaps[:0]
}

// Len returns the number of stored snapshots.
func (r *Ring) Len() int {
	return len(r.snaps)
}

// Capacity returns the configured bound.
func (r *Ring) Capacity() int {
	return r.capacity
}

// OldestFrame returns the lowest stored frame.
func (r *Ring) OldestFrame() (protocol.Frame, bool) {
	if len(r.snaps) == 0 {
		return 0, false
	}
	return r.snaps[0].Frame, true
}

// LatestFrame returns the highest stored frame.
func (r *Ring) LatestFrame() (protocol.Frame, bool) {
	if len(r.snaps) == 0 {
		return 0, false
	}
	return r.snaps[len(r.snaps)-1].Frame, true
}

// At returns the i-th snapshot in frame order. The optimizer walks the
// ring to protect delta bases from eviction.
func (r *Ring) At(i int) Snapshot {
	return r.snaps[i]
}

// Has reports whether a frame is present. Delta decompression uses it
// to check base availability.
func (r *Ring) Has(frame protocol.Frame) bool {
	_, err := r.Load(frame)
	return err == nil
}
