// Package input maintains the per-player sparse ring of inputs keyed
// by frame, with last-observed-input prediction for missing frames.
package input

import (
	"errors"
	"time"

	"github.com/andersfylling/rollplay/internal/protocol"
)

// ErrFrameTooOld is returned when an input arrives for a frame that
// has already dropped out of the confirmed window.
var ErrFrameTooOld = errors.New("input frame below confirmed window")

// ErrUnknownPlayer is returned for a player with no lane in the ring.
var ErrUnknownPlayer = errors.New("unknown player")

// maxFrame is the sentinel confirmed value for an empty ring.
const maxFrame = protocol.Frame(^uint32(0))

// Correction reports that an authoritative input contradicted the
// prediction previously stored for the same (player, frame).
type Correction struct {
	Player protocol.PlayerID
	Frame  protocol.Frame
	Old    protocol.Input
	New    protocol.Input
}

// Entry is one stored input.
type Entry struct {
	Player     protocol.PlayerID
	Frame      protocol.Frame
	Input      protocol.Input
	ReceivedAt time.Time
	Predicted  bool
}

// lane holds one player's inputs. Inputs for a given (player, frame)
// are single-writer at the origin; remote receipts apply in arrival
// order.
type lane struct {
	entries      map[protocol.Frame]*Entry
	lastObserved protocol.Input
	confirmed    protocol.Frame // highest contiguous authoritative frame
}

// Ring is the session-wide input store. Frame 0 is the shared initial
// state and needs no input; the first meaningful frame is 1.
type Ring struct {
	lanes     map[protocol.PlayerID]*lane
	retention protocol.Frame
}

// NewRing creates a ring that retains inputs down to
// confirmed − retention before evicting.
func NewRing(retention protocol.Frame) *Ring {
	return &Ring{
		lanes:     make(map[protocol.PlayerID]*lane),
		retention: retention,
	}
}

// AddPlayer opens a lane for a player. Adding an existing player is a
// no-op so joins are idempotent.
func (r *Ring) AddPlayer(id protocol.PlayerID) {
	if _, ok := r.lanes[id]; ok {
		return
	}
	r.lanes[id] = &lane{entries: make(map[protocol.Frame]*Entry)}
}

// SetBaseline raises a player's confirmed floor: frames at or below
// it count as authoritative empty input. The engine seeds every lane
// with the input-delay window, which no one ever sends inputs for.
func (r *Ring) SetBaseline(id protocol.PlayerID, frame protocol.Frame) {
	if ln, ok := r.lanes[id]; ok && ln.confirmed < frame {
		ln.confirmed = frame
		ln.advanceConfirmed()
	}
}

// RemovePlayer drops a player's lane. The session-wide confirmed frame
// no longer waits on the departed player.
func (r *Ring) RemovePlayer(id protocol.PlayerID) {
	delete(r.lanes, id)
}

// Players returns the ids with open lanes.
func (r *Ring) Players() []protocol.PlayerID {
	ids := make([]protocol.PlayerID, 0, len(r.lanes))
	for id := range r.lanes {
		ids = append(ids, id)
	}
	return ids
}

// Put stores an authoritative input. It is idempotent when the stored
// input is equal; a mismatch against a stored prediction returns a
// Correction the engine must honor with a rollback.
func (r *Ring) Put(id protocol.PlayerID, frame protocol.Frame, in protocol.Input, now time.Time) (*Correction, error) {
	ln, ok := r.lanes[id]
	if !ok {
		return nil, ErrUnknownPlayer
	}
	confirmed := r.ConfirmedFrame()
	if confirmed != maxFrame && frame < confirmed {
		return nil, ErrFrameTooOld
	}

	var corr *Correction
	if existing, ok := ln.entries[frame]; ok {
		if existing.Input.Equal(in) {
			// Prediction was right, or a duplicate receipt.
			existing.Predicted = false
		} else {
			corr = &Correction{
				Player: id,
				Frame:  frame,
				Old:    existing.Input,
				New:    in.Clone(),
			}
			existing.Input = in.Clone()
			existing.Predicted = false
			existing.ReceivedAt = now
			// Later predictions were extrapolated from a stale
			// observation; drop them so replay re-predicts from the
			// corrected input.
			for f, e := range ln.entries {
				if f > frame && e.Predicted {
					delete(ln.entries, f)
				}
			}
		}
	} else {
		ln.entries[frame] = &Entry{
			Player:     id,
			Frame:      frame,
			Input:      in.Clone(),
			ReceivedAt: now,
		}
	}

	ln.lastObserved = in.Clone()
	ln.advanceConfirmed()
	r.evict(ln)
	return corr, nil
}

// PutPredicted records the prediction the engine is about to feed the
// simulation, so a later authoritative receipt can be checked against
// it. Existing entries are never overwritten.
func (r *Ring) PutPredicted(id protocol.PlayerID, frame protocol.Frame, in protocol.Input, now time.Time) {
	ln, ok := r.lanes[id]
	if !ok {
		return
	}
	if _, exists := ln.entries[frame]; exists {
		return
	}
	ln.entries[frame] = &Entry{
		Player:     id,
		Frame:      frame,
		Input:      in.Clone(),
		ReceivedAt: now,
		Predicted:  true,
	}
}

// Get returns the input to feed the simulation for (player, frame).
// Missing entries predict by repeating the player's last observed
// input; the second return reports whether the value is a prediction.
// The simulation always receives a value, never an absence.
func (r *Ring) Get(id protocol.PlayerID, frame protocol.Frame) (protocol.Input, bool) {
	ln, ok := r.lanes[id]
	if !ok {
		return protocol.Input{}, true
	}
	if e, ok := ln.entries[frame]; ok {
		return e.Input, e.Predicted
	}
	if ln.lastObserved != nil {
		return ln.lastObserved, true
	}
	return protocol.Input{}, true
}

// LastConfirmed returns the highest contiguous authoritative frame for
// one player.
func (r *Ring) LastConfirmed(id protocol.PlayerID) protocol.Frame {
	if ln, ok := r.lanes[id]; ok {
		return ln.confirmed
	}
	return 0
}

// ConfirmedFrame is the session-wide minimum of per-player confirmed
// frames. With no players the ring constrains nothing and the sentinel
// max frame is returned for the caller to clamp.
func (r *Ring) ConfirmedFrame() protocol.Frame {
	min := maxFrame
	for _, ln := range r.lanes {
		if ln.confirmed < min {
			min = ln.confirmed
		}
	}
	return min
}

// DropAfter removes every stored input beyond the given frame, for
// all lanes. A migration cut-over blanks the post-resume window so
// every peer restarts from the same slate.
func (r *Ring) DropAfter(frame protocol.Frame) {
	for _, ln := range r.lanes {
		for f := range ln.entries {
			if f > frame {
				delete(ln.entries, f)
			}
		}
		if ln.confirmed > frame {
			ln.confirmed = frame
		}
	}
}

// Reset drops all stored inputs and re-bases every lane at the given
// frame. Used after a full resync.
func (r *Ring) Reset(frame protocol.Frame) {
	for _, ln := range r.lanes {
		ln.entries = make(map[protocol.Frame]*Entry)
		ln.confirmed = frame
	}
}

func (ln *lane) advanceConfirmed() {
	for {
		e, ok := ln.entries[ln.confirmed+1]
		if !ok || e.Predicted {
			return
		}
		ln.confirmed++
	}
}

func (r *Ring) evict(ln *lane) {
	confirmed := r.ConfirmedFrame()
	if confirmed == maxFrame || confirmed <= r.retention {
		return
	}
	floor := confirmed - r.retention
	for f := range ln.entries {
		if f < floor {
			delete(ln.entries, f)
		}
	}
}
