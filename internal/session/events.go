package session

import (
	"fmt"

	"github.com/andersfylling/rollplay/internal/protocol"
)

// EventKind classifies façade events.
type EventKind uint8

const (
	EventPeerJoined EventKind = iota
	EventPeerLeft
	EventStalled
	EventResumed
	EventDesyncDetected
	EventDesyncRecovered
	EventMigrationStarted
	EventHostChanged
	EventFatal
)

func (k EventKind) String() string {
	switch k {
	case EventPeerJoined:
		return "peer_joined"
	case EventPeerLeft:
		return "peer_left"
	case EventStalled:
		return "stalled"
	case EventResumed:
		return "resumed"
	case EventDesyncDetected:
		return "desync_detected"
	case EventDesyncRecovered:
		return "desync_recovered"
	case EventMigrationStarted:
		return "migration_started"
	case EventHostChanged:
		return "host_changed"
	case EventFatal:
		return "fatal"
	}
	return "unknown"
}

// Event is delivered on the façade's event callback.
type Event struct {
	Kind  EventKind
	Peer  protocol.PlayerID
	Frame protocol.Frame
	Err   error
}

// FatalKind classifies session-fatal conditions.
type FatalKind uint8

const (
	FatalUnresolvableDesync FatalKind = iota
	FatalMigrationFailed
	FatalSimulationError
)

func (k FatalKind) String() string {
	switch k {
	case FatalUnresolvableDesync:
		return "unresolvable desync"
	case FatalMigrationFailed:
		return "migration failed"
	case FatalSimulationError:
		return "simulation error"
	}
	return "unknown"
}

// FatalError terminates the session; no further frames are delivered
// after it is emitted.
type FatalError struct {
	Kind   FatalKind
	Frame  protocol.Frame
	Detail string
}

func (e *FatalError) Error() string {
	if e.Detail == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}
