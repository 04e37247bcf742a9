package session

import (
	"github.com/andersfylling/rollplay/internal/diagnostics"
	"github.com/andersfylling/rollplay/internal/protocol"
	"github.com/andersfylling/rollplay/internal/rollback"
)

// PlayerInfo is the façade view of one session member.
type PlayerInfo struct {
	ID            protocol.PlayerID
	Name          string
	Local         bool
	IsHost        bool
	InputDelay    uint32
	LastConfirmed protocol.Frame
	Quality       diagnostics.Grade
	LatencyMs     float64
	Stability     float64
}

// Stats accumulates session-lifetime counters.
type Stats struct {
	SessionsStarted uint64
	Desyncs         uint64
	Recoveries      uint64
	HostMigrations  uint64
}

// StatusReport is the façade's observable runtime state.
type StatusReport struct {
	SessionID      string
	Running        bool
	Paused         bool
	HostID         protocol.PlayerID
	LocalID        protocol.PlayerID
	CurrentFrame   protocol.Frame
	ConfirmedFrame protocol.Frame
	Stalled        bool

	Engine rollback.Metrics

	DesyncCount          uint64
	RecoverySuccessRate  float64
	HostMigrations       uint64
	MigrationSuccessRate float64

	AvgInputLatencyMs float64
	AvgBatchSize      float64
	CompressionRatio  float64
	StatePoolHitRate  float64

	Players []PlayerInfo
}

// DiagnosticsReport is the façade's per-peer link quality view.
type DiagnosticsReport struct {
	Peers        map[protocol.PlayerID]diagnostics.PeerStats
	InboxDropped uint64
	LocalQuality float64
}
