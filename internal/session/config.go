package session

import "time"

// Config enumerates every runtime tunable. Normalize fills zero numeric
// and duration fields with the standard defaults; InputDelayFrames and
// DeltaCompressionEnabled keep their zero values.
type Config struct {
	FrameRateHz         int
	InputDelayFrames    uint32
	MaxRollbackFrames   uint32
	MaxPredictionFrames uint32
	SnapshotRingSize    int

	SyncTestEveryFrames     uint32
	DeepChecksumEveryFrames uint32

	PingInterval          time.Duration
	BandwidthTestInterval time.Duration

	HostHeartbeatInterval time.Duration
	HostTimeout           time.Duration
	MigrationTimeout      time.Duration

	LatencyThreshold time.Duration
	JitterThreshold  time.Duration
	LossThreshold    float64

	DeltaCompressionEnabled bool
	CompressionThreshold    int
	MaxBatchBytes           int
	MaxBatchAge             time.Duration
	FrameSkipCap            int
	StatePoolSize           int

	ResyncTimeout time.Duration
	InboxCapacity int
}

// DefaultConfig returns the standard configuration.
func DefaultConfig() Config {
	return Config{
		FrameRateHz:         60,
		InputDelayFrames:    2,
		MaxRollbackFrames:   8,
		MaxPredictionFrames: 8,

		SyncTestEveryFrames:     1,
		DeepChecksumEveryFrames: 30,

		PingInterval:          time.Second,
		BandwidthTestInterval: 30 * time.Second,

		HostHeartbeatInterval: 2 * time.Second,
		HostTimeout:           6 * time.Second,
		MigrationTimeout:      10 * time.Second,

		LatencyThreshold: 150 * time.Millisecond,
		JitterThreshold:  50 * time.Millisecond,
		LossThreshold:    0.05,

		DeltaCompressionEnabled: true,
		CompressionThreshold:    1024,
		MaxBatchBytes:           8192,
		MaxBatchAge:             16 * time.Millisecond,
		FrameSkipCap:            3,
		StatePoolSize:           1000,

		ResyncTimeout: 5 * time.Second,
		InboxCapacity: 4096,
	}
}

// Normalize fills zero fields with defaults and derives the snapshot
// ring bound from the rollback window.
func (c Config) Normalize() Config {
	def := DefaultConfig()
	if c.FrameRateHz <= 0 {
		c.FrameRateHz = def.FrameRateHz
	}
	if c.MaxRollbackFrames == 0 {
		c.MaxRollbackFrames = def.MaxRollbackFrames
	}
	if c.MaxPredictionFrames == 0 {
		c.MaxPredictionFrames = def.MaxPredictionFrames
	}
	if c.SnapshotRingSize == 0 {
		c.SnapshotRingSize = int(c.MaxRollbackFrames) + 8
		if c.SnapshotRingSize < 60 {
			c.SnapshotRingSize = 60
		}
	}
	if c.SyncTestEveryFrames == 0 {
		c.SyncTestEveryFrames = def.SyncTestEveryFrames
	}
	if c.DeepChecksumEveryFrames == 0 {
		c.DeepChecksumEveryFrames = def.DeepChecksumEveryFrames
	}
	if c.PingInterval == 0 {
		c.PingInterval = def.PingInterval
	}
	if c.BandwidthTestInterval == 0 {
		c.BandwidthTestInterval = def.BandwidthTestInterval
	}
	if c.HostHeartbeatInterval == 0 {
		c.HostHeartbeatInterval = def.HostHeartbeatInterval
	}
	if c.HostTimeout == 0 {
		c.HostTimeout = def.HostTimeout
	}
	if c.MigrationTimeout == 0 {
		c.MigrationTimeout = def.MigrationTimeout
	}
	if c.LatencyThreshold == 0 {
		c.LatencyThreshold = def.LatencyThreshold
	}
	if c.JitterThreshold == 0 {
		c.JitterThreshold = def.JitterThreshold
	}
	if c.LossThreshold == 0 {
		c.LossThreshold = def.LossThreshold
	}
	if c.CompressionThreshold == 0 {
		c.CompressionThreshold = def.CompressionThreshold
	}
	if c.MaxBatchBytes == 0 {
		c.MaxBatchBytes = def.MaxBatchBytes
	}
	if c.MaxBatchAge == 0 {
		c.MaxBatchAge = def.MaxBatchAge
	}
	if c.FrameSkipCap == 0 {
		c.FrameSkipCap = def.FrameSkipCap
	}
	if c.StatePoolSize == 0 {
		c.StatePoolSize = def.StatePoolSize
	}
	if c.ResyncTimeout == 0 {
		c.ResyncTimeout = def.ResyncTimeout
	}
	if c.InboxCapacity == 0 {
		c.InboxCapacity = def.InboxCapacity
	}
	return c
}
