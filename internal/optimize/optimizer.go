package optimize

import (
	"time"

	"github.com/pkg/errors"

	"github.com/andersfylling/rollplay/internal/protocol"
	"github.com/andersfylling/rollplay/internal/snapshot"
)

// Thresholds the adaptive loop clamps to.
const (
	minBatchBytes      = 1024
	maxBatchBytes      = 64 * 1024
	minCompressBytes   = 256
	maxCompressBytes   = 16 * 1024
	minSkipCap         = 1
	maxSkipCap         = 4
	deltaWorthwhilePct = 70 // emit delta only below this % of full size
	adaptInterval      = 5 * time.Second
)

// Config carries the optimizer tunables from the session config.
type Config struct {
	DeltaEnabled      bool
	CompressThreshold int
	MaxBatchBytes     int
	MaxBatchAge       time.Duration
	FrameSkipCap      int
	StatePoolSize     int
}

// Optimizer owns the compression codecs, the input batcher, the state
// pool, and the adaptive tuning loop.
type Optimizer struct {
	delta   *DeltaCodec
	generic Codec
	batcher *Batcher
	pool    *Pool

	deltaEnabled      bool
	compressThreshold int
	skipCap           int

	lastAdapt   time.Time
	rawBytes    uint64
	storedBytes uint64
}

// New creates an optimizer with the reference RLE codec as the generic
// compressor.
func New(cfg Config) *Optimizer {
	return &Optimizer{
		delta:             NewDeltaCodec(),
		generic:           RLECodec(),
		batcher:           NewBatcher(cfg.MaxBatchBytes, cfg.MaxBatchAge),
		pool:              NewPool(cfg.StatePoolSize),
		deltaEnabled:      cfg.DeltaEnabled,
		compressThreshold: cfg.CompressThreshold,
		skipCap:           clampInt(cfg.FrameSkipCap, minSkipCap, maxSkipCap),
	}
}

// Batcher returns the input batcher.
func (o *Optimizer) Batcher() *Batcher {
	return o.batcher
}

// Pool returns the state buffer pool.
func (o *Optimizer) Pool() *Pool {
	return o.pool
}

// SaveCompressed encodes a raw state and stores it in the ring under
// the given frame. A delta against the previous frame is emitted when
// it is worthwhile and the base is not itself a delta (chains stay one
// link deep); the generic codec wraps any encoding above the size
// threshold.
func (o *Optimizer) SaveCompressed(ring *snapshot.Ring, frame protocol.Frame, raw []byte, checksums protocol.ChecksumTuple) {
	o.protectDeltaBase(ring)

	s := snapshot.Snapshot{
		Frame:       frame,
		Checksums:   checksums,
		Compression: snapshot.CompressionNone,
		State:       raw,
	}

	if o.deltaEnabled && frame > 0 {
		if prev, err := ring.Load(frame - 1); err == nil && prev.Compression != snapshot.CompressionDelta {
			if base, err := o.materializeSnapshot(ring, prev); err == nil {
				d := o.delta.Encode(frame-1, base, raw)
				if len(d)*100 < len(raw)*deltaWorthwhilePct {
					s.State = d
					s.Compression = snapshot.CompressionDelta
					s.BaseFrame = frame - 1
				}
			}
		}
	}

	if len(s.State) > o.compressThreshold {
		if c := o.generic.Compress(s.State); len(c) < len(s.State) {
			s.State = c
			if s.Compression == snapshot.CompressionNone {
				s.Compression = snapshot.CompressionGeneric
			} else {
				s.Wrapped = true
			}
		}
	}

	o.rawBytes += uint64(len(raw))
	o.storedBytes += uint64(len(s.State))
	ring.Save(s)
}

// Materialize returns the raw state bytes for a frame, undoing any
// compression layers.
func (o *Optimizer) Materialize(ring *snapshot.Ring, frame protocol.Frame) ([]byte, error) {
	s, err := ring.Load(frame)
	if err != nil {
		return nil, err
	}
	return o.materializeSnapshot(ring, s)
}

func (o *Optimizer) materializeSnapshot(ring *snapshot.Ring, s snapshot.Snapshot) ([]byte, error) {
	switch s.Compression {
	case snapshot.CompressionNone:
		out := make([]byte, len(s.State))
		copy(out, s.State)
		return out, nil
	case snapshot.CompressionGeneric:
		return o.generic.Decompress(s.State)
	case snapshot.CompressionDelta:
		body := s.State
		if s.Wrapped {
			var err error
			if body, err = o.generic.Decompress(body); err != nil {
				return nil, err
			}
		}
		baseSnap, err := ring.Load(s.BaseFrame)
		if err != nil {
			return nil, errors.Wrapf(err, "delta base frame %d evicted", s.BaseFrame)
		}
		base, err := o.materializeSnapshot(ring, baseSnap)
		if err != nil {
			return nil, err
		}
		return o.delta.Apply(base, body)
	}
	return nil, errors.Errorf("unknown compression tag %d", s.Compression)
}

// protectDeltaBase re-expands any delta whose base is about to be
// evicted, so the ring never holds an unresolvable snapshot.
func (o *Optimizer) protectDeltaBase(ring *snapshot.Ring) {
	if ring.Len() < ring.Capacity() {
		return
	}
	oldest, ok := ring.OldestFrame()
	if !ok {
		return
	}
	for i := 1; i < ring.Len(); i++ {
		s := ring.At(i)
		if s.Compression != snapshot.CompressionDelta || s.BaseFrame != oldest {
			continue
		}
		raw, err := o.materializeSnapshot(ring, s)
		if err != nil {
			continue
		}
		full := snapshot.Snapshot{
			Frame:       s.Frame,
			Checksums:   s.Checksums,
			Compression: snapshot.CompressionNone,
			State:       raw,
		}
		if len(raw) > o.compressThreshold {
			if c := o.generic.Compress(raw); len(c) < len(raw) {
				full.State = c
				full.Compression = snapshot.CompressionGeneric
			}
		}
		ring.Save(full)
	}
}

// ReplayStride returns the k for every-k-th-frame bookkeeping during
// rollback replay. Forward simulation always runs every frame; replay
// still simulates every frame for determinism, but snapshots and frame
// callbacks are only taken at this stride.
func (o *Optimizer) ReplayStride(qualityScore float64) int {
	k := 1
	switch {
	case qualityScore >= 0.7:
		k = 1
	case qualityScore >= 0.5:
		k = 2
	case qualityScore >= 0.3:
		k = 3
	default:
		k = 4
	}
	return clampInt(k, 1, o.skipCap)
}

// CompressionRatio is stored bytes over raw bytes across all saves.
func (o *Optimizer) CompressionRatio() float64 {
	if o.rawBytes == 0 {
		return 1
	}
	return float64(o.storedBytes) / float64(o.rawBytes)
}

// Adapt runs the adaptive tuning loop: at most once per five seconds
// it nudges batch size, compression threshold, and the frame-skip cap
// by one step toward the current load, within clamped ranges. Returns
// whether an adjustment pass ran.
func (o *Optimizer) Adapt(now time.Time, fps, targetFPS, qualityScore float64) bool {
	if !o.lastAdapt.IsZero() && now.Sub(o.lastAdapt) < adaptInterval {
		return false
	}
	o.lastAdapt = now

	struggling := qualityScore < 0.7 || fps < targetFPS*0.9
	if struggling {
		o.batcher.SetMaxBytes(clampInt(o.batcher.MaxBytes()*120/100, minBatchBytes, maxBatchBytes))
		o.compressThreshold = clampInt(o.compressThreshold*80/100, minCompressBytes, maxCompressBytes)
		o.skipCap = clampInt(o.skipCap+1, minSkipCap, maxSkipCap)
	} else {
		o.batcher.SetMaxBytes(clampInt(o.batcher.MaxBytes()*80/100, minBatchBytes, maxBatchBytes))
		o.compressThreshold = clampInt(o.compressThreshold*120/100, minCompressBytes, maxCompressBytes)
		o.skipCap = clampInt(o.skipCap-1, minSkipCap, maxSkipCap)
	}
	return true
}

// SkipCap returns the current replay stride ceiling.
func (o *Optimizer) SkipCap() int {
	return o.skipCap
}

// CompressThreshold returns the current generic compression threshold.
func (o *Optimizer) CompressThreshold() int {
	return o.compressThreshold
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
