package optimize

import (
	"testing"
	"time"

	"github.com/andersfylling/rollplay/internal/protocol"
	"github.com/andersfylling/rollplay/internal/snapshot"
)

func testConfig() Config {
	return Config{
		DeltaEnabled:      true,
		CompressThreshold: 1024,
		MaxBatchBytes:     8192,
		MaxBatchAge:       16 * time.Millisecond,
		FrameSkipCap:      3,
		StatePoolSize:     1000,
	}
}

func patternedState(n int, seed byte) []byte {
	s := make([]byte, n)
	for i := range s {
		s[i] = byte(i%17) ^ seed
	}
	return s
}

func TestSaveCompressedEmitsDelta(t *testing.T) {
	o := New(testConfig())
	ring := snapshot.NewRing(16)

	base := patternedState(2048, 0)
	o.SaveCompressed(ring, 1, base, protocol.ChecksumTuple{Basic: 1})

	// One changed field between adjacent frames.
	next := append([]byte(nil), base...)
	next[100] = 0xEE
	o.SaveCompressed(ring, 2, next, protocol.ChecksumTuple{Basic: 2})

	s, err := ring.Load(2)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.Compression != snapshot.CompressionDelta {
		t.Fatalf("expected delta encoding, got tag %d", s.Compression)
	}
	if s.BaseFrame != 1 {
		t.Fatalf("delta base should be frame 1, got %d", s.BaseFrame)
	}
	if len(s.State) >= len(next) {
		t.Fatalf("delta not smaller than full state: %d >= %d", len(s.State), len(next))
	}

	raw, err := o.Materialize(ring, 2)
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if !protocol.Input(raw).Equal(protocol.Input(next)) {
		t.Fatal("materialized state differs from original")
	}
}

func TestDeltaChainsStayOneLinkDeep(t *testing.T) {
	o := New(testConfig())
	ring := snapshot.NewRing(16)

	state := patternedState(2048, 0)
	for f := protocol.Frame(1); f <= 6; f++ {
		state = append([]byte(nil), state...)
		state[int(f)*10] ^= 0xFF
		o.SaveCompressed(ring, f, state, protocol.ChecksumTuple{Basic: uint64(f)})
	}

	deltas := 0
	for i := 0; i < ring.Len(); i++ {
		s := ring.At(i)
		if s.Compression == snapshot.CompressionDelta {
			deltas++
			base, err := ring.Load(s.BaseFrame)
			if err != nil {
				t.Fatalf("delta at %d has missing base %d", s.Frame, s.BaseFrame)
			}
			if base.Compression == snapshot.CompressionDelta {
				t.Fatalf("delta at %d chained onto another delta", s.Frame)
			}
		}
		raw, err := o.Materialize(ring, s.Frame)
		if err != nil {
			t.Fatalf("materialize %d: %v", s.Frame, err)
		}
		if len(raw) != 2048 {
			t.Fatalf("materialize %d wrong length %d", s.Frame, len(raw))
		}
	}
	if deltas == 0 {
		t.Fatal("no deltas emitted across six similar frames")
	}
}

func TestEvictionNeverStrandsADelta(t *testing.T) {
	o := New(testConfig())
	ring := snapshot.NewRing(4)

	state := patternedState(2048, 0)
	for f := protocol.Frame(1); f <= 12; f++ {
		state = append([]byte(nil), state...)
		state[int(f)%2048] ^= 0x55
		o.SaveCompressed(ring, f, state, protocol.ChecksumTuple{})

		for i := 0; i < ring.Len(); i++ {
			s := ring.At(i)
			if _, err := o.Materialize(ring, s.Frame); err != nil {
				t.Fatalf("frame %d unresolvable after saving %d: %v", s.Frame, f, err)
			}
		}
	}
}

func TestGenericCompressionAboveThreshold(t *testing.T) {
	o := New(testConfig())
	ring := snapshot.NewRing(8)

	// Highly repetitive state well above the threshold.
	state := make([]byte, 8192)
	o.SaveCompressed(ring, 1, state, protocol.ChecksumTuple{})

	s, _ := ring.Load(1)
	if s.Compression != snapshot.CompressionGeneric {
		t.Fatalf("expected generic compression, got tag %d", s.Compression)
	}
	if len(s.State) >= len(state) {
		t.Fatal("generic compression did not shrink state")
	}

	raw, err := o.Materialize(ring, 1)
	if err != nil || len(raw) != len(state) {
		t.Fatalf("materialize: %v len=%d", err, len(raw))
	}

	if o.CompressionRatio() >= 1 {
		t.Fatalf("compression ratio should be < 1, got %f", o.CompressionRatio())
	}
}

func TestBatcherSizeAndAgeFlush(t *testing.T) {
	b := NewBatcher(64, 16*time.Millisecond)
	b.SetImmediate(false)
	now := time.Unix(0, 0)

	in := protocol.InputFrame{Frame: 1, Input: protocol.Input{1, 2, 3, 4}}
	if got := b.Add(in, now); got != nil {
		t.Fatalf("premature flush of %d entries", len(got))
	}

	// Size threshold: 12 bytes per entry, cap 64.
	var flushed []protocol.InputFrame
	for f := protocol.Frame(2); flushed == nil && f < 20; f++ {
		flushed = b.Add(protocol.InputFrame{Frame: f, Input: protocol.Input{1, 2, 3, 4}}, now)
	}
	if len(flushed) < 2 {
		t.Fatalf("size flush should carry the batch, got %d", len(flushed))
	}

	// Age threshold.
	b.Add(protocol.InputFrame{Frame: 50, Input: protocol.Input{1}}, now)
	if b.Due(now.Add(5 * time.Millisecond)) {
		t.Fatal("batch due too early")
	}
	if !b.Due(now.Add(20 * time.Millisecond)) {
		t.Fatal("batch should be due after max age")
	}
	if got := b.Flush(); len(got) != 1 {
		t.Fatalf("flush returned %d entries", len(got))
	}

	if b.AvgBatchSize() <= 1 {
		t.Fatalf("average batch size should exceed 1, got %f", b.AvgBatchSize())
	}
}

func TestBatcherImmediateMode(t *testing.T) {
	b := NewBatcher(8192, 16*time.Millisecond)
	now := time.Unix(0, 0)

	got := b.Add(protocol.InputFrame{Frame: 1, Input: protocol.Input{1}}, now)
	if len(got) != 1 {
		t.Fatalf("immediate mode must flush each input, got %d", len(got))
	}
}

func TestPoolReuseAndBound(t *testing.T) {
	p := NewPool(4)

	buf := p.Get(100)
	if len(buf) != 100 {
		t.Fatalf("wrong buffer length %d", len(buf))
	}
	buf[0] = 0xFF
	p.Put(buf)

	again := p.Get(100)
	if again[0] != 0 {
		t.Fatal("pooled buffer not zeroed")
	}
	if p.HitRate() != 0.5 {
		t.Fatalf("expected hit rate 0.5 after one miss and one hit, got %f", p.HitRate())
	}

	for i := 0; i < 10; i++ {
		p.Put(make([]byte, 64))
	}
	if p.Len() > 4 {
		t.Fatalf("pool exceeded bound: %d", p.Len())
	}
}

func TestReplayStride(t *testing.T) {
	o := New(testConfig())

	cases := []struct {
		score float64
		want  int
	}{
		{1.0, 1},
		{0.7, 1},
		{0.6, 2},
		{0.4, 3},
		{0.1, 3}, // capped by FrameSkipCap: 3
	}
	for _, c := range cases {
		if got := o.ReplayStride(c.score); got != c.want {
			t.Fatalf("stride(%f) = %d, want %d", c.score, got, c.want)
		}
	}
}

func TestAdaptiveLoopCadenceAndClamps(t *testing.T) {
	o := New(testConfig())
	now := time.Unix(100, 0)

	if !o.Adapt(now, 30, 60, 0.2) {
		t.Fatal("first adapt call should run")
	}
	if o.Adapt(now.Add(time.Second), 30, 60, 0.2) {
		t.Fatal("adapt ran again before its interval")
	}

	// Struggling: batches grow, compression threshold drops, cap rises.
	if o.Batcher().MaxBytes() <= 8192 {
		t.Fatalf("batch size should grow under load, got %d", o.Batcher().MaxBytes())
	}
	if o.CompressThreshold() >= 1024 {
		t.Fatalf("compression threshold should drop under load, got %d", o.CompressThreshold())
	}
	if o.SkipCap() != 4 {
		t.Fatalf("skip cap should rise to 4, got %d", o.SkipCap())
	}

	// Healthy for a long stretch: everything clamps, never exceeds range.
	for i := 0; i < 50; i++ {
		o.Adapt(now.Add(time.Duration(i+2)*adaptInterval), 60, 60, 1.0)
	}
	if o.Batcher().MaxBytes() < minBatchBytes || o.CompressThreshold() > maxCompressBytes {
		t.Fatalf("clamps violated: batch=%d threshold=%d", o.Batcher().MaxBytes(), o.CompressThreshold())
	}
	if o.SkipCap() != minSkipCap {
		t.Fatalf("skip cap should settle at %d, got %d", minSkipCap, o.SkipCap())
	}
}
