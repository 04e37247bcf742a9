package diagnostics

import (
	"testing"
	"time"

	"github.com/andersfylling/rollplay/internal/protocol"
)

func pingsOnly(out []Outbound) []protocol.Ping {
	var pings []protocol.Ping
	for _, o := range out {
		if p, ok := o.Msg.(protocol.Ping); ok {
			pings = append(pings, p)
		}
	}
	return pings
}

func TestPingPongLatency(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	now := time.Unix(1000, 0)
	tr.AddPeer("b", now)

	out := tr.Tick(now)
	pings := pingsOnly(out)
	if len(pings) != 1 {
		t.Fatalf("expected one ping on first tick, got %d", len(pings))
	}

	// Peer echoes after 50ms.
	pong := protocol.Pong{ID: pings[0].ID, T0: pings[0].T0}
	tr.HandlePong("b", pong, now.Add(50*time.Millisecond))

	stats, ok := tr.Stats("b")
	if !ok {
		t.Fatal("peer stats missing")
	}
	if stats.Latency.Current != 50*time.Millisecond {
		t.Fatalf("rtt = %v, want 50ms", stats.Latency.Current)
	}
	if stats.Loss.Received != 1 || stats.Loss.Lost != 0 {
		t.Fatalf("loss accounting wrong: %+v", stats.Loss)
	}
}

func TestPingCadence(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	now := time.Unix(1000, 0)
	tr.AddPeer("b", now)

	tr.Tick(now)
	if pings := pingsOnly(tr.Tick(now.Add(200 * time.Millisecond))); len(pings) != 0 {
		t.Fatalf("ping sent before interval elapsed: %d", len(pings))
	}
	if pings := pingsOnly(tr.Tick(now.Add(1100 * time.Millisecond))); len(pings) != 1 {
		t.Fatalf("expected one ping after interval, got %d", len(pings))
	}
}

func TestPingTimeoutCountsAsLoss(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	now := time.Unix(1000, 0)
	tr.AddPeer("b", now)

	out := tr.Tick(now)
	pings := pingsOnly(out)

	// 6 seconds later the ping is swept as lost.
	tr.Tick(now.Add(6 * time.Second))
	stats, _ := tr.Stats("b")
	if stats.Loss.Lost != 1 || stats.Loss.Consecutive != 1 {
		t.Fatalf("timeout not counted: %+v", stats.Loss)
	}

	// A late pong for the swept ping is ignored.
	tr.HandlePong("b", protocol.Pong{ID: pings[0].ID}, now.Add(7*time.Second))
	stats, _ = tr.Stats("b")
	if stats.Loss.Received != 0 {
		t.Fatalf("late pong should be dropped: %+v", stats.Loss)
	}
}

func TestJitterFromSpread(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	now := time.Unix(1000, 0)
	tr.AddPeer("b", now)

	rtts := []time.Duration{
		40 * time.Millisecond,
		60 * time.Millisecond,
		40 * time.Millisecond,
		60 * time.Millisecond,
	}
	for i, rtt := range rtts {
		at := now.Add(time.Duration(i+1) * 1100 * time.Millisecond)
		pings := pingsOnly(tr.Tick(at))
		if len(pings) != 1 {
			t.Fatalf("tick %d: expected a ping", i)
		}
		tr.HandlePong("b", protocol.Pong{ID: pings[0].ID}, at.Add(rtt))
	}

	stats, _ := tr.Stats("b")
	if stats.Latency.Avg != 50*time.Millisecond {
		t.Fatalf("avg = %v", stats.Latency.Avg)
	}
	// stddev of {40,60,40,60} around 50 is exactly 10ms.
	if stats.Latency.Jitter != 10*time.Millisecond {
		t.Fatalf("jitter = %v, want 10ms", stats.Latency.Jitter)
	}
	if stats.Latency.Min != 40*time.Millisecond || stats.Latency.Max != 60*time.Millisecond {
		t.Fatalf("min/max wrong: %+v", stats.Latency)
	}
}

func TestBandwidthBurstAndAck(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	now := time.Unix(1000, 0)
	tr.AddPeer("b", now)

	out := tr.Tick(now)
	var burst []protocol.BandwidthTest
	for _, o := range out {
		if bt, ok := o.Msg.(protocol.BandwidthTest); ok {
			burst = append(burst, bt)
		}
	}
	if len(burst) != bandwidthMaxPackets {
		t.Fatalf("expected %d burst packets, got %d", bandwidthMaxPackets, len(burst))
	}

	// All packets acked one second in: 50 KB in 1s ≈ 409600 bps.
	ackAt := now.Add(time.Second)
	for _, bt := range burst {
		tr.HandleBandwidthAck("b", protocol.BandwidthAck{
			TestID:   bt.TestID,
			PacketID: bt.PacketID,
			Size:     uint32(len(bt.Payload)),
		}, ackAt)
	}

	stats, _ := tr.Stats("b")
	want := float64(bandwidthMaxPackets*bandwidthPacketSize*8) / 1.0
	if stats.Bandwidth.UploadBps < want*0.99 || stats.Bandwidth.UploadBps > want*1.01 {
		t.Fatalf("upload = %f, want ≈ %f", stats.Bandwidth.UploadBps, want)
	}

	// No second burst until the interval elapses.
	out = tr.Tick(now.Add(5 * time.Second))
	for _, o := range out {
		if _, ok := o.Msg.(protocol.BandwidthTest); ok {
			t.Fatal("bandwidth test restarted before its interval")
		}
	}
}

func TestQualityGradeAndTransitions(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	now := time.Unix(1000, 0)
	tr.AddPeer("b", now)

	var transitions []Grade
	tr.OnGradeChange(func(peer protocol.PlayerID, old, new Grade) {
		if peer != "b" {
			t.Fatalf("transition for wrong peer %s", peer)
		}
		transitions = append(transitions, new)
	})

	if tr.Grade("b") != GradeUnknown {
		t.Fatalf("fresh peer should be unknown, got %v", tr.Grade("b"))
	}

	// Fast pongs: excellent.
	at := now
	for i := 0; i < 5; i++ {
		at = at.Add(1100 * time.Millisecond)
		pings := pingsOnly(tr.Tick(at))
		for _, p := range pings {
			tr.HandlePong("b", protocol.Pong{ID: p.ID}, at.Add(20*time.Millisecond))
		}
	}
	if tr.Grade("b") != GradeExcellent {
		t.Fatalf("grade = %v, want excellent", tr.Grade("b"))
	}
	if len(transitions) == 0 || transitions[len(transitions)-1] != GradeExcellent {
		t.Fatalf("missing transition to excellent: %v", transitions)
	}

	// Slow pongs drag the average over threshold: grade degrades.
	for i := 0; i < 60; i++ {
		at = at.Add(1100 * time.Millisecond)
		pings := pingsOnly(tr.Tick(at))
		for _, p := range pings {
			tr.HandlePong("b", protocol.Pong{ID: p.ID}, at.Add(400*time.Millisecond))
		}
	}
	if g := tr.Grade("b"); g == GradeExcellent || g == GradeUnknown {
		t.Fatalf("grade should degrade under 400ms RTT, got %v", g)
	}
	if transitions[len(transitions)-1] == GradeExcellent {
		t.Fatal("no degradation transition observed")
	}
}

func TestStabilityPenalty(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	now := time.Unix(1000, 0)
	tr.AddPeer("b", now)

	base := tr.Score("b")
	tr.PeerDisconnected("b")
	tr.PeerReconnected("b", now.Add(time.Second))
	if tr.Score("b") >= base {
		t.Fatalf("disconnect should lower score: %f -> %f", base, tr.Score("b"))
	}

	if tr.StabilityScore("b") >= 1 {
		t.Fatalf("stability score should drop below 1, got %f", tr.StabilityScore("b"))
	}
}

func TestLatencyScoreNormalization(t *testing.T) {
	cases := []struct {
		lat  time.Duration
		want float64
	}{
		{0, 1.0},
		{250 * time.Millisecond, 0.5},
		{500 * time.Millisecond, 0},
		{900 * time.Millisecond, 0},
	}
	for _, c := range cases {
		if got := latencyScore(c.lat); got != c.want {
			t.Fatalf("latencyScore(%v) = %f, want %f", c.lat, got, c.want)
		}
	}
}
