// Package diagnostics measures per-peer link quality: round-trip
// time, jitter, packet loss, bandwidth, and connection stability,
// condensed into a quality grade that feeds the optimizer and host
// scoring.
package diagnostics

import (
	"math"
	"time"

	"github.com/andersfylling/rollplay/internal/protocol"
)

const (
	maxLatencySamples   = 100
	bandwidthSamples    = 10
	pingTimeout         = 5 * time.Second
	bandwidthPacketSize = 1024
	bandwidthMaxPackets = 50
	bandwidthTestCap    = 10 * time.Second
)

// Config carries the diagnostics tunables.
type Config struct {
	PingInterval          time.Duration
	BandwidthTestInterval time.Duration
	LatencyThreshold      time.Duration
	JitterThreshold       time.Duration
	LossThreshold         float64
}

// DefaultConfig returns the standard cadence and thresholds.
func DefaultConfig() Config {
	return Config{
		PingInterval:          time.Second,
		BandwidthTestInterval: 30 * time.Second,
		LatencyThreshold:      150 * time.Millisecond,
		JitterThreshold:       50 * time.Millisecond,
		LossThreshold:         0.05,
	}
}

// Latency aggregates round-trip measurements.
type Latency struct {
	Current time.Duration
	Min     time.Duration
	Max     time.Duration
	Avg     time.Duration
	Jitter  time.Duration
	Samples int
}

// Loss aggregates ping delivery accounting.
type Loss struct {
	Sent        uint64
	Received    uint64
	Lost        uint64
	Rate        float64
	Consecutive int
}

// Bandwidth aggregates throughput estimates in bits per second.
type Bandwidth struct {
	UploadBps   float64
	DownloadBps float64
}

// Stability aggregates connection lifecycle accounting.
type Stability struct {
	Disconnections int
	Reconnections  int
	Uptime         time.Duration
}

// PeerStats is the full per-peer diagnostic view.
type PeerStats struct {
	Latency   Latency
	Loss      Loss
	Bandwidth Bandwidth
	Stability Stability
	Score     float64
	Grade     Grade
}

// Outbound is a diagnostic message the session must send.
type Outbound struct {
	To  protocol.PlayerID
	Msg protocol.Payload
}

// GradeListener observes per-peer grade transitions.
type GradeListener func(peer protocol.PlayerID, old, new Grade)

type pendingPing struct {
	sentAt time.Time
}

type bwTest struct {
	id        uint32
	startedAt time.Time
	bytesSent int
	bytesAckd int
}

type peerState struct {
	latencySamples []time.Duration
	latency        Latency
	loss           Loss
	bandwidth      Bandwidth
	upSamples      []float64
	downSamples    []float64
	stability      Stability

	pending      map[uint64]pendingPing
	lastPingAt   time.Time
	lastBWTestAt time.Time
	test         *bwTest

	downWindowStart time.Time
	downWindowBytes int

	connectedAt time.Time
	grade       Grade
}

// Tracker maintains diagnostics for every peer in the session. It is
// driven from the frame loop; all methods take explicit time.
type Tracker struct {
	cfg        Config
	peers      map[protocol.PlayerID]*peerState
	nextPingID uint64
	nextTestID uint32
	listeners  []GradeListener
}

// NewTracker creates a tracker.
func NewTracker(cfg Config) *Tracker {
	if cfg.PingInterval <= 0 {
		cfg = DefaultConfig()
	}
	return &Tracker{
		cfg:   cfg,
		peers: make(map[protocol.PlayerID]*peerState),
	}
}

// OnGradeChange registers a listener for grade transitions.
func (t *Tracker) OnGradeChange(fn GradeListener) {
	t.listeners = append(t.listeners, fn)
}

// AddPeer starts tracking a peer.
func (t *Tracker) AddPeer(id protocol.PlayerID, now time.Time) {
	if _, ok := t.peers[id]; ok {
		return
	}
	t.peers[id] = &peerState{
		pending:     make(map[uint64]pendingPing),
		connectedAt: now,
		grade:       GradeUnknown,
	}
}

// RemovePeer stops tracking a peer.
func (t *Tracker) RemovePeer(id protocol.PlayerID) {
	delete(t.peers, id)
}

// PeerDisconnected records an involuntary drop.
func (t *Tracker) PeerDisconnected(id protocol.PlayerID) {
	if p, ok := t.peers[id]; ok {
		p.stability.Disconnections++
	}
}

// PeerReconnected records a recovery after a drop.
func (t *Tracker) PeerReconnected(id protocol.PlayerID, now time.Time) {
	if p, ok := t.peers[id]; ok {
		p.stability.Reconnections++
		p.connectedAt = now
	}
}

// Tick emits due pings and bandwidth bursts and sweeps ping timeouts.
// Call once per frame-loop tick.
func (t *Tracker) Tick(now time.Time) []Outbound {
	var out []Outbound
	for id, p := range t.peers {
		// Sweep timed-out pings; each counts as a lost packet.
		for pid, pp := range p.pending {
			if now.Sub(pp.sentAt) >= pingTimeout {
				delete(p.pending, pid)
				p.loss.Lost++
				p.loss.Consecutive++
				t.refresh(id, p, now)
			}
		}

		// Close an expired bandwidth test.
		if p.test != nil && now.Sub(p.test.startedAt) >= bandwidthTestCap {
			t.finishBandwidthTest(p, now)
		}

		if p.lastPingAt.IsZero() || now.Sub(p.lastPingAt) >= t.cfg.PingInterval {
			p.lastPingAt = now
			t.nextPingID++
			p.pending[t.nextPingID] = pendingPing{sentAt: now}
			p.loss.Sent++
			out = append(out, Outbound{To: id, Msg: protocol.Ping{
				ID: t.nextPingID,
				T0: now.UnixMicro(),
			}})
		}

		if p.test == nil && (p.lastBWTestAt.IsZero() || now.Sub(p.lastBWTestAt) >= t.cfg.BandwidthTestInterval) {
			p.lastBWTestAt = now
			t.nextTestID++
			p.test = &bwTest{id: t.nextTestID, startedAt: now}
			payload := make([]byte, bandwidthPacketSize)
			for i := uint32(0); i < bandwidthMaxPackets; i++ {
				p.test.bytesSent += bandwidthPacketSize
				out = append(out, Outbound{To: id, Msg: protocol.BandwidthTest{
					TestID:   t.nextTestID,
					PacketID: i,
					Payload:  payload,
				}})
			}
		}
	}
	return out
}

// HandlePing answers a peer's ping probe.
func (t *Tracker) HandlePing(from protocol.PlayerID, ping protocol.Ping, now time.Time) protocol.Pong {
	return protocol.Pong{ID: ping.ID, T0: ping.T0, T1: now.UnixMicro()}
}

// HandlePong records a completed round trip.
func (t *Tracker) HandlePong(from protocol.PlayerID, pong protocol.Pong, now time.Time) {
	p, ok := t.peers[from]
	if !ok {
		return
	}
	sent, ok := p.pending[pong.ID]
	if !ok {
		return // timed out already, or echo of someone else's ping
	}
	delete(p.pending, pong.ID)

	rtt := now.Sub(sent.sentAt)
	if rtt < 0 {
		rtt = 0
	}
	p.loss.Received++
	p.loss.Consecutive = 0
	p.addLatencySample(rtt)
	t.refresh(from, p, now)
}

// HandleBandwidthTest acks an incoming burst packet and samples
// download volume.
func (t *Tracker) HandleBandwidthTest(from protocol.PlayerID, bt protocol.BandwidthTest, now time.Time) protocol.BandwidthAck {
	if p, ok := t.peers[from]; ok {
		if p.downWindowStart.IsZero() || now.Sub(p.downWindowStart) > bandwidthTestCap {
			p.downWindowStart = now
			p.downWindowBytes = 0
		}
		p.downWindowBytes += len(bt.Payload)
		if elapsed := now.Sub(p.downWindowStart); elapsed > 100*time.Millisecond {
			p.downSamples = appendSample(p.downSamples, float64(p.downWindowBytes*8)/elapsed.Seconds())
			p.bandwidth.DownloadBps = mean(p.downSamples)
		}
	}
	return protocol.BandwidthAck{TestID: bt.TestID, PacketID: bt.PacketID, Size: uint32(len(bt.Payload))}
}

// HandleBandwidthAck accumulates acknowledged upload volume.
func (t *Tracker) HandleBandwidthAck(from protocol.PlayerID, ack protocol.BandwidthAck, now time.Time) {
	p, ok := t.peers[from]
	if !ok || p.test == nil || p.test.id != ack.TestID {
		return
	}
	p.test.bytesAckd += int(ack.Size)
	if p.test.bytesAckd >= p.test.bytesSent {
		t.finishBandwidthTest(p, now)
	}
}

func (t *Tracker) finishBandwidthTest(p *peerState, now time.Time) {
	test := p.test
	p.test = nil
	elapsed := now.Sub(test.startedAt).Seconds()
	if elapsed <= 0 || test.bytesAckd == 0 {
		return
	}
	p.upSamples = appendSample(p.upSamples, float64(test.bytesAckd*8)/elapsed)
	p.bandwidth.UploadBps = mean(p.upSamples)
}

// Stats returns a copy of a peer's current diagnostics.
func (t *Tracker) Stats(id protocol.PlayerID) (PeerStats, bool) {
	p, ok := t.peers[id]
	if !ok {
		return PeerStats{}, false
	}
	return t.snapshotPeer(p, time.Time{}), true
}

// Grade returns a peer's current quality grade.
func (t *Tracker) Grade(id protocol.PlayerID) Grade {
	if p, ok := t.peers[id]; ok {
		return p.grade
	}
	return GradeUnknown
}

// Score returns a peer's quality score normalized to [0,1].
func (t *Tracker) Score(id protocol.PlayerID) float64 {
	p, ok := t.peers[id]
	if !ok {
		return 0.5
	}
	return qualityScore(p.latency, p.loss, p.stability, t.cfg) / 100
}

// LatencyScore returns the normalized host-candidate latency factor.
func (t *Tracker) LatencyScore(id protocol.PlayerID) float64 {
	p, ok := t.peers[id]
	if !ok || p.latency.Samples == 0 {
		return 0.5
	}
	return latencyScore(p.latency.Avg)
}

// StabilityScore maps disconnection history into [0,1].
func (t *Tracker) StabilityScore(id protocol.PlayerID) float64 {
	p, ok := t.peers[id]
	if !ok {
		return 0.5
	}
	s := 1 - float64(p.stability.Disconnections)*0.2
	if s < 0 {
		return 0
	}
	return s
}

// Report returns the per-peer view for the façade.
func (t *Tracker) Report(now time.Time) map[protocol.PlayerID]PeerStats {
	out := make(map[protocol.PlayerID]PeerStats, len(t.peers))
	for id, p := range t.peers {
		out[id] = t.snapshotPeer(p, now)
	}
	return out
}

func (t *Tracker) snapshotPeer(p *peerState, now time.Time) PeerStats {
	st := p.stability
	if !now.IsZero() && !p.connectedAt.IsZero() {
		st.Uptime = now.Sub(p.connectedAt)
	}
	score := qualityScore(p.latency, p.loss, st, t.cfg)
	return PeerStats{
		Latency:   p.latency,
		Loss:      p.loss,
		Bandwidth: p.bandwidth,
		Stability: st,
		Score:     score,
		Grade:     p.grade,
	}
}

func (t *Tracker) refresh(id protocol.PlayerID, p *peerState, now time.Time) {
	if total := p.loss.Received + p.loss.Lost; total > 0 {
		p.loss.Rate = float64(p.loss.Lost) / float64(total)
	}
	score := qualityScore(p.latency, p.loss, p.stability, t.cfg)
	grade := gradeFor(score, p.latency.Samples)
	if grade != p.grade {
		old := p.grade
		p.grade = grade
		for _, fn := range t.listeners {
			fn(id, old, grade)
		}
	}
}

func (p *peerState) addLatencySample(rtt time.Duration) {
	p.latencySamples = append(p.latencySamples, rtt)
	if len(p.latencySamples) > maxLatencySamples {
		p.latencySamples = p.latencySamples[1:]
	}

	l := &p.latency
	l.Current = rtt
	l.Samples = len(p.latencySamples)
	if l.Min == 0 || rtt < l.Min {
		l.Min = rtt
	}
	if rtt > l.Max {
		l.Max = rtt
	}

	var sum time.Duration
	for _, s := range p.latencySamples {
		sum += s
	}
	l.Avg = sum / time.Duration(len(p.latencySamples))

	var varSum float64
	for _, s := range p.latencySamples {
		d := float64(s - l.Avg)
		varSum += d * d
	}
	l.Jitter = time.Duration(math.Sqrt(varSum / float64(len(p.latencySamples))))
}

func appendSample(samples []float64, v float64) []float64 {
	samples = append(samples, v)
	if len(samples) > bandwidthSamples {
		samples = samples[1:]
	}
	return samples
}

func mean(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s
	}
	return sum / float64(len(samples))
}
