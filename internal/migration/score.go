// Package migration monitors host liveness, scores replacement
// candidates, and orchestrates the transfer of session authority when
// the host departs.
package migration

import (
	"math"
	"sort"
	"time"

	"github.com/andersfylling/rollplay/internal/protocol"
)

// Candidate score weights; they sum to 1.
const (
	weightQuality     = 0.4
	weightLatency     = 0.3
	weightPerformance = 0.2
	weightStability   = 0.1
)

// Candidate is one peer considered for host duty. All factors are
// normalized to [0,1] by the caller (diagnostics supplies quality,
// latency, and stability; the session supplies performance from its
// frame-rate accounting).
type Candidate struct {
	ID          protocol.PlayerID
	Quality     float64
	Latency     float64
	Performance float64
	Stability   float64
}

// Score computes the weighted candidate score.
func (c Candidate) Score() float64 {
	// Weights are applied as whole tenths so factors of exactly 0 or 1
	// yield exact sums (a perfect candidate scores exactly 1).
	return (c.Quality*(weightQuality*10) +
		c.Latency*(weightLatency*10) +
		c.Performance*(weightPerformance*10) +
		c.Stability*(weightStability*10)) / 10
}

// Rank orders candidates best first. Scores are quantized to 0.05
// buckets before comparing: each peer measures its neighbors slightly
// differently, and election only converges when every peer derives
// the same ranking. Equal buckets break toward the lexicographically
// smaller id.
func Rank(cands []Candidate) []Candidate {
	out := append([]Candidate(nil), cands...)
	sort.Slice(out, func(i, j int) bool {
		si := math.Round(out[i].Score()*20) / 20
		sj := math.Round(out[j].Score()*20) / 20
		if si != sj {
			return si > sj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Monitor tracks host liveness from heartbeats.
type Monitor struct {
	timeout  time.Duration
	lastBeat time.Time
	armed    bool
}

// NewMonitor creates a monitor that declares the host dead after the
// given silence.
func NewMonitor(timeout time.Duration) *Monitor {
	return &Monitor{timeout: timeout}
}

// Arm starts (or restarts) monitoring, treating now as a fresh beat.
func (m *Monitor) Arm(now time.Time) {
	m.armed = true
	m.lastBeat = now
}

// Disarm stops monitoring, e.g. while the local peer is the host.
func (m *Monitor) Disarm() {
	m.armed = false
}

// Observe records a received heartbeat.
func (m *Monitor) Observe(now time.Time) {
	if m.armed {
		m.lastBeat = now
	}
}

// Dead reports whether the host has been silent past the timeout.
func (m *Monitor) Dead(now time.Time) bool {
	return m.armed && now.Sub(m.lastBeat) >= m.timeout
}

// Heartbeat paces the host's own heartbeat emission.
type Heartbeat struct {
	interval time.Duration
	last     time.Time
}

// NewHeartbeat creates an emitter pacing at the given interval.
func NewHeartbeat(interval time.Duration) *Heartbeat {
	return &Heartbeat{interval: interval}
}

// Due reports whether a heartbeat should be sent, and marks it sent.
func (h *Heartbeat) Due(now time.Time) bool {
	if !h.last.IsZero() && now.Sub(h.last) < h.interval {
		return false
	}
	h.last = now
	return true
}
