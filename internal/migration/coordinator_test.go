package migration

import (
	"io"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/andersfylling/rollplay/internal/protocol"
)

type sent struct {
	to  protocol.PlayerID
	msg protocol.Payload
}

type migrationHarness struct {
	coord *Coordinator

	sends      []sent
	broadcasts []protocol.Payload
	paused     int
	resumed    []protocol.PlayerID
	loaded     []protocol.Frame
	loadErr    error
	ownFrame   protocol.Frame
	candidates []Candidate
	failures   []string
}

func newHarness(local protocol.PlayerID, timeout time.Duration) *migrationHarness {
	h := &migrationHarness{ownFrame: 1000}
	l := logrus.New()
	l.SetOutput(io.Discard)

	h.coord = NewCoordinator(local, timeout, Ports{
		Send:      func(to protocol.PlayerID, msg protocol.Payload) { h.sends = append(h.sends, sent{to, msg}) },
		Broadcast: func(msg protocol.Payload) { h.broadcasts = append(h.broadcasts, msg) },
		PauseGame: func() { h.paused++ },
		ResumeGame: func(newHost protocol.PlayerID, frame protocol.Frame) {
			h.resumed = append(h.resumed, newHost)
		},
		LoadState: func(frame protocol.Frame, state []byte, checksums protocol.ChecksumTuple) error {
			if h.loadErr != nil {
				return h.loadErr
			}
			h.loaded = append(h.loaded, frame)
			return nil
		},
		OwnState: func() (protocol.Frame, []byte, protocol.ChecksumTuple, bool) {
			return h.ownFrame, []byte{1}, protocol.ChecksumTuple{Basic: 1}, true
		},
		Candidates: func(exclude protocol.PlayerID) []Candidate {
			var out []Candidate
			for _, c := range h.candidates {
				if c.ID != exclude {
					out = append(out, c)
				}
			}
			return out
		},
		Failed: func(reason string) { h.failures = append(h.failures, reason) },
	}, logrus.NewEntry(l))
	return h
}

func TestCandidateScoringWeights(t *testing.T) {
	c := Candidate{Quality: 1, Latency: 1, Performance: 1, Stability: 1}
	if c.Score() != 1 {
		t.Fatalf("perfect candidate should score 1, got %f", c.Score())
	}

	// Weights: quality 0.4, latency 0.3, performance 0.2, stability 0.1.
	c = Candidate{Quality: 1}
	if c.Score() != 0.4 {
		t.Fatalf("quality-only score = %f, want 0.4", c.Score())
	}
	c = Candidate{Latency: 1}
	if c.Score() != 0.3 {
		t.Fatalf("latency-only score = %f, want 0.3", c.Score())
	}
}

func TestRankTieBreaksLexicographically(t *testing.T) {
	ranked := Rank([]Candidate{
		{ID: "zeta", Quality: 1},
		{ID: "alpha", Quality: 1},
	})
	if ranked[0].ID != "alpha" {
		t.Fatalf("tie should break toward smaller id, got %s", ranked[0].ID)
	}
}

func TestMonitorLifecycle(t *testing.T) {
	now := time.Unix(0, 0)
	m := NewMonitor(6 * time.Second)

	if m.Dead(now.Add(time.Hour)) {
		t.Fatal("disarmed monitor must never report dead")
	}

	m.Arm(now)
	if m.Dead(now.Add(3 * time.Second)) {
		t.Fatal("host declared dead before timeout")
	}
	m.Observe(now.Add(5 * time.Second))
	if m.Dead(now.Add(10 * time.Second)) {
		t.Fatal("heartbeat did not refresh liveness")
	}
	if !m.Dead(now.Add(12 * time.Second)) {
		t.Fatal("host not declared dead after silence")
	}
}

func TestHeartbeatCadence(t *testing.T) {
	now := time.Unix(0, 0)
	h := NewHeartbeat(2 * time.Second)

	if !h.Due(now) {
		t.Fatal("first heartbeat should be due")
	}
	if h.Due(now.Add(time.Second)) {
		t.Fatal("heartbeat early")
	}
	if !h.Due(now.Add(2 * time.Second)) {
		t.Fatal("heartbeat late")
	}
}

// TestSelfElectionAdoptsOwnState covers the host-departure scenario
// where the proposer outranks the other remaining peer, that peer never
// answers the state request, and the proposer proceeds with its own
// state.
func TestSelfElectionAdoptsOwnState(t *testing.T) {
	h := newHarness("a", 10*time.Second)
	h.candidates = []Candidate{
		{ID: "a", Quality: 1, Latency: 0.9}, // score 0.67
		{ID: "b", Quality: 0.6, Latency: 0.5},
	}
	now := time.Unix(0, 0)

	h.coord.HostLost("h", "host timeout", 1000, now)

	if h.paused != 1 {
		t.Fatal("migration must pause the game")
	}
	if len(h.broadcasts) == 0 {
		t.Fatal("no migration_announce broadcast")
	}
	ann, ok := h.broadcasts[0].(protocol.MigrationAnnounce)
	if !ok || ann.NewHost != "a" {
		t.Fatalf("expected self-election announce, got %+v", h.broadcasts[0])
	}

	// Peer b is asked for state first.
	if len(h.sends) != 1 || h.sends[0].to != "b" {
		t.Fatalf("expected state request to b, got %+v", h.sends)
	}

	// b never answers: 5s timeout falls through, no peers remain, the
	// coordinator proceeds with its own state and declares ready.
	h.coord.Tick(now.Add(6 * time.Second))

	var ready *protocol.HostReady
	for _, b := range h.broadcasts {
		if hr, ok := b.(protocol.HostReady); ok {
			ready = &hr
		}
	}
	if ready == nil || ready.Host != "a" {
		t.Fatalf("host_ready not broadcast: %+v", h.broadcasts)
	}
	if len(h.resumed) != 1 || h.resumed[0] != "a" {
		t.Fatalf("game not resumed under new host: %v", h.resumed)
	}
	if h.coord.Migrations() != 1 {
		t.Fatalf("hostChanges metric = %d, want 1", h.coord.Migrations())
	}
	if h.coord.SuccessRate() != 1 {
		t.Fatalf("success rate = %f", h.coord.SuccessRate())
	}
}

func TestStateTransferValidationFallsThrough(t *testing.T) {
	h := newHarness("a", 10*time.Second)
	h.candidates = []Candidate{
		{ID: "a", Quality: 1},
		{ID: "b", Quality: 0.9},
		{ID: "c", Quality: 0.8},
	}
	now := time.Unix(0, 0)

	h.coord.HostLost("h", "host timeout", 500, now)

	// b responds with a state that fails validation.
	h.loadErr = errors.New("checksum mismatch")
	req := h.sends[0].msg.(protocol.StateRequest)
	h.coord.HandleStateResponse("b", protocol.StateResponse{
		RequestID: req.RequestID, Frame: 500, OK: true, State: []byte{9},
	}, now)

	// The next candidate c is asked.
	if len(h.sends) != 2 || h.sends[1].to != "c" {
		t.Fatalf("expected fall-through to c, got %+v", h.sends)
	}

	// c's state validates.
	h.loadErr = nil
	req2 := h.sends[1].msg.(protocol.StateRequest)
	h.coord.HandleStateResponse("c", protocol.StateResponse{
		RequestID: req2.RequestID, Frame: 500, OK: true, State: []byte{7},
	}, now.Add(time.Second))

	if len(h.loaded) != 1 || h.loaded[0] != 500 {
		t.Fatalf("validated state not loaded: %v", h.loaded)
	}
	if len(h.resumed) != 1 {
		t.Fatal("migration did not complete")
	}
}

func TestFollowerAdoptsAnnouncedHost(t *testing.T) {
	h := newHarness("b", 10*time.Second)
	h.candidates = []Candidate{
		{ID: "a", Quality: 1},
		{ID: "b", Quality: 0.5},
	}
	now := time.Unix(0, 0)

	h.coord.HandleAnnounce("a", protocol.MigrationAnnounce{NewHost: "a", Reason: "host timeout", Frame: 700}, now)
	if h.paused != 1 {
		t.Fatal("follower must pause on announce")
	}

	h.coord.HandleHostReady("a", protocol.HostReady{Host: "a", Frame: 700})
	if len(h.resumed) != 1 || h.resumed[0] != "a" {
		t.Fatalf("follower did not resume under new host: %v", h.resumed)
	}
}

func TestHostReadyFromWrongHostIgnored(t *testing.T) {
	h := newHarness("b", 10*time.Second)
	now := time.Unix(0, 0)

	h.coord.HandleAnnounce("a", protocol.MigrationAnnounce{NewHost: "a", Frame: 700}, now)
	h.coord.HandleHostReady("x", protocol.HostReady{Host: "x", Frame: 700})
	if len(h.resumed) != 0 {
		t.Fatal("host_ready from non-announced host must be ignored")
	}
}

// TestRetriesExhaustThenFail uses a follower whose announced host
// never declares ready: three attempts with backoff, then the session
// is declared disconnected.
func TestRetriesExhaustThenFail(t *testing.T) {
	h := newHarness("b", 2*time.Second)
	h.candidates = []Candidate{{ID: "a", Quality: 1}, {ID: "b", Quality: 0.5}}
	now := time.Unix(0, 0)

	h.coord.HandleAnnounce("a", protocol.MigrationAnnounce{NewHost: "a", Frame: 100}, now)

	// Drive ticks through three attempt windows plus backoffs.
	deadline := now
	for i := 0; i < 200 && len(h.failures) == 0; i++ {
		deadline = deadline.Add(time.Second)
		h.coord.Tick(deadline)
	}
	if len(h.failures) == 0 {
		t.Fatal("migration never declared failed")
	}
	if h.coord.SuccessRate() != 0 {
		t.Fatalf("success rate should be 0, got %f", h.coord.SuccessRate())
	}
}

func TestStateRequestServedFromOwnSnapshot(t *testing.T) {
	h := newHarness("b", 10*time.Second)

	h.coord.HandleStateRequest("a", protocol.StateRequest{RequestID: 42, Latest: true})
	if len(h.sends) != 1 || h.sends[0].to != "a" {
		t.Fatalf("no response sent: %+v", h.sends)
	}
	resp := h.sends[0].msg.(protocol.StateResponse)
	if !resp.OK || resp.RequestID != 42 || resp.Frame != 1000 {
		t.Fatalf("bad state response: %+v", resp)
	}
}
