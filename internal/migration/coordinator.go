package migration

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/andersfylling/rollplay/internal/protocol"
)

// Phase is the coordinator's state-machine position.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseBackoff
	PhaseAwaitingState // proposer pulling state from the best peer
	PhaseAwaitingReady // follower waiting for host_ready
)

const (
	maxAttempts     = 3
	stateReqTimeout = 5 * time.Second
	backoffStep     = time.Second // linear: 1s, 2s, 3s
)

// Ports are the coordinator's required collaborators. Construction
// fails upstream if any is missing; the coordinator itself assumes
// they are present.
type Ports struct {
	// Send and Broadcast go through the transport.
	Send      func(to protocol.PlayerID, msg protocol.Payload)
	Broadcast func(msg protocol.Payload)

	// PauseGame freezes rollback activity; ResumeGame restarts it
	// under the new host at the given frame.
	PauseGame  func()
	ResumeGame func(newHost protocol.PlayerID, frame protocol.Frame)

	// LoadState validates a transferred state against its checksum
	// tuple and loads it. An error rejects the candidate state.
	LoadState func(frame protocol.Frame, state []byte, checksums protocol.ChecksumTuple) error

	// OwnState returns the local latest snapshot for the fallback
	// where no peer can supply a validated state.
	OwnState func() (frame protocol.Frame, state []byte, checksums protocol.ChecksumTuple, ok bool)

	// Candidates ranks the current peers (local included) for host
	// duty, excluding the departed host.
	Candidates func(exclude protocol.PlayerID) []Candidate

	// Failed reports that migration was abandoned after all attempts;
	// the session declares itself disconnected.
	Failed func(reason string)
}

// Coordinator runs the host migration protocol. One instance lives
// per session; it is driven from the frame loop.
type Coordinator struct {
	localID protocol.PlayerID
	ports   Ports
	timeout time.Duration // per-attempt end-to-end cap
	log     *logrus.Entry

	phase     Phase
	reason    string
	oldHost   protocol.PlayerID
	newHost   protocol.PlayerID
	frame     protocol.Frame
	attempt   int
	deadline  time.Time // per-attempt cap or backoff expiry
	nextReqID uint64

	// State acquisition bookkeeping (proposer only).
	queue        []Candidate // peers still untried for state transfer
	pendingPeer  protocol.PlayerID
	pendingReq   uint64
	peerDeadline time.Time

	migrations uint64
	successes  uint64
	failures   uint64
}

// NewCoordinator creates the migration coordinator.
func NewCoordinator(localID protocol.PlayerID, timeout time.Duration, ports Ports, log *logrus.Entry) *Coordinator {
	return &Coordinator{
		localID: localID,
		timeout: timeout,
		ports:   ports,
		log:     log,
	}
}

// Phase returns the current state-machine position.
func (c *Coordinator) Phase() Phase {
	return c.phase
}

// Active reports whether a migration is in flight.
func (c *Coordinator) Active() bool {
	return c.phase != PhaseIdle
}

// Migrations returns the count of completed host changes.
func (c *Coordinator) Migrations() uint64 {
	return c.migrations
}

// SuccessRate is successes over started migrations.
func (c *Coordinator) SuccessRate() float64 {
	total := c.successes + c.failures
	if total == 0 {
		return 1
	}
	return float64(c.successes) / float64(total)
}

// HostLost starts a migration after the host at oldHost was declared
// dead or departed at the given frame. Any peer may detect; only the
// peer whose own candidate score ranks highest elects itself proposer.
// Everyone else pauses and waits for the announce.
func (c *Coordinator) HostLost(oldHost protocol.PlayerID, reason string, frame protocol.Frame, now time.Time) {
	if c.phase != PhaseIdle {
		return
	}
	ranked := Rank(c.ports.Candidates(oldHost))
	if len(ranked) == 0 {
		c.fail("no candidates for host migration")
		return
	}

	c.reason = reason
	c.oldHost = oldHost
	c.frame = frame
	c.attempt = 0

	if ranked[0].ID != c.localID {
		// The best candidate proposes; we pause and await its announce.
		c.ports.PauseGame()
		c.newHost = ranked[0].ID
		c.phase = PhaseAwaitingReady
		c.deadline = now.Add(c.timeout)
		return
	}

	c.ports.PauseGame()
	c.beginAttempt(now, ranked)
}

func (c *Coordinator) beginAttempt(now time.Time, ranked []Candidate) {
	c.attempt++
	c.newHost = c.localID
	c.phase = PhaseAwaitingState
	c.deadline = now.Add(c.timeout)

	c.log.WithFields(logrus.Fields{
		"attempt": c.attempt,
		"frame":   c.frame,
		"reason":  c.reason,
	}).Info("proposing host migration")

	c.ports.Broadcast(protocol.MigrationAnnounce{
		NewHost: c.localID,
		Reason:  c.reason,
		Frame:   c.frame,
	})

	// Pull state from the best remaining peer, then fall through the
	// ranking on failure.
	c.queue = c.queue[:0]
	for _, cand := range ranked {
		if cand.ID != c.localID {
			c.queue = append(c.queue, cand)
		}
	}
	c.requestNextPeer(now)
}

func (c *Coordinator) requestNextPeer(now time.Time) {
	if len(c.queue) == 0 {
		c.adoptOwnState()
		return
	}
	next := c.queue[0]
	c.queue = c.queue[1:]
	c.nextReqID++
	c.pendingPeer = next.ID
	c.pendingReq = c.nextReqID
	c.peerDeadline = now.Add(stateReqTimeout)
	c.ports.Send(next.ID, protocol.StateRequest{
		RequestID: c.pendingReq,
		Latest:    true,
	})
}

// adoptOwnState completes the migration using the local snapshot when
// every peer failed to supply a validated state.
func (c *Coordinator) adoptOwnState() {
	if frame, _, _, ok := c.ports.OwnState(); ok && frame > 0 {
		c.frame = frame
	}
	c.becomeHost()
}

func (c *Coordinator) becomeHost() {
	c.ports.Broadcast(protocol.HostReady{Host: c.localID, Frame: c.frame})
	c.finish(c.localID)
}

func (c *Coordinator) finish(newHost protocol.PlayerID) {
	c.phase = PhaseIdle
	c.pendingPeer = ""
	c.migrations++
	c.successes++
	c.log.WithFields(logrus.Fields{
		"host":  newHost,
		"frame": c.frame,
	}).Info("host migration complete")
	c.ports.ResumeGame(newHost, c.frame)
}

func (c *Coordinator) fail(reason string) {
	c.phase = PhaseIdle
	c.failures++
	c.log.WithField("reason", reason).Error("host migration failed")
	c.ports.Failed(reason)
}

// HandleAnnounce processes a migration announcement from a peer.
func (c *Coordinator) HandleAnnounce(from protocol.PlayerID, ann protocol.MigrationAnnounce, now time.Time) {
	switch c.phase {
	case PhaseIdle:
		c.ports.PauseGame()
	case PhaseAwaitingState:
		// Competing proposer. The better candidate id wins; a proposer
		// that loses steps down and follows.
		if ann.NewHost >= c.localID {
			return
		}
	case PhaseAwaitingReady, PhaseBackoff:
		// Adopt the most recent announce.
	}
	c.oldHost = ""
	c.newHost = ann.NewHost
	c.frame = ann.Frame
	c.reason = ann.Reason
	c.phase = PhaseAwaitingReady
	c.deadline = now.Add(c.timeout)
}

// HandleHostReady processes the cut-over message. The session buffers
// host_ready messages that arrive before their announce.
func (c *Coordinator) HandleHostReady(from protocol.PlayerID, hr protocol.HostReady) {
	if c.phase != PhaseAwaitingReady || hr.Host != c.newHost {
		return
	}
	c.frame = hr.Frame
	c.finish(hr.Host)
}

// HandleStateRequest serves a peer pulling state during its migration.
func (c *Coordinator) HandleStateRequest(from protocol.PlayerID, req protocol.StateRequest) {
	frame, state, checksums, ok := c.ports.OwnState()
	resp := protocol.StateResponse{RequestID: req.RequestID, OK: ok}
	if ok {
		resp.Frame = frame
		resp.State = state
		resp.Checksums = checksums
	}
	c.ports.Send(from, resp)
}

// HandleStateResponse processes a state transfer answer while
// proposing.
func (c *Coordinator) HandleStateResponse(from protocol.PlayerID, resp protocol.StateResponse, now time.Time) {
	if c.phase != PhaseAwaitingState || from != c.pendingPeer || resp.RequestID != c.pendingReq {
		return
	}
	if resp.OK {
		if err := c.ports.LoadState(resp.Frame, resp.State, resp.Checksums); err == nil {
			c.frame = resp.Frame
			c.becomeHost()
			return
		}
		c.log.WithField("peer", from).Warn("transferred state failed validation")
	}
	c.requestNextPeer(now)
}

// Tick drives timeouts and retries. Call once per frame-loop tick.
func (c *Coordinator) Tick(now time.Time) {
	switch c.phase {
	case PhaseIdle:
		return
	case PhaseBackoff:
		if now.Before(c.deadline) {
			return
		}
		ranked := Rank(c.ports.Candidates(c.oldHost))
		if len(ranked) == 0 || ranked[0].ID != c.localID {
			// Membership shifted during backoff; follow the new best.
			if len(ranked) == 0 {
				c.fail("no candidates for host migration")
				return
			}
			c.newHost = ranked[0].ID
			c.phase = PhaseAwaitingReady
			c.deadline = now.Add(c.timeout)
			return
		}
		c.beginAttempt(now, ranked)
	case PhaseAwaitingState:
		if c.pendingPeer != "" && !now.Before(c.peerDeadline) {
			c.log.WithField("peer", c.pendingPeer).Warn("state request timed out")
			c.pendingPeer = ""
			c.requestNextPeer(now)
		}
		if !now.Before(c.deadline) {
			c.retryOrFail(now)
		}
	case PhaseAwaitingReady:
		if !now.Before(c.deadline) {
			c.retryOrFail(now)
		}
	}
}

func (c *Coordinator) retryOrFail(now time.Time) {
	if c.attempt >= maxAttempts {
		c.fail("migration attempts exhausted")
		return
	}
	if c.phase == PhaseAwaitingReady {
		// A follower whose proposer went silent burns an attempt and
		// re-ranks after backoff; it may take over as proposer.
		c.attempt++
	}
	c.phase = PhaseBackoff
	c.deadline = now.Add(time.Duration(c.attempt) * backoffStep)
}
