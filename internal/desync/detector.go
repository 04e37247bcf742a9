// Package desync detects simulation divergence between peers through
// the per-frame checksum exchange and drives the recovery ladder:
// rollback to agreement, targeted state resync, full resync.
package desync

import (
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/andersfylling/rollplay/internal/protocol"
)

// Method is one rung of the recovery ladder.
type Method uint8

const (
	MethodRollback Method = iota
	MethodStateResync
	MethodFullResync

	methodCount
)

func (m Method) String() string {
	switch m {
	case MethodRollback:
		return "rollback"
	case MethodStateResync:
		return "state-resync"
	case MethodFullResync:
		return "full-resync"
	}
	return "unknown"
}

// Resolution is the lifecycle state of a desync record.
type Resolution uint8

const (
	ResolutionNone Resolution = iota
	ResolutionPendingQuorum
	ResolutionTransient
	ResolutionAgreed
	ResolutionRemoteDiverged // we hold the majority version; minority recovers
	ResolutionRollbackTo
	ResolutionStateResync
	ResolutionFullResync
	ResolutionUnresolvable
)

// remoteChecksum is one peer's reported tuple for a frame.
type remoteChecksum struct {
	tuple protocol.ChecksumTuple
	at    time.Time
}

// Record tracks checksum agreement for one frame.
type Record struct {
	Frame              protocol.Frame
	Local              protocol.ChecksumTuple
	HasLocal           bool
	Remote             map[protocol.PlayerID]remoteChecksum
	FirstMismatchLevel protocol.ChecksumLevel
	Resolution         Resolution
	Method             Method // meaningful once a recovery method ran
}

// Recovery is the set of collaborators the detector drives. All three
// are required; the detector never holds nullable callbacks.
type Recovery interface {
	// RollbackTo asks the engine to restore the given frame and replay.
	RollbackTo(frame protocol.Frame) error
	// RequestPeerState asks one peer for its state at a frame.
	RequestPeerState(peer protocol.PlayerID, frame protocol.Frame)
	// RequestFullResync broadcasts a full-state request.
	RequestFullResync()
	// Unresolvable reports that every method was exhausted; the
	// session treats this as fatal.
	Unresolvable(frame protocol.Frame)
}

type methodStat struct {
	success int
	failure int
}

func (s methodStat) rate() float64 {
	total := s.success + s.failure
	if total == 0 {
		return 1
	}
	return float64(s.success) / float64(total)
}

// incident is an in-flight recovery for one frame.
type incident struct {
	frame  protocol.Frame
	method Method
}

const (
	historyBound = 128
	// minAttempts before the skip rule can disable a method.
	minAttempts = 4
	// skipThreshold is the success rate below which rollback recovery
	// is skipped in favor of a state resync.
	skipThreshold = 0.5
)

// Detector holds the checksum ladder state for every frame in the
// retained window.
type Detector struct {
	localID  protocol.PlayerID
	recovery Recovery
	// host reports the current session host for consensus tie-breaks.
	host func() (protocol.PlayerID, bool)
	log  *logrus.Entry

	records map[protocol.Frame]*Record
	history []*Record
	stats   [methodCount]methodStat

	active *incident

	desyncCount    uint64
	transientCount uint64
}

// New creates a detector. All collaborators are required.
func New(localID protocol.PlayerID, recovery Recovery, host func() (protocol.PlayerID, bool), log *logrus.Entry) *Detector {
	return &Detector{
		localID:  localID,
		recovery: recovery,
		host:     host,
		log:      log,
		records:  make(map[protocol.Frame]*Record),
	}
}

// RecordLocal stores the locally computed tuple for a frame. The
// engine calls it after every save, including re-saves during replay,
// so a post-recovery evaluation sees the replayed checksums.
func (d *Detector) RecordLocal(frame protocol.Frame, tuple protocol.ChecksumTuple) {
	r := d.record(frame)
	r.Local = tuple
	r.HasLocal = true
	d.evaluate(r)
}

// RecordRemote stores a peer's tuple for a frame. A second receipt for
// the same (peer, frame) replaces the stored value only when newer.
func (d *Detector) RecordRemote(peer protocol.PlayerID, frame protocol.Frame, tuple protocol.ChecksumTuple, at time.Time) {
	r := d.record(frame)
	if prev, ok := r.Remote[peer]; ok && !at.After(prev.at) {
		return
	}
	r.Remote[peer] = remoteChecksum{tuple: tuple, at: at}
	if d.active != nil && d.active.frame == frame && d.active.method == MethodRollback {
		// A pending rollback is judged on the replayed local checksums.
		return
	}
	d.evaluate(r)
}

// ResolveStateLoaded closes a targeted-resync incident: ok reports
// whether a validated peer state was loaded.
func (d *Detector) ResolveStateLoaded(frame protocol.Frame, ok bool) {
	if d.active == nil || d.active.frame != frame || d.active.method != MethodStateResync {
		return
	}
	if ok {
		d.closeIncident(frame, true)
		return
	}
	d.stats[MethodStateResync].failure++
	d.escalate(d.record(frame), MethodFullResync)
}

// ResolveFullResync closes a full-resync incident.
func (d *Detector) ResolveFullResync(ok bool) {
	if d.active == nil || d.active.method != MethodFullResync {
		return
	}
	frame := d.active.frame
	if ok {
		d.closeIncident(frame, true)
		return
	}
	d.stats[MethodFullResync].failure++
	r := d.record(frame)
	r.Resolution = ResolutionUnresolvable
	d.archive(r)
	d.active = nil
	d.recovery.Unresolvable(frame)
}

// Evict drops records below the retained window.
func (d *Detector) Evict(before protocol.Frame) {
	for f, r := range d.records {
		if f < before {
			if r.Resolution == ResolutionNone || r.Resolution == ResolutionPendingQuorum {
				r.Resolution = ResolutionAgreed
			}
			delete(d.records, f)
		}
	}
}

// DesyncCount returns the number of confirmed desyncs observed.
func (d *Detector) DesyncCount() uint64 {
	return d.desyncCount
}

// RecoverySuccessRate is the success fraction across all recovery
// methods.
func (d *Detector) RecoverySuccessRate() float64 {
	var success, total int
	for _, s := range d.stats {
		success += s.success
		total += s.success + s.failure
	}
	if total == 0 {
		return 1
	}
	return float64(success) / float64(total)
}

// MethodStats returns success/failure counts for one method.
func (d *Detector) MethodStats(m Method) (success, failure int) {
	return d.stats[m].success, d.stats[m].failure
}

// History returns the archived incident records, oldest first.
func (d *Detector) History() []*Record {
	return d.history
}

func (d *Detector) record(frame protocol.Frame) *Record {
	r, ok := d.records[frame]
	if !ok {
		r = &Record{
			Frame:  frame,
			Remote: make(map[protocol.PlayerID]remoteChecksum),
		}
		d.records[frame] = r
	}
	return r
}

// evaluate runs the classification algorithm once local and at least
// one remote tuple are present.
func (d *Detector) evaluate(r *Record) {
	if !r.HasLocal || len(r.Remote) == 0 {
		return
	}
	switch r.Resolution {
	case ResolutionNone, ResolutionPendingQuorum, ResolutionTransient, ResolutionAgreed, ResolutionRemoteDiverged:
		// Re-evaluable states.
	default:
		// A recovery is already running or archived for this frame.
		d.maybeCloseRollback(r)
		return
	}

	// Partition peers by agreement with the local tuple.
	agree := 0
	worstLevel := protocol.ChecksumLevels
	cheapOnly := true
	for _, rc := range r.Remote {
		lvl, mismatch := r.Local.FirstMismatch(rc.tuple)
		if !mismatch {
			agree++
			continue
		}
		if lvl < worstLevel {
			worstLevel = lvl
		}
		if lvl != protocol.ChecksumBasic {
			cheapOnly = false
		} else if _, deeper := deeperMismatch(r.Local, rc.tuple); deeper {
			cheapOnly = false
		}
	}

	if worstLevel == protocol.ChecksumLevels {
		r.Resolution = ResolutionAgreed
		return
	}
	r.FirstMismatchLevel = worstLevel

	// Transient: only the cheap level disagrees and at least two peers
	// agree with us.
	if cheapOnly && agree >= 2 {
		if r.Resolution != ResolutionTransient {
			d.transientCount++
		}
		r.Resolution = ResolutionTransient
		return
	}

	d.resolveConfirmed(r)
}

// deeperMismatch reports whether any level beyond basic disagrees.
func deeperMismatch(a, b protocol.ChecksumTuple) (protocol.ChecksumLevel, bool) {
	for l := protocol.ChecksumEnhanced; l < protocol.ChecksumLevels; l++ {
		av, okA := a.Level(l)
		bv, okB := b.Level(l)
		if okA && okB && av != bv {
			return l, true
		}
	}
	return 0, false
}

// resolveConfirmed applies the consensus rule and, when the local
// version lost, starts the recovery ladder.
func (d *Detector) resolveConfirmed(r *Record) {
	// Group every participant (local included) by its value at the
	// first mismatching level.
	lvl := r.FirstMismatchLevel
	groups := make(map[uint64][]protocol.PlayerID)
	localVal, _ := r.Local.Level(lvl)
	groups[localVal] = append(groups[localVal], d.localID)
	for id, rc := range r.Remote {
		v, ok := rc.tuple.Level(lvl)
		if !ok {
			continue
		}
		groups[v] = append(groups[v], id)
	}

	winner, tie := majority(groups)
	if tie {
		hostID, known := d.host()
		if !known {
			// Defer; the next checksum receipt re-evaluates.
			r.Resolution = ResolutionPendingQuorum
			return
		}
		winner = 0
		found := false
		for v, members := range groups {
			for _, m := range members {
				if m == hostID {
					winner = v
					found = true
				}
			}
		}
		if !found {
			r.Resolution = ResolutionPendingQuorum
			return
		}
	}

	if r.Resolution != ResolutionRemoteDiverged || localVal != winner {
		d.desyncCount++
	}

	if localVal == winner {
		// We hold the winning version; the diverged minority recovers
		// on its own. Record and move on.
		r.Resolution = ResolutionRemoteDiverged
		return
	}

	d.log.WithFields(logrus.Fields{
		"frame": r.Frame,
		"level": lvl.String(),
	}).Warn("confirmed desync, local state lost consensus")

	start := MethodRollback
	if s := d.stats[MethodRollback]; s.success+s.failure >= minAttempts && s.rate() < skipThreshold {
		start = MethodStateResync
	}
	d.escalate(r, start)
}

// escalate starts (or continues) the recovery ladder at the given
// method.
func (d *Detector) escalate(r *Record, m Method) {
	d.active = &incident{frame: r.Frame, method: m}
	r.Method = m

	switch m {
	case MethodRollback:
		target, ok := d.lastAgreedBefore(r.Frame)
		if !ok {
			d.escalate(r, MethodStateResync)
			return
		}
		r.Resolution = ResolutionRollbackTo
		if err := d.recovery.RollbackTo(target); err != nil {
			d.stats[MethodRollback].failure++
			d.escalate(r, MethodStateResync)
		}
		// Success is judged when the replayed checksums re-evaluate.
	case MethodStateResync:
		peer, ok := d.majorityPeer(r)
		if !ok {
			d.escalate(r, MethodFullResync)
			return
		}
		r.Resolution = ResolutionStateResync
		d.recovery.RequestPeerState(peer, r.Frame)
	case MethodFullResync:
		r.Resolution = ResolutionFullResync
		d.recovery.RequestFullResync()
	}
}

// maybeCloseRollback judges a pending rollback incident when fresh
// local checksums arrive for the incident frame.
func (d *Detector) maybeCloseRollback(r *Record) {
	if d.active == nil || d.active.frame != r.Frame || d.active.method != MethodRollback {
		return
	}
	if !r.HasLocal || len(r.Remote) == 0 {
		return
	}
	for _, rc := range r.Remote {
		if _, mismatch := r.Local.FirstMismatch(rc.tuple); mismatch {
			// Replay reproduced the divergence; move down the ladder.
			d.stats[MethodRollback].failure++
			d.escalate(r, MethodStateResync)
			return
		}
	}
	d.closeIncident(r.Frame, true)
}

func (d *Detector) closeIncident(frame protocol.Frame, ok bool) {
	if d.active == nil {
		return
	}
	m := d.active.method
	if ok {
		d.stats[m].success++
	} else {
		d.stats[m].failure++
	}
	r := d.record(frame)
	d.archive(r)
	d.active = nil

	d.log.WithFields(logrus.Fields{
		"frame":  frame,
		"method": m.String(),
		"ok":     ok,
	}).Info("desync incident closed")
}

func (d *Detector) archive(r *Record) {
	d.history = append(d.history, r)
	if len(d.history) > historyBound {
		d.history = d.history[1:]
	}
}

// lastAgreedBefore finds the greatest frame below the given one where
// the local version still matched a majority.
func (d *Detector) lastAgreedBefore(frame protocol.Frame) (protocol.Frame, bool) {
	frames := make([]protocol.Frame, 0, len(d.records))
	for f, r := range d.records {
		if f < frame && (r.Resolution == ResolutionAgreed || r.Resolution == ResolutionTransient) {
			frames = append(frames, f)
		}
	}
	if len(frames) == 0 {
		return 0, false
	}
	sort.Slice(frames, func(i, j int) bool { return frames[i] > frames[j] })
	return frames[0], true
}

// majorityPeer picks the peer to pull state from: the host when it
// holds the winning version, otherwise the lexicographically first
// member of the winning group.
func (d *Detector) majorityPeer(r *Record) (protocol.PlayerID, bool) {
	lvl := r.FirstMismatchLevel
	groups := make(map[uint64][]protocol.PlayerID)
	for id, rc := range r.Remote {
		if v, ok := rc.tuple.Level(lvl); ok {
			groups[v] = append(groups[v], id)
		}
	}
	localVal, _ := r.Local.Level(lvl)

	var best []protocol.PlayerID
	for v, members := range groups {
		if v == localVal {
			continue
		}
		if len(members) > len(best) {
			best = members
		}
	}
	if len(best) == 0 {
		return "", false
	}
	if hostID, known := d.host(); known {
		for _, m := range best {
			if m == hostID {
				return hostID, true
			}
		}
	}
	sort.Slice(best, func(i, j int) bool { return best[i] < best[j] })
	return best[0], true
}

// majority returns the value held by a strict majority of voters, or
// tie=true when no strict majority exists.
func majority(groups map[uint64][]protocol.PlayerID) (uint64, bool) {
	var bestVal uint64
	bestLen := -1
	tie := false
	for v, members := range groups {
		switch {
		case len(members) > bestLen:
			bestVal, bestLen, tie = v, len(members), false
		case len(members) == bestLen:
			tie = true
		}
	}
	return bestVal, tie
}
