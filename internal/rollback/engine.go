// Package rollback drives the simulation core frame by frame:
// predicting missing inputs, detecting input corrections, rolling back
// and re-simulating when predictions were wrong.
package rollback

import (
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/andersfylling/rollplay/internal/input"
	"github.com/andersfylling/rollplay/internal/optimize"
	"github.com/andersfylling/rollplay/internal/protocol"
	"github.com/andersfylling/rollplay/internal/snapshot"
)

// PlayerInput is one player's input for a frame. Advance receives the
// full tuple sorted by player id so the simulation sees a fixed order.
type PlayerInput struct {
	Player protocol.PlayerID
	Input  protocol.Input
}

// Simulation is the contract the external simulation core fulfills.
// Advance must be total and deterministic: identical state and inputs
// produce byte-identical results on every platform in the session.
type Simulation interface {
	SaveState() []byte
	LoadState(state []byte) error
	Advance(inputs []PlayerInput)
	// Checksum returns the hash at one ladder level; ok is false when
	// the level is not provided (typically native).
	Checksum(level protocol.ChecksumLevel) (uint64, bool)
	Pause()
	Resume()
}

// State is the engine lifecycle position. Rollback is not a state; it
// is a substep within Running or Stalled.
type State uint8

const (
	StateStopped State = iota
	StateRunning
	StateStalled
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStalled:
		return "stalled"
	}
	return "stopped"
}

// Config carries the engine tunables.
type Config struct {
	LocalID             protocol.PlayerID
	InputDelayFrames    protocol.Frame
	MaxPredictionFrames protocol.Frame
	MaxRollbackFrames   protocol.Frame
	DeepChecksumEvery   protocol.Frame
	SyncTestEvery       protocol.Frame
}

// Deps are the engine's required collaborators. New fails if any is
// missing rather than carrying nullable callbacks.
type Deps struct {
	Sim       Simulation
	Inputs    *input.Ring
	Snapshots *snapshot.Ring
	Optimizer *optimize.Optimizer

	// OnSync fires after each save with the frame's checksum tuple;
	// the session records it locally and broadcasts the sync test.
	OnSync func(frame protocol.Frame, checksums protocol.ChecksumTuple)
	// OnFrame fires with the raw state after forward simulation of a
	// frame (and at the replay stride during rollback replay).
	OnFrame func(frame protocol.Frame, state []byte)
	// ReplayStride supplies the optimizer's every-k-th-frame advice
	// for bookkeeping during replay.
	ReplayStride func() int

	Log *logrus.Entry
}

// Metrics is the engine's observable state, exposed through the
// façade status report.
type Metrics struct {
	CurrentFrame     protocol.Frame
	ConfirmedFrame   protocol.Frame
	State            State
	RollbackCount    uint64
	AvgRollbackDepth float64
	PredictionCount  uint64
	StallCount       uint64
}

// ErrStopped is returned by operations on a stopped engine.
var ErrStopped = errors.New("engine is stopped")

// ErrTooDeep is returned when a rollback would exceed the configured
// window. The correction is rejected; if real divergence follows, the
// desync ladder recovers it.
var ErrTooDeep = errors.New("rollback exceeds window")

// Engine owns the frame pipeline.
type Engine struct {
	cfg  Config
	deps Deps

	state   State
	current protocol.Frame

	// pendingRollback is the lowest corrected frame awaiting a
	// rollback, or 0 when none (frame 0 is never corrected).
	pendingRollback protocol.Frame

	rollbackCount uint64
	rollbackDepth uint64
	predictions   uint64
	stalls        uint64

	fatal error
}

// New creates an engine. All collaborators are required.
func New(cfg Config, deps Deps) (*Engine, error) {
	switch {
	case deps.Sim == nil:
		return nil, errors.New("rollback: Sim is required")
	case deps.Inputs == nil:
		return nil, errors.New("rollback: Inputs is required")
	case deps.Snapshots == nil:
		return nil, errors.New("rollback: Snapshots is required")
	case deps.Optimizer == nil:
		return nil, errors.New("rollback: Optimizer is required")
	case deps.OnSync == nil:
		return nil, errors.New("rollback: OnSync is required")
	case deps.OnFrame == nil:
		return nil, errors.New("rollback: OnFrame is required")
	case deps.ReplayStride == nil:
		return nil, errors.New("rollback: ReplayStride is required")
	case deps.Log == nil:
		return nil, errors.New("rollback: Log is required")
	}
	if cfg.SyncTestEvery == 0 {
		cfg.SyncTestEvery = 1
	}
	if cfg.DeepChecksumEvery == 0 {
		cfg.DeepChecksumEvery = 30
	}
	return &Engine{cfg: cfg, deps: deps}, nil
}

// Start saves the initial state as frame 0 and begins running. The
// first inputDelay−1 frames are implicitly empty for every player:
// with delayed submission nobody ever produces inputs for them.
func (e *Engine) Start() {
	e.state = StateRunning
	e.current = 0
	if e.cfg.InputDelayFrames > 1 {
		for _, p := range e.deps.Inputs.Players() {
			e.deps.Inputs.SetBaseline(p, e.cfg.InputDelayFrames-1)
		}
	}
	state := e.deps.Sim.SaveState()
	e.deps.Optimizer.SaveCompressed(e.deps.Snapshots, 0, state, e.checksums(0))
}

// Stop halts the engine.
func (e *Engine) Stop() {
	e.state = StateStopped
}

// Err returns the fatal error that stopped the engine, if any.
func (e *Engine) Err() error {
	return e.fatal
}

// CurrentFrame returns the latest simulated frame.
func (e *Engine) CurrentFrame() protocol.Frame {
	return e.current
}

// ConfirmedFrame is the greatest frame with authoritative inputs from
// every player, clamped to the simulated horizon.
func (e *Engine) ConfirmedFrame() protocol.Frame {
	c := e.deps.Inputs.ConfirmedFrame()
	if c > e.current {
		return e.current
	}
	return c
}

// Stalled reports whether the prediction window is exhausted.
func (e *Engine) Stalled() bool {
	return e.state == StateStalled
}

// AddLocalInput enqueues the local input under the configured input
// delay and returns the frame it was scheduled for, so the session can
// forward it to the peers.
func (e *Engine) AddLocalInput(in protocol.Input, now time.Time) (protocol.Frame, error) {
	if e.state == StateStopped {
		return 0, ErrStopped
	}
	frame := e.current + e.cfg.InputDelayFrames
	if frame <= e.current {
		frame = e.current + 1
	}
	corr, err := e.deps.Inputs.Put(e.cfg.LocalID, frame, in, now)
	if err != nil {
		return 0, err
	}
	if corr != nil {
		// Local inputs are single-writer; a correction here means two
		// submissions raced for one frame. Honor the newest.
		e.scheduleRollback(corr.Frame)
	}
	return frame, nil
}

// ReceiveRemoteInput applies a remote input. A correction for an
// already-simulated frame schedules a rollback on the next tick.
func (e *Engine) ReceiveRemoteInput(player protocol.PlayerID, frame protocol.Frame, in protocol.Input, now time.Time) error {
	if e.state == StateStopped {
		return ErrStopped
	}
	corr, err := e.deps.Inputs.Put(player, frame, in, now)
	if err != nil {
		return err
	}
	if corr != nil && corr.Frame <= e.current {
		e.scheduleRollback(corr.Frame)
	}
	return nil
}

func (e *Engine) scheduleRollback(frame protocol.Frame) {
	if e.pendingRollback == 0 || frame < e.pendingRollback {
		e.pendingRollback = frame
	}
}

// Tick runs the frame pipeline once: settle any pending rollback,
// then advance a single frame unless the prediction window is
// exhausted.
func (e *Engine) Tick(now time.Time) {
	if e.state == StateStopped {
		return
	}

	if c := e.pendingRollback; c != 0 && c <= e.current {
		e.pendingRollback = 0
		if err := e.rollbackAndReplay(c-1, now); err != nil {
			if !errors.Is(err, ErrTooDeep) {
				e.fail(err)
				return
			}
			e.deps.Log.WithError(err).Warn("correction rejected")
		}
	} else {
		e.pendingRollback = 0
	}

	// Prediction window check: refuse to extend speculation past the
	// bound; the clock keeps ticking but this tick is a no-op.
	if e.current-e.ConfirmedFrame() >= e.cfg.MaxPredictionFrames {
		if e.state != StateStalled {
			e.stalls++
			e.deps.Log.WithFields(logrus.Fields{
				"frame":     e.current,
				"confirmed": e.ConfirmedFrame(),
			}).Debug("prediction window exhausted, stalling")
		}
		e.state = StateStalled
		return
	}
	e.state = StateRunning

	if err := e.advanceFrame(now, true); err != nil {
		e.fail(err)
	}
}

// RollbackTo restores the given frame and replays to the previous
// horizon with the inputs now in the ring. The desync detector drives
// it for rollback-to-agreement recovery.
func (e *Engine) RollbackTo(frame protocol.Frame, now time.Time) error {
	if e.state == StateStopped {
		return ErrStopped
	}
	if frame >= e.current {
		return nil
	}
	if err := e.rollbackAndReplay(frame, now); err != nil {
		e.fail(err)
		return err
	}
	return nil
}

// AdoptState loads an externally supplied state, validating it against
// its checksum tuple. With resetRing it performs the full-resync
// bookkeeping: history is dropped and the session resumes at the
// adopted frame.
func (e *Engine) AdoptState(frame protocol.Frame, state []byte, checksums protocol.ChecksumTuple, resetRing bool) error {
	prior := e.deps.Sim.SaveState()
	if err := e.deps.Sim.LoadState(state); err != nil {
		return errors.Wrap(err, "loading transferred state")
	}
	computed := e.checksums(frame)
	if lvl, mismatch := computed.FirstMismatch(checksums); mismatch {
		// Roll the simulation back to what it held before the
		// rejected transfer.
		if restoreErr := e.deps.Sim.LoadState(prior); restoreErr != nil {
			e.fail(errors.Wrap(restoreErr, "restoring state after rejected transfer"))
		}
		return errors.Errorf("transferred state fails %s checksum validation", lvl)
	}

	if resetRing {
		e.deps.Snapshots.Reset()
		e.deps.Inputs.Reset(frame)
	} else {
		e.deps.Snapshots.DropFrom(frame)
	}
	e.deps.Optimizer.SaveCompressed(e.deps.Snapshots, frame, state, computed)
	e.current = frame
	e.pendingRollback = 0
	if e.state == StateStalled {
		e.state = StateRunning
	}
	return nil
}

// RealignTo snaps the engine to an exact frame after a migration
// cut-over, dropping any speculation past it. A peer without a
// snapshot at that frame keeps its position; the divergence, if any,
// is the desync detector's to find.
func (e *Engine) RealignTo(frame protocol.Frame) error {
	if e.current == frame {
		return nil
	}
	snap, err := e.deps.Snapshots.Load(frame)
	if err != nil {
		return err
	}
	raw, err := e.deps.Optimizer.Materialize(e.deps.Snapshots, snap.Frame)
	if err != nil {
		return err
	}
	if err := e.deps.Sim.LoadState(raw); err != nil {
		return errors.Wrap(err, "restoring snapshot")
	}
	e.deps.Snapshots.DropFrom(frame + 1)
	e.current = frame
	e.pendingRollback = 0
	if e.state == StateStalled {
		e.state = StateRunning
	}
	return nil
}

// Metrics returns the engine's observable counters.
func (e *Engine) Metrics() Metrics {
	m := Metrics{
		CurrentFrame:    e.current,
		ConfirmedFrame:  e.ConfirmedFrame(),
		State:           e.state,
		RollbackCount:   e.rollbackCount,
		PredictionCount: e.predictions,
		StallCount:      e.stalls,
	}
	if e.rollbackCount > 0 {
		m.AvgRollbackDepth = float64(e.rollbackDepth) / float64(e.rollbackCount)
	}
	return m
}

// rollbackAndReplay restores the nearest snapshot at or below target,
// drops invalidated history, and re-simulates to the prior horizon
// with now-authoritative inputs. One metric entry covers the whole
// rollback.
func (e *Engine) rollbackAndReplay(target protocol.Frame, now time.Time) error {
	prior := e.current
	depth := prior - target
	// A correction at frame C restores C−1 and re-simulates depth =
	// prior−C+1 frames; exactly MaxRollbackFrames of misprediction is
	// still honored.
	if depth > e.cfg.MaxRollbackFrames+1 {
		return errors.Wrapf(ErrTooDeep, "depth %d, limit %d", depth, e.cfg.MaxRollbackFrames)
	}

	snap, err := e.deps.Snapshots.FindNearest(target)
	if err != nil {
		return errors.Wrapf(err, "no snapshot at or below frame %d", target)
	}
	raw, err := e.deps.Optimizer.Materialize(e.deps.Snapshots, snap.Frame)
	if err != nil {
		return errors.Wrapf(err, "materializing snapshot %d", snap.Frame)
	}
	if err := e.deps.Sim.LoadState(raw); err != nil {
		return errors.Wrap(err, "restoring snapshot")
	}

	e.deps.Snapshots.DropFrom(snap.Frame + 1)
	e.current = snap.Frame

	stride := e.deps.ReplayStride()
	if stride < 1 {
		stride = 1
	}
	for e.current < prior {
		last := e.current+1 == prior
		book := last || (e.current+1-snap.Frame)%protocol.Frame(stride) == 0
		if err := e.replayFrame(now, book); err != nil {
			return err
		}
	}

	e.rollbackCount++
	e.rollbackDepth += uint64(depth)
	return nil
}

// advanceFrame simulates one frame forward with full bookkeeping.
func (e *Engine) advanceFrame(now time.Time, book bool) (err error) {
	defer func() {
		// Advance is contractually total; a panic is session-fatal.
		if r := recover(); r != nil {
			err = errors.Errorf("simulation advance panicked: %v", r)
		}
	}()

	frame := e.current + 1
	inputs := e.gatherInputs(frame, now)
	e.deps.Sim.Advance(inputs)
	e.current = frame

	if !book {
		return nil
	}

	state := e.deps.Sim.SaveState()
	checksums := e.checksums(frame)
	e.deps.Optimizer.SaveCompressed(e.deps.Snapshots, frame, state, checksums)

	if frame%e.cfg.SyncTestEvery == 0 {
		e.deps.OnSync(frame, checksums)
	}
	e.deps.OnFrame(frame, state)
	return nil
}

func (e *Engine) replayFrame(now time.Time, book bool) error {
	return e.advanceFrame(now, book)
}

// gatherInputs builds the input tuple for a frame in fixed player-id
// order, recording predictions for later correction checks.
func (e *Engine) gatherInputs(frame protocol.Frame, now time.Time) []PlayerInput {
	players := e.deps.Inputs.Players()
	sort.Slice(players, func(i, j int) bool { return players[i] < players[j] })

	inputs := make([]PlayerInput, 0, len(players))
	for _, id := range players {
		in, predicted := e.deps.Inputs.Get(id, frame)
		if predicted {
			e.deps.Inputs.PutPredicted(id, frame, in, now)
			e.predictions++
		}
		inputs = append(inputs, PlayerInput{Player: id, Input: in})
	}
	return inputs
}

// checksums computes the ladder for the current simulation state.
// Deep (and native, when provided) run on the sparse schedule.
func (e *Engine) checksums(frame protocol.Frame) protocol.ChecksumTuple {
	var t protocol.ChecksumTuple
	t.Basic, _ = e.deps.Sim.Checksum(protocol.ChecksumBasic)
	t.Enhanced, _ = e.deps.Sim.Checksum(protocol.ChecksumEnhanced)
	if frame%e.cfg.DeepChecksumEvery == 0 {
		if v, ok := e.deps.Sim.Checksum(protocol.ChecksumDeep); ok {
			t.Deep = v
			t.HasDeep = true
		}
		if v, ok := e.deps.Sim.Checksum(protocol.ChecksumNative); ok {
			t.Native = v
			t.HasNative = true
		}
	}
	return t
}

func (e *Engine) fail(err error) {
	e.fatal = err
	e.state = StateStopped
	e.deps.Log.WithError(err).Error("engine stopped on fatal error")
}
