// Package session is the integration layer: it composes the clock,
// rollback engine, desync detector, host migration, diagnostics, and
// optimizer into the single façade a game consumes.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/andersfylling/rollplay/internal/clock"
	"github.com/andersfylling/rollplay/internal/desync"
	"github.com/andersfylling/rollplay/internal/diagnostics"
	"github.com/andersfylling/rollplay/internal/input"
	"github.com/andersfylling/rollplay/internal/migration"
	"github.com/andersfylling/rollplay/internal/optimize"
	"github.com/andersfylling/rollplay/internal/protocol"
	"github.com/andersfylling/rollplay/internal/rollback"
	"github.com/andersfylling/rollplay/internal/snapshot"
	"github.com/andersfylling/rollplay/internal/transport"
)

// Programmer errors surface fast with a clear kind.
var (
	ErrAlreadyStarted  = errors.New("session already started")
	ErrNotStarted      = errors.New("session not started")
	ErrDuplicatePlayer = errors.New("player id already present")
	ErrUnknownPlayer   = errors.New("unknown player id")
)

// Deps are the session's required external collaborators.
type Deps struct {
	Transport transport.Transport
	Sim       rollback.Simulation
	// Log is optional; a discard-free default logger is used when nil.
	Log *logrus.Logger
}

type playerState struct {
	info PlayerInfo
}

// pendingResync tracks an outstanding desync state request.
type pendingResync struct {
	active   bool
	id       uint64
	frame    protocol.Frame
	full     bool
	deadline time.Time
	peer     protocol.PlayerID
}

type bufferedReady struct {
	msg      protocol.HostReady
	deadline time.Time
}

// Session owns one runtime instance. All subsystem state is confined
// here; multiple sessions can run in one process.
type Session struct {
	cfg Config
	log *logrus.Entry

	id      string
	localID protocol.PlayerID
	hostID  protocol.PlayerID

	transportLayer transport.Transport
	sim            rollback.Simulation
	inbox          *transport.Inbox

	clock    *clock.FixedStep
	inputs   *input.Ring
	snaps    *snapshot.Ring
	opt      *optimize.Optimizer
	engine   *rollback.Engine
	detector *desync.Detector
	diag     *diagnostics.Tracker
	migrator *migration.Coordinator
	monitor  *migration.Monitor
	beat     *migration.Heartbeat

	players map[protocol.PlayerID]*playerState

	started  bool
	running  bool
	paused   bool
	shutdown bool

	now          time.Time
	armMonitor   bool
	resumeFrame  protocol.Frame
	queuedInputs []transport.Envelope
	readyBuffer  []bufferedReady
	resync       pendingResync
	nextReqID    uint64

	wasStalled bool

	inputLatencyTotal time.Duration
	inputLatencyCount uint64

	fpsWindowStart time.Time
	fpsWindowTicks int
	measuredFPS    float64

	onFrame func(frame protocol.Frame, state []byte)
	onEvent func(Event)

	stats Stats

	runMu     sync.Mutex
	runCancel context.CancelFunc
	runDone   chan struct{}
}

// New composes a session. Construction fails if a required
// collaborator is missing.
func New(cfg Config, deps Deps) (*Session, error) {
	if deps.Transport == nil {
		return nil, errors.New("session: Transport is required")
	}
	if deps.Sim == nil {
		return nil, errors.New("session: Sim is required")
	}
	logger := deps.Log
	if logger == nil {
		logger = logrus.New()
	}

	cfg = cfg.Normalize()

	s := &Session{
		cfg:            cfg,
		transportLayer: deps.Transport,
		sim:            deps.Sim,
		inbox:          transport.NewInbox(cfg.InboxCapacity),
		clock:          clock.NewFixedStep(cfg.FrameRateHz),
		inputs:         input.NewRing(protocol.Frame(cfg.SnapshotRingSize)),
		snaps:          snapshot.NewRing(cfg.SnapshotRingSize),
		players:        make(map[protocol.PlayerID]*playerState),
		measuredFPS:    float64(cfg.FrameRateHz),
		monitor:        migration.NewMonitor(cfg.HostTimeout),
		beat:           migration.NewHeartbeat(cfg.HostHeartbeatInterval),
	}
	s.id = newIDGenerator(time.Now().UnixNano()).Generate()
	s.log = logger.WithFields(logrus.Fields{
		"component": "session",
		"session":   s.id,
	})

	s.opt = optimize.New(optimize.Config{
		DeltaEnabled:      cfg.DeltaCompressionEnabled,
		CompressThreshold: cfg.CompressionThreshold,
		MaxBatchBytes:     cfg.MaxBatchBytes,
		MaxBatchAge:       cfg.MaxBatchAge,
		FrameSkipCap:      cfg.FrameSkipCap,
		StatePoolSize:     cfg.StatePoolSize,
	})

	s.diag = diagnostics.NewTracker(diagnostics.Config{
		PingInterval:          cfg.PingInterval,
		BandwidthTestInterval: cfg.BandwidthTestInterval,
		LatencyThreshold:      cfg.LatencyThreshold,
		JitterThreshold:       cfg.JitterThreshold,
		LossThreshold:         cfg.LossThreshold,
	})
	s.diag.OnGradeChange(func(peer protocol.PlayerID, old, new diagnostics.Grade) {
		// Batching engages below Good; Excellent and Good flush
		// immediately.
		worst := diagnostics.GradeExcellent
		for id := range s.players {
			if id == s.localID {
				continue
			}
			if g := s.diag.Grade(id); g != diagnostics.GradeUnknown && g < worst {
				worst = g
			}
		}
		s.opt.Batcher().SetImmediate(worst >= diagnostics.GradeGood)
		if p, ok := s.players[peer]; ok {
			p.info.Quality = new
		}
	})

	return s, nil
}

// StartAsHost boots the session with the local player as host.
func (s *Session) StartAsHost(localID protocol.PlayerID) error {
	return s.start(localID, localID)
}

// JoinAsClient boots the session as a client of an existing host. The
// host is registered as a remote player.
func (s *Session) JoinAsClient(localID, hostID protocol.PlayerID) error {
	if err := s.start(localID, hostID); err != nil {
		return err
	}
	return s.AddPlayer(hostID, PlayerInfo{ID: hostID, IsHost: true})
}

func (s *Session) start(localID, hostID protocol.PlayerID) error {
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true
	s.running = true
	s.localID = localID
	s.hostID = hostID
	s.stats.SessionsStarted++

	engine, err := rollback.New(rollback.Config{
		LocalID:             localID,
		InputDelayFrames:    protocol.Frame(s.cfg.InputDelayFrames),
		MaxPredictionFrames: protocol.Frame(s.cfg.MaxPredictionFrames),
		MaxRollbackFrames:   protocol.Frame(s.cfg.MaxRollbackFrames),
		DeepChecksumEvery:   protocol.Frame(s.cfg.DeepChecksumEveryFrames),
		SyncTestEvery:       protocol.Frame(s.cfg.SyncTestEveryFrames),
	}, rollback.Deps{
		Sim:       s.sim,
		Inputs:    s.inputs,
		Snapshots: s.snaps,
		Optimizer: s.opt,
		OnSync:    s.onLocalSync,
		OnFrame: func(frame protocol.Frame, state []byte) {
			if s.onFrame != nil {
				s.onFrame(frame, state)
			}
		},
		ReplayStride: func() int {
			return s.opt.ReplayStride(s.worstPeerScore())
		},
		Log: s.log.WithField("component", "rollback"),
	})
	if err != nil {
		return err
	}
	s.engine = engine

	s.detector = desync.New(
		localID,
		&recoveryPort{s: s},
		func() (protocol.PlayerID, bool) { return s.hostID, s.hostID != "" },
		s.log.WithField("component", "desync"),
	)

	s.migrator = migration.NewCoordinator(localID, s.cfg.MigrationTimeout, migration.Ports{
		Send: func(to protocol.PlayerID, msg protocol.Payload) {
			s.transportLayer.SendToPeer(to, msg)
		},
		Broadcast: func(msg protocol.Payload) {
			s.transportLayer.Broadcast(msg)
		},
		PauseGame:  s.pauseGame,
		ResumeGame: s.resumeGame,
		LoadState: func(frame protocol.Frame, state []byte, checksums protocol.ChecksumTuple) error {
			return s.engine.AdoptState(frame, state, checksums, true)
		},
		OwnState:   s.ownLatestState,
		Candidates: s.candidates,
		Failed: func(reason string) {
			s.fatal(&FatalError{Kind: FatalMigrationFailed, Frame: s.engine.CurrentFrame(), Detail: reason})
		},
	}, s.log.WithField("component", "migration"))

	// Transport callbacks run on transport goroutines; they hand off
	// through the inbox and return.
	s.transportLayer.SetReceiver(func(from protocol.PlayerID, msg protocol.Payload) {
		s.inbox.Push(from, msg)
	})
	s.transportLayer.OnPeerDisconnected(func(peer protocol.PlayerID) {
		s.inbox.Push(peer, protocol.PeerBye{Player: peer})
	})
	s.transportLayer.OnPeerConnected(func(peer protocol.PlayerID) {
		s.inbox.Push(peer, protocol.PeerHello{Version: protocol.ProtocolVersion, Player: peer})
	})

	if err := s.addLocalPlayer(localID, localID == hostID); err != nil {
		return err
	}

	if localID == hostID {
		s.monitor.Disarm()
	} else {
		// Armed on the first Step so the monitor runs on frame-loop
		// time, not construction time.
		s.armMonitor = true
	}

	s.engine.Start()
	s.log.WithFields(logrus.Fields{
		"local": localID,
		"host":  hostID,
	}).Info("session started")
	return nil
}

func (s *Session) addLocalPlayer(id protocol.PlayerID, isHost bool) error {
	if _, ok := s.players[id]; ok {
		return ErrDuplicatePlayer
	}
	s.inputs.AddPlayer(id)
	s.players[id] = &playerState{info: PlayerInfo{
		ID:         id,
		Local:      true,
		IsHost:     isHost,
		InputDelay: s.cfg.InputDelayFrames,
	}}
	return nil
}

// AddPlayer registers a remote player.
func (s *Session) AddPlayer(id protocol.PlayerID, info PlayerInfo) error {
	if !s.started {
		return ErrNotStarted
	}
	if _, ok := s.players[id]; ok {
		return ErrDuplicatePlayer
	}
	info.ID = id
	info.Local = false
	s.players[id] = &playerState{info: info}
	s.inputs.AddPlayer(id)
	if s.cfg.InputDelayFrames > 1 {
		s.inputs.SetBaseline(id, protocol.Frame(s.cfg.InputDelayFrames)-1)
	}
	s.diag.AddPeer(id, s.currentTime())
	s.emit(Event{Kind: EventPeerJoined, Peer: id})
	return nil
}

// RemovePlayer unregisters a player. Removing the host starts a
// migration instead of silently orphaning the session.
func (s *Session) RemovePlayer(id protocol.PlayerID) error {
	if !s.started {
		return ErrNotStarted
	}
	if _, ok := s.players[id]; !ok {
		return ErrUnknownPlayer
	}
	wasHost := id == s.hostID
	delete(s.players, id)
	s.inputs.RemovePlayer(id)
	s.diag.RemovePeer(id)
	s.emit(Event{Kind: EventPeerLeft, Peer: id})

	if wasHost && id != s.localID {
		s.hostID = ""
		s.monitor.Disarm()
		s.emit(Event{Kind: EventMigrationStarted, Peer: id, Frame: s.engine.CurrentFrame()})
		s.migrator.HostLost(id, "host left", s.engine.CurrentFrame(), s.currentTime())
	}
	return nil
}

// SendLocalInput submits the local player's input for the next
// delayed frame and forwards it to the peers, batched by the
// optimizer.
func (s *Session) SendLocalInput(in protocol.Input) error {
	if !s.started {
		return ErrNotStarted
	}
	if s.paused || !s.running {
		return nil // frozen during migration; local inputs are skipped
	}
	now := s.currentTime()
	frame, err := s.engine.AddLocalInput(in, now)
	if err != nil {
		return err
	}
	batch := s.opt.Batcher().Add(protocol.InputFrame{Frame: frame, Input: in.Clone()}, now)
	if batch != nil {
		s.sendInputBatch(batch, now)
	}
	return nil
}

func (s *Session) sendInputBatch(batch []protocol.InputFrame, now time.Time) {
	s.transportLayer.Broadcast(protocol.RollbackInput{
		Player:   s.localID,
		Entries:  batch,
		SendTime: now.UnixMicro(),
	})
}

// OnLocalFrame subscribes to simulated frames for rendering.
func (s *Session) OnLocalFrame(fn func(frame protocol.Frame, state []byte)) {
	s.onFrame = fn
}

// OnEvent subscribes to session events, including the terminal fatal
// event.
func (s *Session) OnEvent(fn func(Event)) {
	s.onEvent = fn
}

// Run drives the session with wall time until the context is
// canceled. Tests and custom loops may call Step directly instead.
func (s *Session) Run(ctx context.Context) {
	s.runMu.Lock()
	ctx, s.runCancel = context.WithCancel(ctx)
	done := make(chan struct{})
	s.runDone = done
	s.runMu.Unlock()

	ticker := time.NewTicker(s.clock.Period() / 2)
	defer ticker.Stop()
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Step(now)
		}
	}
}

// Step executes one pass of the frame loop at the given time: drain
// the inbox, tick the clock, run due subsystem work. It is the only
// place subsystem state is touched, which keeps the runtime
// single-threaded.
func (s *Session) Step(now time.Time) {
	if !s.started || s.shutdown {
		return
	}
	s.now = now
	if s.armMonitor {
		s.armMonitor = false
		s.monitor.Arm(now)
	}

	for _, env := range s.inbox.Drain() {
		s.handleMessage(env, now)
	}

	if s.paused {
		s.migrator.Tick(now)
		s.expireReadyBuffer(now)
		return
	}
	if !s.running {
		return
	}

	ticks := s.clock.TryAdvance(now)
	for i := 0; i < ticks; i++ {
		s.engine.Tick(now)
		s.fpsWindowTicks++
	}
	s.trackFPS(now)
	s.trackStall()

	if b := s.opt.Batcher(); b.Due(now) {
		if batch := b.Flush(); batch != nil {
			s.sendInputBatch(batch, now)
		}
	}

	for _, out := range s.diag.Tick(now) {
		s.transportLayer.SendToPeer(out.To, out.Msg)
	}

	if s.isLocalHost() && s.beat.Due(now) {
		s.transportLayer.Broadcast(protocol.HostHeartbeat{
			Host:     s.localID,
			Frame:    s.engine.CurrentFrame(),
			SendTime: now.UnixMicro(),
		})
	}
	if !s.isLocalHost() && s.hostID != "" && s.monitor.Dead(now) {
		s.monitor.Disarm()
		s.emit(Event{Kind: EventMigrationStarted, Peer: s.hostID, Frame: s.engine.CurrentFrame()})
		s.migrator.HostLost(s.hostID, "host timeout", s.engine.CurrentFrame(), now)
	}

	s.migrator.Tick(now)
	s.expireReadyBuffer(now)
	s.expireResync(now)

	s.opt.Adapt(now, s.measuredFPS, float64(s.cfg.FrameRateHz), s.worstPeerScore())

	if c := s.engine.ConfirmedFrame(); c > protocol.Frame(s.cfg.SnapshotRingSize) {
		s.detector.Evict(c - protocol.Frame(s.cfg.SnapshotRingSize))
	}

	if err := s.engine.Err(); err != nil && s.running {
		s.fatal(&FatalError{Kind: FatalSimulationError, Frame: s.engine.CurrentFrame(), Detail: err.Error()})
	}

	s.refreshPlayerInfo()
}

func (s *Session) handleMessage(env transport.Envelope, now time.Time) {
	switch msg := env.Msg.(type) {
	case protocol.RollbackInput:
		if s.paused {
			// Frozen during migration: queue, apply on resume.
			s.queuedInputs = append(s.queuedInputs, env)
			return
		}
		s.applyRemoteInputs(msg, now)

	case protocol.SyncTest:
		if s.paused {
			return // rollback activity is frozen during migration
		}
		s.detector.RecordRemote(env.From, msg.Frame, msg.Checksums, time.UnixMicro(msg.SendTime))

	case protocol.Ping:
		if s.paused {
			return // only migration traffic flows while paused
		}
		pong := s.diag.HandlePing(env.From, msg, now)
		s.transportLayer.SendToPeer(env.From, pong)

	case protocol.Pong:
		if s.paused {
			return
		}
		s.diag.HandlePong(env.From, msg, now)

	case protocol.BandwidthTest:
		if s.paused {
			return
		}
		ack := s.diag.HandleBandwidthTest(env.From, msg, now)
		s.transportLayer.SendToPeer(env.From, ack)

	case protocol.BandwidthAck:
		if s.paused {
			return
		}
		s.diag.HandleBandwidthAck(env.From, msg, now)

	case protocol.HostHeartbeat:
		if msg.Host == s.hostID {
			s.monitor.Observe(now)
		}

	case protocol.MigrationAnnounce:
		s.migrator.HandleAnnounce(env.From, msg, now)
		s.flushReadyBuffer(msg.NewHost)

	case protocol.StateRequest:
		s.serveStateRequest(env.From, msg)

	case protocol.StateResponse:
		s.handleStateResponse(env.From, msg, now)

	case protocol.HostReady:
		if s.migrator.Active() {
			s.migrator.HandleHostReady(env.From, msg)
			return
		}
		// host_ready must order after its announce; buffer until the
		// announce arrives or the migration window lapses.
		s.readyBuffer = append(s.readyBuffer, bufferedReady{
			msg:      msg,
			deadline: now.Add(s.cfg.MigrationTimeout),
		})

	case protocol.PeerHello:
		if _, known := s.players[msg.Player]; known {
			s.diag.PeerReconnected(msg.Player, now)
		}

	case protocol.PeerBye:
		s.handlePeerGone(msg.Player, now)
	}
}

func (s *Session) applyRemoteInputs(msg protocol.RollbackInput, now time.Time) {
	if _, known := s.players[msg.Player]; !known {
		return
	}
	if msg.SendTime > 0 {
		if lat := now.Sub(time.UnixMicro(msg.SendTime)); lat > 0 {
			s.inputLatencyTotal += lat
			s.inputLatencyCount++
		}
	}
	for _, entry := range msg.Entries {
		err := s.engine.ReceiveRemoteInput(msg.Player, entry.Frame, entry.Input, now)
		if err != nil && !errors.Is(err, input.ErrFrameTooOld) {
			s.log.WithError(err).WithField("peer", msg.Player).Debug("remote input rejected")
		}
	}
}

func (s *Session) handlePeerGone(id protocol.PlayerID, now time.Time) {
	if _, ok := s.players[id]; !ok {
		return
	}
	s.diag.PeerDisconnected(id)
	if id == s.hostID && id != s.localID {
		delete(s.players, id)
		s.inputs.RemovePlayer(id)
		s.diag.RemovePeer(id)
		s.hostID = ""
		s.monitor.Disarm()
		s.emit(Event{Kind: EventPeerLeft, Peer: id})
		s.emit(Event{Kind: EventMigrationStarted, Peer: id, Frame: s.engine.CurrentFrame()})
		s.migrator.HostLost(id, "host disconnected", s.engine.CurrentFrame(), now)
		return
	}
	delete(s.players, id)
	s.inputs.RemovePlayer(id)
	s.diag.RemovePeer(id)
	s.emit(Event{Kind: EventPeerLeft, Peer: id})
}

// serveStateRequest answers a peer pulling state, for migration
// (latest) or a targeted desync resync (exact frame).
func (s *Session) serveStateRequest(from protocol.PlayerID, req protocol.StateRequest) {
	resp := protocol.StateResponse{RequestID: req.RequestID}

	var snap snapshot.Snapshot
	var err error
	if req.Latest {
		if frame, ok := s.snaps.LatestFrame(); ok {
			snap, err = s.snaps.Load(frame)
		} else {
			err = snapshot.ErrUnknownFrame
		}
	} else {
		snap, err = s.snaps.Load(req.Frame)
	}
	if err == nil {
		if raw, mErr := s.opt.Materialize(s.snaps, snap.Frame); mErr == nil {
			resp.OK = true
			resp.Frame = snap.Frame
			resp.State = raw
			resp.Checksums = snap.Checksums
		}
	}
	s.transportLayer.SendToPeer(from, resp)
}

func (s *Session) handleStateResponse(from protocol.PlayerID, resp protocol.StateResponse, now time.Time) {
	if s.migrator.Active() {
		s.migrator.HandleStateResponse(from, resp, now)
		return
	}
	if !s.resync.active || resp.RequestID != s.resync.id {
		return
	}

	if s.resync.full {
		ok := resp.OK && s.engine.AdoptState(resp.Frame, resp.State, resp.Checksums, true) == nil
		if ok {
			s.clock.Reset(resp.Frame)
			s.stats.Recoveries++
			s.emit(Event{Kind: EventDesyncRecovered, Frame: resp.Frame})
		}
		s.resync.active = false
		s.detector.ResolveFullResync(ok)
		return
	}

	if from != s.resync.peer {
		return
	}
	ok := resp.OK && s.engine.AdoptState(resp.Frame, resp.State, resp.Checksums, false) == nil
	if ok {
		s.stats.Recoveries++
		s.emit(Event{Kind: EventDesyncRecovered, Frame: resp.Frame})
	}
	s.resync.active = false
	s.detector.ResolveStateLoaded(s.resync.frame, ok)
}

func (s *Session) expireResync(now time.Time) {
	if !s.resync.active || now.Before(s.resync.deadline) {
		return
	}
	full, frame := s.resync.full, s.resync.frame
	s.resync.active = false
	if full {
		s.detector.ResolveFullResync(false)
	} else {
		s.detector.ResolveStateLoaded(frame, false)
	}
}

func (s *Session) flushReadyBuffer(host protocol.PlayerID) {
	kept := s.readyBuffer[:0]
	for _, br := range s.readyBuffer {
		if br.msg.Host == host {
			s.migrator.HandleHostReady(host, br.msg)
			continue
		}
		kept = append(kept, br)
	}
	s.readyBuffer = kept
}

func (s *Session) expireReadyBuffer(now time.Time) {
	kept := s.readyBuffer[:0]
	for _, br := range s.readyBuffer {
		if now.Before(br.deadline) {
			kept = append(kept, br)
		}
	}
	s.readyBuffer = kept
}

// pauseGame freezes rollback activity for the migration bracket.
func (s *Session) pauseGame() {
	if s.paused {
		return
	}
	s.paused = true
	s.sim.Pause()
	s.stats.HostMigrations++
}

// resumeGame restarts the session under the new host. Every peer
// realigns to the resume frame and re-opens the input-delay window,
// mirroring the session-start baseline: nobody sends inputs for the
// frames immediately after the cut-over.
func (s *Session) resumeGame(newHost protocol.PlayerID, frame protocol.Frame) {
	s.hostID = newHost
	s.resumeFrame = frame
	for id, p := range s.players {
		p.info.IsHost = id == newHost
	}
	s.paused = false
	s.sim.Resume()

	if err := s.engine.RealignTo(frame); err != nil {
		s.log.WithError(err).WithField("frame", frame).
			Warn("no snapshot at resume frame, keeping local position")
	}
	s.inputs.DropAfter(frame)
	delay := protocol.Frame(s.cfg.InputDelayFrames)
	if delay > 0 {
		for id := range s.players {
			s.inputs.SetBaseline(id, frame+delay-1)
		}
	}

	if s.isLocalHost() {
		s.monitor.Disarm()
	} else {
		s.monitor.Arm(s.currentTime())
	}

	// Apply the inputs that queued during the freeze, discarding
	// anything at or below the blanked post-resume window.
	queued := s.queuedInputs
	s.queuedInputs = nil
	for _, env := range queued {
		msg, ok := env.Msg.(protocol.RollbackInput)
		if !ok {
			continue
		}
		kept := msg.Entries[:0]
		for _, e := range msg.Entries {
			if e.Frame >= frame+delay {
				kept = append(kept, e)
			}
		}
		msg.Entries = kept
		if len(kept) > 0 {
			s.applyRemoteInputs(msg, s.currentTime())
		}
	}

	s.emit(Event{Kind: EventHostChanged, Peer: newHost, Frame: frame})
}

func (s *Session) ownLatestState() (protocol.Frame, []byte, protocol.ChecksumTuple, bool) {
	frame, ok := s.snaps.LatestFrame()
	if !ok {
		return 0, nil, protocol.ChecksumTuple{}, false
	}
	snap, err := s.snaps.Load(frame)
	if err != nil {
		return 0, nil, protocol.ChecksumTuple{}, false
	}
	raw, err := s.opt.Materialize(s.snaps, frame)
	if err != nil {
		return 0, nil, protocol.ChecksumTuple{}, false
	}
	return frame, raw, snap.Checksums, true
}

// candidates ranks the remaining players for host duty. Remote peers
// are scored from link diagnostics; the local peer from its own frame
// rate and its average link quality, so self-election is not free.
func (s *Session) candidates(exclude protocol.PlayerID) []migration.Candidate {
	var out []migration.Candidate
	for id := range s.players {
		if id == exclude {
			continue
		}
		if id == s.localID {
			perf := s.measuredFPS / float64(s.cfg.FrameRateHz)
			if perf > 1 {
				perf = 1
			}
			out = append(out, migration.Candidate{
				ID:          id,
				Quality:     s.averagePeerScore(),
				Latency:     s.averagePeerLatencyScore(),
				Performance: perf,
				Stability:   1,
			})
			continue
		}
		out = append(out, migration.Candidate{
			ID:          id,
			Quality:     s.diag.Grade(id).Score(),
			Latency:     s.diag.LatencyScore(id),
			Performance: s.diag.Score(id),
			Stability:   s.diag.StabilityScore(id),
		})
	}
	return out
}

func (s *Session) averagePeerScore() float64 {
	var sum float64
	var n int
	for id := range s.players {
		if id == s.localID {
			continue
		}
		sum += s.diag.Grade(id).Score()
		n++
	}
	if n == 0 {
		return 0.5
	}
	return sum / float64(n)
}

func (s *Session) averagePeerLatencyScore() float64 {
	var sum float64
	var n int
	for id := range s.players {
		if id == s.localID {
			continue
		}
		sum += s.diag.LatencyScore(id)
		n++
	}
	if n == 0 {
		return 0.5
	}
	return sum / float64(n)
}

// worstPeerScore feeds the optimizer's frame-skip and adaptation.
func (s *Session) worstPeerScore() float64 {
	worst := 1.0
	for id := range s.players {
		if id == s.localID {
			continue
		}
		if sc := s.diag.Score(id); sc < worst {
			worst = sc
		}
	}
	return worst
}

// onLocalSync records the local checksum tuple and broadcasts the
// sync test. The broadcast happens strictly after the save.
func (s *Session) onLocalSync(frame protocol.Frame, checksums protocol.ChecksumTuple) {
	s.detector.RecordLocal(frame, checksums)
	s.transportLayer.Broadcast(protocol.SyncTest{
		Frame:     frame,
		Checksums: checksums,
		SendTime:  s.currentTime().UnixMicro(),
	})
}

func (s *Session) trackStall() {
	stalled := s.engine.Stalled()
	if stalled && !s.wasStalled {
		s.emit(Event{Kind: EventStalled, Frame: s.engine.CurrentFrame()})
	}
	if !stalled && s.wasStalled {
		s.emit(Event{Kind: EventResumed, Frame: s.engine.CurrentFrame()})
	}
	s.wasStalled = stalled
}

func (s *Session) trackFPS(now time.Time) {
	if s.fpsWindowStart.IsZero() {
		s.fpsWindowStart = now
		s.fpsWindowTicks = 0
		return
	}
	elapsed := now.Sub(s.fpsWindowStart)
	if elapsed < time.Second {
		return
	}
	s.measuredFPS = float64(s.fpsWindowTicks) / elapsed.Seconds()
	s.fpsWindowStart = now
	s.fpsWindowTicks = 0
}

func (s *Session) refreshPlayerInfo() {
	for id, p := range s.players {
		p.info.LastConfirmed = s.inputs.LastConfirmed(id)
		if id == s.localID {
			continue
		}
		if stats, ok := s.diag.Stats(id); ok {
			p.info.Quality = stats.Grade
			p.info.LatencyMs = float64(stats.Latency.Avg) / float64(time.Millisecond)
			p.info.Stability = s.diag.StabilityScore(id)
		}
	}
}

func (s *Session) isLocalHost() bool {
	return s.hostID == s.localID
}

func (s *Session) currentTime() time.Time {
	if s.now.IsZero() {
		return time.Now()
	}
	return s.now
}

func (s *Session) emit(ev Event) {
	if ev.Kind == EventDesyncDetected {
		s.stats.Desyncs++
	}
	if s.onEvent != nil {
		s.onEvent(ev)
	}
}

func (s *Session) fatal(err *FatalError) {
	if !s.running {
		return
	}
	s.running = false
	s.engine.Stop()
	s.log.WithError(err).Error("session terminated")
	s.emit(Event{Kind: EventFatal, Frame: err.Frame, Err: err})
}

// GetStatus returns the façade status report.
func (s *Session) GetStatus() StatusReport {
	report := StatusReport{
		SessionID: s.id,
		Running:   s.running,
		Paused:    s.paused,
		HostID:    s.hostID,
		LocalID:   s.localID,
	}
	if s.engine != nil {
		m := s.engine.Metrics()
		report.Engine = m
		report.CurrentFrame = m.CurrentFrame
		report.ConfirmedFrame = m.ConfirmedFrame
		report.Stalled = s.engine.Stalled()
	}
	if s.detector != nil {
		report.DesyncCount = s.detector.DesyncCount()
		report.RecoverySuccessRate = s.detector.RecoverySuccessRate()
	}
	if s.migrator != nil {
		report.HostMigrations = s.migrator.Migrations()
		report.MigrationSuccessRate = s.migrator.SuccessRate()
	}
	if s.inputLatencyCount > 0 {
		report.AvgInputLatencyMs = float64(s.inputLatencyTotal) /
			float64(s.inputLatencyCount) / float64(time.Millisecond)
	}
	report.AvgBatchSize = s.opt.Batcher().AvgBatchSize()
	report.CompressionRatio = s.opt.CompressionRatio()
	report.StatePoolHitRate = s.opt.Pool().HitRate()

	for _, p := range s.players {
		report.Players = append(report.Players, p.info)
	}
	return report
}

// GetDiagnostics returns the per-peer link quality view.
func (s *Session) GetDiagnostics() DiagnosticsReport {
	return DiagnosticsReport{
		Peers:        s.diag.Report(s.currentTime()),
		InboxDropped: s.inbox.Dropped(),
		LocalQuality: s.worstPeerScore(),
	}
}

// Stats returns the cumulative session counters.
func (s *Session) Stats() Stats {
	return s.stats
}

// Shutdown releases all resources. It is idempotent.
func (s *Session) Shutdown() {
	if s.shutdown {
		return
	}
	s.shutdown = true
	s.running = false

	s.runMu.Lock()
	cancel, done := s.runCancel, s.runDone
	s.runMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}

	if s.engine != nil {
		s.engine.Stop()
	}
	s.transportLayer.Close()
	s.log.Info("session shut down")
}

// recoveryPort adapts the session to the desync detector's recovery
// collaborator set.
type recoveryPort struct {
	s *Session
}

func (r *recoveryPort) RollbackTo(frame protocol.Frame) error {
	r.s.emit(Event{Kind: EventDesyncDetected, Frame: frame})
	err := r.s.engine.RollbackTo(frame, r.s.currentTime())
	if err == nil {
		r.s.stats.Recoveries++
	}
	return err
}

func (r *recoveryPort) RequestPeerState(peer protocol.PlayerID, frame protocol.Frame) {
	r.s.nextReqID++
	r.s.resync = pendingResync{
		active:   true,
		id:       r.s.nextReqID,
		frame:    frame,
		peer:     peer,
		deadline: r.s.currentTime().Add(r.s.cfg.ResyncTimeout),
	}
	r.s.transportLayer.SendToPeer(peer, protocol.StateRequest{
		RequestID: r.s.nextReqID,
		Frame:     frame,
	})
}

func (r *recoveryPort) RequestFullResync() {
	r.s.nextReqID++
	r.s.resync = pendingResync{
		active:   true,
		id:       r.s.nextReqID,
		full:     true,
		deadline: r.s.currentTime().Add(r.s.cfg.ResyncTimeout),
	}
	r.s.transportLayer.Broadcast(protocol.StateRequest{
		RequestID: r.s.nextReqID,
		Latest:    true,
	})
}

func (r *recoveryPort) Unresolvable(frame protocol.Frame) {
	r.s.fatal(&FatalError{Kind: FatalUnresolvableDesync, Frame: frame})
}
