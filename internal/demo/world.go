package demo

import (
	"encoding/binary"
	"hash/fnv"

	"github.com/mlange-42/ark/ecs"
	"github.com/pkg/errors"

	"github.com/andersfylling/rollplay/internal/protocol"
	"github.com/andersfylling/rollplay/internal/rollback"
)

// World is the demo simulation. It fulfills the runtime's Simulation
// contract: deterministic advance, exact save/load, and a layered
// checksum ladder.
type World struct {
	world ecs.World
	pawns ecs.Map3[Position, Velocity, Pawn]

	// Spawn order fixes serialization and iteration order; ECS query
	// order is not part of the determinism contract.
	order   []ecs.Entity
	byOwner map[string]ecs.Entity

	frame  uint64
	paused bool
}

// NewWorld creates an empty arena.
func NewWorld() *World {
	w := &World{
		byOwner: make(map[string]ecs.Entity),
	}
	w.world = ecs.NewWorld()
	w.pawns = ecs.NewMap3[Position, Velocity, Pawn](&w.world)
	return w
}

// SpawnPawn adds a fighter for a player. Every peer must spawn the
// same pawns in the same order before the session starts.
func (w *World) SpawnPawn(owner string, x, y int64) {
	if _, ok := w.byOwner[owner]; ok {
		return
	}
	e := w.pawns.NewEntity(
		&Position{X: x, Y: y},
		&Velocity{},
		&Pawn{Owner: owner, Facing: 1, Energy: startEnergy},
	)
	w.order = append(w.order, e)
	w.byOwner[owner] = e
}

// Frame returns the simulated frame count.
func (w *World) Frame() uint64 {
	return w.frame
}

// PawnView is a render-friendly copy of one fighter's state.
type PawnView struct {
	Owner  string
	X, Y   float64
	Energy int16
	Facing int8
}

// Pawns returns the fighters in spawn order.
func (w *World) Pawns() []PawnView {
	out := make([]PawnView, 0, len(w.order))
	for _, e := range w.order {
		pos, _, pawn := w.pawns.Get(e)
		out = append(out, PawnView{
			Owner:  pawn.Owner,
			X:      float64(pos.X) / 1000,
			Y:      float64(pos.Y) / 1000,
			Energy: pawn.Energy,
			Facing: pawn.Facing,
		})
	}
	return out
}

// Advance runs exactly one deterministic frame step. Inputs arrive
// sorted by player id; pawns without an input coast.
func (w *World) Advance(inputs []rollback.PlayerInput) {
	w.frame++

	for _, in := range inputs {
		e, ok := w.byOwner[string(in.Player)]
		if !ok {
			continue
		}
		var intent byte
		if len(in.Input) > 0 {
			intent = in.Input[0]
		}
		w.applyIntent(e, intent)
	}

	// Physics integration in spawn order.
	for _, e := range w.order {
		pos, vel, pawn := w.pawns.Get(e)

		vel.Y += gravity
		pos.X += vel.X
		pos.Y += vel.Y

		if pos.X < 0 {
			pos.X = 0
			vel.X = 0
		}
		if pos.X > ArenaWidth {
			pos.X = ArenaWidth
			vel.X = 0
		}
		if pos.Y >= FloorY {
			pos.Y = FloorY
			vel.Y = 0
			pawn.Grounded = true
		} else {
			pawn.Grounded = false
		}

		if pawn.Cooldown > 0 {
			pawn.Cooldown--
		}
		// Horizontal drag: pawns stop unless driven this frame.
		vel.X = 0
	}
}

func (w *World) applyIntent(e ecs.Entity, intent byte) {
	pos, vel, pawn := w.pawns.Get(e)

	if intent&IntentLeft != 0 {
		vel.X = -moveSpeed
		pawn.Facing = -1
	}
	if intent&IntentRight != 0 {
		vel.X = moveSpeed
		pawn.Facing = 1
	}
	if intent&IntentJump != 0 && pawn.Grounded {
		vel.Y = jumpVelocity
	}
	if intent&IntentAttack != 0 && pawn.Cooldown == 0 {
		pawn.Cooldown = attackCooldown
		w.strike(pawn.Owner, pos, pawn.Facing)
	}
}

// strike damages the first pawn (in spawn order) within range on the
// attacker's facing side.
func (w *World) strike(attacker string, from *Position, facing int8) {
	for _, e := range w.order {
		pos, _, pawn := w.pawns.Get(e)
		if pawn.Owner == attacker {
			continue
		}
		dx := pos.X - from.X
		if facing < 0 {
			dx = -dx
		}
		dy := pos.Y - from.Y
		if dy < 0 {
			dy = -dy
		}
		if dx >= 0 && dx <= attackRange && dy <= attackRange {
			if pawn.Energy > attackDamage {
				pawn.Energy -= attackDamage
			} else {
				pawn.Energy = 0
			}
			return
		}
	}
}

// pawnFixedSize is the serialized byte length per pawn, excluding the
// owner string: pos (16) + vel (16) + facing/energy/grounded/cooldown.
const pawnFixedSize = 16 + 16 + 1 + 2 + 1 + 2

// SaveState serializes the complete simulation state.
func (w *World) SaveState() []byte {
	out := make([]byte, 0, 16+len(w.order)*(pawnFixedSize+16))
	out = binary.LittleEndian.AppendUint64(out, w.frame)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(w.order)))

	for _, e := range w.order {
		pos, vel, pawn := w.pawns.Get(e)
		out = binary.LittleEndian.AppendUint16(out, uint16(len(pawn.Owner)))
		out = append(out, pawn.Owner...)
		out = binary.LittleEndian.AppendUint64(out, uint64(pos.X))
		out = binary.LittleEndian.AppendUint64(out, uint64(pos.Y))
		out = binary.LittleEndian.AppendUint64(out, uint64(vel.X))
		out = binary.LittleEndian.AppendUint64(out, uint64(vel.Y))
		out = append(out, byte(pawn.Facing))
		out = binary.LittleEndian.AppendUint16(out, uint16(pawn.Energy))
		if pawn.Grounded {
			out = append(out, 1)
		} else {
			out = append(out, 0)
		}
		out = binary.LittleEndian.AppendUint16(out, uint16(pawn.Cooldown))
	}
	return out
}

// LoadState is the exact inverse of SaveState. The pawn roster must
// match; state transfer does not create or destroy entities.
func (w *World) LoadState(state []byte) error {
	r := stateReader{b: state}
	frame := r.u64()
	count := int(r.u32())
	if count != len(w.order) {
		return errors.Errorf("state holds %d pawns, world has %d", count, len(w.order))
	}

	for _, e := range w.order {
		owner := r.str()
		pos, vel, pawn := w.pawns.Get(e)
		if owner != pawn.Owner {
			return errors.Errorf("state pawn %q does not match world pawn %q", owner, pawn.Owner)
		}
		pos.X = int64(r.u64())
		pos.Y = int64(r.u64())
		vel.X = int64(r.u64())
		vel.Y = int64(r.u64())
		pawn.Facing = int8(r.u8())
		pawn.Energy = int16(r.u16())
		pawn.Grounded = r.u8() == 1
		pawn.Cooldown = int16(r.u16())
	}
	if r.err != nil {
		return r.err
	}
	w.frame = frame
	return nil
}

// Checksum implements the ladder: basic hashes positions only,
// enhanced hashes the full serialized state, deep mixes in per-pawn
// hashes. There is no native checksum.
func (w *World) Checksum(level protocol.ChecksumLevel) (uint64, bool) {
	switch level {
	case protocol.ChecksumBasic:
		h := fnv.New32a()
		var buf [16]byte
		for _, e := range w.order {
			pos, _, _ := w.pawns.Get(e)
			binary.LittleEndian.PutUint64(buf[0:8], uint64(pos.X))
			binary.LittleEndian.PutUint64(buf[8:16], uint64(pos.Y))
			h.Write(buf[:])
		}
		return uint64(h.Sum32()), true

	case protocol.ChecksumEnhanced:
		h := fnv.New64a()
		h.Write(w.SaveState())
		return h.Sum64(), true

	case protocol.ChecksumDeep:
		var mixed uint64
		for i, e := range w.order {
			pos, vel, pawn := w.pawns.Get(e)
			h := fnv.New64a()
			var buf [8]byte
			binary.LittleEndian.PutUint64(buf[:], uint64(pos.X)^uint64(vel.X))
			h.Write(buf[:])
			binary.LittleEndian.PutUint64(buf[:], uint64(pos.Y)^uint64(vel.Y))
			h.Write(buf[:])
			h.Write([]byte(pawn.Owner))
			binary.LittleEndian.PutUint64(buf[:], uint64(uint16(pawn.Energy))<<16|uint64(uint16(pawn.Cooldown)))
			h.Write(buf[:])
			mixed ^= h.Sum64() * uint64(i*2+1)
		}
		return mixed ^ w.frame, true
	}
	return 0, false
}

// Pause and Resume bracket host migration; the demo world only tracks
// the flag.
func (w *World) Pause()  { w.paused = true }
func (w *World) Resume() { w.paused = false }

// Paused reports the migration-freeze flag.
func (w *World) Paused() bool { return w.paused }

type stateReader struct {
	b   []byte
	off int
	err error
}

func (r *stateReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.b) {
		r.err = errors.New("truncated state")
		return nil
	}
	v := r.b[r.off : r.off+n]
	r.off += n
	return v
}

func (r *stateReader) u8() uint8 {
	v := r.take(1)
	if v == nil {
		return 0
	}
	return v[0]
}

func (r *stateReader) u16() uint16 {
	v := r.take(2)
	if v == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(v)
}

func (r *stateReader) u32() uint32 {
	v := r.take(4)
	if v == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(v)
}

func (r *stateReader) u64() uint64 {
	v := r.take(8)
	if v == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(v)
}

func (r *stateReader) str() string {
	n := int(r.u16())
	if r.err != nil {
		return ""
	}
	return string(r.take(n))
}
