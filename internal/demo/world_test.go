package demo

import (
	"testing"

	"github.com/andersfylling/rollplay/internal/protocol"
	"github.com/andersfylling/rollplay/internal/rollback"
)

func twoPawnWorld() *World {
	w := NewWorld()
	w.SpawnPawn("a", 10_000, FloorY)
	w.SpawnPawn("b", 12_000, FloorY)
	return w
}

func step(w *World, aIntent, bIntent byte) {
	w.Advance([]rollback.PlayerInput{
		{Player: "a", Input: protocol.Input{aIntent}},
		{Player: "b", Input: protocol.Input{bIntent}},
	})
}

func TestSaveLoadIdentity(t *testing.T) {
	w := twoPawnWorld()
	for i := 0; i < 30; i++ {
		step(w, IntentRight, IntentLeft|IntentJump)
	}

	saved := w.SaveState()
	before, _ := w.Checksum(protocol.ChecksumEnhanced)

	// Scramble, then restore.
	for i := 0; i < 10; i++ {
		step(w, IntentLeft, IntentRight)
	}
	if err := w.LoadState(saved); err != nil {
		t.Fatalf("load: %v", err)
	}

	after, _ := w.Checksum(protocol.ChecksumEnhanced)
	if before != after {
		t.Fatalf("load(save(s)) changed the state: %x vs %x", before, after)
	}
	if !protocol.Input(saved).Equal(protocol.Input(w.SaveState())) {
		t.Fatal("re-serialized state differs byte-for-byte")
	}
}

func TestAdvanceIsDeterministic(t *testing.T) {
	run := func() uint64 {
		w := twoPawnWorld()
		for i := 0; i < 120; i++ {
			a := IntentRight
			b := IntentLeft
			if i%7 == 0 {
				a |= IntentJump
			}
			if i%11 == 0 {
				b |= IntentAttack
			}
			step(w, a, b)
		}
		sum, _ := w.Checksum(protocol.ChecksumEnhanced)
		return sum
	}

	first := run()
	for i := 0; i < 3; i++ {
		if run() != first {
			t.Fatal("identical input history produced different states")
		}
	}
}

func TestChecksumLevels(t *testing.T) {
	w := twoPawnWorld()

	if _, ok := w.Checksum(protocol.ChecksumBasic); !ok {
		t.Fatal("basic checksum must be available")
	}
	if _, ok := w.Checksum(protocol.ChecksumNative); ok {
		t.Fatal("demo world has no native checksum")
	}

	// Energy is invisible to the position-only basic checksum but not
	// to the enhanced one.
	basicBefore, _ := w.Checksum(protocol.ChecksumBasic)
	enhancedBefore, _ := w.Checksum(protocol.ChecksumEnhanced)

	// a faces right and strikes b at point-blank range; nobody moves.
	step(w, IntentAttack, 0)
	basicAfter, _ := w.Checksum(protocol.ChecksumBasic)
	enhancedAfter, _ := w.Checksum(protocol.ChecksumEnhanced)

	if basicBefore != basicAfter {
		t.Fatal("positions unchanged, basic checksum should hold")
	}
	if enhancedBefore == enhancedAfter {
		t.Fatal("energy loss must change the enhanced checksum")
	}
}

func TestMovementAndArenaClamp(t *testing.T) {
	w := NewWorld()
	w.SpawnPawn("a", 1_000, FloorY)

	// Run left into the wall.
	for i := 0; i < 10; i++ {
		w.Advance([]rollback.PlayerInput{{Player: "a", Input: protocol.Input{IntentLeft}}})
	}
	if p := w.Pawns()[0]; p.X != 0 {
		t.Fatalf("pawn should clamp at the left wall, at %f", p.X)
	}

	// Jump arc returns to the floor.
	w.Advance([]rollback.PlayerInput{{Player: "a", Input: protocol.Input{IntentJump}}})
	airborne := false
	for i := 0; i < 60; i++ {
		w.Advance([]rollback.PlayerInput{{Player: "a", Input: protocol.Input{}}})
		if p := w.Pawns()[0]; p.Y < float64(FloorY)/1000 {
			airborne = true
		}
	}
	if !airborne {
		t.Fatal("jump never left the floor")
	}
	if p := w.Pawns()[0]; p.Y != float64(FloorY)/1000 {
		t.Fatalf("pawn should land on the floor, at %f", p.Y)
	}
}

func TestAttackCooldownLimitsDamage(t *testing.T) {
	w := twoPawnWorld()

	// Hold attack for one cooldown window: exactly one hit lands.
	for i := 0; i < int(attackCooldown); i++ {
		step(w, IntentAttack, 0)
	}
	var b PawnView
	for _, p := range w.Pawns() {
		if p.Owner == "b" {
			b = p
		}
	}
	if b.Energy != startEnergy-attackDamage {
		t.Fatalf("expected one hit (%d energy), got %d", startEnergy-attackDamage, b.Energy)
	}
}

func TestLoadStateRejectsRosterMismatch(t *testing.T) {
	w := twoPawnWorld()
	saved := w.SaveState()

	other := NewWorld()
	other.SpawnPawn("a", 0, FloorY)
	if err := other.LoadState(saved); err == nil {
		t.Fatal("mismatched roster must be rejected")
	}

	renamed := NewWorld()
	renamed.SpawnPawn("a", 0, FloorY)
	renamed.SpawnPawn("x", 0, FloorY)
	if err := renamed.LoadState(saved); err == nil {
		t.Fatal("mismatched owner must be rejected")
	}
}
