// Package clock issues simulation frame numbers at a fixed cadence,
// decoupling wall time from simulation time.
package clock

import (
	"time"

	"github.com/andersfylling/rollplay/internal/protocol"
)

// MaxPendingTicks caps how many ticks may accumulate on a slow
// consumer before surplus wall time is discarded.
const MaxPendingTicks = 5

// FixedStep accumulates wall time and converts it into discrete tick
// requests. It carries no suspension semantics of its own; callers
// decide what to do with each tick.
type FixedStep struct {
	period      time.Duration
	last        time.Time
	started     bool
	accumulated time.Duration
	frame       protocol.Frame
}

// NewFixedStep creates a clock running at the given rate in Hz.
func NewFixedStep(rateHz int) *FixedStep {
	if rateHz <= 0 {
		rateHz = 60
	}
	return &FixedStep{
		period: time.Second / time.Duration(rateHz),
	}
}

// Period returns the duration of one frame.
func (c *FixedStep) Period() time.Duration {
	return c.period
}

// CurrentFrame returns the number of ticks consumed so far.
func (c *FixedStep) CurrentFrame() protocol.Frame {
	return c.frame
}

// TryAdvance returns how many ticks are due at the given time, between
// 0 and MaxPendingTicks. Wall time beyond the cap is discarded so a
// stalled consumer never faces an unbounded catch-up burst.
func (c *FixedStep) TryAdvance(now time.Time) int {
	if !c.started {
		c.started = true
		c.last = now
		return 0
	}

	elapsed := now.Sub(c.last)
	if elapsed < 0 {
		elapsed = 0
	}
	c.last = now
	c.accumulated += elapsed

	ticks := int(c.accumulated / c.period)
	if ticks > MaxPendingTicks {
		ticks = MaxPendingTicks
		c.accumulated = 0
	} else {
		c.accumulated -= time.Duration(ticks) * c.period
	}

	c.frame += protocol.Frame(ticks)
	return ticks
}

// Reset realigns the clock to the given frame, dropping any
// accumulated time. Used after a full resync or host migration.
func (c *FixedStep) Reset(frame protocol.Frame) {
	c.frame = frame
	c.accumulated = 0
	c.started = false
}
