package optimize

import (
	"time"

	"github.com/andersfylling/rollplay/internal/protocol"
)

// Batcher accumulates outgoing input frames and flushes them as one
// message when a size or age threshold is reached. Under an excellent
// or good network grade the session switches it to immediate mode and every
// input flushes on its own.
type Batcher struct {
	maxBytes  int
	maxAge    time.Duration
	immediate bool

	pending      []protocol.InputFrame
	pendingBytes int
	oldest       time.Time

	flushes       uint64
	framesFlushed uint64
}

// NewBatcher creates a batcher with the given thresholds.
func NewBatcher(maxBytes int, maxAge time.Duration) *Batcher {
	return &Batcher{
		maxBytes:  maxBytes,
		maxAge:    maxAge,
		immediate: true,
	}
}

// SetImmediate toggles immediate-flush mode. Turning it on releases
// anything pending on the next Flush call.
func (b *Batcher) SetImmediate(immediate bool) {
	b.immediate = immediate
}

// Immediate reports the current mode.
func (b *Batcher) Immediate() bool {
	return b.immediate
}

// SetMaxBytes adjusts the size threshold; the adaptive loop drives it.
func (b *Batcher) SetMaxBytes(n int) {
	if n > 0 {
		b.maxBytes = n
	}
}

// MaxBytes returns the current size threshold.
func (b *Batcher) MaxBytes() int {
	return b.maxBytes
}

// Add queues an input frame. A non-nil return is a batch that must be
// sent now.
func (b *Batcher) Add(e protocol.InputFrame, now time.Time) []protocol.InputFrame {
	if len(b.pending) == 0 {
		b.oldest = now
	}
	b.pending = append(b.pending, e)
	b.pendingBytes += len(e.Input) + 8

	if b.immediate || b.pendingBytes >= b.maxBytes || now.Sub(b.oldest) >= b.maxAge {
		return b.Flush()
	}
	return nil
}

// Due reports whether the age threshold has expired on queued inputs.
func (b *Batcher) Due(now time.Time) bool {
	return len(b.pending) > 0 && now.Sub(b.oldest) >= b.maxAge
}

// Flush returns everything pending and clears the queue.
func (b *Batcher) Flush() []protocol.InputFrame {
	if len(b.pending) == 0 {
		return nil
	}
	out := b.pending
	b.pending = nil
	b.pendingBytes = 0
	b.flushes++
	b.framesFlushed += uint64(len(out))
	return out
}

// AvgBatchSize is the mean number of input frames per sent message.
func (b *Batcher) AvgBatchSize() float64 {
	if b.flushes == 0 {
		return 0
	}
	return float64(b.framesFlushed) / float64(b.flushes)
}
