package evidence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/epic-hq/Insights-sub011/pkg/types"
)

// Batcher defaults.
const (
	DefaultMinBatch    = 3
	DefaultMaxBatch    = 8
	DefaultIdleTimeout = 4 * time.Second
	DefaultDebounce    = time.Second
)

// BatchFunc extracts evidence from one batch of turns.
type BatchFunc func(ctx context.Context, batch []types.Utterance) error

// BatcherConfig tunes a [Batcher]. Zero fields take the defaults.
type BatcherConfig struct {
	MinBatch    int
	MaxBatch    int
	IdleTimeout time.Duration
	Debounce    time.Duration

	// AfterFunc schedules f after d. Defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, f func()) Timer
}

// Timer is the part of *time.Timer the batcher uses.
type Timer interface {
	Stop() bool
}

// Batcher groups finalized turns of one live session into extraction
// batches. Once MinBatch turns are pending it waits Debounce for more;
// fewer turns are flushed after IdleTimeout. At most MaxBatch turns go into
// one batch and only one extraction runs at a time; turns arriving during
// an extraction schedule a follow-up when it completes. The processed
// index advances before the extraction call, so a failed batch is not
// retried.
type Batcher struct {
	cfg BatcherConfig
	fn  BatchFunc
	ctx context.Context

	mu            sync.Mutex
	turns         []types.Utterance
	lastExtracted int
	extracting    bool
	pendingAfter  bool
	timer         Timer
	closed        bool
	idle          *sync.Cond
}

// NewBatcher returns a Batcher calling fn with ctx for every batch.
func NewBatcher(ctx context.Context, cfg BatcherConfig, fn BatchFunc) *Batcher {
	if cfg.MinBatch <= 0 {
		cfg.MinBatch = DefaultMinBatch
	}
	if cfg.MaxBatch < cfg.MinBatch {
		cfg.MaxBatch = max(DefaultMaxBatch, cfg.MinBatch)
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	b := &Batcher{cfg: cfg, fn: fn, ctx: ctx}
	b.idle = sync.NewCond(&b.mu)
	return b
}

// Add records a finalized turn and schedules an extraction.
func (b *Batcher) Add(u types.Utterance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.turns = append(b.turns, u)
	b.scheduleLocked()
}

// ReplaceLast swaps the most recent turn for u, as when a formatted
// delivery replaces its unformatted one. It reports false when that turn
// was already handed to an extraction.
func (b *Batcher) ReplaceLast(u types.Utterance) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.turns)
	if b.closed || n == 0 || n <= b.lastExtracted {
		return false
	}
	b.turns[n-1] = u
	return true
}

// Pending returns the number of turns not yet handed to an extraction.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.turns) - b.lastExtracted
}

func (b *Batcher) scheduleLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if b.extracting {
		b.pendingAfter = true
		return
	}
	pending := len(b.turns) - b.lastExtracted
	if pending <= 0 || b.closed {
		return
	}
	delay := b.cfg.IdleTimeout
	if pending >= b.cfg.MinBatch {
		delay = b.cfg.Debounce
	}
	b.timer = b.cfg.AfterFunc(delay, b.run)
}

// run performs one extraction. It is the timer callback.
func (b *Batcher) run() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	batch, ok := b.takeLocked()
	b.mu.Unlock()
	if !ok {
		return
	}
	b.extract(batch)

	b.mu.Lock()
	b.finishLocked()
	b.mu.Unlock()
}

func (b *Batcher) takeLocked() ([]types.Utterance, bool) {
	b.timer = nil
	if b.extracting || len(b.turns) <= b.lastExtracted {
		return nil, false
	}
	end := min(b.lastExtracted+b.cfg.MaxBatch, len(b.turns))
	batch := append([]types.Utterance(nil), b.turns[b.lastExtracted:end]...)
	b.lastExtracted = end
	b.extracting = true
	return batch, true
}

func (b *Batcher) finishLocked() {
	b.extracting = false
	if b.pendingAfter || len(b.turns) > b.lastExtracted {
		b.pendingAfter = false
		b.scheduleLocked()
	}
	b.idle.Broadcast()
}

func (b *Batcher) extract(batch []types.Utterance) {
	if err := b.fn(b.ctx, batch); err != nil {
		slog.Warn("evidence: live extraction failed", "turns", len(batch), "err", err)
	}
}

// Flush stops scheduling, waits for an in-flight extraction and then
// extracts every remaining turn synchronously in MaxBatch-sized batches.
// The Batcher accepts no turns afterwards.
func (b *Batcher) Flush() {
	b.mu.Lock()
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	for b.extracting {
		b.idle.Wait()
	}
	for {
		batch, ok := b.takeLocked()
		if !ok {
			break
		}
		b.mu.Unlock()
		b.extract(batch)
		b.mu.Lock()
		b.extracting = false
	}
	b.mu.Unlock()
}

// Close stops scheduling and waits for an in-flight extraction. Pending
// turns are dropped.
func (b *Batcher) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	for b.extracting {
		b.idle.Wait()
	}
}
