package evidence_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/epic-hq/Insights-sub011/internal/evidence"
	"github.com/epic-hq/Insights-sub011/pkg/types"
)

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

// scheduler captures AfterFunc calls so tests can fire them by hand.
type scheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *scheduler) AfterFunc(d time.Duration, f func()) evidence.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{delay: d, fn: f}
	s.timers = append(s.timers, t)
	return t
}

// active returns the most recently scheduled timer that was not stopped.
func (s *scheduler) active(t *testing.T) *fakeTimer {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.timers) - 1; i >= 0; i-- {
		if !s.timers[i].stopped {
			return s.timers[i]
		}
	}
	t.Fatal("no active timer")
	return nil
}

func (s *scheduler) hasActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tm := range s.timers {
		if !tm.stopped {
			return true
		}
	}
	return false
}

// fire runs the active timer's callback synchronously.
func (s *scheduler) fire(t *testing.T) {
	t.Helper()
	tm := s.active(t)
	tm.stopped = true
	tm.fn()
}

type recorder struct {
	mu      sync.Mutex
	batches [][]types.Utterance
}

func (r *recorder) fn(_ context.Context, batch []types.Utterance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, batch)
	return nil
}

func (r *recorder) sizes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.batches))
	for i, b := range r.batches {
		out[i] = len(b)
	}
	return out
}

func turn(i int) types.Utterance {
	return types.Utterance{Speaker: "A", Text: fmt.Sprintf("turn %d", i)}
}

func newTestBatcher(s *scheduler, fn evidence.BatchFunc) *evidence.Batcher {
	return evidence.NewBatcher(context.Background(), evidence.BatcherConfig{AfterFunc: s.AfterFunc}, fn)
}

func TestBatcherIdleThenDebounce(t *testing.T) {
	s := &scheduler{}
	rec := &recorder{}
	b := newTestBatcher(s, rec.fn)

	b.Add(turn(1))
	if d := s.active(t).delay; d != evidence.DefaultIdleTimeout {
		t.Fatalf("below min batch: delay = %v, want idle timeout", d)
	}
	b.Add(turn(2))
	b.Add(turn(3))
	if d := s.active(t).delay; d != evidence.DefaultDebounce {
		t.Fatalf("at min batch: delay = %v, want debounce", d)
	}

	s.fire(t)
	if got := rec.sizes(); len(got) != 1 || got[0] != 3 {
		t.Fatalf("batches = %v", got)
	}
	if b.Pending() != 0 {
		t.Fatalf("pending = %d", b.Pending())
	}
	if s.hasActive() {
		t.Fatal("nothing pending, no timer expected")
	}
}

func TestBatcherIdleFlushesSmallBatch(t *testing.T) {
	s := &scheduler{}
	rec := &recorder{}
	b := newTestBatcher(s, rec.fn)

	b.Add(turn(1))
	s.fire(t)
	if got := rec.sizes(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("batches = %v", got)
	}
}

func TestBatcherCapsBatchAtMax(t *testing.T) {
	s := &scheduler{}
	rec := &recorder{}
	b := newTestBatcher(s, rec.fn)

	for i := range 11 {
		b.Add(turn(i))
	}
	s.fire(t)
	if got := rec.sizes(); len(got) != 1 || got[0] != evidence.DefaultMaxBatch {
		t.Fatalf("batches = %v", got)
	}
	if b.Pending() != 3 {
		t.Fatalf("pending = %d, want 3", b.Pending())
	}
	// The remainder is rescheduled after the first extraction completes.
	if d := s.active(t).delay; d != evidence.DefaultDebounce {
		t.Fatalf("follow-up delay = %v", d)
	}
	s.fire(t)
	if got := rec.sizes(); len(got) != 2 || got[1] != 3 {
		t.Fatalf("batches = %v", got)
	}
}

func TestBatcherSingleFlightWithFollowUp(t *testing.T) {
	s := &scheduler{}
	entered := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var sizes []int
	b := newTestBatcher(s, func(_ context.Context, batch []types.Utterance) error {
		mu.Lock()
		sizes = append(sizes, len(batch))
		first := len(sizes) == 1
		mu.Unlock()
		if first {
			close(entered)
			<-release
		}
		return nil
	})

	b.Add(turn(1))
	tm := s.active(t)
	tm.stopped = true
	done := make(chan struct{})
	go func() {
		tm.fn()
		close(done)
	}()
	<-entered

	// Arrivals during an extraction do not start a concurrent one.
	b.Add(turn(2))
	b.Add(turn(3))
	if s.hasActive() {
		t.Fatal("timer scheduled while extraction in flight")
	}
	close(release)
	<-done

	if d := s.active(t).delay; d != evidence.DefaultIdleTimeout {
		t.Fatalf("follow-up delay = %v", d)
	}
	s.fire(t)
	mu.Lock()
	defer mu.Unlock()
	if len(sizes) != 2 || sizes[0] != 1 || sizes[1] != 2 {
		t.Fatalf("sizes = %v", sizes)
	}
}

func TestBatcherFailedBatchIsNotRetried(t *testing.T) {
	s := &scheduler{}
	calls := 0
	b := newTestBatcher(s, func(context.Context, []types.Utterance) error {
		calls++
		return errors.New("model unavailable")
	})
	b.Add(turn(1))
	s.fire(t)
	if calls != 1 || b.Pending() != 0 || s.hasActive() {
		t.Fatalf("calls=%d pending=%d", calls, b.Pending())
	}
}

func TestBatcherFlushDrainsRemaining(t *testing.T) {
	s := &scheduler{}
	rec := &recorder{}
	b := newTestBatcher(s, rec.fn)

	for i := range 10 {
		b.Add(turn(i))
	}
	b.Flush()
	if got := rec.sizes(); len(got) != 2 || got[0] != 8 || got[1] != 2 {
		t.Fatalf("batches = %v", got)
	}
	if s.hasActive() {
		t.Fatal("timer left running after flush")
	}
	b.Add(turn(99))
	if b.Pending() != 0 {
		t.Fatal("turn accepted after flush")
	}
}

func TestBatcherCloseDropsPending(t *testing.T) {
	s := &scheduler{}
	rec := &recorder{}
	b := newTestBatcher(s, rec.fn)

	b.Add(turn(1))
	tm := s.active(t)
	b.Close()
	// A callback racing with Close must not extract.
	tm.fn()
	if got := rec.sizes(); len(got) != 0 {
		t.Fatalf("batches = %v", got)
	}
}

func TestBatcherReplaceLast(t *testing.T) {
	s := &scheduler{}
	rec := &recorder{}
	b := newTestBatcher(s, rec.fn)

	b.Add(turn(1))
	if !b.ReplaceLast(types.Utterance{Speaker: "A", Text: "Turn 1."}) {
		t.Fatal("pending turn not replaced")
	}
	s.fire(t)
	rec.mu.Lock()
	got := rec.batches[0][0].Text
	rec.mu.Unlock()
	if got != "Turn 1." {
		t.Errorf("extracted %q, want the formatted text", got)
	}
	if b.ReplaceLast(types.Utterance{Speaker: "A", Text: "late"}) {
		t.Error("replaced a turn that was already extracted")
	}
}
