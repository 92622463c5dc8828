package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/epic-hq/Insights-sub011/internal/apperr"
	"github.com/epic-hq/Insights-sub011/pkg/store/memstore"
	"github.com/epic-hq/Insights-sub011/pkg/types"
)

func fastRunner(t *testing.T, jobs *memstore.Store) *Runner {
	t.Helper()
	cfg := RunnerConfig{
		Workers:        2,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}
	var r *Runner
	if jobs == nil {
		r = NewRunner(cfg, nil, nil)
	} else {
		r = NewRunner(cfg, jobs, nil)
	}
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r
}

func newJob(t *testing.T, s *memstore.Store, stage types.Stage) *types.Job {
	t.Helper()
	j := &types.Job{InterviewID: "iv-1", Stage: stage, Status: types.JobPending}
	if err := s.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return j
}

func TestRunRetriesTransientFailures(t *testing.T) {
	s := memstore.New()
	r := fastRunner(t, s)
	job := newJob(t, s, types.StageAnalysis)

	var calls atomic.Int32
	err := r.Run(context.Background(), Task{
		InterviewID: "iv-1",
		Stage:       types.StageAnalysis,
		JobID:       job.ID,
		Run: func(context.Context) error {
			if calls.Add(1) < 3 {
				return apperr.Wrap(apperr.ErrTransient, "analysis", "enqueue", "broker down", nil)
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
	got, _ := s.GetJob(context.Background(), job.ID)
	if got.Status != types.JobDone || got.Attempts != 3 {
		t.Errorf("job = %+v", got)
	}
}

func TestRunDoesNotRetryPermanentFailures(t *testing.T) {
	s := memstore.New()
	r := fastRunner(t, s)
	job := newJob(t, s, types.StageTranscribe)

	var calls atomic.Int32
	var failed error
	err := r.Run(context.Background(), Task{
		InterviewID: "iv-1",
		Stage:       types.StageTranscribe,
		JobID:       job.ID,
		Run: func(context.Context) error {
			calls.Add(1)
			return apperr.Wrap(apperr.ErrUpstream, "transcribe", "submit", "401 Unauthorized", nil)
		},
		OnFailure: func(_ context.Context, err error) { failed = err },
	})
	if !errors.Is(err, apperr.ErrUpstream) {
		t.Fatalf("Run: got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
	if failed == nil {
		t.Error("OnFailure not called")
	}
	got, _ := s.GetJob(context.Background(), job.ID)
	if got.Status != types.JobError || got.LastError == "" {
		t.Errorf("job = %+v", got)
	}
}

func TestRunGivesUpAfterMaxAttempts(t *testing.T) {
	r := fastRunner(t, nil)
	var calls atomic.Int32
	err := r.Run(context.Background(), Task{
		InterviewID: "iv-1",
		Stage:       types.StageBotIngest,
		Run: func(context.Context) error {
			calls.Add(1)
			return errors.New("connection reset")
		},
	})
	if err == nil {
		t.Fatal("expected failure")
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestAwaitExternalLeavesJobInProgress(t *testing.T) {
	s := memstore.New()
	r := fastRunner(t, s)
	job := newJob(t, s, types.StageTranscribe)

	err := r.Run(context.Background(), Task{
		InterviewID:   "iv-1",
		Stage:         types.StageTranscribe,
		JobID:         job.ID,
		AwaitExternal: true,
		Run:           func(context.Context) error { return nil },
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, _ := s.GetJob(context.Background(), job.ID)
	if got.Status != types.JobInProgress {
		t.Errorf("status = %q, want in_progress", got.Status)
	}
}

func TestSecondRunForInterviewIsDuplicate(t *testing.T) {
	r := fastRunner(t, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	err := r.Go(Task{
		InterviewID: "iv-1",
		Stage:       types.StageBotIngest,
		Run: func(context.Context) error {
			close(started)
			<-release
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Go: %v", err)
	}
	<-started
	if !r.Active("iv-1") {
		t.Error("interview not active")
	}

	err = r.Run(context.Background(), Task{
		InterviewID: "iv-1",
		Stage:       types.StageTranscribe,
		Run:         func(context.Context) error { return nil },
	})
	if !errors.Is(err, apperr.ErrDuplicate) {
		t.Fatalf("second run: got %v", err)
	}

	// Other interviews are unaffected.
	if err := r.Run(context.Background(), Task{
		InterviewID: "iv-2",
		Stage:       types.StageTranscribe,
		Run:         func(context.Context) error { return nil },
	}); err != nil {
		t.Fatalf("other interview: %v", err)
	}

	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for r.Active("iv-1") {
		if time.Now().After(deadline) {
			t.Fatal("run never released")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestAttemptTimeoutIsMarked(t *testing.T) {
	r := NewRunner(RunnerConfig{
		MaxAttempts:    1,
		InitialBackoff: time.Millisecond,
		Timeout:        TimeoutPolicy{Min: 10 * time.Millisecond, Max: 10 * time.Millisecond},
	}, nil, nil)
	t.Cleanup(func() { _ = r.Close(context.Background()) })

	err := r.Run(context.Background(), Task{
		InterviewID: "iv-1",
		Stage:       types.StageBotIngest,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	if !errors.Is(err, apperr.ErrTimeout) {
		t.Fatalf("got %v, want timeout", err)
	}
}

func TestGoAfterCloseFails(t *testing.T) {
	r := NewRunner(RunnerConfig{}, nil, nil)
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	err := r.Go(Task{InterviewID: "iv", Run: func(context.Context) error { return nil }})
	if err == nil {
		t.Fatal("Go after Close succeeded")
	}
	if r.Active("iv") {
		t.Error("rejected task left registered")
	}
}

func TestTaskTimeoutOverridesScaledDeadline(t *testing.T) {
	r := NewRunner(RunnerConfig{
		MaxAttempts: 1,
		Timeout:     TimeoutPolicy{Min: 20 * time.Millisecond, Max: time.Minute, BytesPerSecond: 1 << 20},
	}, nil, nil)
	t.Cleanup(func() { _ = r.Close(context.Background()) })

	sleep := func(ctx context.Context) error {
		select {
		case <-time.After(100 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	err := r.Run(context.Background(), Task{InterviewID: "iv-1", Stage: types.StageBotIngest, Run: sleep})
	if !errors.Is(err, apperr.ErrTimeout) {
		t.Fatalf("scaled deadline: got %v, want timeout", err)
	}
	err = r.Run(context.Background(), Task{InterviewID: "iv-1", Stage: types.StageBotIngest, Timeout: r.StageTimeout(), Run: sleep})
	if err != nil {
		t.Fatalf("stage deadline: %v", err)
	}
	if r.StageTimeout() != time.Minute {
		t.Errorf("StageTimeout = %v", r.StageTimeout())
	}
}
