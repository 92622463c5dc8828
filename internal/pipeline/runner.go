package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/epic-hq/Insights-sub011/internal/apperr"
	"github.com/epic-hq/Insights-sub011/internal/observe"
	"github.com/epic-hq/Insights-sub011/pkg/store"
	"github.com/epic-hq/Insights-sub011/pkg/types"
)

// Runner defaults.
const (
	DefaultWorkers        = 4
	DefaultMaxAttempts    = 4
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 30 * time.Second
	defaultQueueSize      = 64
)

// Stage outcome labels.
const (
	OutcomeDone      = "done"
	OutcomeRetry     = "retry"
	OutcomeError     = "error"
	OutcomeDuplicate = "duplicate"
)

// ErrQueueFull is returned by Go when every worker is busy and the queue
// is at capacity.
var ErrQueueFull = fmt.Errorf("%w: pipeline queue full", apperr.ErrTransient)

// RunnerConfig tunes a [Runner]. Zero fields take the defaults.
type RunnerConfig struct {
	Workers        int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	QueueSize      int
	Timeout        TimeoutPolicy
}

func (c *RunnerConfig) defaults() {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = max(DefaultMaxBackoff, c.InitialBackoff)
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.Timeout.Min <= 0 {
		c.Timeout = DefaultTimeoutPolicy
	}
}

// Task is one retryable stage of one interview.
type Task struct {
	InterviewID string
	Stage       types.Stage

	// JobID, when set, is the durable job record updated per attempt.
	JobID string

	// Size is the payload size in bytes used to scale each attempt's
	// deadline.
	Size int64

	// Timeout, when set, is the per-attempt deadline instead of the one
	// scaled from Size. Stages that make several external calls use
	// [Runner.StageTimeout] and scale each call on its own.
	Timeout time.Duration

	// AwaitExternal leaves the job in_progress after success because an
	// external system completes it later.
	AwaitExternal bool

	Run func(ctx context.Context) error

	// OnFailure runs once after the final failed attempt.
	OnFailure func(ctx context.Context, err error)

	detached bool
}

// Runner executes stage tasks with bounded retries. At most one task per
// interview runs at a time.
type Runner struct {
	cfg     RunnerConfig
	jobs    store.Jobs
	metrics *observe.Metrics

	queue  chan Task
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	runs   map[string]types.Stage
	closed bool
}

// NewRunner starts cfg.Workers workers. jobs and metrics may be nil.
func NewRunner(cfg RunnerConfig, jobs store.Jobs, metrics *observe.Metrics) *Runner {
	cfg.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		cfg:     cfg,
		jobs:    jobs,
		metrics: metrics,
		queue:   make(chan Task, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
		runs:    make(map[string]types.Stage),
	}
	r.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go r.worker()
	}
	return r
}

// Timeout returns the deadline for a payload of the given size.
func (r *Runner) Timeout(bytes int64) time.Duration {
	return r.cfg.Timeout.ScaledTimeout(bytes)
}

// StageTimeout is the per-attempt deadline of multi-call stages.
func (r *Runner) StageTimeout() time.Duration {
	return r.cfg.Timeout.Ceiling()
}

// Run executes t synchronously. It fails with apperr.ErrDuplicate when a
// run for the same interview is already active.
func (r *Runner) Run(ctx context.Context, t Task) error {
	if err := r.acquire(t); err != nil {
		return err
	}
	defer r.release(t.InterviewID)
	return r.execute(ctx, t)
}

// Go queues t for a worker. It fails with apperr.ErrDuplicate when a run
// for the same interview is already active and with [ErrQueueFull] when
// the queue is at capacity.
func (r *Runner) Go(t Task) error {
	if err := r.acquire(t); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		delete(r.runs, t.InterviewID)
		return fmt.Errorf("pipeline: runner closed")
	}
	select {
	case r.queue <- t:
		return nil
	default:
		delete(r.runs, t.InterviewID)
		return ErrQueueFull
	}
}

// Enqueue queues t for a worker without claiming the per-interview
// registry. It is meant for follow-up work spawned from inside a
// registered run; the job record guards against duplicates.
func (r *Runner) Enqueue(t Task) error {
	if t.Run == nil {
		return errors.New("pipeline: task has no Run func")
	}
	t.detached = true
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("pipeline: runner closed")
	}
	select {
	case r.queue <- t:
		return nil
	default:
		return ErrQueueFull
	}
}

// Active reports whether a run for interviewID is in flight or queued.
func (r *Runner) Active(interviewID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.runs[interviewID]
	return ok
}

// Retry runs fn with the runner's backoff policy, without the per-interview
// registry. Each attempt's deadline is scaled from size. It is meant for
// single calls inside an already registered run.
func (r *Runner) Retry(ctx context.Context, stage types.Stage, size int64, fn func(ctx context.Context) error) error {
	return r.execute(ctx, Task{Stage: stage, Size: size, Run: fn})
}

// Close stops accepting tasks and waits for queued and running tasks until
// ctx expires, after which running tasks are cancelled.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}

func (r *Runner) acquire(t Task) error {
	if t.Run == nil {
		return errors.New("pipeline: task has no Run func")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if stage, ok := r.runs[t.InterviewID]; ok {
		slog.Info("pipeline: duplicate run rejected",
			"interview_id", t.InterviewID, "stage", t.Stage, "active_stage", stage)
		if r.metrics != nil {
			r.metrics.CountStageOutcome(context.Background(), string(t.Stage), OutcomeDuplicate)
		}
		return apperr.Wrap(apperr.ErrDuplicate, string(t.Stage), "run",
			fmt.Sprintf("interview %s already has an active %s run", t.InterviewID, stage), nil)
	}
	r.runs[t.InterviewID] = t.Stage
	return nil
}

func (r *Runner) release(interviewID string) {
	r.mu.Lock()
	delete(r.runs, interviewID)
	r.mu.Unlock()
}

func (r *Runner) worker() {
	defer r.wg.Done()
	for t := range r.queue {
		if err := r.execute(r.ctx, t); err != nil {
			slog.Warn("pipeline: background run failed",
				"interview_id", t.InterviewID, "stage", t.Stage, "err", err)
		}
		if !t.detached {
			r.release(t.InterviewID)
		}
	}
}

// execute runs t until it succeeds, fails permanently, or exhausts its
// attempts.
func (r *Runner) execute(ctx context.Context, t Task) (err error) {
	ctx = observe.WithInterview(ctx, t.InterviewID)
	ctx, span := observe.StartSpan(ctx, "pipeline."+string(t.Stage),
		trace.WithAttributes(
			attribute.String("interview.id", t.InterviewID),
			attribute.String("pipeline.stage", string(t.Stage)),
		))
	defer func() { observe.EndSpan(span, err) }()

	start := time.Now()
	if r.metrics != nil {
		r.metrics.ActiveRuns.Add(ctx, 1)
		defer r.metrics.ActiveRuns.Add(ctx, -1)
	}
	log := observe.Logger(ctx).With("stage", t.Stage)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.InitialBackoff
	bo.MaxInterval = r.cfg.MaxBackoff
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(r.cfg.MaxAttempts-1)), ctx)

	deadline := t.Timeout
	if deadline <= 0 {
		deadline = r.cfg.Timeout.ScaledTimeout(t.Size)
	}
	attempt := 0
	op := func() error {
		attempt++
		r.updateJob(ctx, t.JobID, store.JobPatch{Status: ptr(types.JobInProgress), IncAttempts: true})

		callCtx, cancel := context.WithTimeout(ctx, deadline)
		defer cancel()
		runErr := t.Run(callCtx)
		if runErr == nil {
			return nil
		}
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil && !errors.Is(runErr, apperr.ErrTimeout) {
			runErr = apperr.Wrap(apperr.ErrTimeout, string(t.Stage), "attempt", "deadline exceeded", runErr)
		}
		if !apperr.Retryable(runErr) || ctx.Err() != nil {
			return backoff.Permanent(runErr)
		}
		return runErr
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("pipeline: attempt failed, retrying", "attempt", attempt, "wait", wait, "err", err)
		detail := apperr.Detail(err)
		r.updateJob(ctx, t.JobID, store.JobPatch{Status: ptr(types.JobRetry), StatusDetail: &detail, LastError: ptr(err.Error())})
		if r.metrics != nil {
			r.metrics.CountStageOutcome(ctx, string(t.Stage), OutcomeRetry)
		}
	}

	err = backoff.RetryNotify(op, policy, notify)
	if err != nil {
		detail := apperr.Detail(err)
		r.updateJob(ctx, t.JobID, store.JobPatch{Status: ptr(types.JobError), StatusDetail: &detail, LastError: ptr(err.Error())})
		r.record(ctx, t.Stage, OutcomeError, start)
		log.Error("pipeline: stage failed", "attempts", attempt, "err", err)
		if t.OnFailure != nil {
			t.OnFailure(context.WithoutCancel(ctx), err)
		}
		return err
	}

	if !t.AwaitExternal {
		r.updateJob(ctx, t.JobID, store.JobPatch{Status: ptr(types.JobDone), StatusDetail: ptr("")})
	}
	r.record(ctx, t.Stage, OutcomeDone, start)
	log.Info("pipeline: stage complete", "attempts", attempt, "elapsed", time.Since(start))
	return nil
}

func (r *Runner) updateJob(ctx context.Context, jobID string, patch store.JobPatch) {
	if jobID == "" || r.jobs == nil {
		return
	}
	if _, err := r.jobs.UpdateJob(context.WithoutCancel(ctx), jobID, patch); err != nil {
		slog.Warn("pipeline: update job", "job_id", jobID, "err", err)
	}
}

func (r *Runner) record(ctx context.Context, stage types.Stage, outcome string, start time.Time) {
	if r.metrics == nil {
		return
	}
	r.metrics.RecordStage(ctx, string(stage), outcome, time.Since(start))
}

func ptr[T any](v T) *T { return &v }
