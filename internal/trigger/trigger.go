// Package trigger hands finished transcripts to the downstream analysis
// workers. Each enqueue returns a run ID that is stored on the interview so
// progress can be tracked.
package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/epic-hq/Insights-sub011/internal/apperr"
	"github.com/epic-hq/Insights-sub011/pkg/types"
)

// Request is the analysis job payload.
type Request struct {
	AccountID          string                `json:"accountId"`
	ProjectID          string                `json:"projectId"`
	InterviewID        string                `json:"interviewId"`
	MediaURL           string                `json:"mediaUrl"`
	TranscriptData     *types.TranscriptData `json:"transcriptData"`
	CustomInstructions string                `json:"customInstructions,omitempty"`
}

// Enqueuer starts downstream analysis runs.
type Enqueuer interface {
	Enqueue(ctx context.Context, req Request) (runID string, err error)
	Close() error
}

// envelope is the message value published for each run.
type envelope struct {
	RunID      string    `json:"runId"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	Request
}

// Config holds Kafka settings. An empty broker list or Enabled=false
// selects the log-only enqueuer.
type Config struct {
	Brokers []string
	Topic   string
	Enabled bool
}

// New returns a Kafka enqueuer when cfg enables it and a log-only one
// otherwise.
func New(cfg Config) Enqueuer {
	if !cfg.Enabled || len(cfg.Brokers) == 0 || cfg.Topic == "" {
		slog.Info("analysis trigger: kafka disabled, using log-only mode")
		return LogEnqueuer{}
	}
	dialer := &kafka.Dialer{Timeout: 10 * time.Second, DualStack: true}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc},
	}
	slog.Info("analysis trigger: kafka publisher initialized", "brokers", cfg.Brokers, "topic", cfg.Topic)
	k := NewKafka(w)
	k.brokers = cfg.Brokers
	k.dial = dialer.DialContext
	return k
}

// MessageWriter is the subset of *kafka.Writer used by [KafkaEnqueuer].
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaEnqueuer publishes one message per run, keyed by interview ID so
// all runs of an interview land on the same partition.
type KafkaEnqueuer struct {
	w       MessageWriter
	now     func() time.Time
	brokers []string
	dial    func(ctx context.Context, network, address string) (*kafka.Conn, error)
}

var _ Enqueuer = (*KafkaEnqueuer)(nil)

// NewKafka wraps w.
func NewKafka(w MessageWriter) *KafkaEnqueuer {
	return &KafkaEnqueuer{w: w, now: time.Now}
}

func (k *KafkaEnqueuer) Enqueue(ctx context.Context, req Request) (string, error) {
	env := envelope{RunID: uuid.NewString(), EnqueuedAt: k.now().UTC(), Request: req}
	value, err := json.Marshal(env)
	if err != nil {
		return "", apperr.Wrap(apperr.ErrValidation, "trigger", "marshal", req.InterviewID, err)
	}
	msg := kafka.Message{
		Key:   []byte(req.InterviewID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "run_id", Value: []byte(env.RunID)},
			{Key: "account_id", Value: []byte(req.AccountID)},
		},
	}
	if err := k.w.WriteMessages(ctx, msg); err != nil {
		return "", apperr.Wrap(apperr.ErrTransient, "trigger", "publish", req.InterviewID, err)
	}
	slog.Info("analysis run enqueued", "interview_id", req.InterviewID, "run_id", env.RunID)
	return env.RunID, nil
}

// Ping dials the brokers until one answers. It succeeds trivially when the
// enqueuer was built around a caller-supplied writer.
func (k *KafkaEnqueuer) Ping(ctx context.Context) error {
	if k.dial == nil || len(k.brokers) == 0 {
		return nil
	}
	var lastErr error
	for _, b := range k.brokers {
		conn, err := k.dial(ctx, "tcp", b)
		if err != nil {
			lastErr = err
			continue
		}
		_ = conn.Close()
		return nil
	}
	return fmt.Errorf("trigger: no broker reachable: %w", lastErr)
}

func (k *KafkaEnqueuer) Close() error {
	if err := k.w.Close(); err != nil {
		return fmt.Errorf("trigger: close writer: %w", err)
	}
	return nil
}

// LogEnqueuer only logs the request. It is used when no broker is
// configured.
type LogEnqueuer struct{}

var _ Enqueuer = LogEnqueuer{}

func (LogEnqueuer) Enqueue(_ context.Context, req Request) (string, error) {
	runID := uuid.NewString()
	chars := 0
	if req.TranscriptData != nil {
		chars = len(req.TranscriptData.FullTranscript)
	}
	slog.Info("analysis run (log-only)", "interview_id", req.InterviewID, "run_id", runID,
		"media_url", req.MediaURL, "transcript_chars", chars)
	return runID, nil
}

func (LogEnqueuer) Close() error { return nil }
