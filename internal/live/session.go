// Package live runs one realtime capture session: captured audio is framed
// and shipped to a streaming transcription provider on a timer, provider
// events are merged into the finalized turn sequence, and stopping the
// session hands back the local recording together with every finalized turn.
package live

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/epic-hq/Insights-sub011/internal/observe"
	"github.com/epic-hq/Insights-sub011/internal/transcript"
	"github.com/epic-hq/Insights-sub011/pkg/audio"
	"github.com/epic-hq/Insights-sub011/pkg/provider/stt"
	"github.com/epic-hq/Insights-sub011/pkg/types"
)

// State is the display state of a session.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateStreaming  State = "streaming"
	StateError      State = "error"
	StateStopped    State = "stopped"
)

// ErrAlreadyStarted is returned by Start on a session that was started before.
var ErrAlreadyStarted = errors.New("live: session already started")

// Config describes the capture format and the transcription stream.
type Config struct {
	// InputRate is the capture device sample rate in Hz.
	InputRate int

	// Channels of interleaved input samples. Zero means mono.
	Channels int

	// TargetRate and ChunkMs default to the framer defaults.
	TargetRate int
	ChunkMs    int

	FormatTurns bool
	Token       string
}

// Result is what a stopped session hands to the recording finalizer.
type Result struct {
	Turns []types.Turn

	// Recording is a mono PCM16 WAV of everything captured, at InputRate.
	Recording  []byte
	SampleRate int
	Duration   time.Duration

	// Err is the last provider error seen, if any.
	Err error
}

// Utterances converts the finalized turns for extraction or finalize.
func (r *Result) Utterances() []types.Utterance {
	return transcript.Utterances(r.Turns)
}

// Option configures a [Session].
type Option func(*Session)

// WithMetrics records frame and session counts on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithOnFinal registers fn for every newly appended finalized turn. It is
// called from the event goroutine and must not block for long.
func WithOnFinal(fn func(types.Turn)) Option {
	return func(s *Session) { s.onFinal = fn }
}

// WithOnReplace registers fn for a formatted turn that replaced the last
// finalized turn.
func WithOnReplace(fn func(types.Turn)) Option {
	return func(s *Session) { s.onReplace = fn }
}

// WithOnDraft registers fn for live draft turns.
func WithOnDraft(fn func(types.Turn)) Option {
	return func(s *Session) { s.onDraft = fn }
}

// WithOnState registers fn for state changes.
func WithOnState(fn func(State)) Option {
	return func(s *Session) { s.onState = fn }
}

// WithTicker replaces the frame timer. newTicker returns the tick channel
// and a stop function.
func WithTicker(newTicker func(d time.Duration) (<-chan time.Time, func())) Option {
	return func(s *Session) { s.newTicker = newTicker }
}

// Session is one live capture. Write may be called from the capture
// callback concurrently with everything else.
type Session struct {
	provider stt.Provider
	cfg      Config
	framer   *audio.Framer
	seq      transcript.Sequence

	metrics   *observe.Metrics
	onFinal   func(types.Turn)
	onReplace func(types.Turn)
	onDraft   func(types.Turn)
	onState   func(State)
	newTicker func(d time.Duration) (<-chan time.Time, func())

	mu        sync.Mutex
	state     State
	lastErr   error
	sessionID string
	recording bytes.Buffer
	samples   int
	handle    stt.SessionHandle
	started   bool

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	result   *Result
}

// NewSession validates the capture format. An unusable format is reported
// here so the session never starts.
func NewSession(p stt.Provider, cfg Config, opts ...Option) (*Session, error) {
	if p == nil {
		return nil, errors.New("live: provider is required")
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	var fopts []audio.FramerOption
	if cfg.TargetRate > 0 {
		fopts = append(fopts, audio.WithTargetRate(cfg.TargetRate))
	} else {
		cfg.TargetRate = audio.DefaultTargetRate
	}
	if cfg.ChunkMs > 0 {
		fopts = append(fopts, audio.WithChunkMs(cfg.ChunkMs))
	} else {
		cfg.ChunkMs = audio.DefaultChunkMs
	}
	framer, err := audio.NewFramer(cfg.InputRate, fopts...)
	if err != nil {
		return nil, fmt.Errorf("live: %w", err)
	}
	s := &Session{
		provider: p,
		cfg:      cfg,
		framer:   framer,
		state:    StateIdle,
		done:     make(chan struct{}),
		newTicker: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Start opens the transcription stream and begins shipping frames.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	s.setState(StateConnecting)
	handle, err := s.provider.StartStream(ctx, stt.StreamConfig{
		SampleRate:  s.cfg.TargetRate,
		FormatTurns: s.cfg.FormatTurns,
		Token:       s.cfg.Token,
	})
	if err != nil {
		s.fail(err)
		return fmt.Errorf("live: start stream: %w", err)
	}

	s.mu.Lock()
	s.handle = handle
	s.mu.Unlock()
	s.setState(StateStreaming)
	if s.metrics != nil {
		s.metrics.ActiveLiveSessions.Add(ctx, 1)
	}

	s.wg.Add(2)
	go s.sendLoop(ctx, handle)
	go s.eventLoop(ctx, handle)
	return nil
}

// Write appends captured interleaved samples. Samples written before Start
// are buffered and sent on the first ticks; samples written after Stop are
// dropped.
func (s *Session) Write(samples []float32) {
	mono := audio.Downmix(samples, s.cfg.Channels)
	if len(mono) == 0 {
		return
	}
	select {
	case <-s.done:
		return
	default:
	}
	s.framer.Write(mono)
	pcm := audio.FloatToPCM16(mono)
	s.mu.Lock()
	s.recording.Write(pcm)
	s.samples += len(mono)
	s.mu.Unlock()
}

// State returns the current display state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionID returns the provider session id from the Begin event.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Buffered returns the captured input samples not yet sent as frames.
func (s *Session) Buffered() int { return s.framer.Buffered() }

// Turns returns the finalized turns so far.
func (s *Session) Turns() []types.Turn { return s.seq.Final() }

// Draft returns the current live draft.
func (s *Session) Draft() (types.Turn, bool) { return s.seq.Draft() }

// Stop ends the session: the frame timer stops, the provider connection is
// closed and drained, and the recording plus finalized turns are returned.
// It is safe to call more than once and always returns the same result.
func (s *Session) Stop(ctx context.Context) *Result {
	s.stopOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		handle := s.handle
		s.mu.Unlock()
		if handle != nil {
			if err := handle.Close(); err != nil {
				slog.Warn("live: close stream", "err", err)
			}
		}
		s.wg.Wait()
		if handle != nil && s.metrics != nil {
			s.metrics.ActiveLiveSessions.Add(ctx, -1)
		}

		s.mu.Lock()
		if s.state != StateError {
			s.state = StateStopped
		}
		state := s.state
		res := &Result{
			Turns:      s.seq.Final(),
			Recording:  audio.EncodeWAV(s.recording.Bytes(), s.cfg.InputRate, 1),
			SampleRate: s.cfg.InputRate,
			Duration:   time.Duration(s.samples) * time.Second / time.Duration(s.cfg.InputRate),
			Err:        s.lastErr,
		}
		s.result = res
		s.mu.Unlock()
		if s.onState != nil {
			s.onState(state)
		}
	})
	return s.result
}

func (s *Session) sendLoop(ctx context.Context, handle stt.SessionHandle) {
	defer s.wg.Done()
	tick, stop := s.newTicker(time.Duration(s.cfg.ChunkMs) * time.Millisecond)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-tick:
			frame, ok := s.framer.Next()
			if !ok {
				if s.metrics != nil {
					s.metrics.FramesSkipped.Add(ctx, 1)
				}
				continue
			}
			if err := handle.SendAudio(frame); err != nil {
				if errors.Is(err, stt.ErrSessionClosed) {
					return
				}
				s.fail(err)
				return
			}
			s.framer.MarkSent()
			if s.metrics != nil {
				s.metrics.FramesSent.Add(ctx, 1)
			}
		}
	}
}

func (s *Session) eventLoop(ctx context.Context, handle stt.SessionHandle) {
	defer s.wg.Done()
	for ev := range handle.Events() {
		switch ev.Type {
		case stt.EventBegin:
			s.mu.Lock()
			s.sessionID = ev.SessionID
			s.mu.Unlock()
			s.seq.Reset()
			slog.Debug("live: session began", "session_id", ev.SessionID)
		case stt.EventTurn:
			s.applyTurn(ev.Turn)
		case stt.EventError:
			s.fail(ev.Err)
		case stt.EventTermination:
			slog.Debug("live: session terminated", "turns", s.seq.Len())
		}
	}
	// The provider ended the stream on its own while we were still running.
	select {
	case <-s.done:
	case <-ctx.Done():
	default:
		if s.State() == StateStreaming {
			s.fail(stt.ErrSessionClosed)
		}
	}
}

func (s *Session) applyTurn(t types.Turn) {
	switch s.seq.Apply(t) {
	case transcript.MergeDraft:
		if s.onDraft != nil {
			s.onDraft(t)
		}
	case transcript.MergeAppended:
		if s.onFinal != nil {
			s.onFinal(t)
		}
	case transcript.MergeReplaced:
		if s.onReplace != nil {
			s.onReplace(t)
		}
	}
}

func (s *Session) fail(err error) {
	if err == nil {
		err = errors.New("live: provider error")
	}
	slog.Warn("live: stream error", "err", err)
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	s.setState(StateError)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()
	if s.onState != nil {
		s.onState(st)
	}
}
