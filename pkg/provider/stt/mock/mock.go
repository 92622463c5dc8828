// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that a caller opens sessions with the expected
// StreamConfig, and Session to script the events a consumer receives and
// inspect which audio frames were delivered. Transcriber scripts batch job
// submission and lookup.
//
// Example:
//
//	sess := mock.NewSession(8)
//	p := &mock.Provider{Session: sess}
//	sess.EventsCh <- stt.Event{Type: stt.EventBegin}
package mock

import (
	"context"
	"sync"

	"github.com/epic-hq/Insights-sub011/pkg/provider/stt"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	Ctx context.Context
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by StartStream. If nil, a new Session with a
	// buffered events channel is created per call.
	Session *Session

	// StartStreamErr, if non-nil, is returned by StartStream.
	StartStreamErr error

	StartStreamCalls []StartStreamCall
}

// StartStream records the call and returns Session, StartStreamErr.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session == nil {
		p.Session = NewSession(16)
	}
	return p.Session, nil
}

// StartStreamCallCount returns the number of StartStream calls.
func (p *Provider) StartStreamCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

var _ stt.Provider = (*Provider)(nil)

// Session is a mock implementation of stt.SessionHandle. Tests send events
// on EventsCh; Close closes it unless the test already did via Finish.
type Session struct {
	mu sync.Mutex

	EventsCh chan stt.Event

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// SendAudioCalls holds a copy of every frame passed to SendAudio.
	SendAudioCalls [][]byte

	CloseCallCount int

	closed bool
}

// NewSession returns a Session whose events channel has the given buffer.
func NewSession(buffer int) *Session {
	return &Session{EventsCh: make(chan stt.Event, buffer)}
}

// SendAudio records a copy of the frame and returns SendAudioErr.
func (s *Session) SendAudio(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrSessionClosed
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	s.SendAudioCalls = append(s.SendAudioCalls, cp)
	return s.SendAudioErr
}

// Events returns EventsCh.
func (s *Session) Events() <-chan stt.Event { return s.EventsCh }

// Finish closes the events channel, simulating the provider ending the
// session on its own.
func (s *Session) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.EventsCh)
	}
}

// Close records the call, closes the events channel once and returns
// CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	err := s.CloseErr
	s.mu.Unlock()
	s.Finish()
	return err
}

// SendAudioCallCount returns the number of SendAudio calls.
func (s *Session) SendAudioCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendAudioCalls)
}

// Closes returns the number of Close calls.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

var _ stt.SessionHandle = (*Session)(nil)

// Transcriber is a mock implementation of stt.Transcriber.
type Transcriber struct {
	mu sync.Mutex

	// SubmitJob is returned by Submit; its ID defaults to "mock-job".
	SubmitJob *stt.Job
	SubmitErr error

	// Jobs maps IDs to the job returned by Get.
	Jobs   map[string]*stt.Job
	GetErr error

	SubmitCalls []stt.SubmitRequest
	GetCalls    []string
}

// Submit records the request and returns SubmitJob, SubmitErr.
func (m *Transcriber) Submit(_ context.Context, req stt.SubmitRequest) (*stt.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SubmitCalls = append(m.SubmitCalls, req)
	if m.SubmitErr != nil {
		return nil, m.SubmitErr
	}
	if m.SubmitJob != nil {
		return m.SubmitJob, nil
	}
	return &stt.Job{ID: "mock-job", Status: stt.JobQueued}, nil
}

// Get records the ID and returns the matching entry of Jobs.
func (m *Transcriber) Get(_ context.Context, id string) (*stt.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetCalls = append(m.GetCalls, id)
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	if j, ok := m.Jobs[id]; ok {
		return j, nil
	}
	return &stt.Job{ID: id, Status: stt.JobProcessing}, nil
}

// GetCallCount returns the number of Get calls.
func (m *Transcriber) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.GetCalls)
}

var _ stt.Transcriber = (*Transcriber)(nil)
