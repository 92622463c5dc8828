package assemblyai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/epic-hq/Insights-sub011/pkg/provider/stt"
	"github.com/epic-hq/Insights-sub011/pkg/types"
)

// StartStream dials the streaming endpoint and returns a session that is
// ready to accept PCM16 frames.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("assemblyai: build URL: %w", err)
	}

	opts := &websocket.DialOptions{}
	if cfg.Token == "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{p.apiKey}}
	}
	conn, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		return nil, fmt.Errorf("assemblyai: dial: %w", err)
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &session{
		conn:         conn,
		ctx:          sctx,
		cancel:       cancel,
		closeTimeout: p.closeTimeout,
		events:       make(chan stt.Event, 64),
		audio:        make(chan []byte, 256),
		done:         make(chan struct{}),
		readDone:     make(chan struct{}),
		writeDone:    make(chan struct{}),
	}
	go s.readLoop()
	go s.writeLoop()
	return s, nil
}

func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.streamingURL)
	if err != nil {
		return "", err
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}
	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("encoding", "pcm_s16le")
	q.Set("format_turns", strconv.FormatBool(cfg.FormatTurns))
	if cfg.Token != "" {
		q.Set("token", cfg.Token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// message is the union of server frames on the v3 streaming API.
type message struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Error string `json:"error"`
	types.Turn
}

type session struct {
	conn         *websocket.Conn
	ctx          context.Context
	cancel       context.CancelFunc
	closeTimeout time.Duration

	events chan stt.Event
	audio  chan []byte

	done      chan struct{}
	readDone  chan struct{}
	writeDone chan struct{}
	once      sync.Once

	mu       sync.Mutex
	writeErr error
}

func (s *session) SendAudio(frame []byte) error {
	s.mu.Lock()
	werr := s.writeErr
	s.mu.Unlock()
	if werr != nil {
		return fmt.Errorf("assemblyai: send audio: %w", werr)
	}
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audio <- frame:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	case <-s.writeDone:
		return stt.ErrSessionClosed
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func (s *session) Events() <-chan stt.Event { return s.events }

// Close stops accepting audio, flushes queued frames, sends Terminate and
// waits up to the close timeout for the server's Termination before
// dropping the connection.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		<-s.writeDone
		select {
		case <-s.readDone:
		case <-time.After(s.closeTimeout):
		}
		s.cancel()
		_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
		<-s.readDone
	})
	return nil
}

func (s *session) emit(ev stt.Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *session) writeLoop() {
	defer close(s.writeDone)
	for {
		select {
		case frame := <-s.audio:
			if err := s.conn.Write(s.ctx, websocket.MessageBinary, frame); err != nil {
				s.failWrite(err)
				return
			}
		case <-s.done:
			for {
				select {
				case frame := <-s.audio:
					if err := s.conn.Write(s.ctx, websocket.MessageBinary, frame); err != nil {
						return
					}
				default:
					_ = s.conn.Write(s.ctx, websocket.MessageText, []byte(`{"type":"Terminate"}`))
					return
				}
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *session) failWrite(err error) {
	s.mu.Lock()
	s.writeErr = err
	s.mu.Unlock()
	select {
	case s.events <- stt.Event{Type: stt.EventError, Err: fmt.Errorf("assemblyai: write: %w", err)}:
	case <-s.done:
	case <-s.ctx.Done():
	}
}

func (s *session) readLoop() {
	defer close(s.readDone)
	defer func() {
		// The writer may still emit; stop it before closing events.
		s.cancel()
		<-s.writeDone
		close(s.events)
	}()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if !s.closing() && !errors.Is(err, context.Canceled) &&
				websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				s.emit(stt.Event{Type: stt.EventError, Err: fmt.Errorf("assemblyai: read: %w", err)})
			}
			return
		}

		ev, ok := parseMessage(data)
		if !ok {
			continue
		}
		s.emit(ev)
		if ev.Type == stt.EventTermination {
			return
		}
	}
}

func (s *session) closing() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// parseMessage converts a server frame to an Event. Unknown frame types are
// ignored.
func parseMessage(data []byte) (stt.Event, bool) {
	var m message
	if err := json.Unmarshal(data, &m); err != nil {
		return stt.Event{}, false
	}
	switch {
	case m.Type == string(stt.EventBegin):
		return stt.Event{Type: stt.EventBegin, SessionID: m.ID}, true
	case m.Type == string(stt.EventTurn):
		return stt.Event{Type: stt.EventTurn, Turn: m.Turn}, true
	case m.Type == string(stt.EventTermination):
		return stt.Event{Type: stt.EventTermination}, true
	case m.Type == string(stt.EventError) || m.Error != "":
		msg := m.Error
		if msg == "" {
			msg = "unspecified streaming error"
		}
		return stt.Event{Type: stt.EventError, Err: fmt.Errorf("assemblyai: %s", msg)}, true
	default:
		return stt.Event{}, false
	}
}
