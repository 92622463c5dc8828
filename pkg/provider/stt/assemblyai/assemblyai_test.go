package assemblyai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/epic-hq/Insights-sub011/internal/apperr"
	"github.com/epic-hq/Insights-sub011/pkg/provider/stt"
)

func TestNew_RequiresKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestBuildURL(t *testing.T) {
	p, _ := New("key")
	raw, err := p.buildURL(stt.StreamConfig{FormatTurns: true})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, _ := url.Parse(raw)
	q := u.Query()
	if u.Host != "streaming.assemblyai.com" || u.Path != "/v3/ws" {
		t.Errorf("endpoint = %s%s", u.Host, u.Path)
	}
	if q.Get("sample_rate") != "16000" || q.Get("encoding") != "pcm_s16le" || q.Get("format_turns") != "true" {
		t.Errorf("query = %s", u.RawQuery)
	}
	if q.Has("token") {
		t.Error("token must not be set without cfg.Token")
	}

	raw, _ = p.buildURL(stt.StreamConfig{SampleRate: 8000, Token: "tmp"})
	u, _ = url.Parse(raw)
	if u.Query().Get("token") != "tmp" || u.Query().Get("sample_rate") != "8000" {
		t.Errorf("query = %s", u.RawQuery)
	}
}

func TestParseMessage(t *testing.T) {
	tests := []struct {
		in   string
		want stt.EventType
		ok   bool
	}{
		{`{"type":"Begin","id":"sess-1"}`, stt.EventBegin, true},
		{`{"type":"Turn","transcript":"hi","end_of_turn":true}`, stt.EventTurn, true},
		{`{"type":"Termination"}`, stt.EventTermination, true},
		{`{"error":"bad audio"}`, stt.EventError, true},
		{`{"type":"SpeechStarted"}`, "", false},
		{`garbage`, "", false},
	}
	for _, tt := range tests {
		ev, ok := parseMessage([]byte(tt.in))
		if ok != tt.ok || ev.Type != tt.want {
			t.Errorf("parseMessage(%s) = %q,%v want %q,%v", tt.in, ev.Type, ok, tt.want, tt.ok)
		}
	}
	ev, _ := parseMessage([]byte(`{"type":"Turn","transcript":"Hello.","turn_is_formatted":true,"end_of_turn":true,"words":[{"text":"Hello.","start":10,"end":400,"confidence":0.9,"word_is_final":true}]}`))
	if !ev.Turn.Formatted || !ev.Turn.EndOfTurn || len(ev.Turn.Words) != 1 || ev.Turn.Words[0].End != 400 {
		t.Errorf("turn = %+v", ev.Turn)
	}
}

// fakeStreamingServer accepts one session, sends Begin, answers the first
// binary frame with a draft and a final turn, and replies to Terminate with
// Termination.
func fakeStreamingServer(t *testing.T, gotAuth *atomic.Value, gotFrames *atomic.Int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer c.CloseNow()
		ctx := r.Context()

		_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"Begin","id":"sess-42"}`))
		for {
			typ, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageBinary {
				if gotFrames.Add(1) == 1 {
					_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"Turn","transcript":"we","end_of_turn":false}`))
					_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"Turn","transcript":"we churned","end_of_turn":true,"words":[{"text":"we","start":0,"end":200},{"text":"churned","start":210,"end":700}]}`))
				}
				continue
			}
			if strings.Contains(string(data), "Terminate") {
				_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"Termination"}`))
				return
			}
		}
	}))
}

func TestStartStream_EventFlow(t *testing.T) {
	var gotAuth atomic.Value
	var gotFrames atomic.Int32
	srv := fakeStreamingServer(t, &gotAuth, &gotFrames)
	defer srv.Close()

	p, _ := New("secret", WithStreamingURL("ws"+strings.TrimPrefix(srv.URL, "http")))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := p.StartStream(ctx, stt.StreamConfig{FormatTurns: true})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	begin := <-sess.Events()
	if begin.Type != stt.EventBegin || begin.SessionID != "sess-42" {
		t.Fatalf("first event = %+v", begin)
	}
	if err := sess.SendAudio(make([]byte, 3200)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	draft := <-sess.Events()
	final := <-sess.Events()
	if draft.Turn.EndOfTurn || !final.Turn.EndOfTurn || final.Turn.Transcript != "we churned" {
		t.Fatalf("turns = %+v / %+v", draft.Turn, final.Turn)
	}

	closed := make(chan struct{})
	go func() {
		_ = sess.Close()
		close(closed)
	}()

	var sawTermination bool
	for ev := range sess.Events() {
		if ev.Type == stt.EventTermination {
			sawTermination = true
		}
	}
	<-closed
	if !sawTermination {
		t.Error("expected Termination before events closed")
	}
	if gotAuth.Load() != "secret" {
		t.Errorf("Authorization = %v", gotAuth.Load())
	}
	if err := sess.SendAudio([]byte{0, 0}); !errors.Is(err, stt.ErrSessionClosed) {
		t.Errorf("SendAudio after Close = %v, want ErrSessionClosed", err)
	}
	if err := sess.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestSubmitAndGet(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "k" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v2/transcript":
			// First attempt fails to exercise the retry path.
			if calls.Add(1) == 1 {
				http.Error(w, "busy", http.StatusServiceUnavailable)
				return
			}
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["audio_url"] != "https://media/x.mp3" || body["speaker_labels"] != true || body["webhook_url"] != "https://app/hook" {
				t.Errorf("submit body = %v", body)
			}
			_, _ = w.Write([]byte(`{"id":"tr_1","status":"queued"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/v2/transcript/tr_1":
			_, _ = w.Write([]byte(`{"id":"tr_1","status":"completed","text":"Hi there","confidence":0.93,"audio_duration":12.5,
				"utterances":[{"speaker":"A","text":"Hi there","start":0,"end":900,"confidence":0.93}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p, _ := New("k", WithBaseURL(srv.URL), WithMaxElapsed(5*time.Second))
	ctx := context.Background()

	job, err := p.Submit(ctx, stt.SubmitRequest{AudioURL: "https://media/x.mp3", WebhookURL: "https://app/hook", SpeakerLabels: true})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.ID != "tr_1" || job.Status != stt.JobQueued || job.Terminal() {
		t.Errorf("job = %+v", job)
	}
	if calls.Load() != 2 {
		t.Errorf("submit attempts = %d, want 2", calls.Load())
	}

	job, err = p.Get(ctx, "tr_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	data := job.TranscriptData()
	if !job.Terminal() || data.FullTranscript != "Hi there" || len(data.SpeakerTranscripts) != 1 || *data.AudioDuration != 12.5 {
		t.Errorf("transcript = %+v", data)
	}

	if _, err := p.Get(ctx, "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Get missing = %v, want ErrNotFound", err)
	}

	bad, _ := New("wrong", WithBaseURL(srv.URL))
	if _, err := bad.Get(ctx, "tr_1"); !errors.Is(err, apperr.ErrUpstream) || apperr.Retryable(err) {
		t.Errorf("unauthorized = %v, want permanent ErrUpstream", err)
	}
}
