package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/epic-hq/Insights-sub011/internal/api"
	"github.com/epic-hq/Insights-sub011/internal/evidence"
	"github.com/epic-hq/Insights-sub011/internal/finalize"
	"github.com/epic-hq/Insights-sub011/internal/pipeline"
	triggermock "github.com/epic-hq/Insights-sub011/internal/trigger/mock"
	"github.com/epic-hq/Insights-sub011/pkg/objectstore"
	"github.com/epic-hq/Insights-sub011/pkg/provider/stt"
	sttmock "github.com/epic-hq/Insights-sub011/pkg/provider/stt/mock"
	"github.com/epic-hq/Insights-sub011/pkg/store/memstore"
	"github.com/epic-hq/Insights-sub011/pkg/types"
)

type harness struct {
	srv   *httptest.Server
	store *memstore.Store
	stt   *sttmock.Transcriber
	trig  *triggermock.Enqueuer
}

func newHarness(t *testing.T, classify evidence.ClassifierFunc, extra ...api.Option) *harness {
	t.Helper()
	bucket, err := objectstore.NewFS(t.TempDir(), "http://media.test")
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		store: memstore.New(),
		stt:   &sttmock.Transcriber{SubmitJob: &stt.Job{ID: "tr-9", Status: stt.JobQueued}},
		trig:  &triggermock.Enqueuer{},
	}
	orch, err := pipeline.New(pipeline.Deps{Store: h.store, Bucket: bucket, Transcriber: h.stt, Trigger: h.trig},
		pipeline.Config{Runner: pipeline.RunnerConfig{InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = orch.Close(context.Background()) })

	opts := []api.Option{api.WithTranscriber(h.stt)}
	if classify != nil {
		opts = append(opts, api.WithExtractor(evidence.NewSynthesizer(h.store, classify, evidence.ModeLive)))
	}
	opts = append(opts, extra...)
	mux := http.NewServeMux()
	api.New(h.store, orch, opts...).Register(mux)
	h.srv = httptest.NewServer(mux)
	t.Cleanup(h.srv.Close)
	return h
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func uploadBody(t *testing.T) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("account_id", "acc")
	_ = w.WriteField("project_id", "proj")
	_ = w.WriteField("title", "Discovery call")
	fw, err := w.CreateFormFile("file", "call.mp3")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = fw.Write([]byte("audio-bytes"))
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, w.FormDataContentType()
}

func TestUploadWebhookAndStatus(t *testing.T) {
	h := newHarness(t, nil)

	body, ct := uploadBody(t)
	resp, err := http.Post(h.srv.URL+"/api/uploads", ct, body)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}
	up := decode[map[string]string](t, resp)
	id := up["interviewId"]
	if id == "" || up["status"] != string(types.StatusTranscribing) {
		t.Fatalf("upload response = %v", up)
	}

	hook := `{"transcript_id": "tr-9", "status": "completed", "text": "Billing is confusing."}`
	for range 2 {
		resp, err = http.Post(h.srv.URL+"/api/webhooks/assemblyai", "application/json", strings.NewReader(hook))
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("webhook status = %d", resp.StatusCode)
		}
		resp.Body.Close()
	}
	if h.trig.Count() != 1 {
		t.Errorf("trigger count = %d", h.trig.Count())
	}

	resp, err = http.Get(h.srv.URL + "/api/interviews/" + id)
	if err != nil {
		t.Fatal(err)
	}
	st := decode[map[string]any](t, resp)
	if st["status"] != string(types.StatusProcessing) || st["status_detail"] == "" {
		t.Errorf("status response = %v", st)
	}
}

func TestStatusNotFound(t *testing.T) {
	h := newHarness(t, nil)
	resp, err := http.Get(h.srv.URL + "/api/interviews/nope")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestFinalizeEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	iv := &types.Interview{AccountID: "acc", ProjectID: "proj"}
	if err := h.store.CreateInterview(context.Background(), iv); err != nil {
		t.Fatal(err)
	}
	raw, ct, err := finalize.Encode(finalize.Payload{
		Transcript: []types.Utterance{{Speaker: "A", Text: "Our reporting takes a full day each week."}},
	}, &finalize.Media{Data: []byte("RIFF")})
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(h.srv.URL+"/api/interviews/"+iv.ID+"/finalize", ct, bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("finalize status = %d", resp.StatusCode)
	}
	out := decode[finalize.Response](t, resp)
	if out.InterviewID != iv.ID || out.Status != string(types.StatusProcessing) || out.MediaURL == "" {
		t.Errorf("response = %+v", out)
	}
}

func TestFinalizeRejectsMissingPayload(t *testing.T) {
	h := newHarness(t, nil)
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("other", "x")
	_ = w.Close()
	resp, err := http.Post(h.srv.URL+"/api/interviews/any/finalize", w.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestCheckTranscriptionAppliesProviderResult(t *testing.T) {
	h := newHarness(t, nil)
	body, ct := uploadBody(t)
	resp, err := http.Post(h.srv.URL+"/api/uploads", ct, body)
	if err != nil {
		t.Fatal(err)
	}
	id := decode[map[string]string](t, resp)["interviewId"]

	h.stt.Jobs = map[string]*stt.Job{"tr-9": {ID: "tr-9", Status: stt.JobCompleted, Text: "We switched tools last year."}}
	resp, err = http.Post(h.srv.URL+"/api/interviews/"+id+"/check-transcription", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	st := decode[map[string]any](t, resp)
	if st["status"] != string(types.StatusProcessing) {
		t.Errorf("status = %v", st)
	}
}

func TestRealtimeEvidence(t *testing.T) {
	classify := evidence.ClassifierFunc(func(_ context.Context, existing []string, _ []types.Utterance) (*evidence.Extraction, error) {
		return &evidence.Extraction{
			Evidence: []evidence.Candidate{
				{Action: evidence.ActionNew, Gist: "VA costs too much", Verbatim: "Our VA is expensive"},
				{Action: evidence.ActionSkip, Gist: "small talk"},
			},
		}, nil
	})
	h := newHarness(t, classify)
	iv := &types.Interview{AccountID: "acc", ProjectID: "proj"}
	if err := h.store.CreateInterview(context.Background(), iv); err != nil {
		t.Fatal(err)
	}

	req := `{"utterances": [{"speaker": "A", "text": "Our VA is expensive"}], "existingEvidence": [], "interviewId": "` + iv.ID + `"}`
	resp, err := http.Post(h.srv.URL+"/api/realtime-evidence", "application/json", strings.NewReader(req))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	out := decode[struct {
		Evidence         []evidence.Candidate `json:"evidence"`
		SavedEvidenceIDs []string             `json:"savedEvidenceIds"`
	}](t, resp)
	if len(out.Evidence) != 1 || len(out.SavedEvidenceIDs) != 1 {
		t.Fatalf("response = %+v", out)
	}
	rows, _ := h.store.ListEvidence(context.Background(), iv.ID)
	if len(rows) != 1 || rows[0].AccountID != "acc" {
		t.Errorf("rows = %+v", rows)
	}
}

func TestRealtimeEvidenceDisabled(t *testing.T) {
	h := newHarness(t, nil)
	resp, err := http.Post(h.srv.URL+"/api/realtime-evidence", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestAPIKeyRequiredExceptWebhook(t *testing.T) {
	h := newHarness(t, nil, api.WithAPIKey("s3cret"))

	resp, err := http.Get(h.srv.URL + "/api/interviews/any")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("without token: status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, h.srv.URL+"/api/interviews/any", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("with token: status = %d", resp.StatusCode)
	}

	resp, err = http.Post(h.srv.URL+"/api/webhooks/assemblyai", "application/json", strings.NewReader(`{"transcript_id": "unknown", "status": "completed"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("webhook: status = %d", resp.StatusCode)
	}
}
