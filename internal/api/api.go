// Package api exposes the ingestion pipeline over HTTP: media upload,
// transcription webhook and polling, live-recording finalize, meeting-bot
// ingest, real-time evidence extraction and interview status.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/epic-hq/Insights-sub011/internal/apperr"
	"github.com/epic-hq/Insights-sub011/internal/evidence"
	"github.com/epic-hq/Insights-sub011/internal/finalize"
	"github.com/epic-hq/Insights-sub011/internal/observe"
	"github.com/epic-hq/Insights-sub011/internal/pipeline"
	"github.com/epic-hq/Insights-sub011/internal/webhook"
	"github.com/epic-hq/Insights-sub011/pkg/provider/stt"
	"github.com/epic-hq/Insights-sub011/pkg/store"
	"github.com/epic-hq/Insights-sub011/pkg/types"
)

// DefaultMaxUploadBytes bounds multipart request bodies.
const DefaultMaxUploadBytes = 2 << 30

// Pipeline is the orchestrator surface the API drives.
type Pipeline interface {
	webhook.Completer
	Upload(ctx context.Context, req pipeline.UploadRequest) (*types.Interview, error)
	Finalize(ctx context.Context, interviewID string, p *finalize.Payload, media *finalize.Media) (*finalize.Response, error)
	IngestBot(ctx context.Context, interviewID, botID string) (*types.Job, error)
}

var _ Pipeline = (*pipeline.Orchestrator)(nil)

// Extractor processes one real-time evidence batch.
type Extractor interface {
	Process(ctx context.Context, b evidence.Batch) (*evidence.Result, error)
}

var _ Extractor = (*evidence.Synthesizer)(nil)

// Option configures a [Server].
type Option func(*Server)

// WithTranscriber enables transcription polling and transcript fetches for
// webhooks without text.
func WithTranscriber(t stt.Transcriber) Option {
	return func(s *Server) { s.transcriber = t }
}

// WithExtractor enables the real-time evidence endpoint.
func WithExtractor(e Extractor) Option {
	return func(s *Server) { s.extractor = e }
}

// WithMetrics records webhook outcomes.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithAPIKey requires key as a bearer token on every route except the
// provider webhook.
func WithAPIKey(key string) Option {
	return func(s *Server) { s.apiKey = key }
}

// WithMaxUploadBytes overrides [DefaultMaxUploadBytes].
func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) { s.maxUpload = n }
}

// Server holds the route handlers.
type Server struct {
	store       store.Store
	pipeline    Pipeline
	transcriber stt.Transcriber
	extractor   Extractor
	metrics     *observe.Metrics
	maxUpload   int64
	apiKey      string
	webhook     *webhook.Handler
}

// New returns a Server.
func New(st store.Store, p Pipeline, opts ...Option) *Server {
	s := &Server{store: st, pipeline: p, maxUpload: DefaultMaxUploadBytes}
	for _, o := range opts {
		o(s)
	}
	s.webhook = webhook.New(st, s.transcriber, p, s.metrics)
	return s
}

// Register adds the API routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/uploads", s.auth(s.handleUpload))
	mux.Handle("/api/webhooks/assemblyai", s.webhook)
	mux.HandleFunc("GET /api/interviews/{id}", s.auth(s.handleStatus))
	mux.HandleFunc("POST /api/interviews/{id}/finalize", s.auth(s.handleFinalize))
	mux.HandleFunc("POST /api/interviews/{id}/check-transcription", s.auth(s.handleCheckTranscription))
	mux.HandleFunc("POST /api/bots/{id}/ingest", s.auth(s.handleBotIngest))
	mux.HandleFunc("POST /api/realtime-evidence", s.auth(s.handleRealtimeEvidence))
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	if s.apiKey == "" {
		return next
	}
	want := []byte("Bearer " + s.apiKey)
	return func(w http.ResponseWriter, r *http.Request) {
		if subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), want) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
			return
		}
		next(w, r)
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api: write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		observe.Logger(r.Context()).Error("api: request failed", "path", r.URL.Path, "err", err)
	}
	writeJSON(w, status, errorBody{Error: apperr.Detail(err)})
}

func badRequest(msg string) error {
	return apperr.Wrap(apperr.ErrValidation, "api", "", msg, nil)
}

// uploadResponse is returned by POST /api/uploads.
type uploadResponse struct {
	InterviewID  string `json:"interviewId"`
	Status       string `json:"status"`
	StatusDetail string `json:"statusDetail,omitempty"`
	MediaURL     string `json:"mediaUrl,omitempty"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, r, badRequest("expected multipart/form-data"))
		return
	}

	req := pipeline.UploadRequest{}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			writeError(w, r, badRequest("malformed multipart body"))
			return
		}
		if part.FormName() == "file" {
			// The file part is streamed straight to storage and must come last.
			req.Filename = part.FileName()
			req.ContentType = part.Header.Get("Content-Type")
			req.Size, _ = strconv.ParseInt(r.Header.Get("X-Upload-Size"), 10, 64)
			req.Body = part
			break
		}
		val, err := io.ReadAll(io.LimitReader(part, 64<<10))
		if err != nil {
			writeError(w, r, badRequest("malformed form field"))
			return
		}
		switch part.FormName() {
		case "account_id":
			req.AccountID = string(val)
		case "project_id":
			req.ProjectID = string(val)
		case "title":
			req.Title = string(val)
		case "custom_instructions":
			req.CustomInstructions = string(val)
		}
	}

	iv, err := s.pipeline.Upload(r.Context(), req)
	if err != nil && iv == nil {
		writeError(w, r, err)
		return
	}
	resp := uploadResponse{InterviewID: iv.ID, Status: string(iv.Status), StatusDetail: iv.StatusDetail, MediaURL: iv.MediaURL}
	if err != nil {
		writeJSON(w, apperr.HTTPStatus(err), resp)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// statusResponse is returned by GET /api/interviews/{id}.
type statusResponse struct {
	ID                 string         `json:"id"`
	Status             string         `json:"status"`
	StatusDetail       string         `json:"status_detail,omitempty"`
	ProcessingMetadata map[string]any `json:"processing_metadata,omitempty"`
}

func statusOf(iv *types.Interview) statusResponse {
	return statusResponse{
		ID:                 iv.ID,
		Status:             string(iv.Status),
		StatusDetail:       iv.StatusDetail,
		ProcessingMetadata: iv.ProcessingMetadata,
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	iv, err := s.store.GetInterview(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusOf(iv))
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, r, badRequest("expected multipart/form-data"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	raw := r.FormValue(finalize.FieldPayload)
	if raw == "" {
		writeError(w, r, badRequest("payload part is required"))
		return
	}
	p, err := finalize.DecodePayload([]byte(raw))
	if err != nil {
		writeError(w, r, err)
		return
	}

	var media *finalize.Media
	if f, hdr, err := r.FormFile(finalize.FieldMedia); err == nil {
		data, rerr := io.ReadAll(f)
		f.Close()
		if rerr != nil {
			writeError(w, r, badRequest("could not read media part"))
			return
		}
		media = &finalize.Media{Filename: hdr.Filename, ContentType: hdr.Header.Get("Content-Type"), Data: data}
	}

	resp, err := s.pipeline.Finalize(r.Context(), r.PathValue("id"), p, media)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCheckTranscription polls the provider for an interview still in
// transcribing and applies a terminal result the webhook may have missed.
func (s *Server) handleCheckTranscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	iv, err := s.store.GetInterview(ctx, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if iv.Status != types.StatusTranscribing || s.transcriber == nil {
		writeJSON(w, http.StatusOK, statusOf(iv))
		return
	}
	td, _ := iv.ProcessingMetadata[pipeline.MetaTranscriptData].(map[string]any)
	externalID, _ := td[pipeline.MetaAssemblyAIID].(string)
	if externalID == "" {
		writeJSON(w, http.StatusOK, statusOf(iv))
		return
	}
	job, err := s.store.FindJobByExternalID(ctx, types.StageTranscribe, externalID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sj, err := s.transcriber.Get(ctx, externalID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	switch {
	case sj.Status == stt.JobCompleted:
		_, err = s.pipeline.CompleteTranscription(ctx, job, sj.TranscriptData())
	case sj.Terminal():
		_, err = s.pipeline.FailTranscription(ctx, job, sj.Error)
	}
	if err != nil && !errors.Is(err, apperr.ErrDuplicate) {
		writeError(w, r, err)
		return
	}
	if iv, err = s.store.GetInterview(ctx, iv.ID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusOf(iv))
}

type botIngestRequest struct {
	InterviewID string `json:"interviewId"`
}

type botIngestResponse struct {
	JobID       string `json:"jobId"`
	InterviewID string `json:"interviewId"`
	Status      string `json:"status"`
}

func (s *Server) handleBotIngest(w http.ResponseWriter, r *http.Request) {
	var req botIngestRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil || req.InterviewID == "" {
		writeError(w, r, badRequest("interviewId is required"))
		return
	}
	job, err := s.pipeline.IngestBot(r.Context(), req.InterviewID, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, botIngestResponse{JobID: job.ID, InterviewID: job.InterviewID, Status: string(job.Status)})
}

type realtimeRequest struct {
	Utterances       []types.Utterance `json:"utterances"`
	ExistingEvidence []string          `json:"existingEvidence"`
	InterviewID      string            `json:"interviewId,omitempty"`
	AccountID        string            `json:"accountId,omitempty"`
	ProjectID        string            `json:"projectId,omitempty"`
}

type realtimeResponse struct {
	Evidence         []evidence.Candidate `json:"evidence"`
	Tasks            []types.Task         `json:"tasks"`
	People           []types.Person       `json:"people"`
	SavedEvidenceIDs []string             `json:"savedEvidenceIds"`
}

func (s *Server) handleRealtimeEvidence(w http.ResponseWriter, r *http.Request) {
	if s.extractor == nil {
		writeError(w, r, apperr.Wrap(apperr.ErrNotFound, "api", "realtime evidence", "evidence extraction is not configured", nil))
		return
	}
	var req realtimeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4<<20)).Decode(&req); err != nil {
		writeError(w, r, badRequest("invalid JSON body"))
		return
	}
	b := evidence.Batch{
		AccountID:     req.AccountID,
		ProjectID:     req.ProjectID,
		InterviewID:   strings.TrimSpace(req.InterviewID),
		Utterances:    req.Utterances,
		ExistingGists: req.ExistingEvidence,
	}
	if b.InterviewID != "" && (b.AccountID == "" || b.ProjectID == "") {
		iv, err := s.store.GetInterview(r.Context(), b.InterviewID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		b.AccountID, b.ProjectID = iv.AccountID, iv.ProjectID
	}

	res, err := s.extractor.Process(r.Context(), b)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := realtimeResponse{
		Evidence:         res.Applied,
		Tasks:            res.Tasks,
		People:           res.People,
		SavedEvidenceIDs: res.SavedIDs,
	}
	if resp.Evidence == nil {
		resp.Evidence = []evidence.Candidate{}
	}
	if resp.Tasks == nil {
		resp.Tasks = []types.Task{}
	}
	if resp.People == nil {
		resp.People = []types.Person{}
	}
	if resp.SavedEvidenceIDs == nil {
		resp.SavedEvidenceIDs = []string{}
	}
	writeJSON(w, http.StatusOK, resp)
}
