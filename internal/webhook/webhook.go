// Package webhook receives transcription-provider completion callbacks and
// advances the matching interview exactly once per provider job.
//
// Deliveries are correlated to interviews through the external ID stored on
// the transcribe job. Redelivered callbacks are answered with success and an
// "already processed" message without touching state.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/epic-hq/Insights-sub011/internal/apperr"
	"github.com/epic-hq/Insights-sub011/internal/observe"
	"github.com/epic-hq/Insights-sub011/internal/pipeline"
	"github.com/epic-hq/Insights-sub011/pkg/provider/stt"
	"github.com/epic-hq/Insights-sub011/pkg/store"
	"github.com/epic-hq/Insights-sub011/pkg/types"
)

// Response messages.
const (
	MsgMethodNotAllowed = "Method not allowed"
	MsgJobNotFound      = "Upload job not found"
	MsgAlreadyProcessed = "Already processed"
	MsgAcknowledged     = "Status acknowledged"
	MsgProcessed        = "Transcription processed"
	MsgFailureRecorded  = "Transcription failure recorded"
)

// Webhook outcome labels.
const (
	outcomeProcessed = "processed"
	outcomeDuplicate = "duplicate"
	outcomeIgnored   = "ignored"
	outcomeFailed    = "failed"
	outcomeRejected  = "rejected"
	outcomeError     = "error"
)

const maxBody = 1 << 20

// Payload is the provider's callback body.
type Payload struct {
	TranscriptID  string   `json:"transcript_id"`
	Status        string   `json:"status"`
	Text          string   `json:"text,omitempty"`
	Confidence    *float64 `json:"confidence,omitempty"`
	AudioDuration *float64 `json:"audio_duration,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// Response is written for every request.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Completer applies a terminal provider result to the pipeline.
type Completer interface {
	CompleteTranscription(ctx context.Context, job *types.Job, data *types.TranscriptData) (*types.Interview, error)
	FailTranscription(ctx context.Context, job *types.Job, providerErr string) (*types.Interview, error)
}

var _ Completer = (*pipeline.Orchestrator)(nil)

// Store is the persistence the handler reads.
type Store interface {
	store.Interviews
	FindJobByExternalID(ctx context.Context, stage types.Stage, externalID string) (*types.Job, error)
}

// Handler serves the transcription webhook.
type Handler struct {
	store       Store
	transcriber stt.Transcriber
	completer   Completer
	metrics     *observe.Metrics
}

// New returns a Handler. transcriber fetches the full result when a
// callback carries no text; metrics may be nil.
func New(s Store, transcriber stt.Transcriber, c Completer, metrics *observe.Metrics) *Handler {
	return &Handler{store: s, transcriber: transcriber, completer: c, metrics: metrics}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status, resp, outcome := h.handle(r)
	if h.metrics != nil {
		h.metrics.RecordWebhook(r.Context(), outcome, time.Since(start))
	}
	writeJSON(w, status, resp)
}

func (h *Handler) handle(r *http.Request) (int, Response, string) {
	if r.Method != http.MethodPost {
		return http.StatusMethodNotAllowed, Response{Message: MsgMethodNotAllowed}, outcomeRejected
	}
	ctx := r.Context()
	log := observe.Logger(ctx)

	var p Payload
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&p); err != nil {
		return http.StatusBadRequest, Response{Message: "invalid JSON body"}, outcomeRejected
	}
	if p.TranscriptID == "" {
		return http.StatusBadRequest, Response{Message: "transcript_id is required"}, outcomeRejected
	}
	log = log.With("transcript_id", p.TranscriptID, "provider_status", p.Status)

	job, err := h.store.FindJobByExternalID(ctx, types.StageTranscribe, p.TranscriptID)
	if store.IsNotFound(err) {
		log.Warn("webhook: unknown transcript")
		return http.StatusNotFound, Response{Message: MsgJobNotFound}, outcomeRejected
	}
	if err != nil {
		log.Error("webhook: find job", "err", err)
		return http.StatusInternalServerError, Response{Message: "lookup failed"}, outcomeError
	}
	iv, err := h.store.GetInterview(ctx, job.InterviewID)
	if err != nil {
		log.Error("webhook: load interview", "interview_id", job.InterviewID, "err", err)
		return apperr.HTTPStatus(err), Response{Message: "interview lookup failed"}, outcomeError
	}
	log = log.With("interview_id", iv.ID)

	if AlreadyProcessed(iv, job) {
		log.Info("webhook: already processed", "status", iv.Status)
		return http.StatusOK, Response{Success: true, Message: MsgAlreadyProcessed}, outcomeDuplicate
	}

	switch p.Status {
	case stt.JobCompleted:
	case stt.JobError, "failed":
		if _, err := h.completer.FailTranscription(ctx, job, p.Error); err != nil {
			if errors.Is(err, apperr.ErrDuplicate) {
				return http.StatusOK, Response{Success: true, Message: MsgAlreadyProcessed}, outcomeDuplicate
			}
			log.Error("webhook: record failure", "err", err)
			return apperr.HTTPStatus(err), Response{Message: apperr.Detail(err)}, outcomeError
		}
		return http.StatusOK, Response{Success: true, Message: MsgFailureRecorded}, outcomeFailed
	default:
		log.Debug("webhook: non-terminal status ignored")
		return http.StatusOK, Response{Success: true, Message: MsgAcknowledged}, outcomeIgnored
	}

	data, err := h.transcript(ctx, &p)
	if err != nil {
		log.Error("webhook: fetch transcript", "err", err)
		return http.StatusInternalServerError, Response{Message: apperr.Detail(err)}, outcomeError
	}
	if _, err := h.completer.CompleteTranscription(ctx, job, data); err != nil {
		if errors.Is(err, apperr.ErrDuplicate) {
			return http.StatusOK, Response{Success: true, Message: MsgAlreadyProcessed}, outcomeDuplicate
		}
		log.Error("webhook: complete transcription", "err", err)
		return apperr.HTTPStatus(err), Response{Message: apperr.Detail(err)}, outcomeError
	}
	log.Info("webhook: transcription processed")
	return http.StatusOK, Response{Success: true, Message: MsgProcessed}, outcomeProcessed
}

// transcript builds the stored payload from the callback, fetching the full
// job from the provider when the callback carries no text.
func (h *Handler) transcript(ctx context.Context, p *Payload) (*types.TranscriptData, error) {
	if p.Text != "" || h.transcriber == nil {
		j := &stt.Job{ID: p.TranscriptID, Status: stt.JobCompleted, Text: p.Text, Confidence: p.Confidence, AudioDuration: p.AudioDuration}
		return j.TranscriptData(), nil
	}
	j, err := h.transcriber.Get(ctx, p.TranscriptID)
	if err != nil {
		return nil, err
	}
	if j.Status != stt.JobCompleted {
		return nil, apperr.Wrap(apperr.ErrTransient, "webhook", "fetch transcript", "provider reports status "+j.Status, nil)
	}
	return j.TranscriptData(), nil
}

// AlreadyProcessed reports whether the interview has moved past the point a
// completion callback could change it.
func AlreadyProcessed(iv *types.Interview, job *types.Job) bool {
	switch {
	case iv.Status == types.StatusReady:
		return true
	case iv.Status == types.StatusProcessing && iv.ProcessingMetadata[pipeline.MetaTriggerRunID] != nil:
		return true
	case iv.Status.Rank() >= types.StatusTranscribed.Rank() && iv.Transcript != "":
		return true
	case job != nil && job.Status == types.JobDone:
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("webhook: write response", "err", err)
	}
}
