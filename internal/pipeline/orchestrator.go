// Package pipeline orchestrates the ingestion of a recorded conversation:
// upload and transcription submission, meeting-bot ingest with transcoding,
// transcription completion and failure, live-recording finalize, and the
// hand-off to downstream analysis.
//
// Every stage is a retryable [Task] executed by a [Runner]; interview
// status moves only forward through the [Driver], so a redelivered signal
// or a re-run stage can never drag an interview backwards.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/epic-hq/Insights-sub011/internal/apperr"
	"github.com/epic-hq/Insights-sub011/internal/evidence"
	"github.com/epic-hq/Insights-sub011/internal/finalize"
	"github.com/epic-hq/Insights-sub011/internal/observe"
	"github.com/epic-hq/Insights-sub011/internal/transcript"
	"github.com/epic-hq/Insights-sub011/internal/trigger"
	"github.com/epic-hq/Insights-sub011/pkg/objectstore"
	"github.com/epic-hq/Insights-sub011/pkg/provider/stt"
	"github.com/epic-hq/Insights-sub011/pkg/store"
	"github.com/epic-hq/Insights-sub011/pkg/types"
)

// Extractor runs evidence extraction over a batch of utterances.
type Extractor interface {
	Process(ctx context.Context, b evidence.Batch) (*evidence.Result, error)
}

var _ Extractor = (*evidence.Synthesizer)(nil)

// Deps are the collaborators of an [Orchestrator]. Transcriber, Bots,
// Transcoder and Extractor may be nil when the matching feature is not
// configured.
type Deps struct {
	Store       store.Store
	Bucket      objectstore.Bucket
	Transcriber stt.Transcriber
	Trigger     trigger.Enqueuer
	Bots        BotClient
	Transcoder  Transcoder
	Metrics     *observe.Metrics

	// Extractor, when set, runs final-mode extraction over the full
	// transcript once analysis has been triggered.
	Extractor Extractor
}

// Config tunes an [Orchestrator].
type Config struct {
	Runner RunnerConfig

	// TempDir is the parent of per-run scratch directories. Empty uses
	// os.TempDir.
	TempDir string

	// WebhookURL receives transcription completion callbacks.
	WebhookURL string
}

// Orchestrator drives interviews through the ingestion stages.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	runner *Runner
	driver *Driver
	now    func() time.Time
}

// New validates deps and starts the stage runner.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	var errs []error
	if deps.Store == nil {
		errs = append(errs, errors.New("store is required"))
	}
	if deps.Bucket == nil {
		errs = append(errs, errors.New("object bucket is required"))
	}
	if deps.Trigger == nil {
		errs = append(errs, errors.New("analysis trigger is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	return &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		runner: NewRunner(cfg.Runner, deps.Store, deps.Metrics),
		driver: NewDriver(deps.Store),
		now:    time.Now,
	}, nil
}

// Runner exposes the stage runner.
func (o *Orchestrator) Runner() *Runner { return o.runner }

// Close drains background runs.
func (o *Orchestrator) Close(ctx context.Context) error {
	return o.runner.Close(ctx)
}

// UploadRequest is a media file submitted for transcription.
type UploadRequest struct {
	AccountID          string
	ProjectID          string
	Title              string
	Filename           string
	ContentType        string
	Size               int64
	Body               io.Reader
	CustomInstructions string
}

// Upload stores the media, creates the interview and submits the
// transcription job. The returned interview is in transcribing on success.
// A failed submission leaves the interview in error and is returned.
func (o *Orchestrator) Upload(ctx context.Context, req UploadRequest) (*types.Interview, error) {
	if req.Body == nil {
		return nil, apperr.Wrap(apperr.ErrValidation, "upload", "submit", "media file is required", nil)
	}
	if req.AccountID == "" || req.ProjectID == "" {
		return nil, apperr.Wrap(apperr.ErrValidation, "upload", "submit", "account and project are required", nil)
	}
	title := req.Title
	if title == "" {
		title = strings.TrimSuffix(req.Filename, filepath.Ext(req.Filename))
	}
	meta := map[string]any{"source": "upload", MetaStatusDetail: "Uploading media"}
	if req.Filename != "" {
		meta["original_filename"] = req.Filename
	}
	if req.CustomInstructions != "" {
		meta[MetaCustomInstructions] = req.CustomInstructions
	}
	iv := &types.Interview{
		AccountID:          req.AccountID,
		ProjectID:          req.ProjectID,
		Title:              title,
		Status:             types.StatusUploading,
		StatusDetail:       "Uploading media",
		ProcessingMetadata: meta,
	}
	if err := o.deps.Store.CreateInterview(ctx, iv); err != nil {
		return nil, fmt.Errorf("pipeline: create interview: %w", err)
	}
	log := observe.Logger(observe.WithInterview(ctx, iv.ID))

	ext := ExtensionFor(req.ContentType)
	if e := strings.TrimPrefix(filepath.Ext(req.Filename), "."); e != "" {
		ext = strings.ToLower(e)
	}
	key := ObjectKey(req.ProjectID, iv.ID, "upload."+ext)
	putCtx, cancel := context.WithTimeout(ctx, o.runner.Timeout(req.Size))
	mediaURL, err := o.deps.Bucket.Put(putCtx, key, req.Body, req.ContentType)
	cancel()
	if err != nil {
		err = apperr.Wrap(apperr.ErrTransient, "upload", "store media", "", err)
		if _, ferr := o.driver.Fail(ctx, iv.ID, err, nil); ferr != nil {
			log.Error("pipeline: record upload failure", "err", ferr)
		}
		return nil, err
	}

	iv, err = o.driver.Advance(ctx, iv.ID, types.StatusUploaded, "Upload complete", store.InterviewPatch{
		MediaURL:    &mediaURL,
		RawMediaURL: &mediaURL,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: mark uploaded: %w", err)
	}
	log.Info("pipeline: media uploaded", "key", key)

	if err := o.StartTranscription(ctx, iv.ID, mediaURL); err != nil && !errors.Is(err, apperr.ErrDuplicate) {
		failed, gerr := o.deps.Store.GetInterview(ctx, iv.ID)
		if gerr != nil {
			return nil, err
		}
		return failed, err
	}
	return o.deps.Store.GetInterview(ctx, iv.ID)
}

// StartTranscription creates the transcribe job and submits mediaURL to the
// transcription provider. The job stays in_progress until the webhook
// reports completion.
func (o *Orchestrator) StartTranscription(ctx context.Context, interviewID, mediaURL string) error {
	if o.deps.Transcriber == nil {
		return apperr.Wrap(apperr.ErrValidation, "transcribe", "submit", "no transcription provider configured", nil)
	}
	job, err := o.createJob(ctx, interviewID, types.StageTranscribe, map[string]any{"media_url": mediaURL})
	if err != nil {
		return err
	}
	return o.runner.Run(ctx, Task{
		InterviewID:   interviewID,
		Stage:         types.StageTranscribe,
		JobID:         job.ID,
		AwaitExternal: true,
		Run: func(ctx context.Context) error {
			return o.submitTranscription(ctx, interviewID, job.ID, mediaURL)
		},
		OnFailure: func(ctx context.Context, err error) {
			if _, ferr := o.driver.Fail(ctx, interviewID, err, nil); ferr != nil {
				slog.Error("pipeline: record transcription failure", "interview_id", interviewID, "err", ferr)
			}
		},
	})
}

func (o *Orchestrator) submitTranscription(ctx context.Context, interviewID, jobID, mediaURL string) error {
	sj, err := o.deps.Transcriber.Submit(ctx, stt.SubmitRequest{
		AudioURL:      mediaURL,
		WebhookURL:    o.cfg.WebhookURL,
		SpeakerLabels: true,
	})
	if err != nil {
		return err
	}
	detail := "Transcription submitted"
	if _, err := o.deps.Store.UpdateJob(ctx, jobID, store.JobPatch{Status: ptr(types.JobInProgress), ExternalID: &sj.ID, StatusDetail: &detail}); err != nil {
		return apperr.Wrap(apperr.ErrTransient, "transcribe", "record job id", "", err)
	}
	_, err = o.driver.Advance(ctx, interviewID, types.StatusTranscribing, "Transcribing audio", store.InterviewPatch{
		Metadata: map[string]any{
			MetaCurrentStep:    "transcription",
			MetaTranscriptData: map[string]any{MetaAssemblyAIID: sj.ID},
		},
	})
	if err != nil {
		return fmt.Errorf("pipeline: mark transcribing: %w", err)
	}
	slog.Info("pipeline: transcription submitted", "interview_id", interviewID, "provider_job_id", sj.ID)
	return nil
}

// CompleteTranscription records a finished provider job: the job is
// claimed with a compare-and-set so that only one delivery proceeds, the
// transcript is stored and analysis is triggered. A job that is no longer
// active yields apperr.ErrDuplicate.
func (o *Orchestrator) CompleteTranscription(ctx context.Context, job *types.Job, data *types.TranscriptData) (*types.Interview, error) {
	won, err := o.deps.Store.TransitionJob(ctx, job.ID, types.JobDone, types.JobPending, types.JobInProgress, types.JobRetry)
	if err != nil {
		return nil, fmt.Errorf("pipeline: claim transcribe job: %w", err)
	}
	if !won {
		return nil, apperr.Wrap(apperr.ErrDuplicate, "transcribe", "complete", "already processed", nil)
	}

	iv, err := o.storeTranscript(ctx, job.InterviewID, data, "Transcription complete", map[string]any{
		MetaTranscriptData: map[string]any{MetaAssemblyAIID: job.ExternalID},
	})
	if err != nil {
		// Release the claim so a redelivery can retry.
		if _, rerr := o.deps.Store.TransitionJob(context.WithoutCancel(ctx), job.ID, types.JobInProgress, types.JobDone); rerr != nil {
			slog.Error("pipeline: release transcribe job", "job_id", job.ID, "err", rerr)
		}
		return nil, err
	}
	if _, err := o.TriggerAnalysis(ctx, iv); err != nil && !errors.Is(err, apperr.ErrDuplicate) {
		return nil, err
	}
	return o.deps.Store.GetInterview(ctx, iv.ID)
}

// FailTranscription records a provider-reported failure. The interview
// moves to error and is not retried automatically.
func (o *Orchestrator) FailTranscription(ctx context.Context, job *types.Job, providerErr string) (*types.Interview, error) {
	won, err := o.deps.Store.TransitionJob(ctx, job.ID, types.JobError, types.JobPending, types.JobInProgress, types.JobRetry)
	if err != nil {
		return nil, fmt.Errorf("pipeline: claim transcribe job: %w", err)
	}
	if !won {
		return nil, apperr.Wrap(apperr.ErrDuplicate, "transcribe", "fail", "already processed", nil)
	}
	if providerErr == "" {
		providerErr = "transcription failed"
	}
	detail := "Transcription failed: " + providerErr
	if _, err := o.deps.Store.UpdateJob(ctx, job.ID, store.JobPatch{StatusDetail: &detail, LastError: &providerErr}); err != nil {
		slog.Warn("pipeline: annotate failed job", "job_id", job.ID, "err", err)
	}
	cause := apperr.Wrap(apperr.ErrUpstream, "transcription", "", providerErr, nil)
	return o.driver.Fail(ctx, job.InterviewID, cause, map[string]any{"provider_error": providerErr})
}

// storeTranscript persists data and moves the interview to transcribed.
func (o *Orchestrator) storeTranscript(ctx context.Context, interviewID string, data *types.TranscriptData, detail string, meta map[string]any) (*types.Interview, error) {
	text := data.FullTranscript
	patch := store.InterviewPatch{
		Transcript:          &text,
		TranscriptFormatted: data,
		Metadata:            meta,
	}
	if data.AudioDuration != nil {
		patch.DurationSeconds = data.AudioDuration
	}
	iv, err := o.driver.Advance(ctx, interviewID, types.StatusTranscribed, detail, patch)
	if err != nil {
		return nil, fmt.Errorf("pipeline: store transcript: %w", err)
	}
	return iv, nil
}

// TriggerAnalysis enqueues the downstream analysis run and records its run
// ID. An interview that already has a run, or an active analysis job,
// yields apperr.ErrDuplicate and the existing run ID if known.
func (o *Orchestrator) TriggerAnalysis(ctx context.Context, iv *types.Interview) (string, error) {
	if runID, _ := iv.ProcessingMetadata[MetaTriggerRunID].(string); runID != "" && iv.Status.Rank() >= types.StatusProcessing.Rank() {
		return runID, apperr.Wrap(apperr.ErrDuplicate, "analysis", "trigger", "analysis already triggered", nil)
	}
	job, err := o.createJob(ctx, iv.ID, types.StageAnalysis, nil)
	if err != nil {
		return "", err
	}
	instructions, _ := iv.ProcessingMetadata[MetaCustomInstructions].(string)
	mediaURL := iv.MediaURL
	if iv.ProcessedMediaURL != "" {
		mediaURL = iv.ProcessedMediaURL
	}
	req := trigger.Request{
		AccountID:          iv.AccountID,
		ProjectID:          iv.ProjectID,
		InterviewID:        iv.ID,
		MediaURL:           mediaURL,
		TranscriptData:     iv.TranscriptFormatted,
		CustomInstructions: instructions,
	}

	var runID string
	err = o.runner.Retry(ctx, types.StageAnalysis, 0, func(ctx context.Context) error {
		id, err := o.deps.Trigger.Enqueue(ctx, req)
		runID = id
		return err
	})
	if err != nil {
		detail := apperr.Detail(err)
		if _, uerr := o.deps.Store.UpdateJob(ctx, job.ID, store.JobPatch{Status: ptr(types.JobError), StatusDetail: &detail, LastError: ptr(err.Error())}); uerr != nil {
			slog.Warn("pipeline: mark analysis job failed", "job_id", job.ID, "err", uerr)
		}
		if _, ferr := o.driver.Fail(ctx, iv.ID, err, nil); ferr != nil {
			slog.Error("pipeline: record trigger failure", "interview_id", iv.ID, "err", ferr)
		}
		return "", err
	}

	if _, err := o.deps.Store.UpdateJob(ctx, job.ID, store.JobPatch{
		Status:       ptr(types.JobInProgress),
		ExternalID:   &runID,
		StatusDetail: ptr("Analysis running"),
	}); err != nil {
		slog.Warn("pipeline: record analysis run", "job_id", job.ID, "err", err)
	}
	_, err = o.driver.Advance(ctx, iv.ID, types.StatusProcessing, "Analyzing transcript", store.InterviewPatch{
		Metadata: map[string]any{
			MetaTriggerRunID: runID,
			MetaCurrentStep:  "analysis",
		},
	})
	if err != nil {
		return runID, fmt.Errorf("pipeline: mark processing: %w", err)
	}
	observe.Logger(observe.WithInterview(ctx, iv.ID)).Info("pipeline: analysis triggered", "run_id", runID)
	o.scheduleExtraction(ctx, iv.ID)
	return runID, nil
}

// scheduleExtraction queues final-mode extraction over the stored
// transcript. Its outcome closes the analysis run: success moves the
// interview to ready, a final failure moves it to error.
func (o *Orchestrator) scheduleExtraction(ctx context.Context, interviewID string) {
	if o.deps.Extractor == nil {
		return
	}
	log := observe.Logger(ctx)
	job, err := o.createJob(ctx, interviewID, types.StageExtract, nil)
	if err != nil {
		if !errors.Is(err, apperr.ErrDuplicate) {
			log.Warn("pipeline: create extract job", "err", err)
		}
		return
	}
	err = o.runner.Enqueue(Task{
		InterviewID: interviewID,
		Stage:       types.StageExtract,
		JobID:       job.ID,
		Timeout:     o.runner.StageTimeout(),
		Run: func(ctx context.Context) error {
			return o.extract(ctx, interviewID)
		},
		OnFailure: func(ctx context.Context, err error) {
			if _, ferr := o.FailAnalysis(ctx, interviewID, err); ferr != nil && !errors.Is(ferr, apperr.ErrDuplicate) {
				observe.Logger(ctx).Error("pipeline: record extraction failure", "err", ferr)
			}
		},
	})
	if err != nil {
		detail := apperr.Detail(err)
		if _, uerr := o.deps.Store.UpdateJob(ctx, job.ID, store.JobPatch{Status: ptr(types.JobError), StatusDetail: &detail, LastError: ptr(err.Error())}); uerr != nil {
			log.Warn("pipeline: mark extract job failed", "job_id", job.ID, "err", uerr)
		}
		log.Warn("pipeline: queue final extraction", "err", err)
		if _, ferr := o.FailAnalysis(context.WithoutCancel(ctx), interviewID, err); ferr != nil && !errors.Is(ferr, apperr.ErrDuplicate) {
			log.Error("pipeline: record extraction failure", "err", ferr)
		}
	}
}

func (o *Orchestrator) extract(ctx context.Context, interviewID string) error {
	iv, err := o.deps.Store.GetInterview(ctx, interviewID)
	if err != nil {
		return err
	}
	res, err := o.deps.Extractor.Process(ctx, evidence.Batch{
		AccountID:   iv.AccountID,
		ProjectID:   iv.ProjectID,
		InterviewID: iv.ID,
		Utterances:  transcriptUtterances(iv),
	})
	if err != nil {
		return err
	}
	log := observe.Logger(ctx)
	log.Info("pipeline: final extraction complete", "new", res.New, "updated", res.Updated, "skipped", res.Skipped)

	meta := map[string]any{}
	if n, err := o.deps.Store.CountEvidence(ctx, iv.ID); err == nil {
		meta[MetaEvidenceCount] = n
	} else {
		log.Warn("pipeline: count evidence", "err", err)
	}
	if _, err := o.CompleteAnalysis(ctx, iv.ID, meta); err != nil && !errors.Is(err, apperr.ErrDuplicate) {
		return err
	}
	return nil
}

// CompleteAnalysis closes the active analysis run of interviewID: the
// analysis job is marked done and the interview moves to ready with meta
// merged into processing_metadata. A run that is already closed yields
// apperr.ErrDuplicate and leaves the interview untouched.
func (o *Orchestrator) CompleteAnalysis(ctx context.Context, interviewID string, meta map[string]any) (*types.Interview, error) {
	if err := o.closeAnalysisJob(ctx, interviewID, types.JobDone, ""); err != nil {
		return nil, err
	}
	if meta == nil {
		meta = make(map[string]any, 1)
	}
	meta[MetaCurrentStep] = "complete"
	iv, err := o.driver.Advance(ctx, interviewID, types.StatusReady, "Analysis complete", store.InterviewPatch{Metadata: meta})
	if errors.Is(err, store.ErrInvalidTransition) {
		return nil, apperr.Wrap(apperr.ErrDuplicate, "analysis", "complete", "interview already terminal", err)
	}
	if err != nil {
		return nil, fmt.Errorf("pipeline: mark ready: %w", err)
	}
	observe.Logger(ctx).Info("pipeline: analysis complete")
	return iv, nil
}

// FailAnalysis closes the active analysis run of interviewID with cause
// and moves the interview to error.
func (o *Orchestrator) FailAnalysis(ctx context.Context, interviewID string, cause error) (*types.Interview, error) {
	if err := o.closeAnalysisJob(ctx, interviewID, types.JobError, apperr.Detail(cause)); err != nil {
		return nil, err
	}
	return o.driver.Fail(ctx, interviewID, cause, map[string]any{MetaCurrentStep: "analysis"})
}

// closeAnalysisJob moves the interview's active analysis job to status.
// It fails with apperr.ErrDuplicate when no active analysis job exists.
func (o *Orchestrator) closeAnalysisJob(ctx context.Context, interviewID string, status types.JobStatus, detail string) error {
	jobs, err := o.deps.Store.ListJobs(ctx, interviewID)
	if err != nil {
		return fmt.Errorf("pipeline: list jobs: %w", err)
	}
	for _, j := range jobs {
		if j.Stage != types.StageAnalysis || !j.Status.IsActive() {
			continue
		}
		won, err := o.deps.Store.TransitionJob(ctx, j.ID, status, types.JobPending, types.JobInProgress, types.JobRetry)
		if err != nil {
			return fmt.Errorf("pipeline: close analysis job: %w", err)
		}
		if !won {
			continue
		}
		if _, err := o.deps.Store.UpdateJob(ctx, j.ID, store.JobPatch{StatusDetail: &detail}); err != nil {
			slog.Warn("pipeline: annotate analysis job", "job_id", j.ID, "err", err)
		}
		return nil
	}
	return apperr.Wrap(apperr.ErrDuplicate, "analysis", "close", "no active analysis run", nil)
}

// transcriptUtterances flattens the stored transcript into extraction
// input, falling back to the plain text as a single utterance.
func transcriptUtterances(iv *types.Interview) []types.Utterance {
	if td := iv.TranscriptFormatted; td != nil && len(td.SpeakerTranscripts) > 0 {
		utts := make([]types.Utterance, 0, len(td.SpeakerTranscripts))
		for _, seg := range td.SpeakerTranscripts {
			utts = append(utts, types.Utterance{Speaker: seg.Speaker, Text: seg.Text, TimestampMs: ptr(seg.Start)})
		}
		return utts
	}
	if strings.TrimSpace(iv.Transcript) == "" {
		return nil
	}
	return []types.Utterance{{Text: iv.Transcript}}
}

// Finalize ingests a stopped live recording: the media is stored, the
// transcript payload is built from the turns, tasks and people are
// persisted and analysis is triggered. Finalizing an interview that is
// already past transcribed returns its current state.
func (o *Orchestrator) Finalize(ctx context.Context, interviewID string, p *finalize.Payload, media *finalize.Media) (*finalize.Response, error) {
	iv, err := o.deps.Store.GetInterview(ctx, interviewID)
	if err != nil {
		return nil, err
	}
	if iv.Status.IsTerminal() || iv.Status.Rank() >= types.StatusTranscribed.Rank() {
		return &finalize.Response{MediaURL: iv.MediaURL, InterviewID: iv.ID, Status: string(iv.Status)}, nil
	}
	data := transcript.FromUtterances(p.Transcript, p.DurationSeconds)
	hasMedia := media != nil && len(media.Data) > 0
	if !data.HasText() && !hasMedia {
		return nil, apperr.Wrap(apperr.ErrValidation, "finalize", "submit", "recording has neither transcript nor media", nil)
	}
	log := observe.Logger(observe.WithInterview(ctx, iv.ID))

	mediaURL := iv.MediaURL
	if hasMedia {
		ext := ExtensionFor(media.ContentType)
		if e := strings.TrimPrefix(filepath.Ext(media.Filename), "."); e != "" {
			ext = strings.ToLower(e)
		}
		key := ObjectKey(iv.ProjectID, iv.ID, "recording."+ext)
		err := o.runner.Retry(ctx, "finalize", int64(len(media.Data)), func(ctx context.Context) error {
			u, err := o.deps.Bucket.Put(ctx, key, bytes.NewReader(media.Data), media.ContentType)
			mediaURL = u
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("pipeline: store recording: %w", err)
		}
	}

	now := o.now().UTC()
	meta := map[string]any{
		MetaFinalizedAt:     now.Format(time.RFC3339),
		MetaTranscriptTurns: len(data.SpeakerTranscripts),
		"source":            "live",
	}
	if p.DurationSeconds != nil {
		meta[MetaDurationSeconds] = *p.DurationSeconds
	}
	if p.Platform != "" {
		meta["platform"] = p.Platform
	}
	if p.MeetingTitle != "" {
		meta["meeting_title"] = p.MeetingTitle
	}
	patch := store.InterviewPatch{Metadata: meta, DurationSeconds: p.DurationSeconds}
	if mediaURL != "" {
		patch.MediaURL = &mediaURL
		patch.RawMediaURL = &mediaURL
	}
	o.persistSideEffects(ctx, iv, p, now)

	if !data.HasText() {
		// Media only: fall back to provider transcription.
		if iv, err = o.driver.Advance(ctx, iv.ID, types.StatusUploaded, "Recording uploaded", patch); err != nil {
			return nil, err
		}
		if err := o.StartTranscription(ctx, iv.ID, mediaURL); err != nil && !errors.Is(err, apperr.ErrDuplicate) {
			return nil, err
		}
		iv, err = o.deps.Store.GetInterview(ctx, iv.ID)
		if err != nil {
			return nil, err
		}
		return &finalize.Response{MediaURL: mediaURL, InterviewID: iv.ID, Status: string(iv.Status)}, nil
	}

	text := data.FullTranscript
	patch.Transcript = &text
	patch.TranscriptFormatted = data
	if iv, err = o.driver.Advance(ctx, iv.ID, types.StatusTranscribed, "Recording finalized", patch); err != nil {
		return nil, fmt.Errorf("pipeline: store live transcript: %w", err)
	}
	log.Info("pipeline: live recording finalized", "turns", len(data.SpeakerTranscripts), "media", hasMedia)

	if _, err := o.TriggerAnalysis(ctx, iv); err != nil && !errors.Is(err, apperr.ErrDuplicate) {
		return nil, err
	}
	iv, err = o.deps.Store.GetInterview(ctx, iv.ID)
	if err != nil {
		return nil, err
	}
	return &finalize.Response{MediaURL: mediaURL, InterviewID: iv.ID, Status: string(iv.Status)}, nil
}

// persistSideEffects stores finalize tasks and people. Failures are logged
// and never block the transcript.
func (o *Orchestrator) persistSideEffects(ctx context.Context, iv *types.Interview, p *finalize.Payload, now time.Time) {
	if len(p.Tasks) > 0 {
		tasks := make([]types.Task, len(p.Tasks))
		for i, t := range p.Tasks {
			t.DueDate = evidence.ResolveDue(t.Due, now)
			tasks[i] = t
		}
		if _, err := o.deps.Store.AddTasks(ctx, iv.ID, tasks); err != nil {
			slog.Warn("pipeline: finalize tasks", "interview_id", iv.ID, "err", err)
		}
	}
	if len(p.People) > 0 {
		if _, err := o.deps.Store.UpsertPeople(ctx, iv.AccountID, iv.ID, p.People); err != nil {
			slog.Warn("pipeline: finalize people", "interview_id", iv.ID, "err", err)
		}
	}
}

// IngestBot queues the ingest of a finished meeting bot's recording into
// interviewID and returns the bot_ingest job.
func (o *Orchestrator) IngestBot(ctx context.Context, interviewID, botID string) (*types.Job, error) {
	if o.deps.Bots == nil || o.deps.Transcoder == nil {
		return nil, apperr.Wrap(apperr.ErrValidation, "bot_ingest", "submit", "meeting bots are not configured", nil)
	}
	if botID == "" {
		return nil, apperr.Wrap(apperr.ErrValidation, "bot_ingest", "submit", "bot id is required", nil)
	}
	iv, err := o.deps.Store.GetInterview(ctx, interviewID)
	if err != nil {
		return nil, err
	}
	if iv.Status.IsTerminal() || iv.Status.Rank() >= types.StatusTranscribed.Rank() {
		return nil, apperr.Wrap(apperr.ErrDuplicate, "bot_ingest", "submit", "interview already has a transcript", nil)
	}
	job, err := o.createJob(ctx, interviewID, types.StageBotIngest, map[string]any{MetaBotID: botID})
	if err != nil {
		return nil, err
	}
	err = o.runner.Go(Task{
		InterviewID: interviewID,
		Stage:       types.StageBotIngest,
		JobID:       job.ID,
		Timeout:     o.runner.StageTimeout(),
		Run: func(ctx context.Context) error {
			return o.ingestBot(ctx, interviewID, job.ID, botID)
		},
		OnFailure: func(ctx context.Context, err error) {
			if _, ferr := o.driver.Fail(ctx, interviewID, err, map[string]any{MetaBotID: botID}); ferr != nil {
				slog.Error("pipeline: record bot ingest failure", "interview_id", interviewID, "err", ferr)
			}
		},
	})
	if err != nil {
		detail := apperr.Detail(err)
		if _, uerr := o.deps.Store.UpdateJob(ctx, job.ID, store.JobPatch{Status: ptr(types.JobError), StatusDetail: &detail}); uerr != nil {
			slog.Warn("pipeline: release bot ingest job", "job_id", job.ID, "err", uerr)
		}
		return nil, err
	}
	return job, nil
}

// ingestBot is one attempt of the bot ingest stage. Object keys derive
// from the job ID so a retried attempt overwrites its own uploads.
func (o *Orchestrator) ingestBot(ctx context.Context, interviewID, jobID, botID string) error {
	log := observe.Logger(ctx).With("bot_id", botID)
	iv, err := o.deps.Store.GetInterview(ctx, interviewID)
	if err != nil {
		return err
	}
	bot, err := o.deps.Bots.GetBot(ctx, botID)
	if err != nil {
		return err
	}
	mediaURL, transcriptURL := bot.Assets()
	if mediaURL == "" {
		return apperr.Wrap(apperr.ErrValidation, "bot_ingest", "select recording", "bot recording has no downloadable media", nil)
	}

	dir, err := os.MkdirTemp(o.cfg.TempDir, "bot-ingest-*")
	if err != nil {
		return apperr.Wrap(apperr.ErrTransient, "bot_ingest", "temp dir", "", err)
	}
	defer os.RemoveAll(dir)

	rawPath := filepath.Join(dir, "raw")
	contentType, size, err := o.download(ctx, mediaURL, rawPath)
	if err != nil {
		return err
	}
	log.Info("pipeline: bot recording downloaded", "bytes", size, "content_type", contentType)

	processedPath := filepath.Join(dir, "processed.mp3")
	tctx, cancel := context.WithTimeout(ctx, o.runner.Timeout(size))
	err = o.deps.Transcoder.Transcode(tctx, rawPath, processedPath)
	cancel()
	if err != nil {
		return err
	}

	suffix := "bot-" + shortID(jobID)
	rawKey := ObjectKey(iv.ProjectID, iv.ID, suffix+"."+ExtensionFor(contentType))
	processedKey := ObjectKey(iv.ProjectID, iv.ID, suffix+".mp3")
	var rawURL, processedURL string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		rawURL, err = o.putFile(gctx, rawKey, rawPath, contentType)
		return err
	})
	g.Go(func() (err error) {
		processedURL, err = o.putFile(gctx, processedKey, processedPath, "audio/mpeg")
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	patch := store.InterviewPatch{
		RawMediaURL:       &rawURL,
		ProcessedMediaURL: &processedURL,
		Metadata:          map[string]any{MetaBotID: botID, MetaTranscriptURL: transcriptURL, MetaCurrentStep: "bot_ingest"},
	}
	if iv.MediaURL == "" {
		patch.MediaURL = &processedURL
	}
	if iv, err = o.driver.Advance(ctx, iv.ID, types.StatusUploaded, "Recording processed", patch); err != nil {
		return err
	}

	if transcriptURL != "" {
		data, err := o.botTranscript(ctx, transcriptURL)
		if err == nil && data.HasText() {
			if iv, err = o.storeTranscript(ctx, iv.ID, data, "Meeting transcript imported", nil); err != nil {
				return err
			}
			if _, err := o.TriggerAnalysis(ctx, iv); err != nil && !errors.Is(err, apperr.ErrDuplicate) {
				return err
			}
			return nil
		}
		log.Warn("pipeline: bot transcript unusable, falling back to provider transcription", "err", err)
	}

	if o.deps.Transcriber == nil {
		return apperr.Wrap(apperr.ErrValidation, "bot_ingest", "transcribe", "no transcript and no transcription provider", nil)
	}
	tjob, err := o.createJob(ctx, iv.ID, types.StageTranscribe, map[string]any{"media_url": processedURL})
	if errors.Is(err, apperr.ErrDuplicate) {
		log.Info("pipeline: transcription already submitted")
		return nil
	}
	if err != nil {
		return err
	}
	if err := o.submitTranscription(ctx, iv.ID, tjob.ID, processedURL); err != nil {
		detail := apperr.Detail(err)
		if _, uerr := o.deps.Store.UpdateJob(ctx, tjob.ID, store.JobPatch{Status: ptr(types.JobError), StatusDetail: &detail}); uerr != nil {
			log.Warn("pipeline: release transcribe job", "err", uerr)
		}
		return err
	}
	return nil
}

func (o *Orchestrator) download(ctx context.Context, rawURL, dst string) (contentType string, size int64, err error) {
	d, err := o.deps.Bots.Download(ctx, rawURL)
	if err != nil {
		return "", 0, err
	}
	defer d.Body.Close()
	f, err := os.Create(dst)
	if err != nil {
		return "", 0, apperr.Wrap(apperr.ErrTransient, "bot_ingest", "create temp file", "", err)
	}
	n, err := io.Copy(f, d.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", 0, apperr.Wrap(apperr.ErrTransient, "bot_ingest", "download", "", err)
	}
	return d.ContentType, n, nil
}

func (o *Orchestrator) putFile(ctx context.Context, key, path, contentType string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", apperr.Wrap(apperr.ErrTransient, "bot_ingest", "open "+filepath.Base(path), "", err)
	}
	defer f.Close()
	var size int64
	if st, err := f.Stat(); err == nil {
		size = st.Size()
	}
	pctx, cancel := context.WithTimeout(ctx, o.runner.Timeout(size))
	defer cancel()
	u, err := o.deps.Bucket.Put(pctx, key, f, contentType)
	if err != nil {
		return "", apperr.Wrap(apperr.ErrTransient, "bot_ingest", "upload "+key, "", err)
	}
	return u, nil
}

func (o *Orchestrator) botTranscript(ctx context.Context, rawURL string) (*types.TranscriptData, error) {
	d, err := o.deps.Bots.Download(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer d.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(d.Body, 64<<20))
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrTransient, "bot_ingest", "download transcript", "", err)
	}
	return transcript.NormalizeBotTranscript(raw)
}

func (o *Orchestrator) createJob(ctx context.Context, interviewID string, stage types.Stage, payload map[string]any) (*types.Job, error) {
	job := &types.Job{InterviewID: interviewID, Stage: stage, Status: types.JobPending}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("pipeline: marshal job payload: %w", err)
		}
		job.Payload = raw
	}
	if err := o.deps.Store.CreateJob(ctx, job); err != nil {
		if errors.Is(err, apperr.ErrDuplicate) {
			slog.Info("pipeline: active job exists", "interview_id", interviewID, "stage", stage)
		}
		return nil, err
	}
	return job, nil
}

func shortID(id string) string {
	id = unsafeKeyChars.ReplaceAllString(id, "")
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
