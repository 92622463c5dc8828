package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/epic-hq/Insights-sub011/internal/apperr"
	"github.com/epic-hq/Insights-sub011/pkg/store"
	"github.com/epic-hq/Insights-sub011/pkg/types"
)

// Metadata keys written to processing_metadata.
const (
	MetaStatusDetail       = "status_detail"
	MetaCurrentStep        = "current_step"
	MetaTriggerRunID       = "trigger_run_id"
	MetaTranscriptData     = "transcript_data"
	MetaAssemblyAIID       = "assemblyai_id"
	MetaCustomInstructions = "custom_instructions"
	MetaError              = "error"
	MetaFailedAt           = "failed_at"
	MetaFinalizedAt        = "finalized_at"
	MetaTranscriptTurns    = "transcript_turns"
	MetaDurationSeconds    = "duration_seconds"
	MetaBotID              = "bot_id"
	MetaTranscriptURL      = "transcript_download_url"
	MetaEvidenceCount      = "evidence_count"
)

// Driver moves interviews through the status machine. Every move also
// stores status_detail in processing_metadata so polling clients see it.
type Driver struct {
	store store.Interviews
	now   func() time.Time
}

// NewDriver returns a Driver over s.
func NewDriver(s store.Interviews) *Driver {
	return &Driver{store: s, now: time.Now}
}

// Advance moves the interview to status and applies patch in the same
// update. A move that would go backwards or leave a terminal state fails
// with store.ErrInvalidTransition.
func (d *Driver) Advance(ctx context.Context, id string, status types.InterviewStatus, detail string, patch store.InterviewPatch) (*types.Interview, error) {
	patch.Status = &status
	if detail != "" {
		patch.StatusDetail = &detail
		if patch.Metadata == nil {
			patch.Metadata = make(map[string]any, 1)
		}
		patch.Metadata[MetaStatusDetail] = detail
	}
	iv, err := d.store.UpdateInterview(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	slog.Debug("pipeline: interview advanced", "interview_id", id, "status", status, "detail", detail)
	return iv, nil
}

// Fail moves the interview to error with a human-readable detail derived
// from cause. An interview that already reached a terminal state is left
// untouched and returned as is.
func (d *Driver) Fail(ctx context.Context, id string, cause error, extra map[string]any) (*types.Interview, error) {
	detail := apperr.Detail(cause)
	if detail == "" {
		detail = "processing failed"
	}
	meta := map[string]any{MetaFailedAt: d.now().UTC().Format(time.RFC3339)}
	if cause != nil {
		meta[MetaError] = cause.Error()
	}
	for k, v := range extra {
		meta[k] = v
	}
	iv, err := d.Advance(ctx, id, types.StatusError, detail, store.InterviewPatch{Metadata: meta})
	if errors.Is(err, store.ErrInvalidTransition) {
		slog.Warn("pipeline: not failing terminal interview", "interview_id", id, "cause", cause)
		return d.store.GetInterview(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	slog.Warn("pipeline: interview failed", "interview_id", id, "detail", detail)
	return iv, nil
}
