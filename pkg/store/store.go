// Package store defines the persistence contract of the ingestion pipeline:
// interviews and their lifecycle, durable pipeline jobs, evidence with facet
// links, tasks and people.
//
// Implementations return errors marked with the apperr taxonomy:
// [apperr.ErrNotFound] for missing rows, [apperr.ErrDuplicate] when a second
// active job is created for the same interview and stage, and
// [apperr.ErrValidation] for rejected status transitions.
package store

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/epic-hq/Insights-sub011/internal/apperr"
	"github.com/epic-hq/Insights-sub011/pkg/types"
)

// ErrInvalidTransition is returned when a patch would move an interview
// backwards or out of a terminal state.
var ErrInvalidTransition = fmt.Errorf("%w: invalid status transition", apperr.ErrValidation)

// InterviewPatch is a partial update. Nil fields are left unchanged and
// Metadata is merged key by key into processing_metadata.
type InterviewPatch struct {
	Status              *types.InterviewStatus
	StatusDetail        *string
	Transcript          *string
	TranscriptFormatted *types.TranscriptData
	Metadata            map[string]any
	MediaURL            *string
	RawMediaURL         *string
	ProcessedMediaURL   *string
	DurationSeconds     *float64
}

// Apply mutates iv according to p, enforcing the status state machine.
func (p InterviewPatch) Apply(iv *types.Interview) error {
	if p.Status != nil && *p.Status != iv.Status {
		if !iv.Status.CanTransition(*p.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, iv.Status, *p.Status)
		}
		iv.Status = *p.Status
	}
	if p.StatusDetail != nil {
		iv.StatusDetail = *p.StatusDetail
	}
	if p.Transcript != nil {
		iv.Transcript = *p.Transcript
	}
	if p.TranscriptFormatted != nil {
		iv.TranscriptFormatted = p.TranscriptFormatted
	}
	if len(p.Metadata) > 0 {
		if iv.ProcessingMetadata == nil {
			iv.ProcessingMetadata = make(map[string]any, len(p.Metadata))
		}
		maps.Copy(iv.ProcessingMetadata, p.Metadata)
	}
	if p.MediaURL != nil {
		iv.MediaURL = *p.MediaURL
	}
	if p.RawMediaURL != nil {
		iv.RawMediaURL = *p.RawMediaURL
	}
	if p.ProcessedMediaURL != nil {
		iv.ProcessedMediaURL = *p.ProcessedMediaURL
	}
	if p.DurationSeconds != nil {
		iv.DurationSeconds = *p.DurationSeconds
	}
	return nil
}

// JobPatch is a partial job update. Nil fields are left unchanged.
type JobPatch struct {
	Status       *types.JobStatus
	StatusDetail *string
	LastError    *string
	ExternalID   *string

	// IncAttempts adds one to the attempt counter.
	IncAttempts bool
}

// Apply mutates j according to p.
func (p JobPatch) Apply(j *types.Job) {
	if p.Status != nil {
		j.Status = *p.Status
	}
	if p.StatusDetail != nil {
		j.StatusDetail = *p.StatusDetail
	}
	if p.LastError != nil {
		j.LastError = *p.LastError
	}
	if p.ExternalID != nil {
		j.ExternalID = *p.ExternalID
	}
	if p.IncAttempts {
		j.Attempts++
	}
}

// Interviews persists interviews.
type Interviews interface {
	CreateInterview(ctx context.Context, iv *types.Interview) error
	GetInterview(ctx context.Context, id string) (*types.Interview, error)

	// UpdateInterview applies patch atomically and returns the new state.
	UpdateInterview(ctx context.Context, id string, patch InterviewPatch) (*types.Interview, error)
}

// Jobs persists durable pipeline jobs.
type Jobs interface {
	// CreateJob inserts j. It fails with apperr.ErrDuplicate when an active
	// job already exists for the same interview and stage.
	CreateJob(ctx context.Context, j *types.Job) error
	GetJob(ctx context.Context, id string) (*types.Job, error)

	// FindJobByExternalID returns the newest job of stage correlated with
	// the external system's ID.
	FindJobByExternalID(ctx context.Context, stage types.Stage, externalID string) (*types.Job, error)
	ListJobs(ctx context.Context, interviewID string) ([]types.Job, error)
	UpdateJob(ctx context.Context, id string, patch JobPatch) (*types.Job, error)

	// TransitionJob moves the job to status `to` only if its current status
	// is one of from. It reports whether this caller performed the move.
	TransitionJob(ctx context.Context, id string, to types.JobStatus, from ...types.JobStatus) (bool, error)
}

// Evidence persists evidence and facet links.
type Evidence interface {
	InsertEvidence(ctx context.Context, ev *types.Evidence) error
	ListEvidence(ctx context.Context, interviewID string) ([]types.Evidence, error)
	CountEvidence(ctx context.Context, interviewID string) (int, error)

	// UpdateEvidenceByGist rewrites, in place, the evidence row of the
	// interview whose gist exactly equals gist. found is false when no row
	// matches; no row is created in that case.
	UpdateEvidenceByGist(ctx context.Context, interviewID, gist, newGist, verbatim string) (id string, found bool, err error)

	// LinkFacets resolves or creates each facet for the account and links
	// it to the evidence row.
	LinkFacets(ctx context.Context, accountID, evidenceID string, facets []types.FacetMention) error
}

// Tasks persists action items.
type Tasks interface {
	// AddTasks inserts tasks whose text is not already recorded for the
	// interview and returns how many were inserted.
	AddTasks(ctx context.Context, interviewID string, tasks []types.Task) (int, error)
	ListTasks(ctx context.Context, interviewID string) ([]types.Task, error)
}

// People persists people and their links to interviews.
type People interface {
	// UpsertPeople resolves each person by (account, person_key), creating
	// missing ones, links them to the interview and returns the stored rows.
	UpsertPeople(ctx context.Context, accountID, interviewID string, people []types.Person) ([]types.Person, error)
	ListPeople(ctx context.Context, interviewID string) ([]types.Person, error)
}

// Store is the full persistence contract.
type Store interface {
	Interviews
	Jobs
	Evidence
	Tasks
	People

	Ping(ctx context.Context) error
	Close()
}

// NotFound builds a not-found error for kind/id.
func NotFound(kind, id string) error {
	return apperr.Wrap(apperr.ErrNotFound, "store", kind, id, nil)
}

// IsNotFound reports whether err marks a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, apperr.ErrNotFound)
}
