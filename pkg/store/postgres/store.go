package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/epic-hq/Insights-sub011/internal/apperr"
	"github.com/epic-hq/Insights-sub011/pkg/store"
	"github.com/epic-hq/Insights-sub011/pkg/types"
)

var _ store.Store = (*Store)(nil)

// Store holds a single [pgxpool.Pool]. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func dbErr(op string, err error) error {
	return apperr.Wrap(apperr.ErrTransient, "store", op, "postgres", err)
}

// ── interviews ──────────────────────────────────────────────────────────────

const interviewCols = `id, account_id, project_id, title, status, status_detail, transcript,
	transcript_formatted, processing_metadata, media_url, raw_media_url,
	processed_media_url, duration_seconds, created_at, updated_at`

func scanInterview(row pgx.Row) (*types.Interview, error) {
	var iv types.Interview
	var status string
	err := row.Scan(&iv.ID, &iv.AccountID, &iv.ProjectID, &iv.Title, &status, &iv.StatusDetail,
		&iv.Transcript, &iv.TranscriptFormatted, &iv.ProcessingMetadata, &iv.MediaURL,
		&iv.RawMediaURL, &iv.ProcessedMediaURL, &iv.DurationSeconds, &iv.CreatedAt, &iv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	iv.Status = types.InterviewStatus(status)
	return &iv, nil
}

func (s *Store) CreateInterview(ctx context.Context, iv *types.Interview) error {
	if iv.ID == "" {
		iv.ID = uuid.NewString()
	}
	if iv.Status == "" {
		iv.Status = types.StatusUploading
	}
	meta := iv.ProcessingMetadata
	if meta == nil {
		meta = map[string]any{}
	}
	const q = `
		INSERT INTO interviews (id, account_id, project_id, title, status, status_detail,
			transcript, transcript_formatted, processing_metadata, media_url, raw_media_url,
			processed_media_url, duration_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at, updated_at`
	err := s.pool.QueryRow(ctx, q,
		iv.ID, iv.AccountID, iv.ProjectID, iv.Title, string(iv.Status), iv.StatusDetail,
		iv.Transcript, iv.TranscriptFormatted, meta, iv.MediaURL, iv.RawMediaURL,
		iv.ProcessedMediaURL, iv.DurationSeconds,
	).Scan(&iv.CreatedAt, &iv.UpdatedAt)
	if isUniqueViolation(err) {
		return apperr.Wrap(apperr.ErrDuplicate, "store", "create interview", iv.ID, err)
	}
	if err != nil {
		return dbErr("create interview", err)
	}
	return nil
}

func (s *Store) GetInterview(ctx context.Context, id string) (*types.Interview, error) {
	iv, err := scanInterview(s.pool.QueryRow(ctx, `SELECT `+interviewCols+` FROM interviews WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.NotFound("interview", id)
	}
	if err != nil {
		return nil, dbErr("get interview", err)
	}
	return iv, nil
}

// UpdateInterview locks the row, applies patch in Go so the status state
// machine is enforced in one place, and writes the result back.
func (s *Store) UpdateInterview(ctx context.Context, id string, patch store.InterviewPatch) (*types.Interview, error) {
	var out *types.Interview
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		iv, err := scanInterview(tx.QueryRow(ctx,
			`SELECT `+interviewCols+` FROM interviews WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return store.NotFound("interview", id)
		}
		if err != nil {
			return dbErr("lock interview", err)
		}
		if err := patch.Apply(iv); err != nil {
			return err
		}
		if iv.ProcessingMetadata == nil {
			iv.ProcessingMetadata = map[string]any{}
		}
		const q = `
			UPDATE interviews SET status = $2, status_detail = $3, transcript = $4,
				transcript_formatted = $5, processing_metadata = $6, media_url = $7,
				raw_media_url = $8, processed_media_url = $9, duration_seconds = $10,
				updated_at = now()
			WHERE id = $1
			RETURNING updated_at`
		if err := tx.QueryRow(ctx, q, id, string(iv.Status), iv.StatusDetail, iv.Transcript,
			iv.TranscriptFormatted, iv.ProcessingMetadata, iv.MediaURL, iv.RawMediaURL,
			iv.ProcessedMediaURL, iv.DurationSeconds,
		).Scan(&iv.UpdatedAt); err != nil {
			return dbErr("update interview", err)
		}
		out = iv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ── jobs ────────────────────────────────────────────────────────────────────

const jobCols = `id, interview_id, stage, external_id, status, status_detail, last_error,
	attempts, payload, created_at, updated_at`

func collectJob(row pgx.CollectableRow) (types.Job, error) {
	var j types.Job
	var stage, status string
	err := row.Scan(&j.ID, &j.InterviewID, &stage, &j.ExternalID, &status, &j.StatusDetail,
		&j.LastError, &j.Attempts, &j.Payload, &j.CreatedAt, &j.UpdatedAt)
	j.Stage, j.Status = types.Stage(stage), types.JobStatus(status)
	return j, err
}

func (s *Store) queryJob(ctx context.Context, kind, key, q string, args ...any) (*types.Job, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, dbErr("query job", err)
	}
	j, err := pgx.CollectExactlyOneRow(rows, collectJob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.NotFound(kind, key)
	}
	if err != nil {
		return nil, dbErr("query job", err)
	}
	return &j, nil
}

func (s *Store) CreateJob(ctx context.Context, j *types.Job) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Status == "" {
		j.Status = types.JobPending
	}
	var payload any
	if len(j.Payload) > 0 {
		payload = []byte(j.Payload)
	}
	const q = `
		INSERT INTO pipeline_jobs (id, interview_id, stage, external_id, status, status_detail, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`
	err := s.pool.QueryRow(ctx, q, j.ID, j.InterviewID, string(j.Stage), j.ExternalID,
		string(j.Status), j.StatusDetail, payload,
	).Scan(&j.CreatedAt, &j.UpdatedAt)
	if isUniqueViolation(err) {
		return apperr.Wrap(apperr.ErrDuplicate, "store", "create job",
			string(j.Stage)+" already active for interview "+j.InterviewID, err)
	}
	if err != nil {
		return dbErr("create job", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*types.Job, error) {
	return s.queryJob(ctx, "job", id, `SELECT `+jobCols+` FROM pipeline_jobs WHERE id = $1`, id)
}

func (s *Store) FindJobByExternalID(ctx context.Context, stage types.Stage, externalID string) (*types.Job, error) {
	if externalID == "" {
		return nil, store.NotFound("job", externalID)
	}
	return s.queryJob(ctx, "job", externalID, `
		SELECT `+jobCols+` FROM pipeline_jobs
		WHERE stage = $1 AND external_id = $2
		ORDER BY created_at DESC
		LIMIT 1`, string(stage), externalID)
}

func (s *Store) ListJobs(ctx context.Context, interviewID string) ([]types.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobCols+` FROM pipeline_jobs WHERE interview_id = $1 ORDER BY created_at`, interviewID)
	if err != nil {
		return nil, dbErr("list jobs", err)
	}
	jobs, err := pgx.CollectRows(rows, collectJob)
	if err != nil {
		return nil, dbErr("list jobs", err)
	}
	return jobs, nil
}

func (s *Store) UpdateJob(ctx context.Context, id string, patch store.JobPatch) (*types.Job, error) {
	var status *string
	if patch.Status != nil {
		v := string(*patch.Status)
		status = &v
	}
	inc := 0
	if patch.IncAttempts {
		inc = 1
	}
	return s.queryJob(ctx, "job", id, `
		UPDATE pipeline_jobs SET
			status        = COALESCE($2, status),
			status_detail = COALESCE($3, status_detail),
			last_error    = COALESCE($4, last_error),
			external_id   = COALESCE($5, external_id),
			attempts      = attempts + $6,
			updated_at    = now()
		WHERE id = $1
		RETURNING `+jobCols, id, status, patch.StatusDetail, patch.LastError, patch.ExternalID, inc)
}

// TransitionJob is a single conditional UPDATE, so concurrent callers racing
// on the same job see exactly one winner.
func (s *Store) TransitionJob(ctx context.Context, id string, to types.JobStatus, from ...types.JobStatus) (bool, error) {
	fromStr := make([]string, len(from))
	for i, f := range from {
		fromStr[i] = string(f)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE pipeline_jobs SET status = $2, updated_at = now()
		WHERE id = $1 AND status = ANY($3)`, id, string(to), fromStr)
	if err != nil {
		return false, dbErr("transition job", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.GetJob(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}
