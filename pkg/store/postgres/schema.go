// Package postgres is the PostgreSQL implementation of store.Store.
//
// All tables live in the connection's default schema and are created by
// [Migrate], which is idempotent and runs on every [NewStore].
//
//	s, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer s.Close()
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlInterviews = `
CREATE TABLE IF NOT EXISTS interviews (
    id                   TEXT             PRIMARY KEY,
    account_id           TEXT             NOT NULL DEFAULT '',
    project_id           TEXT             NOT NULL DEFAULT '',
    title                TEXT             NOT NULL DEFAULT '',
    status               TEXT             NOT NULL,
    status_detail        TEXT             NOT NULL DEFAULT '',
    transcript           TEXT             NOT NULL DEFAULT '',
    transcript_formatted JSONB,
    processing_metadata  JSONB            NOT NULL DEFAULT '{}',
    media_url            TEXT             NOT NULL DEFAULT '',
    raw_media_url        TEXT             NOT NULL DEFAULT '',
    processed_media_url  TEXT             NOT NULL DEFAULT '',
    duration_seconds     DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at           TIMESTAMPTZ      NOT NULL DEFAULT now(),
    updated_at           TIMESTAMPTZ      NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_interviews_project ON interviews (project_id);
`

// At most one active job per interview and stage.
const ddlJobs = `
CREATE TABLE IF NOT EXISTS pipeline_jobs (
    id            TEXT        PRIMARY KEY,
    interview_id  TEXT        NOT NULL REFERENCES interviews (id) ON DELETE CASCADE,
    stage         TEXT        NOT NULL,
    external_id   TEXT        NOT NULL DEFAULT '',
    status        TEXT        NOT NULL,
    status_detail TEXT        NOT NULL DEFAULT '',
    last_error    TEXT        NOT NULL DEFAULT '',
    attempts      INTEGER     NOT NULL DEFAULT 0,
    payload       JSONB,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_pipeline_jobs_active
    ON pipeline_jobs (interview_id, stage)
    WHERE status IN ('pending', 'in_progress', 'retry');

CREATE INDEX IF NOT EXISTS idx_pipeline_jobs_external
    ON pipeline_jobs (stage, external_id)
    WHERE external_id <> '';
`

const ddlEvidence = `
CREATE TABLE IF NOT EXISTS evidence (
    id            TEXT        PRIMARY KEY,
    interview_id  TEXT        NOT NULL REFERENCES interviews (id) ON DELETE CASCADE,
    account_id    TEXT        NOT NULL DEFAULT '',
    project_id    TEXT        NOT NULL DEFAULT '',
    gist          TEXT        NOT NULL,
    verbatim      TEXT        NOT NULL DEFAULT '',
    speaker_label TEXT        NOT NULL DEFAULT '',
    confidence    TEXT        NOT NULL DEFAULT 'low',
    person_id     TEXT        NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_evidence_interview_gist ON evidence (interview_id, gist);

CREATE TABLE IF NOT EXISTS facets (
    id         TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    kind_slug  TEXT NOT NULL,
    value      TEXT NOT NULL,
    value_norm TEXT NOT NULL,
    UNIQUE (account_id, kind_slug, value_norm)
);

CREATE TABLE IF NOT EXISTS evidence_facets (
    evidence_id TEXT NOT NULL REFERENCES evidence (id) ON DELETE CASCADE,
    facet_id    TEXT NOT NULL REFERENCES facets (id) ON DELETE CASCADE,
    PRIMARY KEY (evidence_id, facet_id)
);
`

const ddlTasksPeople = `
CREATE TABLE IF NOT EXISTS tasks (
    id           TEXT        PRIMARY KEY,
    interview_id TEXT        NOT NULL REFERENCES interviews (id) ON DELETE CASCADE,
    text         TEXT        NOT NULL,
    assignee     TEXT        NOT NULL DEFAULT '',
    due          TEXT        NOT NULL DEFAULT '',
    due_date     TIMESTAMPTZ,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_tasks_text ON tasks (interview_id, lower(text));

CREATE TABLE IF NOT EXISTS people (
    id         TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    person_key TEXT NOT NULL,
    name       TEXT NOT NULL DEFAULT '',
    role       TEXT NOT NULL DEFAULT '',
    UNIQUE (account_id, person_key)
);

CREATE TABLE IF NOT EXISTS interview_people (
    interview_id TEXT NOT NULL REFERENCES interviews (id) ON DELETE CASCADE,
    person_id    TEXT NOT NULL REFERENCES people (id) ON DELETE CASCADE,
    linked_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (interview_id, person_id)
);
`

// Migrate creates all tables and indexes. Safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlInterviews, ddlJobs, ddlEvidence, ddlTasksPeople} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
