package postgres

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/epic-hq/Insights-sub011/pkg/store"
	"github.com/epic-hq/Insights-sub011/pkg/types"
)

func (s *Store) InsertEvidence(ctx context.Context, ev *types.Evidence) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Confidence == "" {
		ev.Confidence = types.ConfidenceLow
	}
	const q = `
		INSERT INTO evidence (id, interview_id, account_id, project_id, gist, verbatim,
			speaker_label, confidence, person_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`
	err := s.pool.QueryRow(ctx, q, ev.ID, ev.InterviewID, ev.AccountID, ev.ProjectID, ev.Gist,
		ev.Verbatim, ev.SpeakerLabel, string(ev.Confidence), ev.PersonID,
	).Scan(&ev.CreatedAt, &ev.UpdatedAt)
	if err != nil {
		return dbErr("insert evidence", err)
	}
	return nil
}

func (s *Store) ListEvidence(ctx context.Context, interviewID string) ([]types.Evidence, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, interview_id, account_id, project_id, gist, verbatim, speaker_label,
			confidence, person_id, created_at, updated_at
		FROM evidence WHERE interview_id = $1
		ORDER BY created_at, id`, interviewID)
	if err != nil {
		return nil, dbErr("list evidence", err)
	}
	list, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Evidence, error) {
		var ev types.Evidence
		var conf string
		err := row.Scan(&ev.ID, &ev.InterviewID, &ev.AccountID, &ev.ProjectID, &ev.Gist,
			&ev.Verbatim, &ev.SpeakerLabel, &conf, &ev.PersonID, &ev.CreatedAt, &ev.UpdatedAt)
		ev.Confidence = types.Confidence(conf)
		return ev, err
	})
	if err != nil {
		return nil, dbErr("list evidence", err)
	}
	if len(list) == 0 {
		return list, nil
	}

	rows, err = s.pool.Query(ctx, `
		SELECT ef.evidence_id, f.kind_slug, f.value
		FROM evidence_facets ef JOIN facets f ON f.id = ef.facet_id
		JOIN evidence e ON e.id = ef.evidence_id
		WHERE e.interview_id = $1
		ORDER BY f.kind_slug, f.value`, interviewID)
	if err != nil {
		return nil, dbErr("list evidence facets", err)
	}
	type link struct {
		evidenceID string
		facet      types.FacetMention
	}
	links, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (link, error) {
		var l link
		err := row.Scan(&l.evidenceID, &l.facet.KindSlug, &l.facet.Value)
		return l, err
	})
	if err != nil {
		return nil, dbErr("list evidence facets", err)
	}
	idx := make(map[string]int, len(list))
	for i, ev := range list {
		idx[ev.ID] = i
	}
	for _, l := range links {
		if i, ok := idx[l.evidenceID]; ok {
			list[i].Facets = append(list[i].Facets, l.facet)
		}
	}
	return list, nil
}

func (s *Store) CountEvidence(ctx context.Context, interviewID string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM evidence WHERE interview_id = $1`, interviewID).Scan(&n); err != nil {
		return 0, dbErr("count evidence", err)
	}
	return n, nil
}

func (s *Store) UpdateEvidenceByGist(ctx context.Context, interviewID, gist, newGist, verbatim string) (string, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		UPDATE evidence SET
			gist       = COALESCE(NULLIF($3, ''), gist),
			verbatim   = COALESCE(NULLIF($4, ''), verbatim),
			updated_at = now()
		WHERE id = (
			SELECT id FROM evidence
			WHERE interview_id = $1 AND gist = $2
			ORDER BY created_at, id
			LIMIT 1
		)
		RETURNING id`, interviewID, gist, newGist, verbatim).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, dbErr("update evidence", err)
	}
	return id, true, nil
}

func (s *Store) LinkFacets(ctx context.Context, accountID, evidenceID string, facets []types.FacetMention) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM evidence WHERE id = $1)`, evidenceID).Scan(&exists); err != nil {
			return dbErr("link facets", err)
		}
		if !exists {
			return store.NotFound("evidence", evidenceID)
		}
		for _, f := range facets {
			var facetID string
			err := tx.QueryRow(ctx, `
				INSERT INTO facets (id, account_id, kind_slug, value, value_norm)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (account_id, kind_slug, value_norm)
				DO UPDATE SET value_norm = EXCLUDED.value_norm
				RETURNING id`,
				uuid.NewString(), accountID, strings.ToLower(f.KindSlug), strings.TrimSpace(f.Value),
				strings.ToLower(strings.TrimSpace(f.Value)),
			).Scan(&facetID)
			if err != nil {
				return dbErr("resolve facet", err)
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO evidence_facets (evidence_id, facet_id) VALUES ($1, $2)
				ON CONFLICT DO NOTHING`, evidenceID, facetID); err != nil {
				return dbErr("link facet", err)
			}
		}
		return nil
	})
}

// ── tasks ───────────────────────────────────────────────────────────────────

func (s *Store) AddTasks(ctx context.Context, interviewID string, tasks []types.Task) (int, error) {
	added := 0
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, t := range tasks {
			text := strings.TrimSpace(t.Text)
			if text == "" {
				continue
			}
			tag, err := tx.Exec(ctx, `
				INSERT INTO tasks (id, interview_id, text, assignee, due, due_date)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT DO NOTHING`,
				uuid.NewString(), interviewID, text, t.Assignee, t.Due, t.DueDate)
			if err != nil {
				return dbErr("add task", err)
			}
			added += int(tag.RowsAffected())
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return added, nil
}

func (s *Store) ListTasks(ctx context.Context, interviewID string) ([]types.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, interview_id, text, assignee, due, due_date
		FROM tasks WHERE interview_id = $1 ORDER BY created_at, id`, interviewID)
	if err != nil {
		return nil, dbErr("list tasks", err)
	}
	tasks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Task, error) {
		var t types.Task
		err := row.Scan(&t.ID, &t.InterviewID, &t.Text, &t.Assignee, &t.Due, &t.DueDate)
		return t, err
	})
	if err != nil {
		return nil, dbErr("list tasks", err)
	}
	return tasks, nil
}

// ── people ──────────────────────────────────────────────────────────────────

func (s *Store) UpsertPeople(ctx context.Context, accountID, interviewID string, people []types.Person) ([]types.Person, error) {
	out := make([]types.Person, 0, len(people))
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, p := range people {
			if p.PersonKey == "" {
				continue
			}
			var stored types.Person
			err := tx.QueryRow(ctx, `
				INSERT INTO people (id, account_id, person_key, name, role)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (account_id, person_key) DO UPDATE SET
					name = COALESCE(NULLIF(EXCLUDED.name, ''), people.name),
					role = COALESCE(NULLIF(EXCLUDED.role, ''), people.role)
				RETURNING id, account_id, person_key, name, role`,
				uuid.NewString(), accountID, p.PersonKey, p.Name, p.Role,
			).Scan(&stored.ID, &stored.AccountID, &stored.PersonKey, &stored.Name, &stored.Role)
			if err != nil {
				return dbErr("upsert person", err)
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO interview_people (interview_id, person_id) VALUES ($1, $2)
				ON CONFLICT DO NOTHING`, interviewID, stored.ID); err != nil {
				return dbErr("link person", err)
			}
			out = append(out, stored)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListPeople(ctx context.Context, interviewID string) ([]types.Person, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.id, p.account_id, p.person_key, p.name, p.role
		FROM interview_people ip JOIN people p ON p.id = ip.person_id
		WHERE ip.interview_id = $1
		ORDER BY ip.linked_at, p.id`, interviewID)
	if err != nil {
		return nil, dbErr("list people", err)
	}
	people, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Person, error) {
		var p types.Person
		err := row.Scan(&p.ID, &p.AccountID, &p.PersonKey, &p.Name, &p.Role)
		return p, err
	})
	if err != nil {
		return nil, dbErr("list people", err)
	}
	return people, nil
}
