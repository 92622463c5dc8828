package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/epic-hq/Insights-sub011/internal/apperr"
	"github.com/epic-hq/Insights-sub011/pkg/store"
	"github.com/epic-hq/Insights-sub011/pkg/store/postgres"
	"github.com/epic-hq/Insights-sub011/pkg/types"
)

// testDSN skips the test unless INSIGHTS_TEST_POSTGRES_DSN is set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("INSIGHTS_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("INSIGHTS_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore drops every table and returns a freshly migrated store.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	defer pool.Close()
	for _, table := range []string{"interview_people", "people", "tasks", "evidence_facets", "facets", "evidence", "pipeline_jobs", "interviews"} {
		if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE"); err != nil {
			t.Fatalf("drop %s: %v", table, err)
		}
	}

	s, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func ptr[T any](v T) *T { return &v }

func mustInterview(t *testing.T, s *postgres.Store) *types.Interview {
	t.Helper()
	iv := &types.Interview{AccountID: "acc", ProjectID: "proj", Title: "Discovery call"}
	if err := s.CreateInterview(context.Background(), iv); err != nil {
		t.Fatalf("CreateInterview: %v", err)
	}
	return iv
}

func TestInterviewRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	iv := mustInterview(t, s)

	conf := 0.9
	td := &types.TranscriptData{FullTranscript: "A: hi", Confidence: &conf, FileType: "audio"}
	_, err := s.UpdateInterview(ctx, iv.ID, store.InterviewPatch{
		Status:              ptr(types.StatusTranscribed),
		Transcript:          ptr("A: hi"),
		TranscriptFormatted: td,
		Metadata:            map[string]any{"assemblyai_id": "aai-1"},
	})
	if err != nil {
		t.Fatalf("UpdateInterview: %v", err)
	}
	_, err = s.UpdateInterview(ctx, iv.ID, store.InterviewPatch{Metadata: map[string]any{"evidence_count": 2}})
	if err != nil {
		t.Fatalf("UpdateInterview metadata: %v", err)
	}

	got, err := s.GetInterview(ctx, iv.ID)
	if err != nil {
		t.Fatalf("GetInterview: %v", err)
	}
	if got.Status != types.StatusTranscribed || got.TranscriptFormatted == nil || got.TranscriptFormatted.FullTranscript != "A: hi" {
		t.Fatalf("unexpected interview %+v", got)
	}
	if got.ProcessingMetadata["assemblyai_id"] != "aai-1" || got.ProcessingMetadata["evidence_count"] != float64(2) {
		t.Fatalf("metadata = %v", got.ProcessingMetadata)
	}

	_, err = s.UpdateInterview(ctx, iv.ID, store.InterviewPatch{Status: ptr(types.StatusUploaded)})
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("backwards transition: got %v", err)
	}
	if _, err := s.GetInterview(ctx, "missing"); !store.IsNotFound(err) {
		t.Fatalf("missing: got %v", err)
	}
}

func TestJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	iv := mustInterview(t, s)

	j := &types.Job{InterviewID: iv.ID, Stage: types.StageTranscribe}
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.CreateJob(ctx, &types.Job{InterviewID: iv.ID, Stage: types.StageTranscribe}); !errors.Is(err, apperr.ErrDuplicate) {
		t.Fatalf("second active job: got %v", err)
	}

	if _, err := s.UpdateJob(ctx, j.ID, store.JobPatch{ExternalID: ptr("aai-9"), Status: ptr(types.JobInProgress), IncAttempts: true}); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	found, err := s.FindJobByExternalID(ctx, types.StageTranscribe, "aai-9")
	if err != nil || found.ID != j.ID || found.Attempts != 1 {
		t.Fatalf("FindJobByExternalID = %+v, %v", found, err)
	}

	ok, err := s.TransitionJob(ctx, j.ID, types.JobDone, types.JobPending, types.JobInProgress)
	if err != nil || !ok {
		t.Fatalf("first transition: ok=%v err=%v", ok, err)
	}
	ok, err = s.TransitionJob(ctx, j.ID, types.JobDone, types.JobPending, types.JobInProgress)
	if err != nil || ok {
		t.Fatalf("second transition: ok=%v err=%v", ok, err)
	}
	if _, err := s.TransitionJob(ctx, "missing", types.JobDone, types.JobPending); !store.IsNotFound(err) {
		t.Fatalf("missing job: got %v", err)
	}

	if err := s.CreateJob(ctx, &types.Job{InterviewID: iv.ID, Stage: types.StageTranscribe}); err != nil {
		t.Fatalf("job after done: %v", err)
	}
}

func TestEvidenceFacetsTasksPeople(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	iv := mustInterview(t, s)

	ev := &types.Evidence{InterviewID: iv.ID, AccountID: "acc", Gist: "Setup takes too long", Verbatim: "It took a week"}
	if err := s.InsertEvidence(ctx, ev); err != nil {
		t.Fatalf("InsertEvidence: %v", err)
	}
	facets := []types.FacetMention{{KindSlug: "pain", Value: "Onboarding"}, {KindSlug: "pain", Value: "onboarding"}}
	if err := s.LinkFacets(ctx, "acc", ev.ID, facets); err != nil {
		t.Fatalf("LinkFacets: %v", err)
	}

	id, found, err := s.UpdateEvidenceByGist(ctx, iv.ID, "Setup takes too long", "Setup takes a week", "")
	if err != nil || !found || id != ev.ID {
		t.Fatalf("UpdateEvidenceByGist: id=%q found=%v err=%v", id, found, err)
	}
	list, err := s.ListEvidence(ctx, iv.ID)
	if err != nil {
		t.Fatalf("ListEvidence: %v", err)
	}
	if len(list) != 1 || list[0].Gist != "Setup takes a week" || list[0].Verbatim != "It took a week" || len(list[0].Facets) != 1 {
		t.Fatalf("unexpected evidence %+v", list)
	}

	n, err := s.AddTasks(ctx, iv.ID, []types.Task{{Text: "Send deck"}, {Text: "send deck"}, {Text: "Call back"}})
	if err != nil || n != 2 {
		t.Fatalf("AddTasks = %d, %v", n, err)
	}

	if _, err := s.UpsertPeople(ctx, "acc", iv.ID, []types.Person{{PersonKey: "p0", Name: "Ana"}}); err != nil {
		t.Fatalf("UpsertPeople: %v", err)
	}
	people, err := s.UpsertPeople(ctx, "acc", iv.ID, []types.Person{{PersonKey: "p0", Role: "PM"}})
	if err != nil || len(people) != 1 || people[0].Name != "Ana" || people[0].Role != "PM" {
		t.Fatalf("upsert merge = %+v, %v", people, err)
	}
	linked, _ := s.ListPeople(ctx, iv.ID)
	if len(linked) != 1 {
		t.Fatalf("ListPeople = %d, want 1", len(linked))
	}
}
