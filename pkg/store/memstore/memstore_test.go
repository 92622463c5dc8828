package memstore_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/epic-hq/Insights-sub011/internal/apperr"
	"github.com/epic-hq/Insights-sub011/pkg/store"
	"github.com/epic-hq/Insights-sub011/pkg/store/memstore"
	"github.com/epic-hq/Insights-sub011/pkg/types"
)

func ptr[T any](v T) *T { return &v }

func TestInterviewLifecycle(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	iv := &types.Interview{AccountID: "acc", ProjectID: "proj", Title: "Call"}
	if err := s.CreateInterview(ctx, iv); err != nil {
		t.Fatalf("CreateInterview: %v", err)
	}
	if iv.ID == "" || iv.Status != types.StatusUploading {
		t.Fatalf("got id=%q status=%q", iv.ID, iv.Status)
	}

	got, err := s.UpdateInterview(ctx, iv.ID, store.InterviewPatch{
		Status:   ptr(types.StatusTranscribing),
		Metadata: map[string]any{"assemblyai_id": "job-1"},
	})
	if err != nil {
		t.Fatalf("UpdateInterview: %v", err)
	}
	if got.Status != types.StatusTranscribing || got.ProcessingMetadata["assemblyai_id"] != "job-1" {
		t.Fatalf("unexpected interview %+v", got)
	}

	_, err = s.UpdateInterview(ctx, iv.ID, store.InterviewPatch{
		Metadata: map[string]any{"evidence_count": 3},
	})
	if err != nil {
		t.Fatalf("merge metadata: %v", err)
	}
	got, _ = s.GetInterview(ctx, iv.ID)
	if got.ProcessingMetadata["assemblyai_id"] != "job-1" || got.ProcessingMetadata["evidence_count"] != 3 {
		t.Fatalf("metadata not merged: %v", got.ProcessingMetadata)
	}

	_, err = s.UpdateInterview(ctx, iv.ID, store.InterviewPatch{Status: ptr(types.StatusUploaded)})
	if !errors.Is(err, store.ErrInvalidTransition) || !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("backwards transition: got %v", err)
	}

	if _, err := s.GetInterview(ctx, "missing"); !store.IsNotFound(err) {
		t.Fatalf("missing interview: got %v", err)
	}
}

func TestGetInterviewReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	iv := &types.Interview{ProcessingMetadata: map[string]any{"k": "v"}}
	_ = s.CreateInterview(ctx, iv)

	got, _ := s.GetInterview(ctx, iv.ID)
	got.ProcessingMetadata["k"] = "changed"
	got.Title = "changed"

	again, _ := s.GetInterview(ctx, iv.ID)
	if again.ProcessingMetadata["k"] != "v" || again.Title != "" {
		t.Fatalf("store state leaked through returned value: %+v", again)
	}
}

func TestCreateJobRejectsSecondActiveJob(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	first := &types.Job{InterviewID: "iv", Stage: types.StageTranscribe}
	if err := s.CreateJob(ctx, first); err != nil {
		t.Fatalf("first job: %v", err)
	}
	err := s.CreateJob(ctx, &types.Job{InterviewID: "iv", Stage: types.StageTranscribe})
	if !errors.Is(err, apperr.ErrDuplicate) {
		t.Fatalf("second active job: got %v", err)
	}
	if err := s.CreateJob(ctx, &types.Job{InterviewID: "iv", Stage: types.StageAnalysis}); err != nil {
		t.Fatalf("other stage: %v", err)
	}

	if _, err := s.UpdateJob(ctx, first.ID, store.JobPatch{Status: ptr(types.JobDone)}); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	if err := s.CreateJob(ctx, &types.Job{InterviewID: "iv", Stage: types.StageTranscribe}); err != nil {
		t.Fatalf("job after previous finished: %v", err)
	}

	jobs, _ := s.ListJobs(ctx, "iv")
	if len(jobs) != 3 {
		t.Fatalf("ListJobs = %d, want 3", len(jobs))
	}
}

func TestFindJobByExternalID(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	j := &types.Job{InterviewID: "iv", Stage: types.StageTranscribe}
	_ = s.CreateJob(ctx, j)
	if _, err := s.UpdateJob(ctx, j.ID, store.JobPatch{ExternalID: ptr("aai-1"), IncAttempts: true}); err != nil {
		t.Fatal(err)
	}

	got, err := s.FindJobByExternalID(ctx, types.StageTranscribe, "aai-1")
	if err != nil {
		t.Fatalf("FindJobByExternalID: %v", err)
	}
	if got.ID != j.ID || got.Attempts != 1 {
		t.Fatalf("got %+v", got)
	}
	if _, err := s.FindJobByExternalID(ctx, types.StageAnalysis, "aai-1"); !store.IsNotFound(err) {
		t.Fatalf("wrong stage: got %v", err)
	}
}

func TestTransitionJobIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	j := &types.Job{InterviewID: "iv", Stage: types.StageTranscribe, Status: types.JobInProgress}
	_ = s.CreateJob(ctx, j)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.TransitionJob(ctx, j.ID, types.JobDone, types.JobPending, types.JobInProgress)
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("wins = %d, want exactly 1", wins)
	}
}

func TestEvidenceUpdateByGist(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	ev := &types.Evidence{InterviewID: "iv", Gist: "Pricing is confusing", Verbatim: "I don't get the tiers"}
	_ = s.InsertEvidence(ctx, ev)
	_ = s.InsertEvidence(ctx, &types.Evidence{InterviewID: "other", Gist: "Pricing is confusing"})

	id, found, err := s.UpdateEvidenceByGist(ctx, "iv", "Pricing is confusing", "Pricing tiers are confusing", "")
	if err != nil || !found || id != ev.ID {
		t.Fatalf("update: id=%q found=%v err=%v", id, found, err)
	}
	list, _ := s.ListEvidence(ctx, "iv")
	if len(list) != 1 || list[0].Gist != "Pricing tiers are confusing" || list[0].Verbatim != "I don't get the tiers" {
		t.Fatalf("unexpected evidence %+v", list)
	}

	_, found, _ = s.UpdateEvidenceByGist(ctx, "iv", "pricing tiers are confusing", "x", "y")
	if found {
		t.Fatal("gist match must be exact")
	}
	if n, _ := s.CountEvidence(ctx, "iv"); n != 1 {
		t.Fatalf("CountEvidence = %d, want 1", n)
	}
}

func TestLinkFacetsReusesFacets(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	a := &types.Evidence{InterviewID: "iv"}
	b := &types.Evidence{InterviewID: "iv"}
	_ = s.InsertEvidence(ctx, a)
	_ = s.InsertEvidence(ctx, b)

	facets := []types.FacetMention{{KindSlug: "pain", Value: "Onboarding"}}
	if err := s.LinkFacets(ctx, "acc", a.ID, facets); err != nil {
		t.Fatal(err)
	}
	if err := s.LinkFacets(ctx, "acc", b.ID, []types.FacetMention{{KindSlug: "pain", Value: "onboarding "}}); err != nil {
		t.Fatal(err)
	}
	if err := s.LinkFacets(ctx, "acc", a.ID, facets); err != nil {
		t.Fatal(err)
	}
	if n := s.FacetCount(); n != 1 {
		t.Fatalf("FacetCount = %d, want 1", n)
	}
	list, _ := s.ListEvidence(ctx, "iv")
	if len(list[0].Facets) != 1 {
		t.Fatalf("relinking duplicated facet: %+v", list[0].Facets)
	}
	if err := s.LinkFacets(ctx, "acc", "missing", facets); !store.IsNotFound(err) {
		t.Fatalf("missing evidence: got %v", err)
	}
}

func TestAddTasksDedupsByText(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	n, _ := s.AddTasks(ctx, "iv", []types.Task{{Text: "Send pricing deck"}, {Text: "  "}, {Text: "Book follow-up"}})
	if n != 2 {
		t.Fatalf("first batch added %d, want 2", n)
	}
	n, _ = s.AddTasks(ctx, "iv", []types.Task{{Text: "send pricing deck"}, {Text: "Share notes"}})
	if n != 1 {
		t.Fatalf("second batch added %d, want 1", n)
	}
	tasks, _ := s.ListTasks(ctx, "iv")
	if len(tasks) != 3 || tasks[0].InterviewID != "iv" || tasks[0].ID == "" {
		t.Fatalf("unexpected tasks %+v", tasks)
	}
}

func TestUpsertPeopleByKey(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	first, _ := s.UpsertPeople(ctx, "acc", "iv1", []types.Person{{PersonKey: "participant-0", Name: "Ana"}, {Name: "no key"}})
	if len(first) != 1 {
		t.Fatalf("got %d people, want 1", len(first))
	}
	second, _ := s.UpsertPeople(ctx, "acc", "iv2", []types.Person{{PersonKey: "participant-0", Role: "PM"}})
	if second[0].ID != first[0].ID || second[0].Name != "Ana" || second[0].Role != "PM" {
		t.Fatalf("person not merged: %+v", second[0])
	}
	_, _ = s.UpsertPeople(ctx, "acc", "iv2", []types.Person{{PersonKey: "participant-0"}})
	people, _ := s.ListPeople(ctx, "iv2")
	if len(people) != 1 {
		t.Fatalf("ListPeople = %d, want 1", len(people))
	}
}
