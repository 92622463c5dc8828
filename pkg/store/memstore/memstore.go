// Package memstore is an in-process implementation of store.Store. It backs
// single-node deployments without a database and the unit tests of every
// pipeline stage.
package memstore

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/epic-hq/Insights-sub011/internal/apperr"
	"github.com/epic-hq/Insights-sub011/pkg/store"
	"github.com/epic-hq/Insights-sub011/pkg/types"
)

type facetKey struct{ account, kind, value string }

type personKey struct{ account, key string }

// Store is a mutex-guarded in-memory store. The zero value is not usable;
// call [New].
type Store struct {
	mu  sync.Mutex
	now func() time.Time

	interviews map[string]*types.Interview
	jobs       map[string]*types.Job
	jobOrder   []string
	evidence   map[string]*types.Evidence
	evOrder    []string
	facets     map[facetKey]string
	evFacets   map[string][]string
	tasks      map[string][]types.Task
	people     map[personKey]*types.Person
	links      map[string][]string
}

var _ store.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		now:        time.Now,
		interviews: make(map[string]*types.Interview),
		jobs:       make(map[string]*types.Job),
		evidence:   make(map[string]*types.Evidence),
		facets:     make(map[facetKey]string),
		evFacets:   make(map[string][]string),
		tasks:      make(map[string][]types.Task),
		people:     make(map[personKey]*types.Person),
		links:      make(map[string][]string),
	}
}

func (s *Store) Ping(context.Context) error { return nil }
func (s *Store) Close()                     {}

func cloneInterview(iv *types.Interview) *types.Interview {
	cp := *iv
	cp.ProcessingMetadata = maps.Clone(iv.ProcessingMetadata)
	return &cp
}

func cloneJob(j *types.Job) *types.Job {
	cp := *j
	cp.Payload = slices.Clone(j.Payload)
	return &cp
}

func (s *Store) CreateInterview(_ context.Context, iv *types.Interview) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if iv.ID == "" {
		iv.ID = uuid.NewString()
	}
	if _, ok := s.interviews[iv.ID]; ok {
		return apperr.Wrap(apperr.ErrDuplicate, "store", "create interview", iv.ID, nil)
	}
	if iv.Status == "" {
		iv.Status = types.StatusUploading
	}
	now := s.now()
	iv.CreatedAt, iv.UpdatedAt = now, now
	s.interviews[iv.ID] = cloneInterview(iv)
	return nil
}

func (s *Store) GetInterview(_ context.Context, id string) (*types.Interview, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	iv, ok := s.interviews[id]
	if !ok {
		return nil, store.NotFound("interview", id)
	}
	return cloneInterview(iv), nil
}

func (s *Store) UpdateInterview(_ context.Context, id string, patch store.InterviewPatch) (*types.Interview, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.interviews[id]
	if !ok {
		return nil, store.NotFound("interview", id)
	}
	next := cloneInterview(cur)
	if err := patch.Apply(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = s.now()
	s.interviews[id] = next
	return cloneInterview(next), nil
}

func (s *Store) CreateJob(_ context.Context, j *types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.jobs {
		if other.InterviewID == j.InterviewID && other.Stage == j.Stage && other.Status.IsActive() {
			return apperr.Wrap(apperr.ErrDuplicate, "store", "create job",
				string(j.Stage)+" already active for interview "+j.InterviewID, nil)
		}
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Status == "" {
		j.Status = types.JobPending
	}
	now := s.now()
	j.CreatedAt, j.UpdatedAt = now, now
	s.jobs[j.ID] = cloneJob(j)
	s.jobOrder = append(s.jobOrder, j.ID)
	return nil
}

func (s *Store) GetJob(_ context.Context, id string) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.NotFound("job", id)
	}
	return cloneJob(j), nil
}

func (s *Store) FindJobByExternalID(_ context.Context, stage types.Stage, externalID string) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range slices.Backward(s.jobOrder) {
		j := s.jobs[id]
		if j.Stage == stage && j.ExternalID == externalID && externalID != "" {
			return cloneJob(j), nil
		}
	}
	return nil, store.NotFound("job", externalID)
}

func (s *Store) ListJobs(_ context.Context, interviewID string) ([]types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Job
	for _, id := range s.jobOrder {
		if j := s.jobs[id]; j.InterviewID == interviewID {
			out = append(out, *cloneJob(j))
		}
	}
	return out, nil
}

func (s *Store) UpdateJob(_ context.Context, id string, patch store.JobPatch) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.NotFound("job", id)
	}
	patch.Apply(j)
	j.UpdatedAt = s.now()
	return cloneJob(j), nil
}

func (s *Store) TransitionJob(_ context.Context, id string, to types.JobStatus, from ...types.JobStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false, store.NotFound("job", id)
	}
	if !slices.Contains(from, j.Status) {
		return false, nil
	}
	j.Status = to
	j.UpdatedAt = s.now()
	return true, nil
}

func (s *Store) InsertEvidence(_ context.Context, ev *types.Evidence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	now := s.now()
	ev.CreatedAt, ev.UpdatedAt = now, now
	cp := *ev
	cp.Facets = slices.Clone(ev.Facets)
	s.evidence[ev.ID] = &cp
	s.evOrder = append(s.evOrder, ev.ID)
	return nil
}

func (s *Store) ListEvidence(_ context.Context, interviewID string) ([]types.Evidence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Evidence
	for _, id := range s.evOrder {
		if ev := s.evidence[id]; ev.InterviewID == interviewID {
			cp := *ev
			cp.Facets = slices.Clone(ev.Facets)
			out = append(out, cp)
		}
	}
	return out, nil
}

func (s *Store) CountEvidence(_ context.Context, interviewID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.evidence {
		if ev.InterviewID == interviewID {
			n++
		}
	}
	return n, nil
}

func (s *Store) UpdateEvidenceByGist(_ context.Context, interviewID, gist, newGist, verbatim string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.evOrder {
		ev := s.evidence[id]
		if ev.InterviewID != interviewID || ev.Gist != gist {
			continue
		}
		if newGist != "" {
			ev.Gist = newGist
		}
		if verbatim != "" {
			ev.Verbatim = verbatim
		}
		ev.UpdatedAt = s.now()
		return ev.ID, true, nil
	}
	return "", false, nil
}

func (s *Store) LinkFacets(_ context.Context, accountID, evidenceID string, facets []types.FacetMention) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.evidence[evidenceID]
	if !ok {
		return store.NotFound("evidence", evidenceID)
	}
	for _, f := range facets {
		k := facetKey{accountID, strings.ToLower(f.KindSlug), strings.ToLower(strings.TrimSpace(f.Value))}
		fid, ok := s.facets[k]
		if !ok {
			fid = uuid.NewString()
			s.facets[k] = fid
		}
		if !slices.Contains(s.evFacets[evidenceID], fid) {
			s.evFacets[evidenceID] = append(s.evFacets[evidenceID], fid)
			ev.Facets = append(ev.Facets, f)
		}
	}
	return nil
}

// FacetCount returns how many distinct facets exist across all accounts.
func (s *Store) FacetCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.facets)
}

func (s *Store) AddTasks(_ context.Context, interviewID string, tasks []types.Task) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.tasks[interviewID]
	added := 0
	for _, t := range tasks {
		text := strings.TrimSpace(t.Text)
		if text == "" || slices.ContainsFunc(existing, func(e types.Task) bool { return strings.EqualFold(e.Text, text) }) {
			continue
		}
		t.Text = text
		t.ID = uuid.NewString()
		t.InterviewID = interviewID
		existing = append(existing, t)
		added++
	}
	s.tasks[interviewID] = existing
	return added, nil
}

func (s *Store) ListTasks(_ context.Context, interviewID string) ([]types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.tasks[interviewID]), nil
}

func (s *Store) UpsertPeople(_ context.Context, accountID, interviewID string, people []types.Person) ([]types.Person, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Person, 0, len(people))
	for _, p := range people {
		if p.PersonKey == "" {
			continue
		}
		k := personKey{accountID, p.PersonKey}
		stored, ok := s.people[k]
		if !ok {
			p.ID = uuid.NewString()
			p.AccountID = accountID
			stored = &p
			s.people[k] = stored
		} else {
			if p.Name != "" {
				stored.Name = p.Name
			}
			if p.Role != "" {
				stored.Role = p.Role
			}
		}
		if !slices.Contains(s.links[interviewID], stored.ID) {
			s.links[interviewID] = append(s.links[interviewID], stored.ID)
		}
		out = append(out, *stored)
	}
	return out, nil
}

func (s *Store) ListPeople(_ context.Context, interviewID string) ([]types.Person, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Person
	for _, id := range s.links[interviewID] {
		for _, p := range s.people {
			if p.ID == id {
				out = append(out, *p)
			}
		}
	}
	return out, nil
}
