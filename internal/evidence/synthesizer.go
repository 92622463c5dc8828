package evidence

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/antzucaro/matchr"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/epic-hq/Insights-sub011/internal/apperr"
	"github.com/epic-hq/Insights-sub011/internal/observe"
	"github.com/epic-hq/Insights-sub011/pkg/store"
	"github.com/epic-hq/Insights-sub011/pkg/types"
)

// DefaultDuplicateThreshold is the Jaro-Winkler similarity at or above which
// a new gist is considered a restatement of an existing one.
const DefaultDuplicateThreshold = 0.95

// Batch is one extraction request.
type Batch struct {
	AccountID   string
	ProjectID   string
	InterviewID string

	Utterances []types.Utterance

	// ExistingGists are gists the caller already knows about. They are
	// merged with the gists stored for InterviewID.
	ExistingGists []string
}

// Result reports what a batch produced.
type Result struct {
	// Applied holds the candidates that were persisted (or, without an
	// interview, accepted), with Action reflecting what actually happened:
	// an update whose target was missing is reported as new.
	Applied  []Candidate
	SavedIDs []string
	Tasks    []types.Task
	People   []types.Person

	New, Updated, Skipped, Invalid int
}

// SynthesizerOption configures a [Synthesizer].
type SynthesizerOption func(*Synthesizer)

// WithMetrics records extraction latency and action counts.
func WithMetrics(m *observe.Metrics) SynthesizerOption {
	return func(s *Synthesizer) { s.metrics = m }
}

// WithDuplicateThreshold overrides [DefaultDuplicateThreshold]. A value above
// 1 disables the fuzzy guard, leaving only exact gist matching.
func WithDuplicateThreshold(t float64) SynthesizerOption {
	return func(s *Synthesizer) { s.dupThreshold = t }
}

// WithClock overrides time.Now for due-date resolution.
func WithClock(now func() time.Time) SynthesizerOption {
	return func(s *Synthesizer) { s.now = now }
}

// Synthesizer applies classifier output to the store. It is safe for
// concurrent use across interviews; batches of one interview must be
// serialised by the caller (see [Batcher]).
type Synthesizer struct {
	store        store.Store
	classifier   Classifier
	mode         Mode
	metrics      *observe.Metrics
	dupThreshold float64
	now          func() time.Time
}

// NewSynthesizer returns a Synthesizer for mode.
func NewSynthesizer(st store.Store, c Classifier, mode Mode, opts ...SynthesizerOption) *Synthesizer {
	s := &Synthesizer{
		store:        st,
		classifier:   c,
		mode:         mode,
		dupThreshold: DefaultDuplicateThreshold,
		now:          time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Process classifies one batch and persists the outcome:
//
//   - skip candidates are discarded;
//   - new candidates are inserted with low confidence unless their gist
//     already exists, exactly or as a near-duplicate;
//   - update candidates rewrite the stored row whose gist equals
//     UpdatesGist, or are inserted as new when no such row exists.
//
// Facets are linked per evidence row. Tasks and people are persisted
// concurrently after evidence and their failures are only logged. Malformed
// classifier output yields an empty result and a nil error.
//
// Without an InterviewID nothing is persisted; the result still reports
// the accepted candidates.
func (s *Synthesizer) Process(ctx context.Context, b Batch) (*Result, error) {
	ctx = observe.WithInterview(ctx, b.InterviewID)
	res := &Result{}
	if !hasText(b.Utterances) {
		return res, nil
	}

	known, err := s.knownGists(ctx, b)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	ex, err := s.classifier.Classify(ctx, known, b.Utterances)
	if s.metrics != nil {
		s.metrics.ExtractionDuration.Record(ctx, time.Since(start).Seconds(),
			metricMode(s.mode))
	}
	if errors.Is(err, ErrMalformedExtraction) {
		observe.Logger(ctx).Warn("evidence: discarding malformed extraction", "err", err)
		res.Invalid++
		s.record(ctx, res)
		return res, nil
	}
	if err != nil {
		return nil, err
	}

	persist := b.InterviewID != ""
	for _, c := range ex.Evidence {
		if c.Action == ActionSkip {
			res.Skipped++
			continue
		}
		applied, id, err := s.apply(ctx, b, c, known, persist)
		if err != nil {
			return nil, err
		}
		if applied == nil {
			res.Skipped++
			continue
		}
		switch applied.Action {
		case ActionNew:
			res.New++
			known = append(known, applied.Gist)
		case ActionUpdate:
			res.Updated++
			known = replaceGist(known, applied.UpdatesGist, applied.Gist)
		}
		res.Applied = append(res.Applied, *applied)
		if id != "" {
			res.SavedIDs = append(res.SavedIDs, id)
		}
	}

	now := s.now()
	for _, t := range ex.Tasks {
		if t.DueDate == nil {
			t.DueDate = ResolveDue(t.Due, now)
		}
		res.Tasks = append(res.Tasks, t)
	}
	res.People = ex.People

	if persist {
		s.persistSideEffects(ctx, b, res)
	}
	s.record(ctx, res)
	return res, nil
}

func (s *Synthesizer) knownGists(ctx context.Context, b Batch) ([]string, error) {
	known := slices.Clone(b.ExistingGists)
	if b.InterviewID == "" {
		return known, nil
	}
	stored, err := s.store.ListEvidence(ctx, b.InterviewID)
	if err != nil {
		return nil, fmt.Errorf("evidence: load existing: %w", err)
	}
	for _, ev := range stored {
		if !slices.Contains(known, ev.Gist) {
			known = append(known, ev.Gist)
		}
	}
	return known, nil
}

// apply persists one candidate. It returns nil when the candidate turned
// out to duplicate existing evidence.
func (s *Synthesizer) apply(ctx context.Context, b Batch, c Candidate, known []string, persist bool) (*Candidate, string, error) {
	if c.Action == ActionUpdate {
		if !persist {
			if slices.Contains(known, c.UpdatesGist) {
				return &c, "", nil
			}
		} else {
			id, found, err := s.store.UpdateEvidenceByGist(ctx, b.InterviewID, c.UpdatesGist, c.Gist, c.Verbatim)
			if err != nil {
				return nil, "", fmt.Errorf("evidence: update %q: %w", c.UpdatesGist, err)
			}
			if found {
				if err := s.linkFacets(ctx, b, id, c.FacetMentions); err != nil {
					return nil, "", err
				}
				return &c, id, nil
			}
		}
		c.Action, c.UpdatesGist = ActionNew, ""
	}

	if match, ok := s.duplicateOf(c.Gist, known); ok {
		observe.Logger(ctx).Debug("evidence: dropping duplicate gist",
			"gist", c.Gist, "matches", match)
		return nil, "", nil
	}
	if !persist {
		return &c, "", nil
	}

	verbatim := c.Verbatim
	if verbatim == "" {
		verbatim = c.Gist
	}
	ev := &types.Evidence{
		InterviewID:  b.InterviewID,
		AccountID:    b.AccountID,
		ProjectID:    b.ProjectID,
		Gist:         c.Gist,
		Verbatim:     verbatim,
		SpeakerLabel: c.SpeakerLabel,
		Confidence:   types.ConfidenceLow,
	}
	if err := s.store.InsertEvidence(ctx, ev); err != nil {
		return nil, "", fmt.Errorf("evidence: insert: %w", err)
	}
	if err := s.linkFacets(ctx, b, ev.ID, c.FacetMentions); err != nil {
		return nil, "", err
	}
	return &c, ev.ID, nil
}

func (s *Synthesizer) linkFacets(ctx context.Context, b Batch, evidenceID string, facets []types.FacetMention) error {
	if len(facets) == 0 {
		return nil
	}
	if err := s.store.LinkFacets(ctx, b.AccountID, evidenceID, facets); err != nil {
		return fmt.Errorf("evidence: link facets: %w", err)
	}
	return nil
}

// duplicateOf reports the known gist that gist restates, comparing
// case-insensitively and then by Jaro-Winkler similarity.
func (s *Synthesizer) duplicateOf(gist string, known []string) (string, bool) {
	norm := strings.ToLower(strings.TrimSpace(gist))
	for _, k := range known {
		kn := strings.ToLower(strings.TrimSpace(k))
		if kn == norm {
			return k, true
		}
		if s.dupThreshold <= 1 && matchr.JaroWinkler(norm, kn, false) >= s.dupThreshold {
			return k, true
		}
	}
	return "", false
}

// persistSideEffects stores tasks, people and progress metadata. None of
// them can fail the batch: evidence is already saved.
func (s *Synthesizer) persistSideEffects(ctx context.Context, b Batch, res *Result) {
	log := observe.Logger(ctx)

	var g errgroup.Group
	if len(res.Tasks) > 0 {
		g.Go(func() error {
			n, err := s.store.AddTasks(ctx, b.InterviewID, res.Tasks)
			if err != nil {
				return fmt.Errorf("tasks: %w", err)
			}
			log.Debug("evidence: tasks saved", "added", n)
			return nil
		})
	}
	if len(res.People) > 0 {
		g.Go(func() error {
			if _, err := s.store.UpsertPeople(ctx, b.AccountID, b.InterviewID, res.People); err != nil {
				return fmt.Errorf("people: %w", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Warn("evidence: side effect failed", "err", err)
	}

	count, err := s.store.CountEvidence(ctx, b.InterviewID)
	if err != nil {
		log.Warn("evidence: count failed", "err", err)
		return
	}
	meta := map[string]any{
		"evidence_count":             count,
		"last_extraction_at":         s.now().UTC().Format(time.RFC3339),
		"realtime_extraction_active": s.mode == ModeLive,
	}
	if _, err := s.store.UpdateInterview(ctx, b.InterviewID, store.InterviewPatch{Metadata: meta}); err != nil {
		if !errors.Is(err, apperr.ErrNotFound) {
			log.Warn("evidence: metadata update failed", "err", err)
		}
	}
}

func (s *Synthesizer) record(ctx context.Context, res *Result) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordEvidenceActions(ctx, string(ActionNew), res.New)
	s.metrics.RecordEvidenceActions(ctx, string(ActionUpdate), res.Updated)
	s.metrics.RecordEvidenceActions(ctx, string(ActionSkip), res.Skipped)
	s.metrics.RecordEvidenceActions(ctx, "invalid", res.Invalid)
}

func replaceGist(known []string, old, gist string) []string {
	if i := slices.Index(known, old); i >= 0 {
		known[i] = gist
		return known
	}
	return append(known, gist)
}

func hasText(utts []types.Utterance) bool {
	return slices.ContainsFunc(utts, func(u types.Utterance) bool {
		return strings.TrimSpace(u.Text) != ""
	})
}

func metricMode(m Mode) metric.MeasurementOption {
	return metric.WithAttributes(observe.Attr("mode", string(m)))
}
