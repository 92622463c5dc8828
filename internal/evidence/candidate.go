// Package evidence turns batches of conversation turns into persisted
// evidence. A [Classifier] proposes candidates tagged new, update or skip
// against the gists already extracted for the conversation; the
// [Synthesizer] applies them to the store without ever duplicating a gist.
package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/epic-hq/Insights-sub011/internal/apperr"
	"github.com/epic-hq/Insights-sub011/pkg/types"
)

// ErrMalformedExtraction marks classifier output that does not match the
// expected schema. The synthesizer treats it as an empty batch.
var ErrMalformedExtraction = fmt.Errorf("%w: malformed extraction output", apperr.ErrValidation)

// Action is the classification of one candidate against existing evidence.
type Action string

const (
	ActionNew    Action = "new"
	ActionUpdate Action = "update"
	ActionSkip   Action = "skip"
)

// Candidate is one evidence item proposed by a classifier.
type Candidate struct {
	Action        Action               `json:"action"`
	UpdatesGist   string               `json:"updates_gist,omitempty"`
	Gist          string               `json:"gist"`
	SpeakerLabel  string               `json:"speaker_label,omitempty"`
	Verbatim      string               `json:"verbatim,omitempty"`
	FacetMentions []types.FacetMention `json:"facet_mentions"`
}

// Extraction is the full classifier result for one batch.
type Extraction struct {
	Evidence []Candidate    `json:"evidence"`
	Tasks    []types.Task   `json:"tasks"`
	People   []types.Person `json:"people"`
}

// Classifier proposes evidence for utterances, classifying each candidate
// against existingGists. Implementations return an error wrapping
// [ErrMalformedExtraction] when the backend answers with unusable output.
type Classifier interface {
	Classify(ctx context.Context, existingGists []string, utterances []types.Utterance) (*Extraction, error)
}

// ClassifierFunc adapts a function to [Classifier].
type ClassifierFunc func(ctx context.Context, existingGists []string, utterances []types.Utterance) (*Extraction, error)

func (f ClassifierFunc) Classify(ctx context.Context, existingGists []string, utterances []types.Utterance) (*Extraction, error) {
	return f(ctx, existingGists, utterances)
}

// ParseExtraction decodes classifier output. Markdown code fences around the
// JSON are tolerated. Individual items that fail validation are dropped and
// counted in invalid; only an undecodable document is an error.
func ParseExtraction(content string) (ex *Extraction, invalid int, err error) {
	cleaned := stripMarkdown(content)
	if cleaned == "" {
		return nil, 0, fmt.Errorf("%w: empty response", ErrMalformedExtraction)
	}
	var raw Extraction
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrMalformedExtraction, err)
	}

	ex = &Extraction{}
	for _, c := range raw.Evidence {
		c, ok := normalizeCandidate(c)
		if !ok {
			invalid++
			continue
		}
		ex.Evidence = append(ex.Evidence, c)
	}
	for _, t := range raw.Tasks {
		t.Text = strings.TrimSpace(t.Text)
		if t.Text == "" {
			invalid++
			continue
		}
		t.Assignee = strings.TrimSpace(t.Assignee)
		t.Due = strings.TrimSpace(t.Due)
		ex.Tasks = append(ex.Tasks, t)
	}
	for _, p := range raw.People {
		p.PersonKey = strings.TrimSpace(p.PersonKey)
		p.Name = strings.TrimSpace(p.Name)
		if p.PersonKey == "" {
			invalid++
			continue
		}
		ex.People = append(ex.People, p)
	}
	return ex, invalid, nil
}

// normalizeCandidate trims fields, defaults a missing action to new and
// demotes an update without a target gist to new. Unknown actions and empty
// gists are rejected.
func normalizeCandidate(c Candidate) (Candidate, bool) {
	c.Action = Action(strings.ToLower(strings.TrimSpace(string(c.Action))))
	c.Gist = strings.TrimSpace(c.Gist)
	c.UpdatesGist = strings.TrimSpace(c.UpdatesGist)
	c.Verbatim = strings.TrimSpace(c.Verbatim)
	c.SpeakerLabel = strings.TrimSpace(c.SpeakerLabel)

	switch c.Action {
	case "":
		c.Action = ActionNew
	case ActionNew, ActionSkip:
	case ActionUpdate:
		if c.UpdatesGist == "" {
			c.Action = ActionNew
		}
	default:
		return c, false
	}
	if c.Gist == "" && c.Action != ActionSkip {
		return c, false
	}

	facets := c.FacetMentions[:0:0]
	for _, f := range c.FacetMentions {
		f.KindSlug = strings.ToLower(strings.TrimSpace(f.KindSlug))
		f.Value = strings.TrimSpace(f.Value)
		if f.KindSlug != "" && f.Value != "" {
			facets = append(facets, f)
		}
	}
	c.FacetMentions = facets
	return c, true
}

func stripMarkdown(s string) string {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, "```"); ok {
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		} else {
			rest = strings.TrimPrefix(rest, "json")
		}
		s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(rest), "```"))
	}
	return s
}

// ApplyGists returns the gist list after applying saved candidates: new
// gists are appended and updates replace the gist they supersede. It keeps
// a client-side view of existing evidence in step with the store.
func ApplyGists(gists []string, applied []Candidate) []string {
	out := append([]string(nil), gists...)
	for _, c := range applied {
		switch c.Action {
		case ActionUpdate:
			replaced := false
			for i, g := range out {
				if g == c.UpdatesGist {
					out[i] = c.Gist
					replaced = true
					break
				}
			}
			if !replaced {
				out = append(out, c.Gist)
			}
		case ActionNew:
			out = append(out, c.Gist)
		}
	}
	return out
}
