package evidence

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/epic-hq/Insights-sub011/internal/transcript"
	"github.com/epic-hq/Insights-sub011/pkg/provider/llm"
	"github.com/epic-hq/Insights-sub011/pkg/types"
)

// Mode selects how thorough an extraction is.
type Mode string

const (
	// ModeLive runs on small batches mid-conversation with a fast model.
	ModeLive Mode = "live"

	// ModeFinal runs once on the full transcript with the richer model.
	ModeFinal Mode = "final"
)

const systemPrompt = `You extract customer-research evidence from conversation transcripts.

Evidence is a specific, substantive statement explicitly made by a speaker:
a pain, a goal, a workflow, a tool in use, or important context. Each item has
a short "gist" label and the supporting "verbatim" quote.

Rules:
- Only extract what is explicitly stated in the transcript. Never invent,
  generalise or infer content that no speaker said.
- Small talk, greetings, filler and empty transcripts yield an empty list.
- Compare every candidate with the EXISTING GISTS below and set "action":
  - "new": a genuinely novel insight not covered by any existing gist.
  - "update": strengthens or clarifies one existing gist. Set "updates_gist"
    to that existing gist copied exactly, character for character.
  - "skip": redundant with an existing gist or not substantive.
- facet_mentions tag the item: kind_slug is one of pain, goal, workflow,
  tool, context; value is a short noun phrase.
- tasks are explicit action items: text, optional assignee, optional due
  phrase such as "tomorrow", "next week", "end of week" or a date.
- people are participants or named people: person_key is a stable lowercase
  slug of the name, person_name the name as spoken, role if stated.
%s
EXISTING GISTS:
%s

Respond with ONLY a JSON object in this exact format (no markdown, no prose):
{
  "evidence": [
    {"action": "new|update|skip", "updates_gist": "<existing gist or empty>",
     "gist": "<short label>", "speaker_label": "<speaker>", "verbatim": "<quote>",
     "facet_mentions": [{"kind_slug": "pain", "value": "<phrase>"}]}
  ],
  "tasks": [{"text": "<task>", "assignee": "<name>", "due": "<phrase>"}],
  "people": [{"person_key": "<slug>", "person_name": "<name>", "role": "<role>"}]
}`

const liveGuidance = `
This is a short excerpt of a conversation still in progress. Prefer "skip"
when unsure; later batches will bring more context.`

const finalGuidance = `
This is the complete conversation. Be thorough: cover every substantive
pain, goal and workflow, and include the most representative verbatim quote.`

// ClassifierOption configures an [LLMClassifier].
type ClassifierOption func(*LLMClassifier)

// WithTemperature sets the sampling temperature. Default 0.2.
func WithTemperature(t float64) ClassifierOption {
	return func(c *LLMClassifier) { c.temperature = t }
}

// WithMaxTokens caps the completion length. Default 2048 for live, 8192 for
// final extractions.
func WithMaxTokens(n int) ClassifierOption {
	return func(c *LLMClassifier) { c.maxTokens = n }
}

// WithInstructions appends project-specific guidance to the system prompt.
func WithInstructions(s string) ClassifierOption {
	return func(c *LLMClassifier) { c.instructions = strings.TrimSpace(s) }
}

// LLMClassifier classifies with a language model in JSON mode. The model is
// chosen by the provider it wraps: one provider per model.
type LLMClassifier struct {
	llm          llm.Provider
	mode         Mode
	temperature  float64
	maxTokens    int
	instructions string
}

var _ Classifier = (*LLMClassifier)(nil)

// NewLLMClassifier returns a classifier for mode backed by provider.
func NewLLMClassifier(provider llm.Provider, mode Mode, opts ...ClassifierOption) *LLMClassifier {
	c := &LLMClassifier{llm: provider, mode: mode, temperature: 0.2, maxTokens: 2048}
	if mode == ModeFinal {
		c.maxTokens = 8192
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Classify renders the utterances as "speaker: text" lines and asks the
// model for candidates. Utterances without text are ignored; when none
// remain the model is not called.
func (c *LLMClassifier) Classify(ctx context.Context, existingGists []string, utterances []types.Utterance) (*Extraction, error) {
	body := renderUtterances(utterances)
	if body == "" {
		return &Extraction{}, nil
	}

	resp, err := c.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: c.systemPrompt(existingGists),
		Messages:     []llm.Message{llm.UserMessage("TRANSCRIPT:\n" + body)},
		Temperature:  c.temperature,
		MaxTokens:    c.maxTokens,
		JSON:         true,
	})
	if err != nil {
		return nil, fmt.Errorf("evidence: classify: %w", err)
	}

	ex, invalid, err := ParseExtraction(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("evidence: classify: %w", err)
	}
	if invalid > 0 {
		slog.Warn("evidence: dropped invalid extraction items", "mode", c.mode, "invalid", invalid)
	}
	return ex, nil
}

func (c *LLMClassifier) systemPrompt(existing []string) string {
	guidance := liveGuidance
	if c.mode == ModeFinal {
		guidance = finalGuidance
	}
	if c.instructions != "" {
		guidance += "\nProject instructions:\n" + c.instructions + "\n"
	}

	var sb strings.Builder
	if len(existing) == 0 {
		sb.WriteString("(none)")
	}
	for _, g := range existing {
		sb.WriteString("- ")
		sb.WriteString(g)
		sb.WriteByte('\n')
	}
	return fmt.Sprintf(systemPrompt, guidance, sb.String())
}

func renderUtterances(utts []types.Utterance) string {
	var sb strings.Builder
	for _, u := range utts {
		text := strings.TrimSpace(u.Text)
		if text == "" {
			continue
		}
		speaker := strings.TrimSpace(u.Speaker)
		if speaker == "" {
			speaker = transcript.UnknownSpeaker
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(speaker)
		sb.WriteString(": ")
		sb.WriteString(text)
	}
	return sb.String()
}
