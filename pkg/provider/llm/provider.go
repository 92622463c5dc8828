// Package llm defines the Provider interface for Large Language Model
// backends used by evidence extraction and analysis.
//
// Calls are synchronous request/response: the pipeline asks for a JSON
// document and validates it before acting on it, so streaming is not part of
// the contract. Implementations must be safe for concurrent use and return
// promptly when ctx is cancelled.
package llm

import "context"

// CompletionRequest carries everything the model needs to produce a reply.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// SystemPrompt is injected ahead of Messages as a "system" message.
	SystemPrompt string

	Messages []Message

	// Temperature in [0, 2]. Zero uses the provider default.
	Temperature float64

	// MaxTokens caps the completion. Zero uses the provider default.
	MaxTokens int

	// JSON asks the backend to constrain output to a single JSON object
	// where it supports doing so. Callers still validate the reply.
	JSON bool
}

// CompletionResponse is the model's full reply.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
