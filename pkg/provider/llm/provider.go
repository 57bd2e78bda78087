// Package llm defines the Provider interface for language model backends.
//
// An LLM provider wraps a remote or local model API (a local Ollama instance
// by default, or a hosted service) and exposes a uniform single-shot
// completion interface. Del-Fi never streams to the radio — every answer is
// generated whole, then chunked by the formatter — so the interface is
// deliberately minimal: one completion call plus a cheap liveness probe the
// health loop can use.
//
// Implementations must be safe for concurrent use and must propagate context
// cancellation promptly.
package llm

import "context"

// CompletionRequest carries everything the model needs to produce a response.
type CompletionRequest struct {
	// SystemPrompt is the high-priority instruction injected before the user
	// prompt (node identity, personality, formatting rules).
	SystemPrompt string

	// Prompt is the fully assembled user prompt, context sections included.
	Prompt string

	// NumCtx is the context window size in tokens. Zero means the backend
	// default.
	NumCtx int

	// NumPredict caps the number of generated tokens. Zero means the backend
	// default.
	NumPredict int
}

// CompletionResponse is the model's reply.
type CompletionResponse struct {
	// Content is the full text of the reply.
	Content string

	// PromptTokens and CompletionTokens hold token accounting when the
	// backend reports it; zero otherwise.
	PromptTokens     int
	CompletionTokens int
}

// Provider is the abstraction over any language model backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	// Returns an error if the request fails, the backend returns an empty
	// reply, or ctx is cancelled.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Ping probes backend reachability without generating text where the
	// backend allows it. Used by the health loop to decide when a downed
	// model has come back.
	Ping(ctx context.Context) error

	// ModelID returns the backend-specific model identifier, for logging and
	// the !status display.
	ModelID() string
}
