// Package llm defines the Provider interface for text completion backends.
//
// A completion provider wraps a remote or local model API and exposes a
// uniform non-streaming interface. Within voxloop it powers context
// compaction: the engine asks the model for a summary of the transcript so a
// fresh realtime session can be seeded with condensed history instead of the
// full conversation.
//
// Implementors must be safe for concurrent use.
package llm

import "context"

// Message is a single entry of conversation history sent to the model.
type Message struct {
	// Role is one of "system", "user" or "assistant".
	Role string

	// Content is the message text.
	Content string
}

// Usage holds token accounting information returned by the backend. All
// counts are in the model's native token unit and may differ between
// providers for the same textual content.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens.
	TotalTokens int
}

// CompletionRequest carries everything the model needs to produce a response.
// Messages must be non-empty.
type CompletionRequest struct {
	// SystemPrompt is an optional high-priority instruction injected before
	// the conversation history.
	SystemPrompt string

	// Messages is the ordered conversation history.
	Messages []Message

	// Temperature controls output randomness in the range [0.0, 2.0]. Zero
	// requests the provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens the model may generate.
	// Zero means use the provider default.
	MaxTokens int
}

// CompletionResponse is the model's full reply.
type CompletionResponse struct {
	// Content is the full text of the reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any completion backend.
//
// Complete must propagate context cancellation promptly and return an error
// if the request fails or ctx is cancelled before completion.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
