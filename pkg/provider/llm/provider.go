// Package llm defines the Provider interface for streaming language-model
// backends.
//
// A provider turns a conversation history plus a system instruction into a
// stream of text chunks. Implementations wrap vendor SDKs (OpenAI, any-llm-go)
// and must be safe for concurrent use.
package llm

import "context"

// FinishReasonError marks a Chunk that carries a mid-stream failure in Err.
const FinishReasonError = "error"

// CompletionRequest holds the input for a completion.
type CompletionRequest struct {
	// SystemPrompt is prepended as a system message when non-empty.
	SystemPrompt string

	// Messages is the ordered conversation history.
	Messages []Message

	// Temperature controls randomness. Zero uses the provider default.
	Temperature float64

	// MaxTokens caps the completion length. Zero uses the provider default.
	MaxTokens int
}

// Chunk is one piece of a streamed completion.
type Chunk struct {
	// Text is the incremental content delta. May be empty.
	Text string

	// FinishReason is set on the last chunk ("stop", "length", or
	// FinishReasonError).
	FinishReason string

	// Err is set when FinishReason is FinishReasonError.
	Err error
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// StreamCompletion starts a streamed completion. The returned channel is
	// closed when the stream ends or ctx is cancelled. A failure after the
	// stream started is reported as a final Chunk with FinishReasonError.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Capabilities reports what the configured model supports.
	Capabilities() ModelCapabilities
}
