// Package llm defines the completion-backend contract used by the graph
// analysis pipeline.
//
// A Provider wraps one remote or local model API (OpenAI, Anthropic, Ollama
// and friends) behind a uniform surface: blocking completions for the chunk
// analyzer, streaming completions where a backend supports them, a token
// estimator for prompt budgeting, and static model metadata.
//
// Implementations must be safe for concurrent use and must honour context
// cancellation on every call. A channel returned by StreamCompletion is always
// closed by the implementation, whether the stream ends naturally, fails, or
// is cancelled.
package llm

import "context"

// Usage is the backend's token accounting for one request/response pair.
// Counts are in the model's own token unit.
type Usage struct {
	// PromptTokens covers the system prompt plus all input messages.
	PromptTokens int

	// CompletionTokens covers the generated reply.
	CompletionTokens int

	// TotalTokens is the sum, taken from the backend when it reports one.
	TotalTokens int
}

// CompletionRequest describes a single model call. Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered prompt. The last entry drives the reply.
	Messages []Message

	// SystemPrompt, when set, is delivered through the backend's dedicated
	// system channel if it has one, or prepended as a system-role message
	// otherwise.
	SystemPrompt string

	// Temperature in [0.0, 2.0]. Zero means the provider default.
	Temperature float64

	// MaxTokens caps the reply length. Zero means the provider default.
	MaxTokens int

	// JSONOnly asks for a single JSON object and nothing else. Backends with
	// a native JSON response mode switch it on; the rest enforce it through
	// an appended instruction. The reply must be validated either way.
	JSONOnly bool
}

// Chunk is one fragment of a streaming completion.
type Chunk struct {
	// Text is the incremental content. Empty on a pure finish-signal chunk.
	Text string

	// FinishReason is set on the last chunk: "stop", "length", or "error"
	// when the stream broke after it was established (Text then carries the
	// error message).
	FinishReason string
}

// CompletionResponse is the result of a blocking Complete call.
type CompletionResponse struct {
	// Content is the full reply text.
	Content string

	// Usage is the backend's token accounting, zero when not reported.
	Usage Usage
}

// Provider is the abstraction over a completion backend.
type Provider interface {
	// StreamCompletion starts a streaming completion and returns a channel of
	// chunks. The error return covers failures to establish the stream;
	// later failures arrive as a Chunk with FinishReason "error". Callers
	// must drain the channel.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete performs the request and waits for the full reply.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates how many tokens messages would occupy in the
	// model's context window. Estimates may be rough but should not
	// undercount; the prompt budgeter trims against this number.
	CountTokens(messages []Message) (int, error)

	// Capabilities returns static metadata for the configured model. The
	// result must not change over the Provider's lifetime.
	Capabilities() ModelCapabilities
}
