package resilience

import (
	"context"

	"github.com/MrWong99/threadloom/pkg/provider/llm"
)

// LLMFallback chains completion backends behind the [llm.Provider] interface.
// The primary serves every call until its breaker opens; spares then take
// over in registration order until the primary recovers.
type LLMFallback struct {
	chain *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback wraps primary as the preferred completion backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{chain: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers a spare completion backend behind the primary.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.chain.AddFallback(name, provider)
}

// Complete runs the request on the first healthy backend.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return First(f.chain, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// StreamCompletion opens a chunk stream on the first healthy backend.
// Failover covers the connection attempt only; errors on an established
// stream belong to the caller.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return First(f.chain, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}

// CountTokens asks the first healthy backend for a token count.
func (f *LLMFallback) CountTokens(messages []llm.Message) (int, error) {
	return First(f.chain, func(p llm.Provider) (int, error) {
		return p.CountTokens(messages)
	})
}

// Capabilities reports the primary's limits even while a spare is serving
// calls, so prompt budgets stay stable across failovers.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	if p := f.chain.Primary(); p != nil {
		return p.Capabilities()
	}
	return llm.ModelCapabilities{}
}
