package resilience

import (
	"context"

	"github.com/MrWong99/threadloom/pkg/provider/stt"
)

// STTFallback chains transcription backends behind the [stt.Provider]
// interface with a breaker per backend.
type STTFallback struct {
	chain *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback wraps primary as the preferred transcription backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{chain: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers a spare transcription backend behind the primary.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.chain.AddFallback(name, provider)
}

// StartStream opens a live session on the first healthy backend. Failover
// covers session establishment only: all audio written to the returned
// handle goes to the backend that opened it, and a mid-session death
// surfaces on the handle's error channel instead of rolling over to a spare.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return First(f.chain, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}

// Transcribe runs one-shot transcription, falling through to spares on error.
func (f *STTFallback) Transcribe(ctx context.Context, audio []byte, cfg stt.StreamConfig) (stt.Transcript, error) {
	return First(f.chain, func(p stt.Provider) (stt.Transcript, error) {
		return p.Transcribe(ctx, audio, cfg)
	})
}
