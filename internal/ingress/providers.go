package ingress

import (
	"github.com/MrWong99/threadloom/internal/config"
	"github.com/MrWong99/threadloom/internal/resilience"
	"github.com/MrWong99/threadloom/pkg/provider/llm"
	"github.com/MrWong99/threadloom/pkg/provider/stt"
)

// buildSTT instantiates the transcription provider named in snap. When the
// config also names a fallback backend, both are built and wrapped in a
// failover group so a dead primary degrades instead of failing the session.
func (s *Server) buildSTT(snap config.Snapshot) (stt.Provider, error) {
	primary, err := s.registry.CreateSTT(snap.STT, snap.STTPolicy)
	if err != nil {
		return nil, err
	}
	if snap.STTFallback.Name == "" {
		return primary, nil
	}
	secondary, err := s.registry.CreateSTT(snap.STTFallback, snap.STTPolicy)
	if err != nil {
		return nil, err
	}
	group := resilience.NewSTTFallback(primary, snap.STT.Name, resilience.FallbackConfig{})
	group.AddFallback(snap.STTFallback.Name, secondary)
	return group, nil
}

// buildLLM instantiates the analysis provider named in snap, wrapped in a
// failover group when a fallback backend is configured.
func (s *Server) buildLLM(snap config.Snapshot) (llm.Provider, error) {
	primary, err := s.registry.CreateLLM(snap.LLM, snap.LLMPolicy)
	if err != nil {
		return nil, err
	}
	if snap.LLMFallback.Name == "" {
		return primary, nil
	}
	secondary, err := s.registry.CreateLLM(snap.LLMFallback, snap.LLMPolicy)
	if err != nil {
		return nil, err
	}
	group := resilience.NewLLMFallback(primary, snap.LLM.Name, resilience.FallbackConfig{})
	group.AddFallback(snap.LLMFallback.Name, secondary)
	return group, nil
}
