// Package detect runs analysis passes over a conversation's stored node
// graph. Detectors are read-only consumers of the graph store and never run
// on the live transcription path; the findings endpoint invokes a Registry
// on demand.
package detect

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/threadloom/pkg/store"
	"github.com/MrWong99/threadloom/pkg/types"
)

// Detector is one analysis pass over a conversation's node graph.
type Detector interface {
	// Kind names the detector; it tags every finding it emits.
	Kind() string

	// Analyze inspects the conversation's stored node graph and returns
	// the findings, empty when the graph is clean. Implementations must be
	// safe for concurrent use.
	Analyze(ctx context.Context, conversationID string) ([]types.Finding, error)
}

// Registry holds the detectors the findings endpoint runs, in registration
// order. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	detectors []Detector
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{}
}

// NewDefaultRegistry returns a registry preloaded with the built-in
// detectors reading from graph.
func NewDefaultRegistry(graph store.GraphStore) *Registry {
	r := NewRegistry()
	r.Register(NewCircular(graph))
	r.Register(NewOpenLoop(graph))
	return r
}

// Register appends a detector. Registration order is execution order.
func (r *Registry) Register(d Detector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detectors = append(r.detectors, d)
}

// Kinds returns the registered detector names in execution order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, len(r.detectors))
	for i, d := range r.detectors {
		kinds[i] = d.Kind()
	}
	return kinds
}

// AnalyzeAll runs every registered detector against the conversation and
// concatenates their findings. The first detector error aborts the run.
// The returned slice is non-nil even when there are no findings, so the
// endpoint serializes an empty JSON array rather than null.
func (r *Registry) AnalyzeAll(ctx context.Context, conversationID string) ([]types.Finding, error) {
	r.mu.RLock()
	detectors := slices.Clone(r.detectors)
	r.mu.RUnlock()

	findings := []types.Finding{}
	for _, d := range detectors {
		fs, err := d.Analyze(ctx, conversationID)
		if err != nil {
			return nil, fmt.Errorf("detect: %s: %w", d.Kind(), err)
		}
		findings = append(findings, fs...)
	}
	return findings, nil
}
