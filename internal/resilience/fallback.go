package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrAllFailed is returned when no backend in a [FallbackGroup] could serve a
// call: every entry either failed or was skipped because its breaker is open.
var ErrAllFailed = errors.New("all backends failed")

// FallbackConfig carries the breaker settings applied to every backend
// registered with a [FallbackGroup]. The breaker name is always overwritten
// with the backend's registration name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type groupEntry[T any] struct {
	name    string
	backend T
	breaker *CircuitBreaker
}

// FallbackGroup chains a primary backend with ordered spares. Calls go to the
// first entry whose breaker admits them; a failure moves on to the next
// entry. Each backend trips and recovers independently.
type FallbackGroup[T any] struct {
	mu      sync.RWMutex
	entries []groupEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup builds a group with primary as its first entry. Spares
// registered with [FallbackGroup.AddFallback] are tried in insertion order.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	g := &FallbackGroup[T]{cfg: cfg}
	g.AddFallback(primaryName, primary)
	return g
}

// AddFallback appends a backend behind everything registered before it.
func (g *FallbackGroup[T]) AddFallback(name string, backend T) {
	bc := g.cfg.CircuitBreaker
	bc.Name = name

	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries = append(g.entries, groupEntry[T]{
		name:    name,
		backend: backend,
		breaker: NewCircuitBreaker(bc),
	})
}

// Primary returns the first backend in the chain, or T's zero value if the
// group is empty. Static metadata such as model capabilities should come
// from here rather than from whichever spare happens to be serving.
func (g *FallbackGroup[T]) Primary() T {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(g.entries) == 0 {
		var zero T
		return zero
	}
	return g.entries[0].backend
}

// First runs fn against each backend in chain order until one call succeeds.
// Backends with open breakers are skipped without being charged a failure.
// When nothing serves the call the returned error wraps [ErrAllFailed] and
// keeps the last real failure visible to errors.Is.
//
// This is a package-level function because methods cannot introduce the
// result type parameter.
func First[T, R any](g *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	g.mu.RLock()
	entries := make([]groupEntry[T], len(g.entries))
	copy(entries, g.entries)
	g.mu.RUnlock()

	var (
		zero    R
		lastErr error
		skipped int
	)
	for i := range entries {
		e := &entries[i]
		var out R
		err := e.breaker.Execute(func() error {
			var callErr error
			out, callErr = fn(e.backend)
			return callErr
		})
		if err == nil {
			if i > 0 {
				slog.Info("fallback backend served call", "backend", e.name)
			}
			return out, nil
		}
		if errors.Is(err, ErrCircuitOpen) {
			skipped++
			slog.Debug("skipping backend, breaker open", "backend", e.name)
			continue
		}
		lastErr = err
		slog.Warn("backend failed, trying next",
			"backend", e.name,
			"error", err)
	}

	if lastErr == nil {
		if skipped > 0 {
			return zero, fmt.Errorf("%w: %d with open breakers", ErrAllFailed, skipped)
		}
		return zero, fmt.Errorf("%w: no backends registered", ErrAllFailed)
	}
	return zero, fmt.Errorf("%w: last error: %v", ErrAllFailed, lastErr)
}
