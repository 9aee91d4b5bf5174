// Package resilience keeps the analysis pipeline running when a backend
// misbehaves. [CircuitBreaker] stops hammering a dependency after a streak of
// failures and probes it again once a cooldown elapses. [FallbackGroup]
// chains interchangeable backends behind one interface so a healthy spare
// serves calls while the primary's breaker is open.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker is
// rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker open")

// State is the externally visible mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrCircuitOpen] until the cooldown
	// elapses.
	StateOpen

	// StateHalfOpen admits a bounded number of probe calls. Enough successes
	// close the breaker; one failure restarts the cooldown.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero fields fall back to
// defaults.
type CircuitBreakerConfig struct {
	// Name labels the breaker in log output.
	Name string

	// MaxFailures is the streak of consecutive failures that trips the
	// breaker. Default 5.
	MaxFailures int

	// ResetTimeout is how long the breaker rejects calls before it starts
	// probing again. Default 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is both the probe budget per half-open window and the
	// number of consecutive probe successes required to close. Default 3.
	HalfOpenMax int
}

// CircuitBreaker rejects calls to a backend that keeps failing. The state is
// derived from openedAt: zero means closed, a running cooldown means open,
// and an elapsed cooldown means probes are admitted.
type CircuitBreaker struct {
	name       string
	limit      int
	cooldown   time.Duration
	probeQuota int

	mu       sync.Mutex
	failures int       // consecutive failures while closed
	openedAt time.Time // zero while closed
	probes   int       // calls admitted in the current half-open window
	probeOK  int       // successful probes in the current window
}

// NewCircuitBreaker builds a breaker from cfg, filling defaults for any
// non-positive knob.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:       cfg.Name,
		limit:      cfg.MaxFailures,
		cooldown:   cfg.ResetTimeout,
		probeQuota: cfg.HalfOpenMax,
	}
	if cb.limit <= 0 {
		cb.limit = 5
	}
	if cb.cooldown <= 0 {
		cb.cooldown = 30 * time.Second
	}
	if cb.probeQuota <= 0 {
		cb.probeQuota = 3
	}
	return cb
}

// Execute runs fn unless the breaker rejects the call. Open-state rejections
// return [ErrCircuitOpen] without invoking fn; otherwise fn's error is
// returned unchanged after the outcome is recorded.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(probe, err)
	return err
}

// admit decides whether a call may go out. The bool reports whether the call
// counts as a half-open probe.
func (cb *CircuitBreaker) admit() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.openedAt.IsZero() {
		return false, nil
	}
	if time.Since(cb.openedAt) < cb.cooldown {
		return false, ErrCircuitOpen
	}
	if cb.probes >= cb.probeQuota {
		// Probe budget spent; the window resolves when those calls settle.
		return false, ErrCircuitOpen
	}
	cb.probes++
	if cb.probes == 1 {
		slog.Info("breaker half-open, probing backend", "breaker", cb.name)
	}
	return true, nil
}

// settle records a call outcome.
func (cb *CircuitBreaker) settle(probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch {
	case err == nil && probe:
		if cb.openedAt.IsZero() || time.Since(cb.openedAt) < cb.cooldown {
			// The window resolved while this probe was in flight; its
			// outcome belongs to a dead window.
			return
		}
		cb.probeOK++
		if cb.probeOK >= cb.probeQuota {
			cb.failures = 0
			cb.openedAt = time.Time{}
			cb.probes = 0
			cb.probeOK = 0
			slog.Info("breaker closed, backend recovered", "breaker", cb.name)
		}

	case err == nil:
		cb.failures = 0

	case probe:
		if cb.openedAt.IsZero() {
			return
		}
		// Restart the cooldown from the failed probe, not the original trip.
		cb.openedAt = time.Now()
		cb.probes = 0
		cb.probeOK = 0
		slog.Warn("breaker probe failed, backend still down", "breaker", cb.name)

	default:
		cb.failures++
		if cb.failures >= cb.limit && cb.openedAt.IsZero() {
			cb.openedAt = time.Now()
			cb.probes = 0
			cb.probeOK = 0
			slog.Warn("breaker opened",
				"breaker", cb.name,
				"consecutive_failures", cb.failures)
		}
	}
}

// State reports the breaker's current mode. An open breaker whose cooldown
// has elapsed reports [StateHalfOpen] even before the first probe goes out.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch {
	case cb.openedAt.IsZero():
		return StateClosed
	case time.Since(cb.openedAt) < cb.cooldown:
		return StateOpen
	}
	return StateHalfOpen
}
