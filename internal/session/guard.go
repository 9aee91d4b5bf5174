package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/threadloom/internal/observe"
	"github.com/MrWong99/threadloom/pkg/store"
	"github.com/MrWong99/threadloom/pkg/types"
)

// defaultPendingLimit caps the rows a StoreGuard retains for backfill.
const defaultPendingLimit = 1024

// StoreGuard wraps an [store.EventStore] and makes transcript writes
// non-fatal. When the underlying store fails, the row is logged, buffered
// for backfill, and the guard flips into degraded state instead of
// propagating the error. The live stream never waits on persistence.
//
// While degraded, new rows are routed into the backfill buffer too, so the
// log stays gap-free in write order once the store recovers: [StoreGuard.Backfill]
// replays the buffer oldest first. Rows the store permanently rejects
// (sequence or version regressions) are discarded — they can never succeed.
//
// All methods are safe for concurrent use.
type StoreGuard struct {
	store   store.EventStore
	limit   int
	onError func(err error)
	log     *slog.Logger
	metrics *observe.Metrics

	mu       sync.Mutex
	degraded bool
	pending  []pendingRow
	shed     uint64 // rows dropped because the buffer was full
}

// pendingRow is one buffered write, exactly one field set.
type pendingRow struct {
	event  *types.TranscriptEvent
	update *types.SpeakerUpdate
}

// GuardConfig configures a [StoreGuard].
type GuardConfig struct {
	// Store is the wrapped event store. Required.
	Store store.EventStore

	// PendingLimit caps the rows buffered for backfill; the oldest row is
	// shed on overflow. Defaults to 1024 if zero.
	PendingLimit int

	// OnDegraded is invoked once per outage, on the transition into
	// degraded state, with the error that caused it. Optional.
	OnDegraded func(err error)

	// Logger defaults to [slog.Default] if nil.
	Logger *slog.Logger

	// Metrics counts persist latency. Defaults to [observe.DefaultMetrics]
	// if nil.
	Metrics *observe.Metrics
}

// NewStoreGuard creates a [StoreGuard] with the given configuration.
func NewStoreGuard(cfg GuardConfig) *StoreGuard {
	limit := cfg.PendingLimit
	if limit <= 0 {
		limit = defaultPendingLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &StoreGuard{
		store:   cfg.Store,
		limit:   limit,
		onError: cfg.OnDegraded,
		log:     logger,
		metrics: metrics,
	}
}

// AppendEvent writes one transcript event, swallowing failures. While the
// guard is degraded the event goes straight to the backfill buffer so write
// order is preserved.
func (g *StoreGuard) AppendEvent(ctx context.Context, e types.TranscriptEvent) {
	g.mu.Lock()
	if g.degraded {
		g.bufferLocked(pendingRow{event: &e})
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()

	start := time.Now()
	_, err := g.store.AppendTranscriptEvent(ctx, e)
	g.metrics.PersistDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		g.fail(err, pendingRow{event: &e})
		return
	}
}

// AppendUpdate writes one speaker revision, swallowing failures, with the
// same degraded-buffering behaviour as [StoreGuard.AppendEvent].
func (g *StoreGuard) AppendUpdate(ctx context.Context, u types.SpeakerUpdate) {
	g.mu.Lock()
	if g.degraded {
		g.bufferLocked(pendingRow{update: &u})
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()

	start := time.Now()
	err := g.store.AppendSpeakerUpdate(ctx, u)
	g.metrics.PersistDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		g.fail(err, pendingRow{update: &u})
		return
	}
}

// Backfill replays the buffered rows oldest first and returns the number
// still pending. Rows rejected as regressions are discarded. A transient
// store error stops the pass; the remaining rows stay buffered for the next
// attempt. When the buffer drains completely the degraded flag clears.
func (g *StoreGuard) Backfill(ctx context.Context) int {
	g.mu.Lock()
	if len(g.pending) == 0 {
		g.degraded = false
		g.mu.Unlock()
		return 0
	}
	rows := g.pending
	g.pending = nil
	g.mu.Unlock()

	recovered := 0
	for i, row := range rows {
		var err error
		switch {
		case row.event != nil:
			_, err = g.store.AppendTranscriptEvent(ctx, *row.event)
		case row.update != nil:
			err = g.store.AppendSpeakerUpdate(ctx, *row.update)
		}
		switch {
		case err == nil:
			recovered++
		case errors.Is(err, store.ErrSequenceRegression), errors.Is(err, store.ErrVersionRegression):
			// A newer row landed while this one was buffered. It can never
			// be accepted now; drop it.
			g.log.Warn("store guard: discarding unplayable backfill row", "err", err)
		default:
			// Store still down. Re-queue this row and everything after it.
			g.mu.Lock()
			g.pending = append(rows[i:], g.pending...)
			remaining := len(g.pending)
			g.mu.Unlock()
			g.log.Warn("store guard: backfill interrupted",
				"recovered", recovered, "remaining", remaining, "err", err)
			return remaining
		}
	}

	g.mu.Lock()
	remaining := len(g.pending)
	if remaining == 0 {
		g.degraded = false
	}
	g.mu.Unlock()
	if recovered > 0 {
		g.log.Info("store guard: backfill recovered rows", "recovered", recovered, "remaining", remaining)
	}
	return remaining
}

// Pending returns the number of rows waiting for backfill.
func (g *StoreGuard) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// IsDegraded reports whether writes are currently being buffered instead of
// hitting the store.
func (g *StoreGuard) IsDegraded() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.degraded
}

// fail records a failed direct write: the row is buffered, the failure is
// logged, and OnDegraded fires if this is the start of an outage.
func (g *StoreGuard) fail(err error, row pendingRow) {
	g.mu.Lock()
	first := !g.degraded
	g.degraded = true
	g.bufferLocked(row)
	g.mu.Unlock()

	g.log.Warn("store guard: write failed, buffering for backfill", "err", err)
	if first && g.onError != nil {
		g.onError(err)
	}
}

// bufferLocked appends a row, shedding the oldest on overflow. Callers hold g.mu.
func (g *StoreGuard) bufferLocked(row pendingRow) {
	if len(g.pending) >= g.limit {
		g.pending = g.pending[1:]
		g.shed++
		if g.shed == 1 || g.shed%100 == 0 {
			g.log.Warn("store guard: backfill buffer full, shedding oldest row", "shed", g.shed)
		}
	}
	g.pending = append(g.pending, row)
}
