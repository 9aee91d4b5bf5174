package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// defaultBackfillInterval is the default period between backfill attempts.
const defaultBackfillInterval = 5 * time.Second

// Backfiller periodically drains a [StoreGuard]'s buffered rows back into
// the store. It gives a session that rode out a storage outage a chance to
// recover the missed transcript rows without the owner goroutine ever
// blocking on the database.
//
// All methods are safe for concurrent use.
type Backfiller struct {
	guard     *StoreGuard
	interval  time.Duration
	sessionID string
	log       *slog.Logger

	done     chan struct{}
	stopOnce sync.Once
}

// BackfillerConfig configures a [Backfiller].
type BackfillerConfig struct {
	// Guard is the store guard to drain. Required.
	Guard *StoreGuard

	// SessionID is attached to log lines.
	SessionID string

	// Interval is how often to attempt a backfill. Defaults to 5 seconds
	// if zero.
	Interval time.Duration

	// Logger defaults to [slog.Default] if nil.
	Logger *slog.Logger
}

// NewBackfiller creates a [Backfiller] with the given configuration.
func NewBackfiller(cfg BackfillerConfig) *Backfiller {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultBackfillInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Backfiller{
		guard:     cfg.Guard,
		interval:  interval,
		sessionID: cfg.SessionID,
		log:       logger,
		done:      make(chan struct{}),
	}
}

// Start begins periodic backfill in a background goroutine. The goroutine
// runs until [Backfiller.Stop] is called or ctx is cancelled.
func (b *Backfiller) Start(ctx context.Context) {
	go b.loop(ctx)
}

// Stop halts the backfill loop. Safe to call multiple times.
func (b *Backfiller) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
	})
}

// BackfillNow performs an immediate drain attempt and returns the number of
// rows still pending.
func (b *Backfiller) BackfillNow(ctx context.Context) int {
	return b.guard.Backfill(ctx)
}

// loop runs the periodic backfill ticker. Ticks with an empty buffer are
// skipped so a healthy session costs nothing.
func (b *Backfiller) loop(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case <-ticker.C:
			if b.guard.Pending() == 0 {
				continue
			}
			if remaining := b.guard.Backfill(ctx); remaining > 0 {
				b.log.Debug("backfill incomplete",
					"session_id", b.sessionID,
					"remaining", remaining,
				)
			}
		}
	}
}
