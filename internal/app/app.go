// Package app wires the threadloom subsystems into a running server.
//
// The App owns the full lifecycle: New connects the store, the fan-out hub,
// the session manager and the ingress routes; Run serves HTTP until the
// context is cancelled; Shutdown drains live sessions and tears the
// subsystems down in order.
//
// For testing, inject doubles via functional options (WithStore, WithLogger,
// ...). When an option is not provided, New builds the real implementation
// from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/threadloom/internal/config"
	"github.com/MrWong99/threadloom/internal/detect"
	"github.com/MrWong99/threadloom/internal/health"
	"github.com/MrWong99/threadloom/internal/hub"
	"github.com/MrWong99/threadloom/internal/ingress"
	"github.com/MrWong99/threadloom/internal/observe"
	"github.com/MrWong99/threadloom/internal/resilience"
	"github.com/MrWong99/threadloom/internal/session"
	"github.com/MrWong99/threadloom/pkg/store"
	"github.com/MrWong99/threadloom/pkg/store/memory"
	"github.com/MrWong99/threadloom/pkg/store/postgres"
)

const (
	defaultListenAddr = ":8080"

	// shutdownDrain bounds the session drain during Shutdown when the
	// caller's context carries no earlier deadline.
	shutdownDrain = 30 * time.Second
)

// App owns all subsystem lifetimes behind the ingress routes.
type App struct {
	current  func() *config.Config
	registry *config.Registry
	log      *slog.Logger

	metrics   *observe.Metrics
	store     store.Store
	hub       *hub.Hub
	manager   *session.Manager
	detectors *detect.Registry
	httpSrv   *http.Server

	// closers run in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a store instead of connecting one from config.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithLogger injects a logger instead of the process default.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithMetrics injects metrics instead of building them from the global
// meter provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New wires an App from the current configuration. current is called again
// on every new connection, so a config watcher behind it hot-reloads
// session defaults; registry resolves the provider entries the config
// names.
func New(ctx context.Context, current func() *config.Config, registry *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		current:  current,
		registry: registry,
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		m, err := observe.NewMetrics(otel.GetMeterProvider())
		if err != nil {
			return nil, fmt.Errorf("app: init metrics: %w", err)
		}
		a.metrics = m
	}

	cfg := current()

	pinger, err := a.initStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	a.hub = hub.New(hub.Config{
		QueueSize: cfg.Limits.SubscriberQueue,
		Retention: cfg.Limits.ReplayRetention,
		Metrics:   a.metrics,
	})
	a.manager = session.NewManager(a.log)
	a.detectors = detect.NewDefaultRegistry(a.store)

	a.initHTTP(cfg, pinger)

	return a, nil
}

// initStore connects PostgreSQL when a database URL is configured and falls
// back to the in-memory store otherwise. The returned pinger feeds the
// readiness probe; it is nil for in-memory.
func (a *App) initStore(ctx context.Context, cfg *config.Config) (health.Pinger, error) {
	if a.store != nil {
		return nil, nil
	}

	if cfg.Database.URL == "" {
		a.log.Warn("no database configured, transcripts and graphs are not durable")
		mem := memory.NewStore()
		a.store = mem
		return nil, nil
	}

	pg, err := postgres.NewStore(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	a.store = pg
	a.closers = append(a.closers, func() error {
		pg.Close()
		return nil
	})
	a.log.Info("connected to database")
	return pg, nil
}

// initHTTP assembles the ingress server and the http.Server around it.
func (a *App) initHTTP(cfg *config.Config, pinger health.Pinger) {
	httpConc := cfg.Limits.HTTPConcurrency
	if httpConc <= 0 {
		httpConc = 32
	}
	llmConc := cfg.Limits.LLMConcurrency
	if llmConc <= 0 {
		llmConc = 8
	}

	checkers := []health.Checker{health.Database(pinger)}
	if stt := cfg.Providers.STT; stt.Name == "whisper" && stt.BaseURL != "" {
		checkers = append(checkers, health.Endpoint("stt", stt.BaseURL, nil))
	}

	srv := ingress.New(ingress.Config{
		Manager:     a.manager,
		Hub:         a.hub,
		Store:       a.store,
		Registry:    a.registry,
		Current:     a.current,
		Detectors:   a.detectors,
		Health:      health.New(checkers...),
		LLMLimiter:  semaphore.NewWeighted(llmConc),
		HTTPLimiter: semaphore.NewWeighted(httpConc),
		Breaker:     resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "analysis"}),
		Metrics:     a.metrics,
		Logger:      a.log,
	})

	addr := cfg.Server.ListenAddr
	if addr == "" {
		addr = defaultListenAddr
	}
	// No read or write timeout: both ingest and progress streams are
	// long-lived. The header timeout still bounds slow-loris openings.
	a.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Run serves HTTP until ctx is cancelled or the listener fails. On
// cancellation it returns ctx.Err(); call Shutdown for the graceful drain.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		cfg := a.current()
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			a.log.Info("listening", "addr", a.httpSrv.Addr, "tls", true)
			err = a.httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			a.log.Info("listening", "addr", a.httpSrv.Addr)
			err = a.httpSrv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ApplyReload propagates the runtime-adjustable parts of a reloaded
// configuration to running subsystems. Provider entries, limits and the
// listen address stay frozen for the process lifetime; the transcript
// glossary reaches live sessions. Call from the config watcher's change
// callback.
func (a *App) ApplyReload(old, next *config.Config) {
	if next == nil {
		return
	}
	if old != nil && slices.Equal(old.Transcript.Glossary, next.Transcript.Glossary) {
		return
	}
	a.manager.UpdateGlossary(next.Transcript.Glossary)
}

// Shutdown drains live sessions, stops the HTTP server and tears down the
// remaining subsystems in order. It respects the context deadline: when ctx
// expires, remaining closers are skipped and the context error is returned.
// Idempotent; later calls return nil without repeating the teardown.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down")

		// Drain sessions first: their terminal events flow to the still
		// connected subscribers, and the ingest handlers exit with them.
		drainCtx := ctx
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			drainCtx, cancel = context.WithTimeout(ctx, shutdownDrain)
			defer cancel()
		}
		a.manager.CloseAll(drainCtx, "server shutting down")

		if err := a.httpSrv.Shutdown(ctx); err != nil {
			a.log.Warn("http shutdown incomplete", "err", err)
			shutdownErr = err
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
