// Package ingress is the network surface of the server: the live WebSocket
// ingest endpoint, the file-import endpoint with its SSE progress stream,
// the findings endpoint and the health and metrics routes.
//
// Handlers translate between the wire and the session pipeline; they never
// own pipeline state. Each live connection resolves to one [session.Session]
// through the manager, and every outbound frame on either transport is a hub
// event serialized as JSON.
//
// Authentication is a static bearer token: when the server config carries
// one, the three application endpoints require it and probes stay open.
package ingress

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/threadloom/internal/config"
	"github.com/MrWong99/threadloom/internal/detect"
	"github.com/MrWong99/threadloom/internal/health"
	"github.com/MrWong99/threadloom/internal/hub"
	"github.com/MrWong99/threadloom/internal/observe"
	"github.com/MrWong99/threadloom/internal/resilience"
	"github.com/MrWong99/threadloom/internal/session"
	"github.com/MrWong99/threadloom/pkg/store"
	"github.com/MrWong99/threadloom/pkg/types"
)

// defaultMaxBody caps upload bodies when the limits config leaves it unset.
const defaultMaxBody = 50 << 20

// Config wires a [Server] to the subsystems it fronts.
type Config struct {
	// Manager registers and resolves live sessions. Required.
	Manager *session.Manager

	// Hub is the fan-out bus sessions publish into. The import path also
	// publishes its progress statuses through it. Required.
	Hub *hub.Hub

	// Store is the persistence backend handed to new sessions and queried
	// by the findings endpoint. Required.
	Store store.Store

	// Registry builds provider instances from the configured entries.
	// Required.
	Registry *config.Registry

	// Current returns the effective server config. Called per connection so
	// hot-reloaded defaults apply to new sessions. Required.
	Current func() *config.Config

	// Detectors run on demand for the findings endpoint. Required.
	Detectors *detect.Registry

	// Health serves /healthz and /readyz. Defaults to an always-ready
	// handler if nil.
	Health *health.Handler

	// LLMLimiter and HTTPLimiter are the process-wide caps handed to every
	// session. Optional.
	LLMLimiter  *semaphore.Weighted
	HTTPLimiter *semaphore.Weighted

	// Breaker short-circuits analysis calls after repeated failures.
	// Optional, shared by all sessions.
	Breaker *resilience.CircuitBreaker

	// Metrics defaults to [observe.DefaultMetrics] if nil.
	Metrics *observe.Metrics

	// Logger defaults to [slog.Default] if nil.
	Logger *slog.Logger
}

// Server holds the ingress routes and the dependencies behind them.
type Server struct {
	manager   *session.Manager
	hub       *hub.Hub
	store     store.Store
	registry  *config.Registry
	current   func() *config.Config
	detectors *detect.Registry
	health    *health.Handler
	llmSem    *semaphore.Weighted
	httpSem   *semaphore.Weighted
	breaker   *resilience.CircuitBreaker
	metrics   *observe.Metrics
	log       *slog.Logger

	// maxBody is fixed at construction; the limits block is not
	// hot-reloadable.
	maxBody int64
}

// New creates a [Server] from cfg.
func New(cfg Config) *Server {
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hh := cfg.Health
	if hh == nil {
		hh = health.New()
	}
	maxBody := cfg.Current().Limits.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}
	return &Server{
		manager:   cfg.Manager,
		hub:       cfg.Hub,
		store:     cfg.Store,
		registry:  cfg.Registry,
		current:   cfg.Current,
		detectors: cfg.Detectors,
		health:    hh,
		llmSem:    cfg.LLMLimiter,
		httpSem:   cfg.HTTPLimiter,
		breaker:   cfg.Breaker,
		metrics:   metrics,
		log:       logger,
		maxBody:   maxBody,
	}
}

// Handler returns the full ingress handler:
//
//	GET  /ws/transcripts                        — live ingest WebSocket
//	POST /api/import/process-file               — file import, SSE progress
//	GET  /api/conversations/{id}/findings       — run detectors over a graph
//	GET  /healthz, /readyz                      — probes
//	GET  /metrics                               — Prometheus exposition
//
// Application endpoints sit behind the bearer check; probes and metrics do
// not.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /ws/transcripts", s.authed(http.HandlerFunc(s.handleLive)))
	mux.Handle("POST /api/import/process-file", s.authed(http.HandlerFunc(s.handleImport)))
	mux.Handle("GET /api/conversations/{conversationID}/findings", s.authed(http.HandlerFunc(s.handleFindings)))
	s.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	return observe.Middleware(s.metrics)(s.capBody(mux))
}

// capBody bounds every request body at the configured upload limit. Reads
// past the limit fail with [http.MaxBytesError], which the import handler
// maps to 413.
func (s *Server) capBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil && r.Body != http.NoBody {
			r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		}
		next.ServeHTTP(w, r)
	})
}

// authed enforces the static bearer token when one is configured. For the
// WebSocket endpoint the check runs on the upgrade request, so unauthorized
// clients get a plain 401 and never reach the socket.
func (s *Server) authed(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := s.current().Server.AuthToken
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		const prefix = "Bearer "
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, prefix) ||
			subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="threadloom"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// findingsResponse is the JSON body of the findings endpoint.
type findingsResponse struct {
	ConversationID string          `json:"conversation_id"`
	Findings       []types.Finding `json:"findings"`
}

// handleFindings serves GET /api/conversations/{conversationID}/findings:
// every registered detector runs over the conversation's stored graph.
func (s *Server) handleFindings(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("conversationID")
	log := observe.Logger(r.Context(), s.log)

	conv, err := s.store.GetConversation(r.Context(), id)
	if err != nil {
		log.Error("conversation lookup failed", "conversation_id", id, "err", err)
		http.Error(w, "conversation lookup failed", http.StatusInternalServerError)
		return
	}
	if conv == nil {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}

	findings, err := s.detectors.AnalyzeAll(r.Context(), id)
	if err != nil {
		log.Error("detector run failed", "conversation_id", id, "err", err)
		http.Error(w, "detector run failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, findingsResponse{ConversationID: id, Findings: findings})
}

// writeJSON encodes v with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}
