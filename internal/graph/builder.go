// Package graph turns transcript chunks into a conversation topic graph.
//
// A [Builder] owns one session's graph work: it accepts chunks from the
// session owner, issues at most one LLM call at a time, validates the reply
// against an embedded JSON schema, merges it into the session's
// [RunningGraph], persists the touched nodes and publishes the updated graph
// to the session's hub subscribers. Chunks that arrive while a call is in
// flight queue up and coalesce into a single follow-up request, keeping the
// graph consistent with one ordered narrative and bounding cost.
//
// Failures never kill the session: a transport error, timeout or a reply
// that stays invalid after one corrective retry publishes exactly one
// warning status and skips the batch.
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/threadloom/internal/hub"
	"github.com/MrWong99/threadloom/internal/observe"
	"github.com/MrWong99/threadloom/internal/resilience"
	"github.com/MrWong99/threadloom/pkg/provider/llm"
	"github.com/MrWong99/threadloom/pkg/store"
	"github.com/MrWong99/threadloom/pkg/types"
)

// Default worker parameters.
const (
	defaultRequestTimeout = 45 * time.Second
	defaultCancelGrace    = time.Second
)

// Config configures a [Builder].
type Config struct {
	// SessionID is the hub session graph events are published under.
	SessionID string

	// ConversationID scopes the nodes the builder creates.
	ConversationID string

	// Provider performs the completions. Required.
	Provider llm.Provider

	// Store persists node upserts. Required.
	Store store.GraphStore

	// Hub receives existing_json, chunk_dict and warning statuses. Required.
	Hub *hub.Hub

	// RequestTimeout bounds each completion attempt. Defaults to 45s if zero.
	RequestTimeout time.Duration

	// CancelGrace is how long an in-flight call must have been running at
	// close time before it is aborted instead of allowed to finish.
	// Defaults to 1s if zero.
	CancelGrace time.Duration

	// PromptTokenBudget bounds the assembled prompt. Defaults to 8000 if
	// zero.
	PromptTokenBudget int

	// Temperature and MaxTokens pass through to every completion request.
	Temperature float64
	MaxTokens   int

	// LLMLimiter caps in-flight LLM calls across all sessions. Optional.
	LLMLimiter *semaphore.Weighted

	// HTTPLimiter caps outbound HTTP calls across all sessions. Optional.
	HTTPLimiter *semaphore.Weighted

	// Breaker short-circuits calls after repeated backend failures. Optional.
	Breaker *resilience.CircuitBreaker

	// Metrics records call latency, in-flight gauge and node counters.
	// Defaults to [observe.DefaultMetrics] if nil.
	Metrics *observe.Metrics

	// Logger defaults to [slog.Default] if nil.
	Logger *slog.Logger

	// Now overrides the clock used for merge timestamps and the cancel
	// grace. Defaults to [time.Now] if nil.
	Now func() time.Time
}

// Builder runs one session's graph pipeline. Submit and the accessors are
// safe for concurrent use; Start must be called exactly once.
type Builder struct {
	sessionID      string
	conversationID string
	provider       llm.Provider
	store          store.GraphStore
	hub            *hub.Hub
	timeout        time.Duration
	grace          time.Duration
	budget         int
	temperature    float64
	maxTokens      int
	llmSem         *semaphore.Weighted
	httpSem        *semaphore.Weighted
	breaker        *resilience.CircuitBreaker
	metrics        *observe.Metrics
	log            *slog.Logger
	now            func() time.Time

	graph *RunningGraph

	mu             sync.Mutex
	pending        []types.Chunk
	closing        bool
	inFlightAt     time.Time
	cancelInFlight context.CancelFunc

	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a [Builder] with the given configuration.
func New(cfg Config) *Builder {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	grace := cfg.CancelGrace
	if grace <= 0 {
		grace = defaultCancelGrace
	}
	budget := cfg.PromptTokenBudget
	if budget <= 0 {
		budget = defaultPromptTokenBudget
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Builder{
		sessionID:      cfg.SessionID,
		conversationID: cfg.ConversationID,
		provider:       cfg.Provider,
		store:          cfg.Store,
		hub:            cfg.Hub,
		timeout:        timeout,
		grace:          grace,
		budget:         budget,
		temperature:    cfg.Temperature,
		maxTokens:      cfg.MaxTokens,
		llmSem:         cfg.LLMLimiter,
		httpSem:        cfg.HTTPLimiter,
		breaker:        cfg.Breaker,
		metrics:        metrics,
		log:            log.With("session_id", cfg.SessionID),
		now:            now,
		graph:          newRunningGraph(cfg.ConversationID),
		wake:           make(chan struct{}, 1),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Seed loads previously stored nodes into the running graph so a resumed
// conversation continues where it left off. Call before the first Submit.
func (b *Builder) Seed(nodes []types.Node) {
	b.graph.Seed(nodes)
}

// Start launches the worker goroutine.
func (b *Builder) Start() {
	go b.run()
}

// Submit queues a chunk for analysis. Chunks submitted while a call is in
// flight coalesce into the next request. Chunks submitted after Close are
// dropped.
func (b *Builder) Submit(c types.Chunk) {
	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		b.log.Debug("chunk dropped after close", "chunk_id", c.ChunkID)
		return
	}
	b.pending = append(b.pending, c)
	queued := len(b.pending)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
	if queued > 1 {
		b.log.Debug("chunk queued behind in-flight call", "chunk_id", c.ChunkID, "queued", queued)
	}
}

// Close stops intake, lets queued work drain and returns once the worker has
// exited or ctx expires. An in-flight request older than the cancel grace is
// aborted; a younger one finishes so its result is persisted. On ctx expiry
// the remaining work is detached: the worker keeps running in the background,
// bounded by its own request timeout, persisting best-effort.
func (b *Builder) Close(ctx context.Context) error {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.closing = true
		if b.cancelInFlight != nil && b.now().Sub(b.inFlightAt) > b.grace {
			b.cancelInFlight()
		}
		b.mu.Unlock()
		close(b.stop)
	})

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("graph: drain: %w", ctx.Err())
	}
}

// Nodes returns a snapshot of the running graph in insertion order.
func (b *Builder) Nodes() []types.Node {
	return b.graph.Nodes()
}

// NodeCount returns the current node count of the running graph.
func (b *Builder) NodeCount() int {
	return b.graph.NodeCount()
}

// ChunkTexts returns the text of every applied chunk by id.
func (b *Builder) ChunkTexts() map[string]string {
	return b.graph.ChunkTexts()
}

// ── Worker ──────────────────────────────────────────────────────────────────

func (b *Builder) run() {
	defer close(b.done)
	ctx := context.Background()
	for {
		batch, ok := b.next()
		if !ok {
			return
		}
		b.process(ctx, batch)
	}
}

// next blocks until at least one chunk is pending, taking the whole queue at
// once so everything queued behind the previous call coalesces. Returns
// ok=false when the builder is closing and the queue is drained.
func (b *Builder) next() ([]types.Chunk, bool) {
	for {
		b.mu.Lock()
		if len(b.pending) > 0 {
			batch := b.pending
			b.pending = nil
			b.mu.Unlock()
			return batch, true
		}
		closing := b.closing
		b.mu.Unlock()
		if closing {
			return nil, false
		}
		select {
		case <-b.wake:
		case <-b.stop:
		}
	}
}

// process runs one coalesced batch through the request → validate → merge →
// persist → publish sequence.
func (b *Builder) process(ctx context.Context, batch []types.Chunk) {
	ids := make([]string, len(batch))
	dict := make(map[string]string, len(batch))
	for i, c := range batch {
		ids[i] = c.ChunkID
		dict[c.ChunkID] = c.Text
	}

	res, ok := b.complete(ctx, coalesceTexts(batch))
	if !ok {
		return
	}

	changed := b.graph.apply(res, ids, dict, b.now().UTC())

	for _, n := range changed {
		if err := b.store.UpsertNode(ctx, n); err != nil {
			// Degraded durability: the in-memory graph stays authoritative
			// for this session and streaming continues.
			b.log.Error("node upsert failed", "node", n.NodeName, "error", err)
			continue
		}
		b.metrics.NodesUpserted.Add(ctx, 1)
	}

	b.hub.Publish(ctx, b.sessionID, &hub.ExistingJSON{Data: b.graph.Nodes()})
	b.hub.Publish(ctx, b.sessionID, &hub.ChunkDict{Data: dict})
}

// complete issues the request for the coalesced text, retrying once with a
// corrective instruction when the reply fails to parse. ok is false when the
// batch must be skipped; exactly one warning has been published then.
func (b *Builder) complete(ctx context.Context, chunkText string) (*response, bool) {
	system, user := assemblePrompt(b.graph.compactSummary(), chunkText, b.budget, b.provider.CountTokens)
	req := llm.CompletionRequest{
		Messages:     []llm.Message{user},
		Temperature:  b.temperature,
		MaxTokens:    b.maxTokens,
		SystemPrompt: system,
		JSONOnly:     true,
	}

	content, err := b.request(ctx, req)
	if err != nil {
		b.warn(ctx, fmt.Sprintf("analysis call failed: %v", err))
		return nil, false
	}

	res, perr := parseResponse(content)
	if perr == nil {
		return res, true
	}
	b.log.Warn("analysis reply failed validation, retrying once", "error", perr)

	req.Messages = append(req.Messages,
		llm.Message{Role: "assistant", Content: content},
		llm.Message{Role: "user", Content: correctiveInstruction},
	)
	content, err = b.request(ctx, req)
	if err != nil {
		b.warn(ctx, fmt.Sprintf("analysis retry failed: %v", err))
		return nil, false
	}
	if res, perr = parseResponse(content); perr != nil {
		b.warn(ctx, fmt.Sprintf("analysis reply invalid after retry: %v", perr))
		return nil, false
	}
	return res, true
}

// request performs one completion attempt under the global limiters, the
// circuit breaker and the per-request timeout. The request context descends
// from the worker's background context, not the session's, so close-time
// cancellation happens only through the cancel-grace rule.
func (b *Builder) request(ctx context.Context, req llm.CompletionRequest) (string, error) {
	if b.llmSem != nil {
		if err := b.llmSem.Acquire(ctx, 1); err != nil {
			return "", fmt.Errorf("graph: acquire llm slot: %w", err)
		}
		defer b.llmSem.Release(1)
	}
	if b.httpSem != nil {
		if err := b.httpSem.Acquire(ctx, 1); err != nil {
			return "", fmt.Errorf("graph: acquire outbound slot: %w", err)
		}
		defer b.httpSem.Release(1)
	}

	reqCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	b.mu.Lock()
	b.inFlightAt = b.now()
	b.cancelInFlight = cancel
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.cancelInFlight = nil
		b.mu.Unlock()
	}()

	b.metrics.LLMInFlight.Add(ctx, 1)
	defer b.metrics.LLMInFlight.Add(ctx, -1)

	start := time.Now()
	var resp *llm.CompletionResponse
	call := func() error {
		var err error
		resp, err = b.provider.Complete(reqCtx, req)
		return err
	}
	var err error
	if b.breaker != nil {
		err = b.breaker.Execute(call)
	} else {
		err = call()
	}
	b.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		b.metrics.RecordProviderError(ctx, "llm", "complete")
		return "", err
	}
	b.metrics.RecordProviderRequest(ctx, "llm", "complete", "ok")
	if resp == nil {
		return "", errors.New("graph: nil completion response")
	}
	return resp.Content, nil
}

// warn publishes the single skip warning for a failed batch.
func (b *Builder) warn(ctx context.Context, msg string) {
	b.log.Warn("chunk analysis skipped", "reason", msg)
	b.hub.Publish(ctx, b.sessionID, hub.NewStatus(hub.LevelWarning, msg, "analyze"))
}

// coalesceTexts joins the texts of queued chunks into one narrative. The
// accumulator carries trailing lines of each chunk into the next, so the
// longest line suffix of the accumulated text that prefixes the next chunk
// appears only once.
func coalesceTexts(batch []types.Chunk) string {
	if len(batch) == 1 {
		return batch[0].Text
	}
	acc := strings.Split(batch[0].Text, "\n")
	for _, c := range batch[1:] {
		lines := strings.Split(c.Text, "\n")
		acc = append(acc, lines[overlapLines(acc, lines):]...)
	}
	return strings.Join(acc, "\n")
}

// overlapLines returns the length of the longest suffix of prev that is also
// a prefix of next.
func overlapLines(prev, next []string) int {
	for k := min(len(prev), len(next)); k > 0; k-- {
		match := true
		for i := 0; i < k; i++ {
			if prev[len(prev)-k+i] != next[i] {
				match = false
				break
			}
		}
		if match {
			return k
		}
	}
	return 0
}
