// Package session owns the live pipeline of one conversation: audio in,
// transcription, speaker reconciliation, glossary correction, the append-only
// log, chunking, graph analysis and fan-out.
//
// Every session is driven by a single owner goroutine. All per-session
// mutable state is confined to it; ingress goroutines only enqueue into
// bounded buffers ([Session.PushAudio], [Session.PushTranscriptEvent]) and
// the owner drains them. Cross-session state is limited to the store, the
// hub and the [Manager] registry.
//
// Persistence is decoupled from streaming: a failing store degrades the
// session (rows buffer for backfill, subscribers get an error status) but
// never stalls or tears down the live stream.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/threadloom/internal/accumulate"
	"github.com/MrWong99/threadloom/internal/diarize"
	"github.com/MrWong99/threadloom/internal/graph"
	"github.com/MrWong99/threadloom/internal/hub"
	"github.com/MrWong99/threadloom/internal/observe"
	"github.com/MrWong99/threadloom/internal/resilience"
	"github.com/MrWong99/threadloom/internal/transcript"
	"github.com/MrWong99/threadloom/pkg/audio"
	"github.com/MrWong99/threadloom/pkg/provider/llm"
	"github.com/MrWong99/threadloom/pkg/provider/stt"
	"github.com/MrWong99/threadloom/pkg/store"
	"github.com/MrWong99/threadloom/pkg/types"
	"golang.org/x/sync/semaphore"
)

// Defaults for the session lifecycle parameters.
const (
	defaultAudioBuffer    = 2 * time.Second
	defaultEventQueue     = 256
	defaultIdleFlush      = 6 * time.Second
	defaultDrainTimeout   = 3 * time.Second
	defaultReconnectGrace = 30 * time.Second

	// dropWarnInterval rate-limits the backpressure warning published when
	// the audio queue sheds frames.
	dropWarnInterval = 5 * time.Second
)

var (
	// ErrSessionClosed is returned when a push or subscribe reaches a
	// session that is draining or closed.
	ErrSessionClosed = errors.New("session: closed")

	// ErrEventQueueFull is returned by PushTranscriptEvent when the
	// client-transcript queue is full.
	ErrEventQueueFull = errors.New("session: transcript queue full")

	// ErrNoTranscriber is returned by PushAudio on a session that was
	// created without a speech-to-text stream.
	ErrNoTranscriber = errors.New("session: no transcription stream configured")
)

// State is the lifecycle phase of a session.
type State int32

const (
	// StateNew is a connection before its opening metadata arrived. The
	// ingress layer holds this phase; a Session is never constructed in it.
	StateNew State = iota

	// StateMetaReceived means the session exists but its pipeline has not
	// started yet.
	StateMetaReceived

	// StateRunning is the steady state: audio and transcripts flow.
	StateRunning

	// StateDraining means close was requested: buffered audio is flushed,
	// the accumulator emits its last chunk and in-flight analysis settles.
	StateDraining

	// StateFailed is entered on an unrecoverable error. A terminal error
	// status is published before the session proceeds to StateClosed.
	StateFailed

	// StateClosed is terminal.
	StateClosed
)

// String returns the wire spelling of the state.
func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateMetaReceived:
		return "meta_received"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Config configures a session created through [Manager.Create].
type Config struct {
	// SessionID identifies the session. Required, unique among live
	// sessions.
	SessionID string

	// ConversationID is the durable aggregate the session appends to.
	// Defaults to SessionID; pass an existing id to resume a conversation
	// across reconnects.
	ConversationID string

	// SourceType labels the conversation aggregate. Defaults to "live".
	SourceType string

	// Participants seeds the conversation's participant set.
	Participants []string

	// SpeakerDefault is the fallback speaker for finals that arrive
	// without attribution.
	SpeakerDefault string

	// Store is the persistence backend. Required. Writes go through a
	// degrading guard; reads are direct.
	Store store.Store

	// Hub fans events out to subscribers. Required.
	Hub *hub.Hub

	// STT transcribes pushed audio. Nil puts the session in
	// client-transcript mode: only PushTranscriptEvent feeds the pipeline.
	STT stt.Provider

	// STTConfig is the frozen per-session stream configuration.
	STTConfig stt.StreamConfig

	// InputFormat declares the PCM format of frames pushed through
	// [Session.PushAudio]. Zero fields default to the transcription
	// stream's format, i.e. frames arrive ready to deliver.
	InputFormat audio.Format

	// LLM analyses chunks into the conversation graph. Nil disables
	// analysis; the session still transcribes, persists and streams.
	LLM llm.Provider

	// Glossary holds terms the phonetic corrector may substitute into
	// final transcripts. Empty disables correction.
	Glossary []string

	// AudioBuffer bounds the audio queue by play time; the oldest frame is
	// dropped on overflow. Defaults to 2s if zero.
	AudioBuffer time.Duration

	// EventQueue bounds the client-transcript queue. Defaults to 256 if
	// zero.
	EventQueue int

	// IdleFlush is how long the accumulator may sit on buffered text with
	// no new finals before it is flushed, and the cadence of the waiting
	// heartbeat. Defaults to 6s if zero.
	IdleFlush time.Duration

	// DrainTimeout bounds the wait for in-flight analysis at close.
	// Defaults to 3s if zero.
	DrainTimeout time.Duration

	// ReconnectGrace is how long a detached session waits for the client
	// to come back before closing itself. Defaults to 30s if zero.
	ReconnectGrace time.Duration

	// ChunkTargetWords and ChunkOverlapWords tune the accumulator.
	// Zero keeps its defaults.
	ChunkTargetWords  int
	ChunkOverlapWords int

	// LLMTimeout, CancelGrace, PromptTokenBudget, Temperature and
	// MaxTokens pass through to the graph builder. Zero keeps its
	// defaults.
	LLMTimeout        time.Duration
	CancelGrace       time.Duration
	PromptTokenBudget int
	Temperature       float64
	MaxTokens         int

	// LLMLimiter and HTTPLimiter are the process-wide caps shared by all
	// sessions. Optional.
	LLMLimiter  *semaphore.Weighted
	HTTPLimiter *semaphore.Weighted

	// Breaker short-circuits analysis calls after repeated backend
	// failures. Optional.
	Breaker *resilience.CircuitBreaker

	// BackfillInterval is the retry cadence for rows that missed the store
	// during an outage. Defaults to 5s if zero.
	BackfillInterval time.Duration

	// Metrics defaults to [observe.DefaultMetrics] if nil.
	Metrics *observe.Metrics

	// Logger defaults to [slog.Default] if nil.
	Logger *slog.Logger

	// Now overrides the clock. Defaults to [time.Now] if nil.
	Now func() time.Time
}

// Session is one live conversation pipeline. All methods are safe for
// concurrent use.
type Session struct {
	id             string
	conversationID string
	sourceType     string
	participants   []string
	speakerDefault string

	store   store.Store
	guard   *StoreGuard
	hub     *hub.Hub
	metrics *observe.Metrics
	log     *slog.Logger
	now     func() time.Time

	sttProvider stt.Provider
	sttCfg      stt.StreamConfig
	sttHandle   stt.SessionHandle
	inputFormat audio.Format

	corrector  *transcript.Corrector
	reconciler *diarize.Reconciler
	accum      *accumulate.Accumulator
	builder    *graph.Builder
	backfill   *Backfiller

	queue    *audio.FrameQueue
	events   chan types.TranscriptEvent
	glossary chan []string

	idleFlush      time.Duration
	drainTimeout   time.Duration
	reconnectGrace time.Duration

	state atomic.Int32

	// Producer-side clocks, written outside the owner goroutine.
	audioMu        sync.Mutex
	audioClock     time.Duration
	lastAudioNanos atomic.Int64
	warnedDrops    atomic.Uint64
	lastDropWarn   atomic.Int64

	// Owner-only pipeline state.
	utteranceID   string
	lastEmit      time.Time
	lastFinal     time.Time
	lastHeartbeat time.Time

	mu          sync.Mutex
	closeReason string
	attached    int
	graceTimer  *time.Timer

	ctx       context.Context
	cancel    context.CancelFunc
	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// newSession builds an unstarted session. [Manager.Create] starts it before
// handing it out, so every Session external code sees has a live owner
// goroutine.
func newSession(cfg Config) *Session {
	conversationID := cfg.ConversationID
	if conversationID == "" {
		conversationID = cfg.SessionID
	}
	sourceType := cfg.SourceType
	if sourceType == "" {
		sourceType = "live"
	}
	sttCfg := cfg.STTConfig
	if sttCfg.SampleRate <= 0 {
		sttCfg.SampleRate = 16000
	}
	if sttCfg.Channels <= 0 {
		sttCfg.Channels = 1
	}
	input := cfg.InputFormat
	if input.SampleRate <= 0 {
		input.SampleRate = sttCfg.SampleRate
	}
	if input.Channels <= 0 {
		input.Channels = sttCfg.Channels
	}
	eventQueue := cfg.EventQueue
	if eventQueue <= 0 {
		eventQueue = defaultEventQueue
	}
	idleFlush := cfg.IdleFlush
	if idleFlush <= 0 {
		idleFlush = defaultIdleFlush
	}
	drainTimeout := cfg.DrainTimeout
	if drainTimeout <= 0 {
		drainTimeout = defaultDrainTimeout
	}
	reconnectGrace := cfg.ReconnectGrace
	if reconnectGrace <= 0 {
		reconnectGrace = defaultReconnectGrace
	}
	audioBuffer := cfg.AudioBuffer
	if audioBuffer <= 0 {
		audioBuffer = defaultAudioBuffer
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session_id", cfg.SessionID)
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	s := &Session{
		id:             cfg.SessionID,
		conversationID: conversationID,
		sourceType:     sourceType,
		participants:   cfg.Participants,
		speakerDefault: cfg.SpeakerDefault,
		store:          cfg.Store,
		hub:            cfg.Hub,
		metrics:        metrics,
		log:            logger,
		now:            now,
		attached:       1,
		sttProvider:    cfg.STT,
		sttCfg:         sttCfg,
		inputFormat:    input,
		corrector:      transcript.NewCorrector(cfg.Glossary),
		queue:          audio.NewFrameQueue(audioBuffer),
		events:         make(chan types.TranscriptEvent, eventQueue),
		glossary:       make(chan []string, 1),
		idleFlush:      idleFlush,
		drainTimeout:   drainTimeout,
		reconnectGrace: reconnectGrace,
		closing:        make(chan struct{}),
		done:           make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.state.Store(int32(StateMetaReceived))

	s.guard = NewStoreGuard(GuardConfig{
		Store:   cfg.Store,
		Logger:  logger,
		Metrics: metrics,
		OnDegraded: func(err error) {
			s.publishStatus(s.ctx, hub.LevelError,
				fmt.Sprintf("persistence degraded, buffering rows: %v", err), "persist")
		},
	})
	s.backfill = NewBackfiller(BackfillerConfig{
		Guard:     s.guard,
		SessionID: cfg.SessionID,
		Interval:  cfg.BackfillInterval,
		Logger:    logger,
	})
	s.reconciler = diarize.New(diarize.Config{
		SessionID: cfg.SessionID,
		OnUpdate:  s.onSpeakerUpdate,
		Metrics:   metrics,
		Now:       now,
	})
	s.accum = accumulate.New(accumulate.Config{
		SessionID:    cfg.SessionID,
		TargetWords:  cfg.ChunkTargetWords,
		OverlapWords: cfg.ChunkOverlapWords,
		Metrics:      metrics,
		Now:          now,
	})
	if cfg.LLM != nil {
		s.builder = graph.New(graph.Config{
			SessionID:         cfg.SessionID,
			ConversationID:    conversationID,
			Provider:          cfg.LLM,
			Store:             cfg.Store,
			Hub:               cfg.Hub,
			RequestTimeout:    cfg.LLMTimeout,
			CancelGrace:       cfg.CancelGrace,
			PromptTokenBudget: cfg.PromptTokenBudget,
			Temperature:       cfg.Temperature,
			MaxTokens:         cfg.MaxTokens,
			LLMLimiter:        cfg.LLMLimiter,
			HTTPLimiter:       cfg.HTTPLimiter,
			Breaker:           cfg.Breaker,
			Metrics:           metrics,
			Logger:            logger,
			Now:               now,
		})
	}
	return s
}

// start registers the conversation, opens the transcription stream and
// launches the owner goroutine.
func (s *Session) start(ctx context.Context) error {
	if _, err := s.store.EnsureConversation(ctx, s.conversationID, s.sourceType, s.participants); err != nil {
		// Stream-first: a dead store degrades the session, it does not
		// prevent it.
		s.log.Warn("conversation registration failed, continuing unpersisted", "err", err)
		s.publishStatus(ctx, hub.LevelError,
			fmt.Sprintf("persistence degraded, conversation not registered: %v", err), "persist")
	}

	if s.sttProvider != nil {
		handle, err := s.sttProvider.StartStream(ctx, s.sttCfg)
		if err != nil {
			s.cancel()
			return fmt.Errorf("session: start transcription stream: %w", err)
		}
		s.sttHandle = handle
	}

	if s.builder != nil {
		if nodes, err := s.store.ListNodes(ctx, s.conversationID); err != nil {
			s.log.Warn("graph seed load failed, starting empty", "err", err)
		} else if len(nodes) > 0 {
			s.builder.Seed(nodes)
		}
		s.builder.Start()
	}
	s.backfill.Start(s.ctx)

	s.state.Store(int32(StateRunning))
	s.lastEmit = s.now()
	s.lastFinal = s.lastEmit
	s.metrics.ActiveSessions.Add(ctx, 1)

	if s.sttHandle != nil {
		go s.pumpAudio()
	}
	go s.run()

	s.log.Info("session started",
		"conversation_id", s.conversationID,
		"transcriber", s.sttHandle != nil,
		"analysis", s.builder != nil,
	)
	return nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// ConversationID returns the conversation the session appends to.
func (s *Session) ConversationID() string { return s.conversationID }

// State returns the current lifecycle phase.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed when the session has fully torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Degraded reports whether transcript writes are currently buffering
// instead of reaching the store.
func (s *Session) Degraded() bool { return s.guard.IsDegraded() }

// PushAudio enqueues one PCM frame for transcription. Never blocks: when
// the queue's play-time budget is exceeded the oldest frame is dropped and
// a rate-limited warning is published. received is the ingress receive
// time, advisory only; the session keeps its own monotonic audio clock.
//
// Frames carry the session's declared input format and are normalized to
// the transcription format on their way out of the queue, so the audio
// clock and the queue's play-time budget stay correct for any input rate.
func (s *Session) PushAudio(frame []byte, received time.Time) error {
	if s.State() != StateRunning {
		return ErrSessionClosed
	}
	if s.sttHandle == nil {
		return ErrNoTranscriber
	}
	if len(frame) == 0 {
		return nil
	}

	s.audioMu.Lock()
	af := audio.AudioFrame{
		Data:       frame,
		SampleRate: s.inputFormat.SampleRate,
		Channels:   s.inputFormat.Channels,
		Timestamp:  s.audioClock,
	}
	s.audioClock += af.Duration()
	s.audioMu.Unlock()

	s.queue.Push(af)
	s.lastAudioNanos.Store(received.UnixNano())
	s.noteDrops()
	return nil
}

// PushTranscriptEvent enqueues a client-produced transcript event, for
// ingress paths where the client runs STT and forwards results. The server
// clock overrides ReceivedAt; sequence numbers are assigned by the session.
func (s *Session) PushTranscriptEvent(e types.TranscriptEvent) error {
	if s.State() != StateRunning {
		return ErrSessionClosed
	}
	e.SessionID = s.id
	e.ConversationID = s.conversationID
	e.ReceivedAt = s.now()
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	select {
	case s.events <- e:
		return nil
	default:
		return ErrEventQueueFull
	}
}

// Flush asks the transcriber to transcribe its buffered audio immediately.
func (s *Session) Flush() error {
	if s.State() != StateRunning {
		return ErrSessionClosed
	}
	if s.sttHandle == nil {
		return nil
	}
	return s.sttHandle.Flush()
}

// UpdateGlossary replaces the glossary mid-session: later finals run through
// a corrector built from terms, and the transcriber is offered the terms as
// recognition hints. Latest-wins when updates arrive faster than the
// pipeline picks them up. Finals already in flight may still use the
// previous glossary.
func (s *Session) UpdateGlossary(terms []string) error {
	if s.State() != StateRunning {
		return ErrSessionClosed
	}
	for {
		select {
		case s.glossary <- terms:
			return nil
		case <-s.glossary:
			// Drop the superseded update and retry.
		}
	}
}

// Subscribe attaches a consumer to the session's event stream, replaying
// everything after sinceSeq first. When the hub's retention ring no longer
// covers sinceSeq the missing finals and current speaker revisions are
// re-derived from the transcript log, followed by a fresh graph snapshot;
// delivery is at-least-once across the seam. The returned cancel function
// detaches the consumer and closes the channel.
func (s *Session) Subscribe(ctx context.Context, sinceSeq uint64) (<-chan hub.Event, func(), error) {
	if st := s.State(); st == StateClosed || st == StateFailed {
		return nil, nil, ErrSessionClosed
	}

	sub, replay, complete := s.hub.Subscribe(ctx, s.id, sinceSeq)

	var catchup []hub.Event
	if !complete {
		tail, err := s.store.LoadSessionTail(ctx, s.id, sinceSeq)
		if err != nil {
			s.log.Warn("replay tail load failed, serving retained events only", "err", err)
		} else {
			maxSeq := sinceSeq
			for _, e := range tail.Events {
				if e.Kind != types.KindFinal {
					continue
				}
				catchup = append(catchup,
					hub.StampForReplay(hub.FromTranscriptEvent(e), s.id, e.SequenceNumber, e.ReceivedAt))
				if e.SequenceNumber > maxSeq {
					maxSeq = e.SequenceNumber
				}
			}
			// Revisions are a state snapshot, not log rows; clients key
			// them on (event_id, diarization_version).
			for _, u := range tail.Updates {
				catchup = append(catchup,
					hub.StampForReplay(hub.FromSpeakerUpdate(u), s.id, maxSeq, u.CreatedAt))
			}
		}
		if s.builder != nil && s.builder.NodeCount() > 0 {
			// Publish through the hub so the snapshot lands after the
			// catch-up tail and in sequence for everyone. Repeats are
			// harmless: the payload carries the full node list.
			s.hub.Publish(ctx, s.id, &hub.ExistingJSON{Data: s.builder.Nodes()})
			s.hub.Publish(ctx, s.id, &hub.ChunkDict{Data: s.builder.ChunkTexts()})
		}
	}

	prefix := make([]hub.Event, 0, len(catchup)+len(replay))
	prefix = append(prefix, catchup...)
	prefix = append(prefix, replay...)

	out := make(chan hub.Event, len(prefix))
	stop := make(chan struct{})
	var stopOnce sync.Once
	cancel := func() {
		stopOnce.Do(func() {
			sub.Close()
			close(stop)
		})
	}

	go func() {
		defer close(out)
		for _, ev := range prefix {
			select {
			case out <- ev:
			case <-stop:
				return
			}
		}
		for ev := range sub.Events() {
			select {
			case out <- ev:
			case <-stop:
				return
			}
		}
	}()

	return out, cancel, nil
}

// Attach registers a producing client, cancelling a pending reconnect grace
// timer. Attachments are counted: during a reconnect the new connection may
// attach before the dead one finishes tearing down, and the session must not
// re-enter grace underneath it. Returns ErrSessionClosed when the session
// has already begun tearing down.
func (s *Session) Attach() error {
	if st := s.State(); st != StateRunning && st != StateMetaReceived {
		return ErrSessionClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached++
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
		s.log.Info("client reattached within grace")
	}
	return nil
}

// Detach drops one producing client. When none remain the reconnect grace
// timer starts; if no client reattaches within the grace the session closes
// itself.
func (s *Session) Detach() {
	if s.State() != StateRunning {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached > 0 {
		s.attached--
	}
	if s.attached > 0 {
		return
	}
	if s.graceTimer != nil {
		s.graceTimer.Stop()
	}
	s.graceTimer = time.AfterFunc(s.reconnectGrace, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.drainTimeout+2*time.Second)
		defer cancel()
		_ = s.Close(ctx, "reconnect grace expired")
	})
	s.log.Info("client detached, reconnect grace running", "grace", s.reconnectGrace)
}

// Close requests teardown and waits for it to finish, bounded by ctx.
// Idempotent: later calls wait on the same teardown. The pipeline drains in
// order: remaining audio is flushed through the transcriber, the
// accumulator emits its last chunk, and in-flight analysis gets up to the
// drain timeout before being detached.
func (s *Session) Close(ctx context.Context, reason string) error {
	s.requestClose(reason)
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session: close: %w", ctx.Err())
	}
}

// requestClose makes the owner goroutine begin draining. Only the first
// caller's reason is kept.
func (s *Session) requestClose(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closeReason = reason
		if s.graceTimer != nil {
			s.graceTimer.Stop()
			s.graceTimer = nil
		}
		s.mu.Unlock()
		s.state.CompareAndSwap(int32(StateRunning), int32(StateDraining))
		s.state.CompareAndSwap(int32(StateMetaReceived), int32(StateDraining))
		close(s.closing)
	})
}

// fail records an unrecoverable error: the terminal error status is
// published, the state flips to FAILED and teardown begins.
func (s *Session) fail(ctx context.Context, stage, msg string) {
	s.log.Error("session failed", "stage", stage, "reason", msg)
	s.state.Store(int32(StateFailed))
	s.publishStatus(ctx, hub.LevelError, msg, stage)
	s.requestClose("failed: " + msg)
}

// ── Owner goroutine ──

// run is the owner loop. Every mutation of pipeline state happens here or
// in callbacks invoked synchronously from here.
func (s *Session) run() {
	defer close(s.done)

	var (
		partials <-chan stt.Transcript
		finals   <-chan stt.Transcript
		errs     <-chan error
	)
	sttOpen := s.sttHandle != nil
	if sttOpen {
		partials = s.sttHandle.Partials()
		finals = s.sttHandle.Finals()
		errs = s.sttHandle.Errs()
	}

	tick := time.NewTicker(s.tickEvery())
	defer tick.Stop()

	closing := s.closing
	draining := false
	collapsed := false

	for {
		select {
		case <-closing:
			closing = nil
			draining = true
			// The pump drains the remaining frames, then closes the
			// transcriber, which closes its channels.
			s.queue.Close()

		case tr, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			s.handlePartial(s.ctx, tr)

		case tr, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			s.handleFinal(s.ctx, tr)

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.handleSTTError(s.ctx, err)

		case e := <-s.events:
			s.handleClientEvent(s.ctx, e)

		case terms := <-s.glossary:
			s.applyGlossary(terms)

		case <-tick.C:
			s.handleTick(s.ctx)
		}

		sttDrained := !sttOpen || (partials == nil && finals == nil && errs == nil)
		if draining && sttDrained {
			s.drainClientQueue(s.ctx)
			break
		}
		if !draining && sttOpen && partials == nil && finals == nil && errs == nil && !collapsed {
			collapsed = true
			s.fail(s.ctx, "transcribe", "transcription stream ended unexpectedly")
		}
	}

	s.finish()
}

// tickEvery scales the housekeeping cadence to the idle-flush window so
// tests with short windows stay responsive.
func (s *Session) tickEvery() time.Duration {
	d := s.idleFlush / 4
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	if d > time.Second {
		d = time.Second
	}
	return d
}

// pumpAudio moves frames from the ingress queue into the transcriber,
// normalizing them to the transcription format on the way. When the queue
// closes at drain the remaining frames are delivered first, then the
// transcriber is closed, which flushes its buffer and ends the transcript
// channels.
func (s *Session) pumpAudio() {
	// The converter's warn-once state is confined to this goroutine.
	conv := audio.FormatConverter{Target: audio.Format{
		SampleRate: s.sttCfg.SampleRate,
		Channels:   s.sttCfg.Channels,
	}}
	for {
		frame, err := s.queue.Pop(s.ctx)
		if err != nil {
			break
		}
		frame = conv.Convert(frame)
		if len(frame.Data) == 0 {
			continue
		}
		if err := s.sttHandle.SendAudio(frame.Data); err != nil {
			s.log.Warn("audio delivery failed", "err", err)
		}
	}
	if err := s.sttHandle.Close(); err != nil {
		s.log.Warn("transcriber close failed", "err", err)
	}
}

// drainClientQueue processes whatever PushTranscriptEvent enqueued before
// the session stopped accepting.
func (s *Session) drainClientQueue(ctx context.Context) {
	for {
		select {
		case e := <-s.events:
			s.handleClientEvent(ctx, e)
		default:
			return
		}
	}
}

// finish completes the drain: last chunk, analysis settle, storage
// backfill, terminal events.
func (s *Session) finish() {
	ctx := context.Background()

	if chunk := s.accum.Flush(ctx); chunk != nil {
		s.submitChunk(*chunk)
	}
	s.reconciler.Close()

	if s.builder != nil {
		dctx, cancel := context.WithTimeout(ctx, s.drainTimeout)
		if err := s.builder.Close(dctx); err != nil {
			s.log.Warn("analysis drain incomplete, detaching", "err", err)
		}
		cancel()
	}

	if s.guard.Pending() > 0 {
		bctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if remaining := s.backfill.BackfillNow(bctx); remaining > 0 {
			s.log.Warn("transcript rows lost to storage outage", "rows", remaining)
		}
		cancel()
	}
	s.backfill.Stop()

	s.mu.Lock()
	reason := s.closeReason
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	s.mu.Unlock()

	if s.State() != StateFailed {
		s.publishStatus(ctx, hub.LevelInfo, "session closed: "+reason, "close")
	}
	s.state.Store(int32(StateClosed))
	s.hub.EndSession(ctx, s.id)
	s.metrics.ActiveSessions.Add(ctx, -1)
	s.cancel()

	s.log.Info("session closed", "reason", reason)
}

// ── Pipeline handlers (owner goroutine only) ──

// handlePartial publishes an interim hypothesis. Partials are never
// persisted or chunked; they share the event id of the final that will
// supersede them.
func (s *Session) handlePartial(ctx context.Context, tr stt.Transcript) {
	text := strings.TrimSpace(tr.Text)
	if text == "" {
		return
	}
	if s.utteranceID == "" {
		s.utteranceID = uuid.NewString()
	}
	speaker := tr.SpeakerID
	if speaker == "" {
		speaker = s.speakerDefault
	}
	s.hub.Publish(ctx, s.id, &hub.TranscriptPartial{
		EventID:   s.utteranceID,
		Text:      text,
		SpeakerID: speaker,
		TStartMs:  tr.Timestamp.Milliseconds(),
		TEndMs:    (tr.Timestamp + tr.Duration).Milliseconds(),
	})
	s.metrics.RecordTranscriptEvent(ctx, "partial")
	s.lastEmit = s.now()
}

// handleFinal turns one committed transcription result into a transcript
// event: glossary correction, publish, persist, reconciliation, chunking.
func (s *Session) handleFinal(ctx context.Context, tr stt.Transcript) {
	text := strings.TrimSpace(tr.Text)
	if text == "" {
		return
	}

	var md map[string]string
	if s.corrector.Enabled() {
		corrected, corrections := s.corrector.Correct(text)
		text = corrected
		md = transcript.RecordCorrections(md, corrections)
	}
	if tr.ProviderLatency > 0 {
		md = setMeta(md, "provider_latency_ms", strconv.FormatInt(tr.ProviderLatency.Milliseconds(), 10))
	}
	if s.sttCfg.Model != "" {
		md = setMeta(md, "stt_model", s.sttCfg.Model)
	}

	speaker := tr.SpeakerID
	if speaker == "" {
		speaker = s.speakerDefault
	}

	e := types.TranscriptEvent{
		EventID:            s.takeUtteranceID(),
		SessionID:          s.id,
		ConversationID:     s.conversationID,
		Kind:               types.KindFinal,
		Text:               text,
		SpeakerID:          speaker,
		DiarizationVersion: 1,
		WordTimings:        wordTimings(tr.Words),
		SegmentStartMs:     tr.Timestamp.Milliseconds(),
		SegmentEndMs:       (tr.Timestamp + tr.Duration).Milliseconds(),
		ReceivedAt:         s.now(),
		Metadata:           md,
	}

	s.publishFinal(ctx, e)
	if len(tr.Segments) > 0 {
		s.reconciler.Reconcile(ctx, offsetSegments(tr.Segments, tr.Timestamp))
	}
	s.accumulate(ctx, e)
}

// handleClientEvent routes one client-supplied transcript event. Partials
// are display-only; finals run the full pipeline minus diarized segments,
// which client-STT mode does not carry.
func (s *Session) handleClientEvent(ctx context.Context, e types.TranscriptEvent) {
	e.Text = strings.TrimSpace(e.Text)
	if e.Text == "" {
		return
	}
	if e.SpeakerID == "" {
		e.SpeakerID = s.speakerDefault
	}

	if e.Kind != types.KindFinal {
		e.Kind = types.KindPartial
		s.hub.Publish(ctx, s.id, hub.FromTranscriptEvent(e))
		s.metrics.RecordTranscriptEvent(ctx, "partial")
		s.lastEmit = s.now()
		return
	}

	if s.corrector.Enabled() {
		corrected, corrections := s.corrector.Correct(e.Text)
		e.Text = corrected
		e.Metadata = transcript.RecordCorrections(e.Metadata, corrections)
	}
	if e.DiarizationVersion == 0 {
		e.DiarizationVersion = 1
	}
	s.publishFinal(ctx, e)
	s.accumulate(ctx, e)
}

// publishFinal emits the final to subscribers, stamps the assigned sequence
// number into the stored row and registers the event for reconciliation.
// Publish precedes persist: the envelope's sequence number doubles as the
// log sequence so replay tails line up with what subscribers saw.
func (s *Session) publishFinal(ctx context.Context, e types.TranscriptEvent) {
	seq := s.hub.Publish(ctx, s.id, hub.FromTranscriptEvent(e))
	e.SequenceNumber = seq
	s.guard.AppendEvent(ctx, e)
	s.metrics.RecordTranscriptEvent(ctx, "final")

	now := s.now()
	s.lastEmit = now
	s.lastFinal = now

	s.reconciler.Observe(ctx, e)
}

// accumulate buffers the final under its current speaker assignment and
// submits any chunk the emission rule produces.
func (s *Session) accumulate(ctx context.Context, e types.TranscriptEvent) {
	speaker, _, ok := s.reconciler.CurrentSpeaker(e.EventID)
	if !ok {
		speaker = ""
	}
	if chunk := s.accum.Add(ctx, e, speaker); chunk != nil {
		s.submitChunk(*chunk)
	}
}

// applyGlossary swaps the corrector and forwards the terms to the
// transcriber. Transcribers without mid-session keyword support keep the
// hints they started with; the corrector picks the new terms up either way.
func (s *Session) applyGlossary(terms []string) {
	s.corrector = transcript.NewCorrector(terms)
	if s.sttHandle == nil {
		s.log.Info("glossary updated", "terms", len(terms))
		return
	}
	boosts := make([]stt.KeywordBoost, len(terms))
	for i, t := range terms {
		boosts[i] = stt.KeywordBoost{Keyword: t, Boost: 1}
	}
	switch err := s.sttHandle.SetKeywords(boosts); {
	case err == nil:
		s.log.Info("glossary updated", "terms", len(terms))
	case errors.Is(err, stt.ErrNotSupported):
		s.log.Info("glossary updated, transcriber keeps its starting hints", "terms", len(terms))
	default:
		s.log.Warn("keyword update failed", "err", err)
	}
}

// handleSTTError surfaces one discarded transcription flush. The stream
// stays up; the buffer that failed is gone.
func (s *Session) handleSTTError(ctx context.Context, err error) {
	s.log.Warn("transcription flush failed", "err", err)
	s.publishStatus(ctx, hub.LevelWarning,
		fmt.Sprintf("transcription failed, audio segment skipped: %v", err), "transcribe")
}

// handleTick flushes idle buffered text and publishes the waiting
// heartbeat when audio flows without producing transcripts. Quiet while
// draining: finish owns the last flush.
func (s *Session) handleTick(ctx context.Context) {
	if s.State() != StateRunning {
		return
	}
	now := s.now()

	if s.accum.BufferedWords() > 0 && now.Sub(s.lastFinal) >= s.idleFlush {
		if chunk := s.accum.Flush(ctx); chunk != nil {
			s.submitChunk(*chunk)
		}
	}

	lastAudio := s.lastAudioNanos.Load()
	if lastAudio != 0 &&
		time.Unix(0, lastAudio).After(s.lastEmit) &&
		now.Sub(s.lastEmit) >= s.idleFlush &&
		now.Sub(s.lastHeartbeat) >= s.idleFlush {
		s.publishStatus(ctx, hub.LevelInfo, "listening, no speech detected", "waiting")
		s.lastHeartbeat = now
	}
}

// submitChunk hands a chunk to the graph builder, when analysis is
// configured.
func (s *Session) submitChunk(c types.Chunk) {
	if s.builder == nil {
		return
	}
	s.builder.Submit(c)
}

// onSpeakerUpdate persists and publishes one revision. Runs synchronously
// on the owner goroutine, inside Observe or Reconcile.
func (s *Session) onSpeakerUpdate(u types.SpeakerUpdate) {
	s.hub.Publish(s.ctx, s.id, hub.FromSpeakerUpdate(u))
	s.guard.AppendUpdate(s.ctx, u)
}

// takeUtteranceID consumes the id shared with this utterance's partials,
// or mints a fresh one for finals that had none.
func (s *Session) takeUtteranceID() string {
	id := s.utteranceID
	s.utteranceID = ""
	if id == "" {
		id = uuid.NewString()
	}
	return id
}

// noteDrops publishes a rate-limited backpressure warning when the audio
// queue has shed frames since the last check. Runs on the producer
// goroutine.
func (s *Session) noteDrops() {
	dropped := s.queue.Dropped()
	warned := s.warnedDrops.Load()
	if dropped <= warned {
		return
	}
	now := s.now().UnixNano()
	last := s.lastDropWarn.Load()
	if now-last < int64(dropWarnInterval) || !s.lastDropWarn.CompareAndSwap(last, now) {
		return
	}
	if !s.warnedDrops.CompareAndSwap(warned, dropped) {
		return
	}
	delta := dropped - warned
	s.metrics.DroppedFrames.Add(s.ctx, int64(delta))
	s.log.Warn("audio queue overflow, oldest frames dropped", "dropped", delta)
	s.publishStatus(s.ctx, hub.LevelWarning,
		fmt.Sprintf("audio backlog: %d frame(s) dropped", delta), "audio")
}

// publishStatus emits a processing_status event.
func (s *Session) publishStatus(ctx context.Context, level, msg, stage string) {
	s.hub.Publish(ctx, s.id, hub.NewStatus(level, msg, stage))
}

// ── Helpers ──

// setMeta assigns into md, allocating it on first use.
func setMeta(md map[string]string, key, value string) map[string]string {
	if md == nil {
		md = make(map[string]string, 2)
	}
	md[key] = value
	return md
}

// wordTimings converts provider word detail to the stored representation.
func wordTimings(words []stt.WordDetail) []types.WordTiming {
	if len(words) == 0 {
		return nil
	}
	out := make([]types.WordTiming, len(words))
	for i, w := range words {
		out[i] = types.WordTiming{
			Word:       w.Word,
			StartMs:    w.Start.Milliseconds(),
			EndMs:      w.End.Milliseconds(),
			Confidence: w.Confidence,
		}
	}
	return out
}

// offsetSegments shifts flush-relative segment times onto the session's
// audio clock.
func offsetSegments(segs []stt.Segment, offset time.Duration) []stt.Segment {
	out := make([]stt.Segment, len(segs))
	for i, seg := range segs {
		seg.Start += offset
		seg.End += offset
		out[i] = seg
	}
	return out
}
