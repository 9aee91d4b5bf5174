package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/threadloom/internal/config"
	"github.com/MrWong99/threadloom/internal/observe"
	"github.com/MrWong99/threadloom/internal/session"
	"github.com/MrWong99/threadloom/pkg/audio"
	"github.com/MrWong99/threadloom/pkg/provider/llm"
	"github.com/MrWong99/threadloom/pkg/provider/stt"
	"github.com/MrWong99/threadloom/pkg/types"
)

// Inbound frame type discriminators.
const (
	frameSessionMeta     = "session_meta"
	frameAudio           = "audio_frame"
	frameTranscriptEvent = "transcript_event"
	frameFlush           = "flush"
	frameClose           = "close"
)

const (
	// metaTimeout bounds the wait for the opening session_meta frame.
	metaTimeout = 10 * time.Second

	// wsReadLimit allows batched base64 audio frames well past the
	// library default of 32 KiB.
	wsReadLimit = 1 << 20

	// closeDrainWait bounds the graceful drain triggered by a close frame.
	// It must exceed the session drain timeout so terminal events reach
	// the socket.
	closeDrainWait = 30 * time.Second

	// flushWait bounds how long the handler waits for the outbound pump
	// to deliver the drained tail before the socket closes.
	flushWait = 5 * time.Second
)

// sessionMeta is the opening frame of a live ingest connection. A client
// resuming after a drop sets session_id (and usually since_seq); everything
// else configures a fresh session.
type sessionMeta struct {
	Type string `json:"type"`

	// SessionID reattaches to a live session within its reconnect grace.
	SessionID string `json:"session_id"`

	// SinceSeq replays retained events after this sequence number on
	// reattach.
	SinceSeq uint64 `json:"since_seq"`

	ConversationID string   `json:"conversation_id"`
	SpeakerDefault string   `json:"speaker_default"`
	Participants   []string `json:"participants"`

	// AudioFormat declares the PCM format of the frames this client will
	// send. Absent fields default to the 16kHz mono wire contract; the
	// session resamples and downmixes anything else.
	AudioFormat *audioFormat `json:"audio_format"`

	// StoreAudio requests raw audio retention. Accepted for wire
	// compatibility; the server does not persist audio.
	StoreAudio bool `json:"store_audio"`

	STTOverride *sttOverride `json:"stt_config_override"`
	LLMOverride *llmOverride `json:"llm_config_override"`
}

// audioFormat is the client's capture format declaration.
type audioFormat struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
}

// sttOverride adjusts the server's transcription defaults for this session
// only. Nil fields keep the default; the result is frozen at session start.
type sttOverride struct {
	Model                *string  `json:"model"`
	Language             *string  `json:"language"`
	VADEnabled           *bool    `json:"vad_enabled"`
	VADMinSeconds        *float64 `json:"vad_min_seconds"`
	VADMaxSeconds        *float64 `json:"vad_max_seconds"`
	VADSilenceMs         *int     `json:"vad_silence_ms"`
	FixedIntervalSeconds *float64 `json:"fixed_interval_seconds"`
}

// llmOverride adjusts the analysis defaults for this session only.
type llmOverride struct {
	Model                 *string  `json:"model"`
	Temperature           *float64 `json:"temperature"`
	MaxTokens             *int     `json:"max_tokens"`
	RequestTimeoutSeconds *int     `json:"request_timeout_seconds"`
}

// clientFrame is any inbound text frame after session_meta.
type clientFrame struct {
	Type string `json:"type"`

	// Data carries base64 PCM for audio_frame messages.
	Data []byte `json:"data"`

	// Transcript event fields, for clients that run STT locally.
	EventID           string  `json:"event_id"`
	Kind              string  `json:"kind"`
	Text              string  `json:"text"`
	SpeakerID         string  `json:"speaker_id"`
	SpeakerConfidence float64 `json:"speaker_confidence"`
	TStartMs          int64   `json:"t_start_ms"`
	TEndMs            int64   `json:"t_end_ms"`
}

// frameVerdict says how the inbound loop ended.
type frameVerdict int

const (
	// verdictClosed: the client sent a close frame and the session has
	// drained.
	verdictClosed frameVerdict = iota

	// verdictDropped: the connection died without a close frame; the
	// session enters its reconnect grace.
	verdictDropped

	// verdictProtocol: a protocol violation; the socket is already closed.
	verdictProtocol
)

// handleLive serves GET /ws/transcripts. The protocol: exactly one
// session_meta first, then any mix of binary PCM frames, audio_frame,
// transcript_event, flush and close messages. Every hub event of the session
// goes out as one JSON text frame.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.log.Debug("websocket accept failed", "err", err)
		return
	}
	defer c.CloseNow()
	c.SetReadLimit(wsReadLimit)

	ctx := r.Context()

	meta, ok := s.readMeta(ctx, c)
	if !ok {
		return
	}

	sess, sinceSeq, ok := s.liveSession(r, c, meta)
	if !ok {
		return
	}
	log := observe.Logger(ctx, s.log).With("session_id", sess.ID())

	events, cancelSub, err := sess.Subscribe(ctx, sinceSeq)
	if err != nil {
		// The session can only be draining already; a fresh one must not
		// outlive its failed connection.
		if meta.SessionID == "" {
			s.closeSession(log, sess, "subscribe failed")
		} else {
			sess.Detach()
		}
		c.Close(websocket.StatusPolicyViolation, "session closed")
		return
	}

	// Outbound pump. Exits when the subscription ends (session closed or
	// cancelled) or the socket dies.
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for ev := range events {
			data, err := json.Marshal(ev)
			if err != nil {
				log.Error("event marshal failed", "type", ev.EventType(), "err", err)
				continue
			}
			if err := c.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}()

	switch s.readFrames(ctx, c, log, sess) {
	case verdictClosed:
		// Let the pump deliver the drained tail, then close cleanly.
		select {
		case <-writeDone:
		case <-time.After(flushWait):
		}
		cancelSub()
		c.Close(websocket.StatusNormalClosure, "")
	case verdictDropped:
		cancelSub()
		<-writeDone
		sess.Detach()
	case verdictProtocol:
		cancelSub()
		<-writeDone
		sess.Detach()
	}
}

// readMeta reads and validates the opening frame. On failure the socket is
// closed with a policy violation and ok is false.
func (s *Server) readMeta(ctx context.Context, c *websocket.Conn) (sessionMeta, bool) {
	mctx, cancel := context.WithTimeout(ctx, metaTimeout)
	defer cancel()

	typ, data, err := c.Read(mctx)
	if err != nil {
		c.Close(websocket.StatusPolicyViolation, "session_meta expected")
		return sessionMeta{}, false
	}

	var meta sessionMeta
	if typ != websocket.MessageText || json.Unmarshal(data, &meta) != nil || meta.Type != frameSessionMeta {
		c.Close(websocket.StatusPolicyViolation, "first message must be session_meta")
		return sessionMeta{}, false
	}
	return meta, true
}

// liveSession resolves the opening metadata to a session: a reattach when
// the client names a live one, otherwise a fresh session built from the
// current defaults with the client's overrides applied. On failure the
// socket is closed and ok is false.
func (s *Server) liveSession(r *http.Request, c *websocket.Conn, meta sessionMeta) (*session.Session, uint64, bool) {
	if meta.SessionID != "" {
		sess, ok := s.manager.Get(meta.SessionID)
		if !ok {
			c.Close(websocket.StatusPolicyViolation, "unknown session")
			return nil, 0, false
		}
		if err := sess.Attach(); err != nil {
			c.Close(websocket.StatusPolicyViolation, "session closed")
			return nil, 0, false
		}
		s.log.Info("live client reattached",
			"session_id", meta.SessionID, "since_seq", meta.SinceSeq)
		return sess, meta.SinceSeq, true
	}

	cfg := s.current()
	snap := cfg.Snapshot()
	applyOverrides(&snap, meta)
	if fields := config.SnapshotDiff(cfg.Snapshot(), snap); len(fields) > 0 {
		s.log.Info("session overrides applied", "fields", strings.Join(fields, ", "))
	}

	var sttProv stt.Provider
	if snap.STT.Name != "" {
		p, err := s.buildSTT(snap)
		if err != nil {
			s.log.Error("transcription provider init failed", "provider", snap.STT.Name, "err", err)
			c.Close(websocket.StatusInternalError, "transcription backend unavailable")
			return nil, 0, false
		}
		sttProv = p
	}
	var llmProv llm.Provider
	if snap.LLM.Name != "" {
		p, err := s.buildLLM(snap)
		if err != nil {
			s.log.Error("analysis provider init failed", "provider", snap.LLM.Name, "err", err)
			c.Close(websocket.StatusInternalError, "analysis backend unavailable")
			return nil, 0, false
		}
		llmProv = p
	}

	// The session outlives this request: its transcription stream and
	// worker must survive an abrupt disconnect into the reconnect grace.
	sess, err := s.manager.Create(context.WithoutCancel(r.Context()), session.Config{
		SessionID:         uuid.NewString(),
		ConversationID:    meta.ConversationID,
		SourceType:        "live",
		Participants:      meta.Participants,
		SpeakerDefault:    meta.SpeakerDefault,
		Store:             s.store,
		Hub:               s.hub,
		STT:               sttProv,
		STTConfig:         liveStreamConfig(snap, cfg.Transcript.Glossary),
		InputFormat:       captureFormat(meta),
		LLM:               llmProv,
		Glossary:          cfg.Transcript.Glossary,
		AudioBuffer:       seconds(cfg.Session.AudioBufferSeconds),
		IdleFlush:         seconds(cfg.Session.IdleFlushSeconds),
		DrainTimeout:      seconds(cfg.Session.DrainTimeoutSeconds),
		ReconnectGrace:    time.Duration(cfg.Session.ReconnectGraceSeconds) * time.Second,
		ChunkTargetWords:  cfg.Transcript.ChunkTargetWords,
		ChunkOverlapWords: cfg.Transcript.ChunkOverlapWords,
		LLMTimeout:        time.Duration(snap.LLMPolicy.RequestTimeoutSeconds) * time.Second,
		PromptTokenBudget: snap.LLMPolicy.PromptTokenBudget,
		Temperature:       snap.LLMPolicy.Temperature,
		MaxTokens:         snap.LLMPolicy.MaxTokens,
		LLMLimiter:        s.llmSem,
		HTTPLimiter:       s.httpSem,
		Breaker:           s.breaker,
		Metrics:           s.metrics,
		Logger:            s.log,
	})
	if err != nil {
		s.log.Error("session create failed", "err", err)
		c.Close(websocket.StatusInternalError, "session unavailable")
		return nil, 0, false
	}
	if meta.StoreAudio {
		s.log.Debug("audio retention requested, not supported", "session_id", sess.ID())
	}
	return sess, 0, true
}

// readFrames is the inbound loop. It returns when the client closes, the
// connection drops or the client violates the protocol.
func (s *Server) readFrames(ctx context.Context, c *websocket.Conn, log *slog.Logger, sess *session.Session) frameVerdict {
	var warnedAudio, warnedQueue bool

	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			return verdictDropped
		}
		if typ == websocket.MessageBinary {
			s.pushAudio(log, sess, data, &warnedAudio)
			continue
		}

		var f clientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warn("undecodable frame skipped", "err", err)
			continue
		}

		switch f.Type {
		case frameAudio:
			s.pushAudio(log, sess, f.Data, &warnedAudio)

		case frameTranscriptEvent:
			ev := types.TranscriptEvent{
				EventID:           f.EventID,
				Kind:              types.EventKind(f.Kind),
				Text:              f.Text,
				SpeakerID:         f.SpeakerID,
				SpeakerConfidence: f.SpeakerConfidence,
				SegmentStartMs:    f.TStartMs,
				SegmentEndMs:      f.TEndMs,
			}
			switch err := sess.PushTranscriptEvent(ev); {
			case err == nil:
				warnedQueue = false
			case errors.Is(err, session.ErrSessionClosed):
				return verdictDropped
			case !warnedQueue:
				warnedQueue = true
				log.Warn("transcript queue full, events dropped")
			}

		case frameFlush:
			if err := sess.Flush(); err != nil && !errors.Is(err, session.ErrSessionClosed) {
				log.Warn("flush failed", "err", err)
			}

		case frameClose:
			s.closeSession(log, sess, "client close")
			return verdictClosed

		case frameSessionMeta:
			c.Close(websocket.StatusPolicyViolation, "session_meta already received")
			return verdictProtocol

		default:
			log.Warn("unknown frame type skipped", "type", f.Type)
		}
	}
}

// pushAudio enqueues one PCM frame, logging each failure mode once per
// connection.
func (s *Server) pushAudio(log *slog.Logger, sess *session.Session, frame []byte, warned *bool) {
	if len(frame) == 0 {
		return
	}
	err := sess.PushAudio(frame, time.Now())
	switch {
	case err == nil:
	case errors.Is(err, session.ErrNoTranscriber):
		if !*warned {
			*warned = true
			log.Warn("audio frame on client-transcript session ignored")
		}
	case !errors.Is(err, session.ErrSessionClosed):
		log.Warn("audio push failed", "err", err)
	}
}

// closeSession runs the graceful drain, bounded past the session's own
// drain timeout so terminal events make it out before the socket closes.
func (s *Server) closeSession(log *slog.Logger, sess *session.Session, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), closeDrainWait)
	defer cancel()
	if err := sess.Close(ctx, reason); err != nil {
		log.Warn("session close incomplete", "err", err)
	}
}

// applyOverrides overlays the non-nil override fields onto the snapshot.
func applyOverrides(snap *config.Snapshot, meta sessionMeta) {
	if o := meta.STTOverride; o != nil {
		if o.Model != nil {
			snap.STT.Model = *o.Model
		}
		if o.Language != nil {
			snap.STTPolicy.Language = *o.Language
		}
		if o.VADEnabled != nil {
			snap.STTPolicy.VADEnabled = *o.VADEnabled
		}
		if o.VADMinSeconds != nil {
			snap.STTPolicy.VADMinSeconds = *o.VADMinSeconds
		}
		if o.VADMaxSeconds != nil {
			snap.STTPolicy.VADMaxSeconds = *o.VADMaxSeconds
		}
		if o.VADSilenceMs != nil {
			snap.STTPolicy.VADSilenceMs = *o.VADSilenceMs
		}
		if o.FixedIntervalSeconds != nil {
			snap.STTPolicy.FixedIntervalSeconds = *o.FixedIntervalSeconds
		}
	}
	if o := meta.LLMOverride; o != nil {
		if o.Model != nil {
			snap.LLM.Model = *o.Model
		}
		if o.Temperature != nil {
			snap.LLMPolicy.Temperature = *o.Temperature
		}
		if o.MaxTokens != nil {
			snap.LLMPolicy.MaxTokens = *o.MaxTokens
		}
		if o.RequestTimeoutSeconds != nil {
			snap.LLMPolicy.RequestTimeoutSeconds = *o.RequestTimeoutSeconds
		}
	}
}

// liveStreamConfig builds the frozen per-session stream configuration.
// The transcription side is always PCM 16 kHz mono regardless of what the
// client captures; diarization is always requested so the reconciler has
// segments to work with, and glossary terms double as recognition hints for
// backends that take them.
func liveStreamConfig(snap config.Snapshot, glossary []string) stt.StreamConfig {
	return stt.StreamConfig{
		SampleRate: 16000,
		Channels:   1,
		Language:   snap.STTPolicy.Language,
		Model:      snap.STT.Model,
		Diarize:    true,
		Keywords:   keywordBoosts(glossary),
	}
}

// captureFormat resolves the client's declared capture format. Absent or
// partial declarations fall back to the 16kHz mono wire default.
func captureFormat(meta sessionMeta) audio.Format {
	f := audio.Format{SampleRate: 16000, Channels: 1}
	if meta.AudioFormat == nil {
		return f
	}
	if meta.AudioFormat.SampleRate > 0 {
		f.SampleRate = meta.AudioFormat.SampleRate
	}
	if meta.AudioFormat.Channels > 0 {
		f.Channels = meta.AudioFormat.Channels
	}
	return f
}

// keywordBoosts turns glossary terms into vocabulary hints.
func keywordBoosts(terms []string) []stt.KeywordBoost {
	if len(terms) == 0 {
		return nil
	}
	out := make([]stt.KeywordBoost, len(terms))
	for i, t := range terms {
		out[i] = stt.KeywordBoost{Keyword: t, Boost: 1}
	}
	return out
}

// seconds converts a fractional-seconds config value to a duration.
func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
