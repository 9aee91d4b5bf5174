package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/threadloom/internal/config"
	"github.com/MrWong99/threadloom/internal/hub"
	"github.com/MrWong99/threadloom/internal/observe"
	"github.com/MrWong99/threadloom/internal/session"
	"github.com/MrWong99/threadloom/internal/subtitle"
	"github.com/MrWong99/threadloom/pkg/provider/llm"
	"github.com/MrWong99/threadloom/pkg/provider/stt"
	"github.com/MrWong99/threadloom/pkg/types"
)

const (
	// importMemoryLimit is how much of a parsed multipart form stays in
	// memory before spilling to disk. The actual size cap is the body
	// limit applied by the middleware.
	importMemoryLimit = 32 << 20

	// importEventQueue replaces the live default: the feed delivers a
	// whole file at once.
	importEventQueue = 1024

	// importDrainTimeout bounds the close-time analysis drain. The queue
	// coalesces into at most one batch behind the in-flight call, each
	// bounded by the request timeout with one retry.
	importDrainTimeout = 4 * time.Minute

	// disconnectCloseWait bounds the teardown wait after the client went
	// away; the rest of the teardown detaches.
	disconnectCloseWait = 2 * time.Second

	// pushRetryDelay paces feed retries when the session queue is full.
	pushRetryDelay = 10 * time.Millisecond

	// detectHeadBytes is how much of the file the format sniffer sees.
	detectHeadBytes = 512
)

// Pipeline stages named in processing_status context.
const (
	stageUpload  = "upload"
	stageAnalyze = "analyze"
)

// handleImport serves POST /api/import/process-file: a multipart upload is
// transcribed or parsed, run through the same session pipeline as live
// ingest, and the resulting hub events stream back as SSE frames, ending
// with a done frame.
//
// The whole body is read before the stream starts, so over-limit and
// malformed requests get plain HTTP errors instead of a broken stream.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(importMemoryLimit); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "upload exceeds size limit", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "malformed multipart request", http.StatusBadRequest)
		return
	}

	src := subtitle.SourceType(r.FormValue("source_type"))
	if src == "" {
		src = subtitle.SourceAuto
	}
	if !src.IsValid() {
		http.Error(w, "unsupported source_type", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file part", http.StatusBadRequest)
		return
	}
	defer file.Close()
	payload, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "reading upload failed", http.StatusInternalServerError)
		return
	}
	if len(payload) == 0 {
		http.Error(w, "empty file", http.StatusBadRequest)
		return
	}

	if src == subtitle.SourceAuto {
		src = subtitle.Detect(header.Filename, payload[:min(len(payload), detectHeadBytes)])
	}

	cfg := s.current()
	snap := cfg.Snapshot()
	reqLog := observe.Logger(r.Context(), s.log)

	var sttProv stt.Provider
	if src == subtitle.SourceAudio {
		if snap.STT.Name == "" {
			http.Error(w, "no transcription backend configured", http.StatusUnprocessableEntity)
			return
		}
		if sttProv, err = s.buildSTT(snap); err != nil {
			reqLog.Error("transcription provider init failed", "provider", snap.STT.Name, "err", err)
			http.Error(w, "transcription backend unavailable", http.StatusInternalServerError)
			return
		}
	}
	var llmProv llm.Provider
	if snap.LLM.Name != "" {
		if llmProv, err = s.buildLLM(snap); err != nil {
			reqLog.Error("analysis provider init failed", "provider", snap.LLM.Name, "err", err)
			http.Error(w, "analysis backend unavailable", http.StatusInternalServerError)
			return
		}
	}

	sw, ok := newSSEWriter(w)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sess, err := s.manager.Create(context.WithoutCancel(r.Context()), session.Config{
		SessionID:         "import-" + uuid.NewString(),
		ConversationID:    r.FormValue("conversation_id"),
		SourceType:        string(src),
		SpeakerDefault:    r.FormValue("speaker_id"),
		Store:             s.store,
		Hub:               s.hub,
		LLM:               llmProv,
		Glossary:          cfg.Transcript.Glossary,
		EventQueue:        importEventQueue,
		IdleFlush:         time.Hour,
		DrainTimeout:      importDrainTimeout,
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
		reqLog.Error("import session create failed", "err", err)
		http.Error(w, "import unavailable", http.StatusInternalServerError)
		return
	}
	log := reqLog.With("session_id", sess.ID())

	ctx := r.Context()
	events, cancelSub, err := sess.Subscribe(ctx, 0)
	if err != nil {
		s.closeSession(log, sess, "subscribe failed")
		http.Error(w, "import unavailable", http.StatusInternalServerError)
		return
	}
	defer cancelSub()

	sw.start()

	job := &importJob{
		srv:     s,
		sess:    sess,
		stt:     sttProv,
		snap:    snap,
		target:  cfg.Transcript.ChunkTargetWords,
		speaker: r.FormValue("speaker_id"),
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return job.feed(gctx, src, payload, header.Filename)
	})

	// Pump hub events to the client until the session closes or the client
	// goes away. Disconnect is observed per frame.
	var lastSeq uint64
	disconnected := false
pump:
	for {
		select {
		case <-ctx.Done():
			disconnected = true
			break pump
		case ev, ok := <-events:
			if !ok {
				break pump
			}
			if ev.Seq() > lastSeq {
				lastSeq = ev.Seq()
			}
			if err := sw.send(ev); err != nil {
				disconnected = true
				break pump
			}
		}
	}
	cancelSub()

	if disconnected {
		dctx, cancel := context.WithTimeout(context.Background(), disconnectCloseWait)
		_ = sess.Close(dctx, "client disconnected")
		cancel()
		_ = g.Wait()
		log.Info("import aborted by client")
		return
	}

	if err := g.Wait(); err != nil {
		// The terminal error status already streamed; no done frame.
		log.Warn("import pipeline failed", "err", err)
		return
	}

	nodes, err := s.store.ListNodes(r.Context(), sess.ConversationID())
	if err != nil {
		log.Warn("node count load failed", "err", err)
	}
	done := &hub.Done{ConversationID: sess.ConversationID(), NodeCount: len(nodes)}
	hub.StampForReplay(done, sess.ID(), lastSeq+1, time.Now())
	if err := sw.send(done); err != nil {
		log.Debug("done frame not delivered", "err", err)
		return
	}
	log.Info("import complete",
		"conversation_id", sess.ConversationID(), "nodes", len(nodes))
}

// importJob carries one upload through the shared conversation pipeline.
type importJob struct {
	srv     *Server
	sess    *session.Session
	stt     stt.Provider
	snap    config.Snapshot
	target  int
	speaker string
}

// feed converts the upload into final transcript events, pushes them through
// the session and drains it. Progress and errors surface as hub statuses so
// the pump delivers them in order with everything else.
func (j *importJob) feed(ctx context.Context, src subtitle.SourceType, payload []byte, filename string) error {
	j.status(ctx, hub.LevelInfo,
		fmt.Sprintf("file %q received (%d bytes)", filename, len(payload)), stageUpload)

	var (
		finals []types.TranscriptEvent
		err    error
	)
	if src == subtitle.SourceAudio {
		finals, err = j.transcribe(ctx, payload)
	} else {
		finals, err = cueEvents(src, payload)
	}
	if err == nil && len(finals) == 0 {
		err = errors.New("file contained no usable text")
	}
	if err != nil {
		j.status(ctx, hub.LevelError, fmt.Sprintf("import failed: %v", err), stageUpload)
		j.close("import failed")
		return err
	}

	chunks := estimateChunks(countWords(finals), j.target)
	st := hub.NewStatus(hub.LevelInfo,
		fmt.Sprintf("transcript loaded, analyzing %d chunk(s)", chunks), stageAnalyze)
	st.Context["chunks_total"] = chunks
	j.srv.hub.Publish(ctx, j.sess.ID(), st)

	for _, ev := range finals {
		if err := j.push(ctx, ev); err != nil {
			j.close("import aborted")
			return err
		}
	}

	// Blocks until the last chunk is flushed and analysis settles; the
	// terminal graph events reach the pump before the channel closes.
	j.close("import complete")
	return nil
}

// transcribe runs one-shot STT over the uploaded audio, flattened into one
// final event per diarized segment, or a single event when no attribution
// came back.
func (j *importJob) transcribe(ctx context.Context, payload []byte) ([]types.TranscriptEvent, error) {
	tr, err := j.stt.Transcribe(ctx, payload, stt.StreamConfig{
		SampleRate: 16000,
		Channels:   1,
		Language:   j.snap.STTPolicy.Language,
		Model:      j.snap.STT.Model,
		Diarize:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("transcription: %w", err)
	}

	if len(tr.Segments) > 0 {
		events := make([]types.TranscriptEvent, 0, len(tr.Segments))
		for _, seg := range tr.Segments {
			if strings.TrimSpace(seg.Text) == "" {
				continue
			}
			events = append(events, types.TranscriptEvent{
				Kind:           types.KindFinal,
				Text:           seg.Text,
				SpeakerID:      seg.Speaker,
				SegmentStartMs: seg.Start.Milliseconds(),
				SegmentEndMs:   seg.End.Milliseconds(),
			})
		}
		return events, nil
	}

	if strings.TrimSpace(tr.Text) == "" {
		return nil, nil
	}
	return []types.TranscriptEvent{{
		Kind:           types.KindFinal,
		Text:           tr.Text,
		SpeakerID:      tr.SpeakerID,
		SegmentStartMs: tr.Timestamp.Milliseconds(),
		SegmentEndMs:   (tr.Timestamp + tr.Duration).Milliseconds(),
	}}, nil
}

// push enqueues one event, pacing against the bounded session queue.
func (j *importJob) push(ctx context.Context, ev types.TranscriptEvent) error {
	for {
		err := j.sess.PushTranscriptEvent(ev)
		if err == nil {
			return nil
		}
		if !errors.Is(err, session.ErrEventQueueFull) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pushRetryDelay):
		}
	}
}

// status publishes a processing_status for this import.
func (j *importJob) status(ctx context.Context, level, msg, stage string) {
	j.srv.hub.Publish(ctx, j.sess.ID(), hub.NewStatus(level, msg, stage))
}

// close drains the import session, bounded independently of the request so
// a disconnect cannot cut the analysis drain short from underneath it.
func (j *importJob) close(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), importDrainTimeout+5*time.Second)
	defer cancel()
	if err := j.sess.Close(ctx, reason); err != nil {
		j.srv.log.Warn("import session close incomplete",
			"session_id", j.sess.ID(), "err", err)
	}
}

// cueEvents converts parsed caption cues into final transcript events.
// Speaker attribution comes from the cue when the format carries it; the
// session's speaker default covers the rest.
func cueEvents(src subtitle.SourceType, payload []byte) ([]types.TranscriptEvent, error) {
	cues, err := subtitle.Parse(src, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	events := make([]types.TranscriptEvent, 0, len(cues))
	for _, cue := range cues {
		events = append(events, types.TranscriptEvent{
			Kind:           types.KindFinal,
			Text:           cue.Text,
			SpeakerID:      cue.Speaker,
			SegmentStartMs: cue.Start.Milliseconds(),
			SegmentEndMs:   cue.End.Milliseconds(),
		})
	}
	return events, nil
}

// countWords totals the whitespace-separated words across all events.
func countWords(events []types.TranscriptEvent) int {
	n := 0
	for _, e := range events {
		n += len(strings.Fields(e.Text))
	}
	return n
}

// estimateChunks predicts how many chunks the accumulator will emit for the
// given word count.
func estimateChunks(words, target int) int {
	if target <= 0 {
		target = 200
	}
	n := (words + target - 1) / target
	if n < 1 {
		n = 1
	}
	return n
}

// sseWriter emits hub events as Server-Sent Events frames.
type sseWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

// newSSEWriter wraps w, reporting ok=false when the writer cannot flush.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	return &sseWriter{w: w, f: f}, true
}

// start commits the response to the event stream.
func (sw *sseWriter) start() {
	h := sw.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	// Tell buffering proxies to pass frames through as they are written.
	h.Set("X-Accel-Buffering", "no")
	sw.w.WriteHeader(http.StatusOK)
	sw.f.Flush()
}

// send writes one event as a data frame and flushes it to the client.
func (sw *sseWriter) send(ev hub.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ev.EventType(), err)
	}
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", data); err != nil {
		return err
	}
	sw.f.Flush()
	return nil
}
