// Package whisper provides an STT provider backed by a whisper-compatible
// HTTP transcription server (whisper.cpp's whisper-server, faster-whisper
// wrappers, and similar REST frontends).
//
// It simulates streaming behaviour by buffering incoming PCM audio and
// submitting each completed utterance as a batch inference request. Utterance
// boundaries come from an injected VAD engine: once the buffer holds at least
// the configured minimum of audio, a detected speech end triggers a flush, and
// the buffer is force-flushed at the configured maximum regardless of speech
// state. Without a VAD engine the session flushes on a fixed cadence of
// buffered audio.
//
// Because the backend is a batch (non-streaming) engine the provider cannot
// emit true low-latency partials. Instead it emits a partial and a final for
// the same text as soon as each utterance is committed. This is still useful
// for driving UI activity indicators while the primary Finals channel feeds
// the transcript log.
//
// The server's response may take any of three shapes: a diarized
// {"segments": [...]} array, a {"text": ..., "timestamps": [...]} pair, or a
// plain {"text": ...}. Speaker labels propagate into Transcript.Segments only
// when the response actually carries them.
//
// Inference failures are recoverable: the failed buffer is dropped, the error
// surfaces on Errs, and the session keeps consuming audio. Repeated
// consecutive failures open a failure gate ([ErrBackendUnavailable]) that
// short-circuits flushes locally until a probe request succeeds, so a dead
// backend costs one timeout per cooldown instead of one per utterance.
//
// Usage:
//
//	p, err := whisper.New("http://localhost:8080",
//	    whisper.WithLanguage("en"),
//	    whisper.WithVAD(energy.New()),
//	)
//	handle, err := p.StartStream(ctx, cfg)
//	handle.SendAudio(pcmChunk)
//	transcript := <-handle.Finals()
//	handle.Close()
package whisper

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/threadloom/pkg/provider/stt"
	"github.com/MrWong99/threadloom/pkg/provider/vad"
	"golang.org/x/sync/semaphore"
)

const (
	// bitsPerSample is fixed at 16 for the 16-bit signed little-endian PCM
	// audio that whisper-compatible servers expect.
	bitsPerSample = 16

	defaultLanguage      = "en"
	defaultSampleRate    = 16000
	defaultVADMinSeconds = 0.5
	defaultVADMaxSeconds = 5.0
	defaultVADSilenceMs  = 300
	defaultFixedInterval = 1200 * time.Millisecond
	defaultLiveTimeout   = 10 * time.Second
	defaultFileTimeout   = 120 * time.Second

	// defaultGateFailures and defaultGateCooldown tune the per-session failure
	// gate: after defaultGateFailures consecutive inference errors the session
	// stops issuing requests for defaultGateCooldown, dropping buffers locally,
	// then lets a single probe flush through.
	defaultGateFailures = 3
	defaultGateCooldown = 15 * time.Second
)

// ErrBackendUnavailable is surfaced once on a session's Errs channel when
// repeated inference failures open the failure gate. Until a probe flush
// succeeds, buffered audio is silently dropped instead of sent.
var ErrBackendUnavailable = errors.New("whisper: transcription backend unavailable, dropping audio until it recovers")

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the server (e.g.,
// "base.en", "small"). When empty the server uses whichever model it was
// started with — this is the default.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code sent to the server (e.g., "en",
// "de", "fr"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithSampleRate sets the audio sample rate in Hz. This must match the actual
// sample rate of PCM data delivered via SendAudio and is used to calculate
// buffer durations. Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithVAD supplies the engine used to find utterance boundaries. A nil engine
// (the default) puts sessions in fixed-interval mode.
func WithVAD(engine vad.Engine) Option {
	return func(p *Provider) {
		p.vadEngine = engine
	}
}

// WithVADBounds sets the minimum buffered audio before a speech end may
// trigger a flush and the maximum buffered audio before a flush is forced
// regardless of speech state. Defaults: 0.5s and 5.0s.
func WithVADBounds(minSeconds, maxSeconds float64) Option {
	return func(p *Provider) {
		if minSeconds > 0 {
			p.vadMinSeconds = minSeconds
		}
		if maxSeconds > 0 {
			p.vadMaxSeconds = maxSeconds
		}
	}
}

// WithVADSilenceMs sets the trailing-silence duration that ends an utterance.
// Defaults to 300 ms.
func WithVADSilenceMs(ms int) Option {
	return func(p *Provider) {
		if ms > 0 {
			p.vadSilenceMs = ms
		}
	}
}

// WithFixedInterval sets the flush cadence used when no VAD engine is
// configured: the session flushes whenever this much audio has buffered.
// Defaults to 1.2 s.
func WithFixedInterval(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.fixedInterval = d
		}
	}
}

// WithLiveTimeout bounds each per-flush inference request. Defaults to 10 s.
func WithLiveTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.liveTimeout = d
		}
	}
}

// WithFileTimeout bounds one-shot Transcribe requests, which submit whole
// files and may legitimately run much longer than a live flush. Defaults to 120 s.
func WithFileTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.fileTimeout = d
		}
	}
}

// WithPooledClients controls connection reuse. When true each session gets
// its own keep-alive HTTP client, so consecutive flushes of one session reuse
// a warm connection. When false (the default) all sessions share a client
// that closes connections after each request.
func WithPooledClients(pooled bool) Option {
	return func(p *Provider) {
		p.poolClients = pooled
	}
}

// WithOutboundLimiter applies a shared semaphore to every inference request.
// Pass the process-wide outbound HTTP limiter to cap concurrent calls across
// sessions; nil (the default) means unlimited.
func WithOutboundLimiter(sem *semaphore.Weighted) Option {
	return func(p *Provider) {
		p.limiter = sem
	}
}

// WithFailureGate tunes the per-session failure gate. After maxFailures
// consecutive inference errors a session drops buffered audio locally instead
// of calling the server, until cooldown elapses and a probe flush succeeds.
// Non-positive arguments keep the defaults (3 failures, 15s).
func WithFailureGate(maxFailures int, cooldown time.Duration) Option {
	return func(p *Provider) {
		if maxFailures > 0 {
			p.gateFailures = maxFailures
		}
		if cooldown > 0 {
			p.gateCooldown = cooldown
		}
	}
}

// Provider implements stt.Provider backed by a whisper-compatible HTTP server.
// Multiple sessions may be open simultaneously; each session maintains its own
// audio buffer and goroutine.
type Provider struct {
	serverURL     string
	model         string
	language      string
	sampleRate    int
	vadEngine     vad.Engine
	vadMinSeconds float64
	vadMaxSeconds float64
	vadSilenceMs  int
	fixedInterval time.Duration
	liveTimeout   time.Duration
	fileTimeout   time.Duration
	poolClients   bool
	limiter       *semaphore.Weighted
	gateFailures  int
	gateCooldown  time.Duration

	// sharedClient serves all sessions when pooling is off and all one-shot
	// Transcribe calls. Connections are not reused.
	sharedClient *http.Client
}

// New creates a new Provider that connects to the whisper-compatible HTTP
// server at serverURL (e.g., "http://localhost:8080"). serverURL must be
// non-empty. Functional options may be provided to override defaults.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:     strings.TrimRight(serverURL, "/"),
		language:      defaultLanguage,
		sampleRate:    defaultSampleRate,
		vadMinSeconds: defaultVADMinSeconds,
		vadMaxSeconds: defaultVADMaxSeconds,
		vadSilenceMs:  defaultVADSilenceMs,
		fixedInterval: defaultFixedInterval,
		liveTimeout:   defaultLiveTimeout,
		fileTimeout:   defaultFileTimeout,
		gateFailures:  defaultGateFailures,
		gateCooldown:  defaultGateCooldown,
		sharedClient: &http.Client{
			Transport: &http.Transport{DisableKeepAlives: true},
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a new transcription session. The returned SessionHandle is
// ready to accept audio immediately. It respects cfg.SampleRate, cfg.Channels,
// cfg.Language, cfg.Model, and cfg.Diarize; if those are zero/empty the
// provider-level defaults apply.
//
// Returns an error if the context is already cancelled or the VAD engine
// rejects its configuration; no network connection is established until the
// first flush.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	model := cfg.Model
	if model == "" {
		model = p.model
	}
	sr := cfg.SampleRate
	if sr <= 0 {
		sr = p.sampleRate
	}
	ch := cfg.Channels
	if ch <= 0 {
		ch = 1
	}

	var vadSess vad.SessionHandle
	if p.vadEngine != nil {
		var err error
		vadSess, err = p.vadEngine.NewSession(vad.Config{
			SampleRate:        sr,
			SilenceHangoverMs: p.vadSilenceMs,
		})
		if err != nil {
			return nil, fmt.Errorf("whisper: create vad session: %w", err)
		}
	}

	client := p.sharedClient
	if p.poolClients {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        4,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	s := &session{
		serverURL:     p.serverURL,
		model:         model,
		language:      lang,
		diarize:       cfg.Diarize,
		sampleRate:    sr,
		channels:      ch,
		vadSess:       vadSess,
		vadMinSeconds: p.vadMinSeconds,
		vadMaxSeconds: p.vadMaxSeconds,
		fixedInterval: p.fixedInterval,
		liveTimeout:   p.liveTimeout,
		limiter:       p.limiter,
		gateFailures:  p.gateFailures,
		gateCooldown:  p.gateCooldown,
		httpClient:    client,
		ownsClient:    p.poolClients,

		audioCh:  make(chan []byte, 256),
		flushCh:  make(chan struct{}, 1),
		partials: make(chan stt.Transcript, 64),
		finals:   make(chan stt.Transcript, 64),
		errs:     make(chan error, 16),
		done:     make(chan struct{}),
	}

	s.wg.Add(1)
	go s.processLoop(ctx)

	return s, nil
}

// Transcribe submits a complete audio file in one request and returns a single
// transcript. No VAD or buffering is involved; the file timeout applies.
func (p *Provider) Transcribe(ctx context.Context, audio []byte, cfg stt.StreamConfig) (stt.Transcript, error) {
	if len(audio) == 0 {
		return stt.Transcript{}, errors.New("whisper: empty audio payload")
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	model := cfg.Model
	if model == "" {
		model = p.model
	}

	if p.limiter != nil {
		if err := p.limiter.Acquire(ctx, 1); err != nil {
			return stt.Transcript{}, fmt.Errorf("whisper: acquire outbound slot: %w", err)
		}
		defer p.limiter.Release(1)
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.fileTimeout)
	defer cancel()

	result, latency, err := postInference(reqCtx, p.sharedClient, p.serverURL, audio, model, lang, cfg.Diarize)
	if err != nil {
		return stt.Transcript{}, err
	}

	return stt.Transcript{
		Text:            result.text,
		IsFinal:         true,
		Segments:        result.segments,
		ProviderLatency: latency,
	}, nil
}

// ---- session ----------------------------------------------------------------

// session is a live whisper transcription session. It implements
// stt.SessionHandle. All mutable state that drives buffering and flush policy
// is confined to the processLoop goroutine to avoid data races.
type session struct {
	// immutable configuration (set once in StartStream)
	serverURL     string
	model         string
	language      string
	diarize       bool
	sampleRate    int
	channels      int
	vadSess       vad.SessionHandle // nil in fixed-interval mode
	vadMinSeconds float64
	vadMaxSeconds float64
	fixedInterval time.Duration
	liveTimeout   time.Duration
	limiter       *semaphore.Weighted
	gateFailures  int
	gateCooldown  time.Duration
	httpClient    *http.Client
	ownsClient    bool

	// channels for audio input and transcript output
	audioCh  chan []byte
	flushCh  chan struct{}
	partials chan stt.Transcript
	finals   chan stt.Transcript
	errs     chan error

	// lifecycle
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues a chunk of raw 16-bit little-endian signed PCM audio for
// buffering and flush-policy analysis. The chunk's sample rate and channel
// count must match the values agreed in StreamConfig (or the provider defaults).
//
// Calling SendAudio after Close returns an error.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("whisper: session is closed")
	default:
	}
	select {
	case s.audioCh <- chunk:
		return nil
	case <-s.done:
		return errors.New("whisper: session is closed")
	}
}

// Flush requests immediate inference of the buffered audio. Pending requests
// collapse: at most one flush is queued at a time.
func (s *session) Flush() error {
	select {
	case <-s.done:
		return errors.New("whisper: session is closed")
	default:
	}
	select {
	case s.flushCh <- struct{}{}:
	default:
	}
	return nil
}

// Partials returns a read-only channel that emits interim Transcript values.
// Each partial is emitted simultaneously with its corresponding final (they
// carry identical text). The channel is closed when the session ends.
func (s *session) Partials() <-chan stt.Transcript { return s.partials }

// Finals returns a read-only channel that emits authoritative Transcript values.
// These should be written to the transcript log and chunked for the LLM.
// The channel is closed when the session ends.
func (s *session) Finals() <-chan stt.Transcript { return s.finals }

// Errs returns a read-only channel that surfaces per-flush recoverable errors.
// The corresponding audio buffer is discarded for each reported error. An
// error wrapping [ErrBackendUnavailable] marks the failure gate opening;
// flushes dropped while it is open are not reported individually.
func (s *session) Errs() <-chan error { return s.errs }

// SetKeywords always returns an error because whisper-compatible servers do
// not expose a keyword-boosting API. The caller should treat this as a
// best-effort hint; the session remains usable after this call.
func (s *session) SetKeywords(_ []stt.KeywordBoost) error {
	return fmt.Errorf("whisper: keyword boosting: %w", stt.ErrNotSupported)
}

// Close terminates the session, flushes any pending speech audio for a final
// transcription, closes the output channels, and releases all associated
// resources. Calling Close more than once is safe and returns nil.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

// processLoop is the single goroutine responsible for buffering, flush policy,
// and inference dispatch. Confining all mutable buffer state here avoids the
// need for additional synchronisation.
func (s *session) processLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)
	defer close(s.errs)
	if s.vadSess != nil {
		defer s.vadSess.Close()
	}
	if s.ownsClient {
		defer s.httpClient.CloseIdleConnections()
	}

	var (
		buffer     []byte // accumulated PCM for the current utterance
		hadSpeech  bool   // true once any speech-classified chunk has been buffered
		bufStartMs int64  // stream-clock offset of the buffer's first byte
		streamMs   int64  // total audio consumed from audioCh so far

		gateFails    int       // consecutive inference failures
		gateOpenedAt time.Time // zero while the gate is closed
	)

	// bytesPerMs: PCM bytes corresponding to 1 ms of audio.
	bytesPerMs := s.sampleRate * s.channels * (bitsPerSample / 8) / 1000
	if bytesPerMs <= 0 {
		bytesPerMs = 32 // safe fallback (16 kHz, mono, 16-bit → 32 B/ms)
	}
	vadMinBytes := int(s.vadMinSeconds*1000) * bytesPerMs
	vadMaxBytes := int(s.vadMaxSeconds*1000) * bytesPerMs
	fixedBytes := int(s.fixedInterval.Milliseconds()) * bytesPerMs

	// doFlush submits the current buffer to the inference endpoint and resets
	// the buffer state regardless of outcome. Inference failures surface on
	// the errs channel; the audio that failed is not retried. Once gateFails
	// reaches the limit the gate opens and flushes are dropped without a
	// network call until the cooldown elapses and a probe succeeds.
	doFlush := func(flushCtx context.Context) {
		if len(buffer) == 0 {
			return
		}
		if s.vadSess != nil && !hadSpeech {
			// Silence-only buffer: nothing worth transcribing.
			buffer = nil
			bufStartMs = streamMs
			return
		}
		if !gateOpenedAt.IsZero() && time.Since(gateOpenedAt) < s.gateCooldown {
			// Gate open: the warning went out when it tripped. Drop quietly.
			buffer = nil
			hadSpeech = false
			bufStartMs = streamMs
			return
		}

		pcm := buffer
		startMs := bufStartMs
		durMs := int64(len(pcm) / bytesPerMs)
		buffer = nil
		hadSpeech = false
		bufStartMs = streamMs

		result, latency, err := s.infer(flushCtx, pcm)
		if err != nil {
			gateFails++
			if gateFails >= s.gateFailures {
				wasClosed := gateOpenedAt.IsZero()
				gateOpenedAt = time.Now() // failed probes re-arm the cooldown
				if !wasClosed {
					return
				}
				err = fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
			}
			select {
			case s.errs <- err:
			default:
			}
			return
		}
		gateFails = 0
		gateOpenedAt = time.Time{}
		if result.text == "" && len(result.segments) == 0 {
			return
		}

		t := stt.Transcript{
			Text:            result.text,
			IsFinal:         true,
			Segments:        offsetSegments(result.segments, time.Duration(startMs)*time.Millisecond),
			Timestamp:       time.Duration(startMs) * time.Millisecond,
			Duration:        time.Duration(durMs) * time.Millisecond,
			ProviderLatency: latency,
		}

		// Non-blocking sends: channels are buffered (64 elements). If they are
		// somehow full we skip rather than deadlock during shutdown.
		partial := t
		partial.IsFinal = false
		select {
		case s.partials <- partial:
		default:
		}
		select {
		case s.finals <- t:
		default:
		}
	}

	// flushFinal performs the closing flush using a fresh background context
	// bounded by the live timeout, independent of the caller-supplied ctx
	// which may already be cancelled.
	flushFinal := func() {
		fc, cancel := context.WithTimeout(context.Background(), s.liveTimeout)
		defer cancel()
		doFlush(fc)
	}

	for {
		select {
		case <-ctx.Done():
			flushFinal()
			return

		case <-s.done:
			flushFinal()
			return

		case <-s.flushCh:
			doFlush(ctx)

		case chunk, ok := <-s.audioCh:
			if !ok {
				// Channel closed externally (unusual but handled).
				flushFinal()
				return
			}

			chunkMs := int64(len(chunk) / bytesPerMs)
			streamMs += chunkMs

			if s.vadSess == nil {
				// Fixed-interval mode: buffer everything, flush on cadence.
				if len(buffer) == 0 {
					bufStartMs = streamMs - chunkMs
				}
				buffer = append(buffer, chunk...)
				if len(buffer) >= fixedBytes {
					doFlush(ctx)
				}
				continue
			}

			ev, err := s.vadSess.ProcessFrame(chunk)
			if err != nil {
				// Malformed frame; skip it rather than poison the buffer.
				continue
			}

			switch ev.Type {
			case vad.VADSilence:
				// Silence outside an utterance is discarded, not buffered.
				if len(buffer) == 0 {
					bufStartMs = streamMs
				}

			case vad.VADSpeechStart, vad.VADSpeechContinue:
				if len(buffer) == 0 {
					bufStartMs = streamMs - chunkMs
				}
				hadSpeech = true
				buffer = append(buffer, chunk...)
				if len(buffer) >= vadMaxBytes {
					doFlush(ctx)
				}

			case vad.VADSpeechEnd:
				// Keep the trailing silence: it pads the utterance for the model.
				buffer = append(buffer, chunk...)
				if len(buffer) >= vadMinBytes {
					doFlush(ctx)
				}
				// Under the minimum the buffer is held; it flushes once more
				// speech accumulates or the session closes.
			}
		}
	}
}

// infer submits pcm to the inference endpoint, honouring the outbound limiter
// and the live timeout.
func (s *session) infer(ctx context.Context, pcm []byte) (inferenceResult, time.Duration, error) {
	if s.limiter != nil {
		if err := s.limiter.Acquire(ctx, 1); err != nil {
			return inferenceResult{}, 0, fmt.Errorf("whisper: acquire outbound slot: %w", err)
		}
		defer s.limiter.Release(1)
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.liveTimeout)
	defer cancel()

	wav := encodeWAV(pcm, s.sampleRate, s.channels)
	return postInference(reqCtx, s.httpClient, s.serverURL, wav, s.model, s.language, s.diarize)
}

// ---- wire format ------------------------------------------------------------

// inferenceResult is the normalized provider response: the full text plus
// speaker-attributed segments, nil when the response carried no speaker.
type inferenceResult struct {
	text     string
	segments []stt.Segment
}

// wireSegment is one {start, end, text, speaker?} tuple as found in either the
// "segments" or the "timestamps" array. Times are seconds.
type wireSegment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
	Speaker *string `json:"speaker"`
}

// postInference encodes audio as multipart/form-data, POSTs it to the
// /inference endpoint, and parses the response. It returns the normalized
// result and the request round-trip time.
func postInference(ctx context.Context, client *http.Client, serverURL string, audio []byte, model, language string, diarize bool) (inferenceResult, time.Duration, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return inferenceResult{}, 0, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(audio); err != nil {
		return inferenceResult{}, 0, fmt.Errorf("whisper: write audio data: %w", err)
	}

	if language != "" {
		if err := mw.WriteField("language", language); err != nil {
			return inferenceResult{}, 0, fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if model != "" {
		if err := mw.WriteField("model", model); err != nil {
			return inferenceResult{}, 0, fmt.Errorf("whisper: write model field: %w", err)
		}
	}
	if diarize {
		if err := mw.WriteField("diarize", "true"); err != nil {
			return inferenceResult{}, 0, fmt.Errorf("whisper: write diarize field: %w", err)
		}
	}

	if err := mw.Close(); err != nil {
		return inferenceResult{}, 0, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	endpoint := serverURL + "/inference"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return inferenceResult{}, 0, fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return inferenceResult{}, latency, fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return inferenceResult{}, latency, fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return inferenceResult{}, latency, fmt.Errorf("whisper: read response body: %w", err)
	}

	result, err := parseResponse(data)
	if err != nil {
		return inferenceResult{}, latency, err
	}
	return result, latency, nil
}

// parseResponse accepts the three supported response shapes:
//
//	{"segments": [{start, end, text, speaker?}, ...]}
//	{"text": ..., "timestamps": [{start, end, text, speaker?}, ...], "speakers": [...]}
//	{"text": ...}
//
// Responses with none of these keys are a parse error. Speaker labels may be
// inline per tuple or supplied as a parallel top-level "speakers" array; when
// no label is present at all the segments are dropped entirely.
func parseResponse(data []byte) (inferenceResult, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return inferenceResult{}, fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	if _, ok := probe["text"]; !ok {
		if _, ok := probe["segments"]; !ok {
			if _, ok := probe["timestamps"]; !ok {
				return inferenceResult{}, errors.New("whisper: response missing text")
			}
		}
	}

	var payload struct {
		Text       string        `json:"text"`
		Segments   []wireSegment `json:"segments"`
		Timestamps []wireSegment `json:"timestamps"`
		Speakers   []string      `json:"speakers"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return inferenceResult{}, fmt.Errorf("whisper: parse JSON response: %w", err)
	}

	tuples := payload.Segments
	if len(tuples) == 0 {
		tuples = payload.Timestamps
	}

	hasSpeaker := false
	for _, t := range tuples {
		if t.Speaker != nil && *t.Speaker != "" {
			hasSpeaker = true
			break
		}
	}
	// Some servers report speakers as a parallel array instead of inline.
	if !hasSpeaker && len(payload.Speakers) == len(tuples) && len(tuples) > 0 {
		for i := range tuples {
			if payload.Speakers[i] != "" {
				sp := payload.Speakers[i]
				tuples[i].Speaker = &sp
				hasSpeaker = true
			}
		}
	}

	text := strings.TrimSpace(payload.Text)
	if text == "" && len(tuples) > 0 {
		parts := make([]string, 0, len(tuples))
		for _, t := range tuples {
			if tt := strings.TrimSpace(t.Text); tt != "" {
				parts = append(parts, tt)
			}
		}
		text = strings.Join(parts, " ")
	}

	result := inferenceResult{text: text}
	if hasSpeaker {
		result.segments = make([]stt.Segment, 0, len(tuples))
		for _, t := range tuples {
			speaker := ""
			if t.Speaker != nil {
				speaker = *t.Speaker
			}
			result.segments = append(result.segments, stt.Segment{
				Start:   time.Duration(t.Start * float64(time.Second)),
				End:     time.Duration(t.End * float64(time.Second)),
				Text:    strings.TrimSpace(t.Text),
				Speaker: speaker,
			})
		}
	}
	return result, nil
}

// offsetSegments shifts provider-relative segment times onto the session's
// stream clock.
func offsetSegments(segments []stt.Segment, offset time.Duration) []stt.Segment {
	if len(segments) == 0 || offset == 0 {
		return segments
	}
	out := make([]stt.Segment, len(segments))
	for i, seg := range segments {
		seg.Start += offset
		seg.End += offset
		out[i] = seg
	}
	return out
}

// ---- helpers ----------------------------------------------------------------

// encodeWAV wraps raw 16-bit signed little-endian PCM data in a standard
// RIFF/WAV container. The returned byte slice is suitable for direct inclusion
// in a multipart form upload. No external dependencies are required.
func encodeWAV(pcm []byte, sampleRate, channels int) []byte {
	bps := bitsPerSample
	byteRate := sampleRate * channels * bps / 8
	blockAlign := channels * bps / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size − 8
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)                 // sub-chunk size (PCM)
	binary.LittleEndian.PutUint16(buf[20:22], 1)                  // audio format: PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))   // num channels
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate)) // sample rate
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))   // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign)) // block align
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bps))        // bits per sample

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}
