// Package accumulate batches finalized transcript events into chunks sized
// for one LLM analysis request.
//
// The accumulator keeps a rolling buffer of (event, speaker, text) entries.
// A chunk is emitted when the buffered word count exceeds the target and
// the buffer tail ends a sentence, or when the session owner flushes the
// buffer after an idle period or at drain. The tail of every emitted chunk
// is carried into the next one so the graph builder keeps local context
// across chunk boundaries.
package accumulate

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/threadloom/internal/observe"
	"github.com/MrWong99/threadloom/pkg/types"
)

// Default chunking parameters.
const (
	defaultTargetWords  = 200
	defaultOverlapWords = 30
)

// Config configures an [Accumulator].
type Config struct {
	// SessionID is stamped into every emitted chunk.
	SessionID string

	// TargetWords is the buffered word count above which a chunk may be
	// emitted. Defaults to 200 if zero.
	TargetWords int

	// OverlapWords is the minimum number of trailing words carried from an
	// emitted chunk into the next. Defaults to 30 if zero.
	OverlapWords int

	// Metrics records chunk counters and word distributions. Defaults to
	// [observe.DefaultMetrics] if nil.
	Metrics *observe.Metrics

	// Now overrides the clock stamped into emitted chunks. Defaults to
	// [time.Now] if nil.
	Now func() time.Time
}

// Accumulator builds chunks for one session.
//
// An Accumulator is not safe for concurrent use: the owning session
// goroutine is its only caller, like all per-session mutable state.
type Accumulator struct {
	sessionID string
	target    int
	overlap   int
	metrics   *observe.Metrics
	now       func() time.Time

	entries []entry
	carried int // leading entries repeated from the previous chunk
	words   int // buffered word count, carried entries included
	nextSeq uint64
}

// entry is one buffered final event.
type entry struct {
	eventID   string
	speakerID string
	text      string
	words     int
}

// New creates an [Accumulator] with the given configuration.
func New(cfg Config) *Accumulator {
	target := cfg.TargetWords
	if target <= 0 {
		target = defaultTargetWords
	}
	overlap := cfg.OverlapWords
	if overlap <= 0 {
		overlap = defaultOverlapWords
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Accumulator{
		sessionID: cfg.SessionID,
		target:    target,
		overlap:   overlap,
		metrics:   metrics,
		now:       now,
	}
}

// Add buffers a final transcript event under the reconciler's current
// speaker assignment and returns a chunk when the emission rule fires:
// buffered words above the target and the newest text ending a sentence.
// Partial events and empty text are ignored. speakerID falls back to the
// event's own assignment when empty.
func (a *Accumulator) Add(ctx context.Context, e types.TranscriptEvent, speakerID string) *types.Chunk {
	if e.Kind != types.KindFinal {
		return nil
	}
	text := strings.TrimSpace(e.Text)
	if text == "" {
		return nil
	}
	if speakerID == "" {
		speakerID = e.SpeakerID
	}

	w := len(strings.Fields(text))
	a.entries = append(a.entries, entry{
		eventID:   e.EventID,
		speakerID: speakerID,
		text:      text,
		words:     w,
	})
	a.words += w

	if a.words > a.target && endsSentence(text) {
		return a.emit(ctx, "size")
	}
	return nil
}

// Flush emits whatever is buffered, regardless of the word target. The
// session owner calls it when the idle timeout elapses and again while
// draining. Returns nil when the buffer holds nothing beyond the carried
// overlap; a chunk always contains at least one new event.
func (a *Accumulator) Flush(ctx context.Context) *types.Chunk {
	if len(a.entries) == a.carried {
		return nil
	}
	return a.emit(ctx, "idle")
}

// BufferedWords returns the current buffered word count, carried overlap
// included.
func (a *Accumulator) BufferedWords() int {
	return a.words
}

func (a *Accumulator) emit(ctx context.Context, trigger string) *types.Chunk {
	a.nextSeq++
	chunk := &types.Chunk{
		ChunkID:         fmt.Sprintf("chunk-%d", a.nextSeq),
		SessionID:       a.sessionID,
		Text:            renderText(a.entries),
		EventIDs:        eventIDs(a.entries),
		SpeakerSegments: speakerSegments(a.entries),
		SequenceNumber:  a.nextSeq,
		CreatedAt:       a.now().UTC(),
	}
	a.metrics.RecordChunk(ctx, trigger, a.words)
	a.retainOverlap()
	return chunk
}

// retainOverlap keeps the smallest proper suffix of the emitted entries
// whose word count reaches the overlap target. Entries are carried whole
// so speaker lines never split mid-utterance; a single-entry chunk carries
// nothing forward.
func (a *Accumulator) retainOverlap() {
	keep, words := 0, 0
	for i := len(a.entries) - 1; i > 0 && words < a.overlap; i-- {
		keep++
		words += a.entries[i].words
	}
	a.entries = append([]entry(nil), a.entries[len(a.entries)-keep:]...)
	a.carried = keep
	a.words = words
}

// renderText joins buffered entries into the chunk body, one line per
// event. Lines of speaker-attributed events are prefixed "[<speaker>]: ";
// a chunk without any attribution is plain text.
func renderText(entries []entry) string {
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		if e.speakerID != "" {
			b.WriteString("[")
			b.WriteString(e.speakerID)
			b.WriteString("]: ")
		}
		b.WriteString(e.text)
	}
	return b.String()
}

func eventIDs(entries []entry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.eventID
	}
	return ids
}

// speakerSegments flattens the buffer into per-speaker runs, merging
// consecutive entries by the same speaker.
func speakerSegments(entries []entry) []types.SpeakerSegment {
	var segs []types.SpeakerSegment
	for _, e := range entries {
		if n := len(segs); n > 0 && segs[n-1].SpeakerID == e.speakerID {
			segs[n-1].Text += " " + e.text
			continue
		}
		segs = append(segs, types.SpeakerSegment{SpeakerID: e.speakerID, Text: e.text})
	}
	return segs
}

// endsSentence reports whether text ends with sentence-terminal
// punctuation, ignoring closing quotes and brackets after the mark.
func endsSentence(text string) bool {
	trimmed := strings.TrimRight(text, ` "')]`)
	if trimmed == "" {
		return false
	}
	switch r, _ := utf8.DecodeLastRuneInString(trimmed); r {
	case '.', '!', '?', '…':
		return true
	}
	return false
}
