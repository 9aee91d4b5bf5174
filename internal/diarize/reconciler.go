// Package diarize reconciles diarized speaker segments with already emitted
// transcript events.
//
// STT providers report speaker turns as time ranges that rarely line up with
// the transcript events already persisted and broadcast. The reconciler keeps
// a short sliding window of recent final events and, whenever a diarized
// result arrives, re-attributes each windowed event to the speaker segment
// with the largest time overlap. Revisions leave the reconciler as
// [types.SpeakerUpdate] values through a callback; the session owner persists
// and publishes them. Once an event ages out of the window its assignment is
// final and no further revisions are emitted.
package diarize

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/threadloom/internal/observe"
	"github.com/MrWong99/threadloom/pkg/provider/stt"
	"github.com/MrWong99/threadloom/pkg/types"
)

// Default reconciliation parameters.
const (
	defaultWindow          = 2 * time.Second
	defaultAssignThreshold = 0.3
	defaultGroupHistory    = 8
)

// Config configures a [Reconciler].
type Config struct {
	// SessionID is stamped into every emitted update.
	SessionID string

	// Window is how long after receipt an event remains revisable.
	// Defaults to 2s if zero.
	Window time.Duration

	// AssignThreshold is the minimum overlap ratio (segment overlap divided
	// by event duration) required to assign a speaker. Defaults to 0.3 if
	// zero.
	AssignThreshold float64

	// GroupHistory is the number of recent diarized segment groups retained
	// for matching events that arrive after their segments. Defaults to 8
	// if zero.
	GroupHistory int

	// OnUpdate receives every emitted speaker revision. Called outside the
	// reconciler's lock, in emission order. Required.
	OnUpdate func(types.SpeakerUpdate)

	// Metrics records revision counters. Defaults to
	// [observe.DefaultMetrics] if nil.
	Metrics *observe.Metrics

	// Now overrides the clock used for window eviction. Defaults to
	// [time.Now] if nil.
	Now func() time.Time
}

// Reconciler aligns diarized segments with recent transcript events for one
// session. All methods are safe for concurrent use.
type Reconciler struct {
	sessionID string
	window    time.Duration
	threshold float64
	history   int
	onUpdate  func(types.SpeakerUpdate)
	metrics   *observe.Metrics
	now       func() time.Time

	mu      sync.Mutex
	closed  bool
	order   []*entry          // alignment window in receipt order
	byID    map[string]*entry // event_id → windowed entry
	groups  [][]stt.Segment   // recent segment groups, oldest first
}

// entry is one revisable event in the alignment window.
type entry struct {
	eventID    string
	startMs    int64
	endMs      int64
	speaker    string
	confidence float64
	version    int // current diarization version; the event itself is 1
	addedAt    time.Time
}

// New creates a [Reconciler] with the given configuration.
func New(cfg Config) *Reconciler {
	window := cfg.Window
	if window <= 0 {
		window = defaultWindow
	}
	threshold := cfg.AssignThreshold
	if threshold <= 0 {
		threshold = defaultAssignThreshold
	}
	history := cfg.GroupHistory
	if history <= 0 {
		history = defaultGroupHistory
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Reconciler{
		sessionID: cfg.SessionID,
		window:    window,
		threshold: threshold,
		history:   history,
		onUpdate:  cfg.OnUpdate,
		metrics:   metrics,
		now:       now,
		byID:      make(map[string]*entry),
	}
}

// Observe adds a final transcript event to the alignment window and matches
// it against the retained segment groups, covering diarized results that
// arrived before the event did. Duplicate event ids are ignored.
func (r *Reconciler) Observe(ctx context.Context, e types.TranscriptEvent) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.evictLocked()

	if _, dup := r.byID[e.EventID]; dup {
		r.mu.Unlock()
		return
	}

	ent := &entry{
		eventID:    e.EventID,
		startMs:    e.SegmentStartMs,
		endMs:      e.SegmentEndMs,
		speaker:    e.SpeakerID,
		confidence: e.SpeakerConfidence,
		version:    1,
		addedAt:    r.now(),
	}
	r.order = append(r.order, ent)
	r.byID[e.EventID] = ent

	var updates []types.SpeakerUpdate
	for _, group := range r.groups {
		if u, ok := r.assignLocked(ent, group); ok {
			updates = append(updates, u)
		}
	}
	r.mu.Unlock()

	r.emit(ctx, updates)
}

// Reconcile matches a fresh diarized result against every event still in
// the window and retains the group for events that have yet to arrive.
// Segment times must already be on the session clock.
func (r *Reconciler) Reconcile(ctx context.Context, segments []stt.Segment) {
	if len(segments) == 0 {
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.evictLocked()

	r.groups = append(r.groups, segments)
	if len(r.groups) > r.history {
		r.groups = r.groups[len(r.groups)-r.history:]
	}

	var updates []types.SpeakerUpdate
	for _, ent := range r.order {
		if u, ok := r.assignLocked(ent, segments); ok {
			updates = append(updates, u)
		}
	}
	r.mu.Unlock()

	r.emit(ctx, updates)
}

// CurrentSpeaker returns the present assignment of a windowed event. ok is
// false once the event has been evicted.
func (r *Reconciler) CurrentSpeaker(eventID string) (speaker string, confidence float64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictLocked()
	ent, ok := r.byID[eventID]
	if !ok {
		return "", 0, false
	}
	return ent.speaker, ent.confidence, true
}

// WindowSize returns the number of events currently revisable.
func (r *Reconciler) WindowSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictLocked()
	return len(r.order)
}

// Close stops intake and discards the window without emitting further
// updates. Safe to call multiple times.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.order = nil
	r.byID = map[string]*entry{}
	r.groups = nil
}

// assignLocked finds the best-overlapping segment for ent and applies the
// assignment when it clears the threshold and differs from the current
// speaker. Returns the update to emit, if any.
func (r *Reconciler) assignLocked(ent *entry, segments []stt.Segment) (types.SpeakerUpdate, bool) {
	duration := ent.endMs - ent.startMs
	if duration <= 0 {
		return types.SpeakerUpdate{}, false
	}

	var (
		bestSpeaker string
		bestOverlap int64
	)
	for _, seg := range segments {
		if seg.Speaker == "" {
			continue
		}
		overlap := overlapMs(ent.startMs, ent.endMs, seg.Start.Milliseconds(), seg.End.Milliseconds())
		if overlap > bestOverlap {
			bestOverlap = overlap
			bestSpeaker = seg.Speaker
		}
	}

	ratio := float64(bestOverlap) / float64(duration)
	if bestSpeaker == "" || ratio <= r.threshold {
		return types.SpeakerUpdate{}, false
	}
	if bestSpeaker == ent.speaker {
		return types.SpeakerUpdate{}, false
	}

	reason := types.ReasonOverlapRefined
	if ent.speaker == "" {
		reason = types.ReasonInitial
	}

	ent.speaker = bestSpeaker
	ent.confidence = ratio
	ent.version++

	return types.SpeakerUpdate{
		EventID:            ent.eventID,
		SessionID:          r.sessionID,
		NewSpeakerID:       bestSpeaker,
		NewConfidence:      ratio,
		DiarizationVersion: ent.version,
		Reason:             reason,
		CreatedAt:          r.now(),
	}, true
}

// evictLocked drops events older than the window. Eviction is final: no
// revisions are emitted for evicted events.
func (r *Reconciler) evictLocked() {
	cutoff := r.now().Add(-r.window)
	i := 0
	for ; i < len(r.order); i++ {
		if r.order[i].addedAt.After(cutoff) {
			break
		}
		delete(r.byID, r.order[i].eventID)
	}
	if i > 0 {
		r.order = append([]*entry(nil), r.order[i:]...)
	}
}

// emit invokes the update callback outside the lock and records metrics.
func (r *Reconciler) emit(ctx context.Context, updates []types.SpeakerUpdate) {
	for _, u := range updates {
		r.metrics.RecordSpeakerRevision(ctx, string(u.Reason))
		if r.onUpdate != nil {
			r.onUpdate(u)
		}
	}
}

// overlapMs returns the length of the intersection of [aStart, aEnd) and
// [bStart, bEnd) in milliseconds, or zero when they are disjoint.
func overlapMs(aStart, aEnd, bStart, bEnd int64) int64 {
	start := aStart
	if bStart > start {
		start = bStart
	}
	end := aEnd
	if bEnd < end {
		end = bEnd
	}
	if end <= start {
		return 0
	}
	return end - start
}
