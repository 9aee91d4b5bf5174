package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/threadloom/internal/observe"
)

// Default sizing. A subscriber more than QueueSize events behind is dropped;
// Retention bounds how far back a reconnecting subscriber can replay from
// the hub alone.
const (
	defaultQueueSize = 256
	defaultRetention = 512
)

// Config configures a [Hub].
type Config struct {
	// QueueSize is the per-subscriber send queue capacity. A subscriber
	// whose queue overflows is disconnected. Defaults to 256 if zero.
	QueueSize int

	// Retention is the number of recent events kept per session for
	// replay on reconnect. Defaults to 512 if zero.
	Retention int

	// Metrics records subscriber gauges and drop counters. Defaults to
	// [observe.DefaultMetrics] if nil.
	Metrics *observe.Metrics
}

// Hub maintains the subscriber sets and outbound sequence counters of all
// live sessions. All methods are safe for concurrent use.
type Hub struct {
	queueSize int
	retention int
	metrics   *observe.Metrics

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// sessionState is the per-session fan-out state. Guarded by Hub.mu.
type sessionState struct {
	nextSeq     uint64
	ring        *eventRing
	subscribers map[*Subscriber]struct{}
}

// New creates a [Hub] with the given configuration.
func New(cfg Config) *Hub {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = defaultRetention
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Hub{
		queueSize: queueSize,
		retention: retention,
		metrics:   metrics,
		sessions:  make(map[string]*sessionState),
	}
}

// Subscriber is one consumer of a session's event stream. Receive events by
// ranging over [Subscriber.Events] until the channel closes.
type Subscriber struct {
	hub       *Hub
	sessionID string
	ch        chan Event
	dropped   atomic.Bool
	closed    bool // guarded by hub.mu
}

// Events returns the subscriber's receive channel. The channel is closed
// when the subscriber is dropped for falling behind, the session ends, or
// [Subscriber.Close] is called. Buffered events remain readable after close.
func (s *Subscriber) Events() <-chan Event { return s.ch }

// SessionID returns the session this subscriber is attached to.
func (s *Subscriber) SessionID() string { return s.sessionID }

// Dropped reports whether the subscriber was disconnected because its queue
// overflowed. Only meaningful once [Subscriber.Events] has closed.
func (s *Subscriber) Dropped() bool { return s.dropped.Load() }

// Close detaches the subscriber from the hub and closes its channel.
// Safe to call multiple times.
func (s *Subscriber) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.removeLocked(context.Background(), s)
}

// Publish stamps ev with the session's next sequence number and delivers it
// to every subscriber of the session. Subscribers whose queue is full are
// disconnected. Returns the assigned sequence number.
func (h *Hub) Publish(ctx context.Context, sessionID string, ev Event) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := h.stateLocked(sessionID)
	st.nextSeq++

	env := ev.envelope()
	env.Type = ev.EventType()
	env.SessionID = sessionID
	env.SequenceNumber = st.nextSeq
	env.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	st.ring.push(ev)

	for sub := range st.subscribers {
		select {
		case sub.ch <- ev:
		default:
			// Queue overflow. Disconnecting beats blocking the session
			// or silently skipping events mid-stream.
			sub.dropped.Store(true)
			h.removeLocked(ctx, sub)
			h.metrics.DroppedEvents.Add(ctx, 1)
		}
	}

	return st.nextSeq
}

// Subscribe attaches a new subscriber to the session and replays the
// retained events with sequence number greater than sinceSeq. The returned
// replay slice is in sequence order. complete is false when events between
// sinceSeq and the oldest retained event have already been evicted; the
// caller must then re-derive the missing tail from the transcript log
// before consuming the live stream.
func (h *Hub) Subscribe(ctx context.Context, sessionID string, sinceSeq uint64) (sub *Subscriber, replay []Event, complete bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := h.stateLocked(sessionID)

	sub = &Subscriber{
		hub:       h,
		sessionID: sessionID,
		ch:        make(chan Event, h.queueSize),
	}
	st.subscribers[sub] = struct{}{}
	h.metrics.ActiveSubscribers.Add(ctx, 1)

	return sub, st.ring.since(sinceSeq), st.ring.covers(sinceSeq)
}

// SubscriberCount returns the number of subscribers attached to the session.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.sessions[sessionID]; ok {
		return len(st.subscribers)
	}
	return 0
}

// NextSeq returns the sequence number the session's next published event
// will carry.
func (h *Hub) NextSeq(sessionID string) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.sessions[sessionID]; ok {
		return st.nextSeq + 1
	}
	return 1
}

// EndSession closes all subscribers of the session and releases its fan-out
// state. Events still buffered in subscriber queues remain readable. Call
// after the terminal event has been published.
func (h *Hub) EndSession(ctx context.Context, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.sessions[sessionID]
	if !ok {
		return
	}
	for sub := range st.subscribers {
		h.removeLocked(ctx, sub)
	}
	delete(h.sessions, sessionID)
}

// stateLocked returns the session's fan-out state, creating it on first use.
func (h *Hub) stateLocked(sessionID string) *sessionState {
	st, ok := h.sessions[sessionID]
	if !ok {
		st = &sessionState{
			ring:        newEventRing(h.retention),
			subscribers: make(map[*Subscriber]struct{}),
		}
		h.sessions[sessionID] = st
	}
	return st
}

// removeLocked detaches a subscriber and closes its channel. No sends can
// follow the close: all sends happen under the same lock and only to
// subscribers still present in the session's set.
func (h *Hub) removeLocked(ctx context.Context, sub *Subscriber) {
	if sub.closed {
		return
	}
	sub.closed = true
	if st, ok := h.sessions[sub.sessionID]; ok {
		delete(st.subscribers, sub)
	}
	close(sub.ch)
	h.metrics.ActiveSubscribers.Add(ctx, -1)
}

// eventRing is a fixed-capacity ring of recent events in publish order.
type eventRing struct {
	buf   []Event
	start int // index of the oldest event
	n     int // number of filled slots

	// evictedThrough is the highest sequence number pushed out of the
	// ring. Replays at or before it are incomplete.
	evictedThrough uint64
}

func newEventRing(capacity int) *eventRing {
	return &eventRing{buf: make([]Event, capacity)}
}

// push appends ev, evicting the oldest event when full.
func (r *eventRing) push(ev Event) {
	if r.n == len(r.buf) {
		r.evictedThrough = r.buf[r.start].Seq()
		r.buf[r.start] = ev
		r.start = (r.start + 1) % len(r.buf)
		return
	}
	r.buf[(r.start+r.n)%len(r.buf)] = ev
	r.n++
}

// since returns the retained events with sequence number greater than seq,
// oldest first.
func (r *eventRing) since(seq uint64) []Event {
	out := make([]Event, 0, r.n)
	for i := 0; i < r.n; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq() > seq {
			out = append(out, ev)
		}
	}
	return out
}

// covers reports whether a replay from seq can be served entirely from the
// ring, with no evicted events missing in between.
func (r *eventRing) covers(seq uint64) bool {
	return seq >= r.evictedThrough
}
