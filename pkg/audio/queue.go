package audio

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrQueueClosed is returned by Pop once the queue is closed and drained.
var ErrQueueClosed = errors.New("audio: frame queue closed")

// FrameQueue is a duration-bounded buffer between an ingest reader and an STT
// consumer. When the consumer falls behind and the buffered play time would
// exceed the budget, the oldest frames are evicted so the session stays live
// instead of building unbounded latency. Evictions are counted, not fatal.
//
// Push never blocks. Pop is single-consumer.
type FrameQueue struct {
	maxBuffered time.Duration

	mu       sync.Mutex
	frames   []AudioFrame
	buffered time.Duration
	closed   bool

	dropped atomic.Uint64

	// notify has capacity 1 and wakes the consumer after Push or Close.
	notify chan struct{}
}

// NewFrameQueue returns a queue holding at most maxBuffered of audio play
// time. A non-positive budget defaults to 2 seconds.
func NewFrameQueue(maxBuffered time.Duration) *FrameQueue {
	if maxBuffered <= 0 {
		maxBuffered = 2 * time.Second
	}
	return &FrameQueue{
		maxBuffered: maxBuffered,
		notify:      make(chan struct{}, 1),
	}
}

// Push appends a frame, evicting the oldest frames while the buffered play
// time exceeds the budget. A frame that alone exceeds the budget is kept; the
// queue cannot split frames. Pushes after Close are discarded.
func (q *FrameQueue) Push(frame AudioFrame) {
	if len(frame.Data) == 0 {
		return
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.frames = append(q.frames, frame)
	q.buffered += frame.Duration()
	for q.buffered > q.maxBuffered && len(q.frames) > 1 {
		evicted := q.frames[0]
		q.frames[0] = AudioFrame{}
		q.frames = q.frames[1:]
		q.buffered -= evicted.Duration()
		q.dropped.Add(1)
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop returns the oldest buffered frame, blocking until one is available, the
// context is cancelled, or the queue is closed and empty.
func (q *FrameQueue) Pop(ctx context.Context) (AudioFrame, error) {
	for {
		q.mu.Lock()
		if len(q.frames) > 0 {
			frame := q.frames[0]
			q.frames[0] = AudioFrame{}
			q.frames = q.frames[1:]
			q.buffered -= frame.Duration()
			if len(q.frames) == 0 {
				q.frames = nil
				q.buffered = 0
			}
			q.mu.Unlock()
			return frame, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return AudioFrame{}, ErrQueueClosed
		}
		select {
		case <-ctx.Done():
			return AudioFrame{}, ctx.Err()
		case <-q.notify:
		}
	}
}

// Close marks the queue closed. Buffered frames remain poppable; once drained,
// Pop returns ErrQueueClosed. Close is idempotent.
func (q *FrameQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Dropped returns the number of frames evicted by backpressure so far.
func (q *FrameQueue) Dropped() uint64 {
	return q.dropped.Load()
}

// Buffered returns the play time currently held in the queue.
func (q *FrameQueue) Buffered() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.buffered
}

// Len returns the number of buffered frames.
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}
