package hub_test

import (
	"context"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/threadloom/internal/hub"
	"github.com/MrWong99/threadloom/internal/observe"
	"github.com/MrWong99/threadloom/pkg/types"
)

// newTestHub builds a hub with isolated metrics so tests don't pollute the
// global meter provider.
func newTestHub(t *testing.T, queueSize, retention int) *hub.Hub {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return hub.New(hub.Config{QueueSize: queueSize, Retention: retention, Metrics: m})
}

func publishFinal(t *testing.T, h *hub.Hub, sessionID, text string) uint64 {
	t.Helper()
	return h.Publish(context.Background(), sessionID, &hub.TranscriptFinal{
		EventID: "ev-" + text,
		Text:    text,
	})
}

func TestPublish_StampsEnvelope(t *testing.T) {
	h := newTestHub(t, 16, 16)
	ctx := context.Background()

	sub, replay, complete := h.Subscribe(ctx, "sess-1", 0)
	defer sub.Close()
	if len(replay) != 0 || !complete {
		t.Fatalf("fresh subscribe: replay=%d complete=%v, want 0 true", len(replay), complete)
	}

	seq := h.Publish(ctx, "sess-1", &hub.TranscriptFinal{EventID: "ev-1", Text: "hello"})
	if seq != 1 {
		t.Fatalf("first sequence = %d, want 1", seq)
	}

	ev := <-sub.Events()
	fin, ok := ev.(*hub.TranscriptFinal)
	if !ok {
		t.Fatalf("received %T, want *hub.TranscriptFinal", ev)
	}
	if fin.Type != hub.TypeTranscriptFinal {
		t.Errorf("type = %q, want %q", fin.Type, hub.TypeTranscriptFinal)
	}
	if fin.SessionID != "sess-1" {
		t.Errorf("session_id = %q, want sess-1", fin.SessionID)
	}
	if fin.SequenceNumber != 1 {
		t.Errorf("sequence_number = %d, want 1", fin.SequenceNumber)
	}
	if _, err := time.Parse(time.RFC3339Nano, fin.Timestamp); err != nil {
		t.Errorf("timestamp %q is not RFC3339Nano: %v", fin.Timestamp, err)
	}
}

func TestPublish_SequencesPerSession(t *testing.T) {
	h := newTestHub(t, 16, 16)

	for i, want := range []uint64{1, 2, 3} {
		if got := publishFinal(t, h, "sess-a", "a"); got != want {
			t.Fatalf("sess-a publish %d: seq = %d, want %d", i, got, want)
		}
	}
	for i, want := range []uint64{1, 2} {
		if got := publishFinal(t, h, "sess-b", "b"); got != want {
			t.Fatalf("sess-b publish %d: seq = %d, want %d", i, got, want)
		}
	}

	if got := h.NextSeq("sess-a"); got != 4 {
		t.Errorf("NextSeq(sess-a) = %d, want 4", got)
	}
	if got := h.NextSeq("sess-unknown"); got != 1 {
		t.Errorf("NextSeq(unknown) = %d, want 1", got)
	}
}

func TestSubscribe_ReplaySinceSeq(t *testing.T) {
	h := newTestHub(t, 16, 16)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		publishFinal(t, h, "sess-1", "t")
	}

	sub, replay, complete := h.Subscribe(ctx, "sess-1", 2)
	defer sub.Close()

	if !complete {
		t.Error("replay within retention should be complete")
	}
	if len(replay) != 3 {
		t.Fatalf("replay length = %d, want 3", len(replay))
	}
	for i, want := range []uint64{3, 4, 5} {
		if got := replay[i].Seq(); got != want {
			t.Errorf("replay[%d].Seq() = %d, want %d", i, got, want)
		}
	}

	// Live events continue after the replayed tail.
	seq := publishFinal(t, h, "sess-1", "live")
	if got := (<-sub.Events()).Seq(); got != seq {
		t.Errorf("live event seq = %d, want %d", got, seq)
	}
}

func TestSubscribe_ReplayBeyondRetention(t *testing.T) {
	h := newTestHub(t, 16, 3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		publishFinal(t, h, "sess-1", "t")
	}

	// Events 1 and 2 have been evicted; only 3..5 are retained.
	sub, replay, complete := h.Subscribe(ctx, "sess-1", 0)
	sub.Close()
	if complete {
		t.Error("replay from 0 should be incomplete after eviction")
	}
	for i, want := range []uint64{3, 4, 5} {
		if got := replay[i].Seq(); got != want {
			t.Errorf("replay[%d].Seq() = %d, want %d", i, got, want)
		}
	}

	sub, _, complete = h.Subscribe(ctx, "sess-1", 2)
	sub.Close()
	if !complete {
		t.Error("replay from the eviction boundary should be complete")
	}

	sub, _, complete = h.Subscribe(ctx, "sess-1", 1)
	sub.Close()
	if complete {
		t.Error("replay from before the eviction boundary should be incomplete")
	}
}

func TestDelivery_PreservesOrder(t *testing.T) {
	h := newTestHub(t, 32, 32)
	ctx := context.Background()

	sub, _, _ := h.Subscribe(ctx, "sess-1", 0)
	defer sub.Close()

	for i := 0; i < 10; i++ {
		publishFinal(t, h, "sess-1", "t")
	}

	for want := uint64(1); want <= 10; want++ {
		if got := (<-sub.Events()).Seq(); got != want {
			t.Fatalf("received seq %d, want %d", got, want)
		}
	}
}

func TestSlowSubscriber_DroppedOnOverflow(t *testing.T) {
	h := newTestHub(t, 2, 16)
	ctx := context.Background()

	sub, _, _ := h.Subscribe(ctx, "sess-1", 0)

	// The third publish overflows the queue of 2 and drops the subscriber.
	publishFinal(t, h, "sess-1", "one")
	publishFinal(t, h, "sess-1", "two")
	publishFinal(t, h, "sess-1", "three")

	if got := h.SubscriberCount("sess-1"); got != 0 {
		t.Errorf("subscriber count after overflow = %d, want 0", got)
	}

	var received []uint64
	for ev := range sub.Events() {
		received = append(received, ev.Seq())
	}
	if len(received) != 2 {
		t.Errorf("buffered events = %d, want 2", len(received))
	}
	if !sub.Dropped() {
		t.Error("Dropped() = false, want true")
	}

	// Publishing keeps working for future subscribers.
	if got := publishFinal(t, h, "sess-1", "four"); got != 4 {
		t.Errorf("seq after drop = %d, want 4", got)
	}
}

func TestEndSession_ClosesSubscribers(t *testing.T) {
	h := newTestHub(t, 16, 16)
	ctx := context.Background()

	sub, _, _ := h.Subscribe(ctx, "sess-1", 0)
	publishFinal(t, h, "sess-1", "one")
	publishFinal(t, h, "sess-1", "two")

	h.EndSession(ctx, "sess-1")

	// Buffered events stay readable; then the channel closes.
	var received int
	for range sub.Events() {
		received++
	}
	if received != 2 {
		t.Errorf("events drained after EndSession = %d, want 2", received)
	}
	if sub.Dropped() {
		t.Error("Dropped() = true for an EndSession close, want false")
	}
	if got := h.SubscriberCount("sess-1"); got != 0 {
		t.Errorf("subscriber count = %d, want 0", got)
	}
}

func TestSubscriberClose_Idempotent(t *testing.T) {
	h := newTestHub(t, 16, 16)
	ctx := context.Background()

	sub, _, _ := h.Subscribe(ctx, "sess-1", 0)
	sub.Close()
	sub.Close()

	if got := h.SubscriberCount("sess-1"); got != 0 {
		t.Errorf("subscriber count = %d, want 0", got)
	}
}

func TestSessionsIsolated(t *testing.T) {
	h := newTestHub(t, 16, 16)
	ctx := context.Background()

	subA, _, _ := h.Subscribe(ctx, "sess-a", 0)
	defer subA.Close()
	subB, _, _ := h.Subscribe(ctx, "sess-b", 0)
	defer subB.Close()

	publishFinal(t, h, "sess-a", "only-a")

	ev := <-subA.Events()
	if ev.(*hub.TranscriptFinal).SessionID != "sess-a" {
		t.Errorf("subscriber A got event for %q", ev.(*hub.TranscriptFinal).SessionID)
	}

	select {
	case ev := <-subB.Events():
		t.Errorf("subscriber B received cross-session event %v", ev)
	default:
	}
}

func TestConcurrentPublish_StrictlyIncreasing(t *testing.T) {
	h := newTestHub(t, 256, 256)
	ctx := context.Background()

	sub, _, _ := h.Subscribe(ctx, "sess-1", 0)
	defer sub.Close()

	const (
		writers          = 4
		eventsPerWriter  = 50
		totalEventsCount = writers * eventsPerWriter
	)

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < eventsPerWriter; i++ {
				h.Publish(ctx, "sess-1", &hub.TranscriptPartial{EventID: "ev", Text: "x"})
			}
		}()
	}
	wg.Wait()

	var prev uint64
	for i := 0; i < totalEventsCount; i++ {
		got := (<-sub.Events()).Seq()
		if got <= prev {
			t.Fatalf("event %d: seq %d not greater than previous %d", i, got, prev)
		}
		prev = got
	}
	if prev != totalEventsCount {
		t.Errorf("last seq = %d, want %d", prev, totalEventsCount)
	}
}

func TestFromTranscriptEvent_KindMapping(t *testing.T) {
	partial := types.TranscriptEvent{
		EventID:        "ev-1",
		Kind:           types.KindPartial,
		Text:           "hel",
		SegmentStartMs: 100,
		SegmentEndMs:   400,
	}
	if _, ok := hub.FromTranscriptEvent(partial).(*hub.TranscriptPartial); !ok {
		t.Errorf("partial event mapped to %T", hub.FromTranscriptEvent(partial))
	}

	final := types.TranscriptEvent{
		EventID:           "ev-1",
		Kind:              types.KindFinal,
		Text:              "hello",
		SpeakerID:         "S0",
		SpeakerConfidence: 0.92,
		SegmentStartMs:    100,
		SegmentEndMs:      900,
	}
	ev, ok := hub.FromTranscriptEvent(final).(*hub.TranscriptFinal)
	if !ok {
		t.Fatalf("final event mapped to %T", hub.FromTranscriptEvent(final))
	}
	if ev.EventID != "ev-1" || ev.Text != "hello" || ev.SpeakerID != "S0" {
		t.Errorf("mapped final = %+v", ev)
	}
	if ev.TStartMs != 100 || ev.TEndMs != 900 {
		t.Errorf("timing bounds = %d..%d, want 100..900", ev.TStartMs, ev.TEndMs)
	}
}

func TestFromSpeakerUpdate_Mapping(t *testing.T) {
	u := types.SpeakerUpdate{
		EventID:            "ev-1",
		NewSpeakerID:       "S2",
		NewConfidence:      0.81,
		DiarizationVersion: 3,
		Reason:             types.ReasonClusterMerge,
	}
	ev := hub.FromSpeakerUpdate(u)
	if ev.EventID != "ev-1" || ev.SpeakerID != "S2" || ev.DiarizationVersion != 3 {
		t.Errorf("mapped update = %+v", ev)
	}
	if ev.Confidence != 0.81 {
		t.Errorf("confidence = %v, want 0.81", ev.Confidence)
	}
}
