// Package observe provides application-wide observability primitives for
// Threadloom: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Threadloom metrics.
const meterName = "github.com/MrWong99/threadloom"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks speech-to-text request latency.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks graph-builder LLM call latency.
	LLMDuration metric.Float64Histogram

	// PersistDuration tracks event store append latency.
	PersistDuration metric.Float64Histogram

	// --- Pipeline counters ---

	// TranscriptEvents counts transcript events accepted by the pipeline.
	// Use with attribute:
	//   attribute.String("kind", ...)
	TranscriptEvents metric.Int64Counter

	// SpeakerRevisions counts diarization speaker revisions. Use with attribute:
	//   attribute.String("reason", ...)
	SpeakerRevisions metric.Int64Counter

	// ChunksEmitted counts chunks handed to the graph builder. Use with attribute:
	//   attribute.String("trigger", ...)
	ChunksEmitted metric.Int64Counter

	// NodesUpserted counts knowledge graph node writes.
	NodesUpserted metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// --- Backpressure counters ---

	// DroppedFrames counts audio frames discarded due to a full session queue.
	DroppedFrames metric.Int64Counter

	// DroppedEvents counts broadcast events discarded for slow subscribers.
	DroppedEvents metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Distribution histograms ---

	// ChunkWords tracks the word count of emitted chunks.
	ChunkWords metric.Int64Histogram

	// --- Gauges ---

	// ActiveSessions tracks the number of live ingest sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveSubscribers tracks the number of connected hub subscribers.
	ActiveSubscribers metric.Int64UpDownCounter

	// LLMInFlight tracks the number of in-flight graph-builder LLM calls.
	LLMInFlight metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for live-transcription pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// wordBuckets defines histogram bucket boundaries for chunk word counts,
// centred on the configured chunk target.
var wordBuckets = []float64{
	25, 50, 100, 150, 200, 250, 300, 400,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("threadloom.stt.duration",
		metric.WithDescription("Latency of speech-to-text requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("threadloom.llm.duration",
		metric.WithDescription("Latency of graph-builder LLM calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PersistDuration, err = m.Float64Histogram("threadloom.persist.duration",
		metric.WithDescription("Latency of event store appends."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ChunkWords, err = m.Int64Histogram("threadloom.chunk.words",
		metric.WithDescription("Word count of chunks handed to the graph builder."),
		metric.WithExplicitBucketBoundaries(wordBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.TranscriptEvents, err = m.Int64Counter("threadloom.transcript.events",
		metric.WithDescription("Total transcript events accepted, by kind."),
	); err != nil {
		return nil, err
	}
	if met.SpeakerRevisions, err = m.Int64Counter("threadloom.speaker.revisions",
		metric.WithDescription("Total diarization speaker revisions, by reason."),
	); err != nil {
		return nil, err
	}
	if met.ChunksEmitted, err = m.Int64Counter("threadloom.chunks.emitted",
		metric.WithDescription("Total chunks emitted to the graph builder, by trigger."),
	); err != nil {
		return nil, err
	}
	if met.NodesUpserted, err = m.Int64Counter("threadloom.nodes.upserted",
		metric.WithDescription("Total knowledge graph node upserts."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("threadloom.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("threadloom.dropped.frames",
		metric.WithDescription("Total audio frames dropped due to full session queues."),
	); err != nil {
		return nil, err
	}
	if met.DroppedEvents, err = m.Int64Counter("threadloom.dropped.events",
		metric.WithDescription("Total broadcast events dropped for slow subscribers."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("threadloom.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("threadloom.active_sessions",
		metric.WithDescription("Number of live ingest sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSubscribers, err = m.Int64UpDownCounter("threadloom.active_subscribers",
		metric.WithDescription("Number of connected hub subscribers."),
	); err != nil {
		return nil, err
	}
	if met.LLMInFlight, err = m.Int64UpDownCounter("threadloom.llm.in_flight",
		metric.WithDescription("Number of in-flight graph-builder LLM calls."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("threadloom.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordTranscriptEvent is a convenience method that records an accepted
// transcript event counter increment.
func (m *Metrics) RecordTranscriptEvent(ctx context.Context, kind string) {
	m.TranscriptEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordSpeakerRevision is a convenience method that records a diarization
// revision counter increment.
func (m *Metrics) RecordSpeakerRevision(ctx context.Context, reason string) {
	m.SpeakerRevisions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordChunk is a convenience method that records an emitted chunk: the
// counter increment with its trigger and the word count distribution.
func (m *Metrics) RecordChunk(ctx context.Context, trigger string, words int) {
	m.ChunksEmitted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("trigger", trigger)),
	)
	m.ChunkWords.Record(ctx, int64(words))
}
