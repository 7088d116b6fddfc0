// Package observe provides application-wide observability primitives for
// voicerelay: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voicerelay metrics.
const meterName = "github.com/MrWong99/voicerelay"

// Provider kinds used as the "kind" attribute.
const (
	KindSTT = "stt"
	KindLLM = "llm"
	KindTTS = "tts"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the OTel instruments synchronise
// internally.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks transcription session connect latency.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks full inference stream duration.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks per-sentence synthesis latency.
	TTSDuration metric.Float64Histogram

	// FirstFragment tracks the time from inference start to the first text
	// fragment.
	FirstFragment metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// SynthesisFallbacks counts sentences delivered as text instead of audio.
	// Use with attribute.String("reason", "timeout"|"error").
	SynthesisFallbacks metric.Int64Counter

	// LinkReconnects counts transcription reconnect attempts. Use with
	// attribute.String("outcome", "ok"|"failed"|"exhausted").
	LinkReconnects metric.Int64Counter

	// InboundDropped counts inbound client messages that were discarded.
	// Use with attribute.String("reason", ...).
	InboundDropped metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live client sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time by method,
	// route pattern and status. Websocket requests last the whole session.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	latency := func(name, desc string) (metric.Float64Histogram, error) {
		return m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
	}

	// Histograms.
	if met.STTDuration, err = latency("voicerelay.stt.duration", "Latency of transcription session setup."); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = latency("voicerelay.llm.duration", "Duration of LLM inference streams."); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = latency("voicerelay.tts.duration", "Latency of per-sentence speech synthesis."); err != nil {
		return nil, err
	}
	if met.FirstFragment, err = latency("voicerelay.inference.first_fragment", "Time from inference start to first text fragment."); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("voicerelay.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("voicerelay.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.SynthesisFallbacks, err = m.Int64Counter("voicerelay.synthesis.fallbacks",
		metric.WithDescription("Sentences delivered as text because synthesis failed or timed out."),
	); err != nil {
		return nil, err
	}
	if met.LinkReconnects, err = m.Int64Counter("voicerelay.link.reconnects",
		metric.WithDescription("Transcription link reconnect attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.InboundDropped, err = m.Int64Counter("voicerelay.inbound.dropped",
		metric.WithDescription("Inbound client messages discarded by reason."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicerelay.sessions.active",
		metric.WithDescription("Number of live client sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicerelay.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
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

// RecordDuration records d on the latency histogram for the given provider
// kind. Unknown kinds are ignored.
func (m *Metrics) RecordDuration(ctx context.Context, kind string, d time.Duration) {
	var h metric.Float64Histogram
	switch kind {
	case KindSTT:
		h = m.STTDuration
	case KindLLM:
		h = m.LLMDuration
	case KindTTS:
		h = m.TTSDuration
	default:
		return
	}
	h.Record(ctx, d.Seconds())
}

// RecordSynthesisFallback counts a sentence that was sent as text.
func (m *Metrics) RecordSynthesisFallback(ctx context.Context, reason string) {
	m.SynthesisFallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordReconnect counts a transcription reconnect attempt.
func (m *Metrics) RecordReconnect(ctx context.Context, outcome string) {
	m.LinkReconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordInboundDropped counts a discarded inbound message.
func (m *Metrics) RecordInboundDropped(ctx context.Context, reason string) {
	m.InboundDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
