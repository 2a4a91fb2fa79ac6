// Package observe provides application-wide observability primitives for
// voxbridge: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all voxbridge metrics.
const meterName = "github.com/MrWong99/voxbridge"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Call lifecycle ---

	// Calls counts answered calls. Use with attributes:
	//   attribute.String("tenant", ...), attribute.String("provider", ...)
	Calls metric.Int64Counter

	// ActiveSessions tracks the number of live call sessions.
	ActiveSessions metric.Int64UpDownCounter

	// SessionHealthScore records the end-of-call health score in [0, 1].
	SessionHealthScore metric.Float64Histogram

	// --- Audio plane ---

	// AudioBytes counts PCM bytes moved. Use with attribute:
	//   attribute.String("direction", "in"|"out")
	AudioBytes metric.Int64Counter

	// AudioChunks counts media frames moved. Use with attribute:
	//   attribute.String("direction", "in"|"out")
	AudioChunks metric.Int64Counter

	// PlaybackUnderruns counts output buffer underruns.
	PlaybackUnderruns metric.Int64Counter

	// BargeIns counts caller interruptions of assistant speech.
	BargeIns metric.Int64Counter

	// ResponseLatency tracks time from end of caller speech to completed
	// assistant response.
	ResponseLatency metric.Float64Histogram

	// --- Call outcomes ---

	// Transfers counts transfer attempts. Use with attribute:
	//   attribute.String("status", ...)
	Transfers metric.Int64Counter

	// Handoffs counts human handoffs. Use with attribute:
	//   attribute.String("outcome", "transfer"|"ticket"|"failed")
	Handoffs metric.Int64Counter

	// --- Providers and tools ---

	// ProviderRequests counts provider connect attempts. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts fatal provider events by provider name.
	ProviderErrors metric.Int64Counter

	// ToolCalls counts function-call dispatches. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// ToolExecutionDuration tracks MCP tool execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Call lifecycle.
	if met.Calls, err = m.Int64Counter("voxbridge.calls",
		metric.WithDescription("Total answered calls by tenant and provider."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxbridge.active_sessions",
		metric.WithDescription("Number of live call sessions."),
	); err != nil {
		return nil, err
	}
	if met.SessionHealthScore, err = m.Float64Histogram("voxbridge.session.health_score",
		metric.WithDescription("End-of-call session health score."),
		metric.WithExplicitBucketBoundaries(0.1, 0.25, 0.5, 0.75, 0.9, 0.95, 1),
	); err != nil {
		return nil, err
	}

	// Audio plane.
	if met.AudioBytes, err = m.Int64Counter("voxbridge.audio.bytes",
		metric.WithDescription("PCM bytes moved by direction."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.AudioChunks, err = m.Int64Counter("voxbridge.audio.chunks",
		metric.WithDescription("Media frames moved by direction."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackUnderruns, err = m.Int64Counter("voxbridge.playback.underruns",
		metric.WithDescription("Output buffer underruns."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("voxbridge.barge_ins",
		metric.WithDescription("Caller interruptions of assistant speech."),
	); err != nil {
		return nil, err
	}
	if met.ResponseLatency, err = m.Float64Histogram("voxbridge.response.latency",
		metric.WithDescription("Time from end of caller speech to completed assistant response."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Call outcomes.
	if met.Transfers, err = m.Int64Counter("voxbridge.transfers",
		metric.WithDescription("Transfer attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.Handoffs, err = m.Int64Counter("voxbridge.handoffs",
		metric.WithDescription("Human handoffs by outcome."),
	); err != nil {
		return nil, err
	}

	// Providers and tools.
	if met.ProviderRequests, err = m.Int64Counter("voxbridge.provider.requests",
		metric.WithDescription("Provider connect attempts by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("voxbridge.provider.errors",
		metric.WithDescription("Fatal provider events by provider."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("voxbridge.tool.calls",
		metric.WithDescription("Function-call dispatches by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("voxbridge.tool_execution.duration",
		metric.WithDescription("Latency of MCP tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxbridge.http.request.duration",
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

// RecordAudio records one media frame moved in the given direction.
func (m *Metrics) RecordAudio(ctx context.Context, direction string, bytes int) {
	attrs := metric.WithAttributes(attribute.String("direction", direction))
	m.AudioBytes.Add(ctx, int64(bytes), attrs)
	m.AudioChunks.Add(ctx, 1, attrs)
}

// RecordProviderRequest records a provider connect attempt.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a fatal provider event.
func (m *Metrics) RecordProviderError(ctx context.Context, provider string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}

// RecordToolCall records a function-call dispatch.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordTransfer records a transfer attempt outcome.
func (m *Metrics) RecordTransfer(ctx context.Context, status string) {
	m.Transfers.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordHandoff records a human handoff outcome.
func (m *Metrics) RecordHandoff(ctx context.Context, outcome string) {
	m.Handoffs.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}
