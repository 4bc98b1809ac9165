// Package observe provides application-wide observability primitives for
// voxloop: OpenTelemetry metrics, tracing helpers, and structured logging.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitTelemetry] so that metrics can be
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

// meterName is the instrumentation scope name used for all voxloop metrics.
const meterName = "github.com/voxloop/voxloop"

// Metrics holds all OpenTelemetry metric instruments for the engine.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Capture path ---

	// FramesEmitted counts mic frames handed to the session.
	FramesEmitted metric.Int64Counter

	// FramesDropped counts mic frames dropped under backpressure.
	FramesDropped metric.Int64Counter

	// --- Playback path ---

	// PlaybackScheduled counts audio buffers accepted by the scheduler.
	PlaybackScheduled metric.Int64Counter

	// PlaybackInterruptions counts barge-in interruptions.
	PlaybackInterruptions metric.Int64Counter

	// PlaybackCancelled counts buffers cancelled by interruptions.
	PlaybackCancelled metric.Int64Counter

	// --- Session lifecycle ---

	// ReconnectAttempts counts reconnection attempts after involuntary
	// channel termination.
	ReconnectAttempts metric.Int64Counter

	// TurnsCompleted counts completed conversational turns.
	TurnsCompleted metric.Int64Counter

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- Tools ---

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// ToolDuration tracks tool execution latency.
	ToolDuration metric.Float64Histogram

	// --- Compaction ---

	// Compactions counts context compaction cycles by status.
	Compactions metric.Int64Counter

	// SummariseDuration tracks summarisation latency within a compaction.
	SummariseDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time on the
	// observability endpoints. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
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

	// Counters.
	if met.FramesEmitted, err = m.Int64Counter("voxloop.capture.frames",
		metric.WithDescription("Total mic frames handed to the session."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("voxloop.capture.dropped",
		metric.WithDescription("Total mic frames dropped under backpressure."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackScheduled, err = m.Int64Counter("voxloop.playback.scheduled",
		metric.WithDescription("Total audio buffers accepted by the playback scheduler."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackInterruptions, err = m.Int64Counter("voxloop.playback.interruptions",
		metric.WithDescription("Total barge-in interruptions."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackCancelled, err = m.Int64Counter("voxloop.playback.cancelled",
		metric.WithDescription("Total buffers cancelled by interruptions."),
	); err != nil {
		return nil, err
	}
	if met.ReconnectAttempts, err = m.Int64Counter("voxloop.session.reconnects",
		metric.WithDescription("Total reconnection attempts after involuntary termination."),
	); err != nil {
		return nil, err
	}
	if met.TurnsCompleted, err = m.Int64Counter("voxloop.session.turns",
		metric.WithDescription("Total completed conversational turns."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("voxloop.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.Compactions, err = m.Int64Counter("voxloop.compactions",
		metric.WithDescription("Total context compaction cycles by status."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.ToolDuration, err = m.Float64Histogram("voxloop.tool.duration",
		metric.WithDescription("Latency of tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SummariseDuration, err = m.Float64Histogram("voxloop.summarise.duration",
		metric.WithDescription("Latency of conversation summarisation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("voxloop.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxloop.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
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

// RecordToolCall records one finished tool invocation: a counter increment
// with the standard attribute set plus a latency observation. Matches the
// tool dispatcher's observer signature.
func (m *Metrics) RecordToolCall(ctx context.Context, tool string, elapsed time.Duration, failed bool) {
	status := "ok"
	if failed {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status),
	)
	m.ToolCalls.Add(ctx, 1, attrs)
	m.ToolDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordInterruption records one barge-in with the number of buffers it
// cancelled.
func (m *Metrics) RecordInterruption(ctx context.Context, cancelled int) {
	m.PlaybackInterruptions.Add(ctx, 1)
	m.PlaybackCancelled.Add(ctx, int64(cancelled))
}

// RecordCompaction records one finished compaction cycle.
func (m *Metrics) RecordCompaction(ctx context.Context, failed bool, elapsed time.Duration) {
	status := "ok"
	if failed {
		status = "error"
	}
	m.Compactions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	m.SummariseDuration.Record(ctx, elapsed.Seconds())
}
