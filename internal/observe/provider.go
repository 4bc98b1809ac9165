package observe

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// TelemetryConfig configures the engine's OpenTelemetry providers.
type TelemetryConfig struct {
	// Service is the service name reported in telemetry. Default: "voxloop".
	Service string

	// Version is the build version reported in telemetry.
	Version string

	// TraceExporter, when set, receives every finished span. Left nil, spans
	// are recorded in-process only, which is enough for correlation IDs in
	// the logs.
	TraceExporter sdktrace.SpanExporter
}

// InitTelemetry registers the global meter and tracer providers and returns
// a shutdown function that flushes both. Call the shutdown in a defer from
// main.
//
// Metrics go through a Prometheus reader so the /metrics endpoint can be
// scraped without a collector in the path.
func InitTelemetry(_ context.Context, cfg TelemetryConfig) (func(context.Context) error, error) {
	if cfg.Service == "" {
		cfg.Service = "voxloop"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.Service),
			semconv.ServiceVersion(cfg.Version),
		),
	)
	if err != nil {
		return nil, err
	}

	mp, err := newMeterProvider(res)
	if err != nil {
		return nil, err
	}
	otel.SetMeterProvider(mp)

	tp := newTracerProvider(res, cfg.TraceExporter)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(mp.Shutdown(ctx), tp.Shutdown(ctx))
	}, nil
}

func newMeterProvider(res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	exp, err := promexporter.New()
	if err != nil {
		return nil, err
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exp),
		sdkmetric.WithView(durationViews()...),
	), nil
}

func newTracerProvider(res *resource.Resource, exp sdktrace.SpanExporter) *sdktrace.TracerProvider {
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if exp != nil {
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	return sdktrace.NewTracerProvider(opts...)
}

// durationViews sizes the histogram buckets to the latencies the engine
// actually sees: summarise and tool calls are LLM round trips measured in
// seconds, while the scrape endpoint answers in milliseconds. The SDK
// default buckets would lump either into one or two bins.
func durationViews() []sdkmetric.View {
	llmBuckets := sdkmetric.AggregationExplicitBucketHistogram{
		Boundaries: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}
	httpBuckets := sdkmetric.AggregationExplicitBucketHistogram{
		Boundaries: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}
	return []sdkmetric.View{
		sdkmetric.NewView(
			sdkmetric.Instrument{Name: "voxloop.summarise.duration"},
			sdkmetric.Stream{Aggregation: llmBuckets},
		),
		sdkmetric.NewView(
			sdkmetric.Instrument{Name: "voxloop.tool.duration"},
			sdkmetric.Stream{Aggregation: llmBuckets},
		),
		sdkmetric.NewView(
			sdkmetric.Instrument{Name: "voxloop.http.request.duration"},
			sdkmetric.Stream{Aggregation: httpBuckets},
		),
	}
}
