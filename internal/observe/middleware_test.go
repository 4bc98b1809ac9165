package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newInstrumentedMux builds a mux wrapped in the middleware, the way the
// metrics server assembles it, with inspectable metrics and spans.
func newInstrumentedMux(t *testing.T, routes map[string]http.HandlerFunc) (http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	exp := installTestTracer(t)

	mux := http.NewServeMux()
	for pattern, fn := range routes {
		mux.HandleFunc(pattern, fn)
	}
	return Middleware(m)(mux), reader, exp
}

func get(handler http.Handler, path string, hdr http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_CorrelatesRequestAndResponse(t *testing.T) {
	var inHandler string
	handler, _, _ := newInstrumentedMux(t, map[string]http.HandlerFunc{
		"GET /readyz": func(w http.ResponseWriter, r *http.Request) {
			inHandler = CorrelationID(r.Context())
			w.WriteHeader(http.StatusOK)
		},
	})

	rec := get(handler, "/readyz", nil)

	if len(inHandler) != 32 {
		t.Errorf("handler saw correlation ID %q, want 32 hex characters", inHandler)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != inHandler {
		t.Errorf("X-Correlation-ID = %q, want %q (the handler's trace)", got, inHandler)
	}
}

func TestMiddleware_NamesSpanAfterRoute(t *testing.T) {
	handler, _, exp := newInstrumentedMux(t, map[string]http.HandlerFunc{
		"GET /metrics": func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		},
	})

	get(handler, "/metrics", nil)

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name != "HTTP GET /metrics" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "HTTP GET /metrics")
	}
}

func TestMiddleware_RecordsScrapeDuration(t *testing.T) {
	handler, reader, _ := newInstrumentedMux(t, map[string]http.HandlerFunc{
		"GET /metrics": func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		},
	})

	get(handler, "/metrics", nil)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "voxloop.http.request.duration")
	if met == nil {
		t.Fatal("request duration histogram not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) != 1 {
		t.Fatalf("histogram has %d data points, want 1", len(hist.DataPoints))
	}

	dp := hist.DataPoints[0]
	if dp.Count != 1 {
		t.Errorf("sample count = %d, want 1", dp.Count)
	}
	var method, path string
	for _, kv := range dp.Attributes.ToSlice() {
		switch string(kv.Key) {
		case "method":
			method = kv.Value.AsString()
		case "path":
			path = kv.Value.AsString()
		}
	}
	if method != "GET" || path != "/metrics" {
		t.Errorf("attributes = (%q, %q), want (GET, /metrics)", method, path)
	}
}

func TestMiddleware_SpanCarriesStatusCode(t *testing.T) {
	handler, _, exp := newInstrumentedMux(t, map[string]http.HandlerFunc{
		"GET /readyz": func(w http.ResponseWriter, _ *http.Request) {
			// A degraded engine answers the readiness probe with 503.
			w.WriteHeader(http.StatusServiceUnavailable)
		},
	})

	rec := get(handler, "/readyz", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("response status = %d, want 503", rec.Code)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	var status int64
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "http.response.status_code" {
			status = a.Value.AsInt64()
		}
	}
	if status != 503 {
		t.Errorf("span status code attribute = %d, want 503", status)
	}
}

func TestMiddleware_AdoptsIncomingTraceContext(t *testing.T) {
	const upstream = "4bf92f3577b34da6a3ce929d0e0e4736"

	var inHandler string
	handler, _, _ := newInstrumentedMux(t, map[string]http.HandlerFunc{
		"GET /healthz": func(w http.ResponseWriter, r *http.Request) {
			inHandler = CorrelationID(r.Context())
			w.WriteHeader(http.StatusOK)
		},
	})

	hdr := http.Header{}
	hdr.Set("traceparent", "00-"+upstream+"-00f067aa0ba902b7-01")
	rec := get(handler, "/healthz", hdr)

	if inHandler != upstream {
		t.Errorf("handler trace ID = %q, want the upstream %q", inHandler, upstream)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != upstream {
		t.Errorf("X-Correlation-ID = %q, want the upstream %q", got, upstream)
	}
}
