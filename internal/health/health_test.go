package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func decodeReport(t *testing.T, rec *httptest.ResponseRecorder) report {
	t.Helper()
	var body report
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return body
}

func TestHealthz_ReportsAliveWithUptime(t *testing.T) {
	h := New()

	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	body := decodeReport(t, rec)
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
	if body.Uptime == "" {
		t.Error("uptime missing from liveness report")
	}
}

func TestReadyz_AllProbesPass(t *testing.T) {
	h := New(
		Check{Name: "session", Probe: func(_ context.Context) error { return nil }},
		Check{Name: "store", Probe: func(_ context.Context) error { return nil }},
	)

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	body := decodeReport(t, rec)
	if body.Status != "ready" {
		t.Errorf("status = %q, want %q", body.Status, "ready")
	}
	if body.Checks["session"] != "ok" {
		t.Errorf("session probe = %q, want %q", body.Checks["session"], "ok")
	}
	if body.Checks["store"] != "ok" {
		t.Errorf("store probe = %q, want %q", body.Checks["store"], "ok")
	}
}

func TestReadyz_FailingProbeDegrades(t *testing.T) {
	h := New(
		Check{Name: "session", Probe: func(_ context.Context) error {
			return errors.New("session in state error")
		}},
		Check{Name: "store", Probe: func(_ context.Context) error { return nil }},
	)

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	body := decodeReport(t, rec)
	if body.Status != "degraded" {
		t.Errorf("status = %q, want %q", body.Status, "degraded")
	}
	if body.Checks["session"] != "session in state error" {
		t.Errorf("session probe = %q, want the probe error", body.Checks["session"])
	}
	if body.Checks["store"] != "ok" {
		t.Errorf("store probe = %q, want %q", body.Checks["store"], "ok")
	}
}

func TestReadyz_NoProbesIsReady(t *testing.T) {
	h := New()

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if body := decodeReport(t, rec); body.Status != "ready" {
		t.Errorf("status = %q, want %q", body.Status, "ready")
	}
}

func TestReadyz_EveryProbeDown(t *testing.T) {
	h := New(
		Check{Name: "session", Probe: func(_ context.Context) error {
			return errors.New("reconnect budget exhausted")
		}},
		Check{Name: "store", Probe: func(_ context.Context) error {
			return errors.New("postgres unreachable")
		}},
	)

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	body := decodeReport(t, rec)
	if body.Status != "degraded" {
		t.Errorf("status = %q, want %q", body.Status, "degraded")
	}
	if body.Checks["session"] != "reconnect budget exhausted" {
		t.Errorf("session probe = %q", body.Checks["session"])
	}
	if body.Checks["store"] != "postgres unreachable" {
		t.Errorf("store probe = %q", body.Checks["store"])
	}
}

func TestReadyz_ProbesRunConcurrently(t *testing.T) {
	gate := make(chan struct{})
	h := New(
		Check{Name: "a", Probe: func(_ context.Context) error {
			<-gate
			return nil
		}},
		Check{Name: "b", Probe: func(_ context.Context) error {
			// Unblocks a: with sequential probes this would deadlock until
			// a's timeout instead.
			close(gate)
			return nil
		}},
	)

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestRegister_RoutesWork(t *testing.T) {
	h := New(
		Check{Name: "session", Probe: func(_ context.Context) error { return nil }},
	)

	mux := http.NewServeMux()
	h.Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		t.Run(path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
			}
		})
	}
}

func TestReadyz_CancelledRequestFailsProbe(t *testing.T) {
	h := New(
		Check{Name: "slow", Probe: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}
