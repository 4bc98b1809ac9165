// Package health serves the liveness and readiness probes exposed on the
// metrics listener.
//
//   - /healthz reports that the process is alive, with its uptime.
//   - /readyz runs the registered probes and reports 200 only while every
//     one of them passes; a voice engine whose session sits in the error
//     state, or whose snapshot store is unreachable, answers 503 so an
//     orchestrator can restart or route around it.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// probeTimeout bounds a single readiness probe. Engine probes are in-memory
// state reads; only store pings ever approach this.
const probeTimeout = 3 * time.Second

// Check is a named readiness probe. Probe returns nil while the dependency
// can serve and an error describing the outage otherwise. It must honour
// context cancellation.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

type report struct {
	Status string            `json:"status"`
	Uptime string            `json:"uptime,omitempty"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler answers the probe endpoints. The check list is fixed at
// construction, so a Handler is safe for concurrent use.
type Handler struct {
	checks  []Check
	started time.Time
}

// New creates a [Handler] over the given checks.
func New(checks ...Check) *Handler {
	return &Handler{
		checks:  append([]Check(nil), checks...),
		started: time.Now(),
	}
}

// Healthz answers the liveness probe. A process that can serve the request
// is alive, so the answer is always 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{
		Status: "ok",
		Uptime: time.Since(h.started).Round(time.Second).String(),
	})
}

// Readyz runs every probe concurrently and answers 200 while all pass, 503
// with the failing probes' errors otherwise. Each probe gets its own
// deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	outcomes := make([]error, len(h.checks))

	var wg sync.WaitGroup
	for i, c := range h.checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
			defer cancel()
			outcomes[i] = c.Probe(ctx)
		}()
	}
	wg.Wait()

	res := report{
		Status: "ready",
		Checks: make(map[string]string, len(h.checks)),
	}
	status := http.StatusOK
	for i, c := range h.checks {
		if err := outcomes[i]; err != nil {
			res.Checks[c.Name] = err.Error()
			res.Status = "degraded"
			status = http.StatusServiceUnavailable
		} else {
			res.Checks[c.Name] = "ok"
		}
	}

	writeJSON(w, status, res)
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
