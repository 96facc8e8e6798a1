// Package health serves the gateway's Kubernetes-style probe endpoints.
//
// /healthz answers liveness: a process that can serve HTTP is alive, so it
// always returns 200. /readyz answers readiness: every registered [Checker]
// must pass before the gateway should receive traffic. Both respond with a
// small JSON body carrying a "status" verdict; /readyz adds a per-check
// breakdown.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// probeTimeout bounds each individual readiness check.
const probeTimeout = 5 * time.Second

// Checker probes one dependency of the gateway.
type Checker struct {
	// Name keys the check's verdict in the /readyz response, e.g.
	// "sessions" or "bridge".
	Name string

	// Check returns nil when the dependency is serviceable. It must honour
	// ctx cancellation.
	Check func(ctx context.Context) error
}

// Handler serves the probe endpoints. The checker set is fixed at
// construction, which is what makes it safe for concurrent use.
type Handler struct {
	started  time.Time
	checkers []Checker
}

// New creates a Handler evaluating checkers in the given order on every
// /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{
		started:  time.Now(),
		checkers: append([]Checker(nil), checkers...),
	}
}

type verdict struct {
	Status string            `json:"status"`
	Uptime string            `json:"uptime,omitempty"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, verdict{
		Status: "ok",
		Uptime: time.Since(h.started).Round(time.Second).String(),
	})
}

// Readyz is the readiness probe. Checks run sequentially, each under its own
// deadline, and a single failure makes the whole response a 503.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	v := verdict{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	code := http.StatusOK

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		err := c.Check(ctx)
		cancel()
		if err != nil {
			v.Checks[c.Name] = "fail: " + err.Error()
			v.Status = "fail"
			code = http.StatusServiceUnavailable
			continue
		}
		v.Checks[c.Name] = "ok"
	}
	respond(w, code, v)
}

// Register adds both probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func respond(w http.ResponseWriter, code int, v verdict) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
