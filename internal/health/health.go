// Package health serves the bridge's liveness and readiness probes.
//
// /healthz answers 200 as long as the process can serve HTTP. /readyz runs
// the registered [Checker] funcs (the app wires one for the inbound ESL
// link and one for the Postgres pool) and answers 503 until all of them
// pass, which keeps the load balancer from routing calls to a bridge that
// cannot reach FreeSWITCH yet. Both respond with JSON: a "status" of "ok"
// or "fail" plus a per-checker "checks" map on /readyz.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout bounds one readiness check. A hung database ping must not
// wedge the whole probe.
const checkTimeout = 5 * time.Second

// Checker is one named readiness dependency.
type Checker struct {
	// Name keys the check in the /readyz response ("esl", "database").
	Name string

	// Check probes the dependency, returning nil when it is usable. It
	// must honor ctx cancellation.
	Check func(ctx context.Context) error
}

// result is the response body for both probe endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler answers the probe endpoints. The checker list is fixed at
// construction, so the handler is safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New builds a [Handler] that evaluates checkers, in order, on every
// /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz always answers 200: a process that can run this handler is
// alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz answers 200 when every checker passes and 503 otherwise, with
// the individual outcomes in the body.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res, ready := h.runChecks(r.Context())
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// runChecks evaluates every checker under its own timeout derived from
// ctx.
func (h *Handler) runChecks(ctx context.Context) (result, bool) {
	checks := make(map[string]string, len(h.checkers))
	ready := true

	for _, c := range h.checkers {
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := c.Check(checkCtx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			ready = false
			continue
		}
		checks[c.Name] = "ok"
	}

	res := result{Status: "ok", Checks: checks}
	if !ready {
		res.Status = "fail"
	}
	return res, ready
}

// Register mounts the probe routes on mux.
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
