// Package health serves the liveness and readiness probes of the turnkeeper
// process.
//
//   - /healthz is the liveness probe and always answers 200 OK.
//   - /readyz runs every registered check concurrently and answers 200 only
//     when all of them pass. Optional stats are attached to the body.
//
// Bodies are JSON objects with a "status" field ("ok" or "fail"), a "checks"
// map with the result of each named check, and an optional "stats" value.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds a single readiness check.
const DefaultTimeout = 2 * time.Second

// Check probes one dependency. It returns nil when the dependency is usable
// and must respect context cancellation.
type Check func(ctx context.Context) error

type namedCheck struct {
	name  string
	check Check
}

// result is the JSON body of both endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
	Stats  any               `json:"stats,omitempty"`
}

// Handler serves /healthz and /readyz. The check list is fixed at
// construction time; the handler is safe for concurrent use.
type Handler struct {
	checks  []namedCheck
	timeout time.Duration
	stats   func() any
}

// Option configures a [Handler].
type Option func(*Handler)

// WithCheck registers a readiness check under name.
func WithCheck(name string, fn Check) Option {
	return func(h *Handler) { h.checks = append(h.checks, namedCheck{name: name, check: fn}) }
}

// WithTimeout overrides [DefaultTimeout].
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithStats attaches the value returned by fn to every readiness response.
func WithStats(fn func() any) Option {
	return func(h *Handler) { h.stats = fn }
}

// New creates a Handler.
func New(opts ...Option) *Handler {
	h := &Handler{timeout: DefaultTimeout}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Healthz always answers 200 OK. A process that can serve HTTP is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz answers 200 when every check passes and 503 otherwise.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu     sync.Mutex
		checks = make(map[string]string, len(h.checks))
		failed bool
		g      errgroup.Group
	)
	for _, c := range h.checks {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
			defer cancel()
			err := c.check(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.name] = "fail: " + err.Error()
				failed = true
			} else {
				checks[c.name] = "ok"
			}
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok", Checks: checks}
	if h.stats != nil {
		res.Stats = h.stats()
	}
	status := http.StatusOK
	if failed {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
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
	_ = json.NewEncoder(w).Encode(v)
}
