package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Check probes one dependency. A nil error means healthy.
type Check func(ctx context.Context) error

// HealthChecker backs /healthz (liveness) and /readyz (readiness).
// Readiness needs SetReady(true) and every registered check passing.
type HealthChecker struct {
	ready   atomic.Bool
	started time.Time
	timeout time.Duration

	mu     sync.RWMutex
	checks map[string]Check
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		started: time.Now(),
		timeout: 2 * time.Second,
		checks:  make(map[string]Check),
	}
}

func (h *HealthChecker) SetReady(ready bool) { h.ready.Store(ready) }

func (h *HealthChecker) IsReady() bool { return h.ready.Load() }

// AddCheck registers a readiness probe under name, replacing any previous one.
func (h *HealthChecker) AddCheck(name string, c Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = c
}

// runChecks returns the failing checks by name.
func (h *HealthChecker) runChecks(ctx context.Context) map[string]string {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	checks := make([]Check, len(names))
	for i, name := range names {
		checks[i] = h.checks[name]
	}
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	failed := map[string]string{}
	for i, c := range checks {
		if err := c(ctx); err != nil {
			failed[names[i]] = err.Error()
		}
	}
	return failed
}

// LivenessHandler answers 200 while the process runs.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	writeHealth(w, http.StatusOK, map[string]any{
		"status": "alive",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}

// ReadinessHandler answers 200 when ready, 503 with the failing checks
// otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if !h.ready.Load() {
		writeHealth(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready"})
		return
	}
	if failed := h.runChecks(r.Context()); len(failed) > 0 {
		writeHealth(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "failed": failed})
		return
	}
	writeHealth(w, http.StatusOK, map[string]any{"status": "ready"})
}

func writeHealth(w http.ResponseWriter, code int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
