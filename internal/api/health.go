package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/habitusnet/llmgateway/internal/registry"
)

// HealthChecker is one dependency probed by /health/ready.
type HealthChecker interface {
	Check(ctx context.Context) error
	Name() string
}

type checkerFunc struct {
	name  string
	check func(ctx context.Context) error
}

func (c checkerFunc) Name() string                    { return c.name }
func (c checkerFunc) Check(ctx context.Context) error { return c.check(ctx) }

// NewChecker adapts a ping function, such as the Redis cache's or the
// Postgres policy source's Ping, into a HealthChecker.
func NewChecker(name string, check func(ctx context.Context) error) HealthChecker {
	return checkerFunc{name: name, check: check}
}

type HealthStatus struct {
	Status  string                 `json:"status"`
	Checks  map[string]CheckResult `json:"checks,omitempty"`
	Version string                 `json:"version,omitempty"`
}

type CheckResult struct {
	Status   string `json:"status"`
	Duration string `json:"duration,omitempty"`
	Error    string `json:"error,omitempty"`
}

// runHealthChecks executes all checks concurrently.
func runHealthChecks(ctx context.Context, checkers []HealthChecker) map[string]CheckResult {
	results := make(map[string]CheckResult, len(checkers))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, checker := range checkers {
		wg.Add(1)
		go func(c HealthChecker) {
			defer wg.Done()

			start := time.Now()
			err := c.Check(ctx)
			result := CheckResult{Status: "ok", Duration: time.Since(start).String()}
			if err != nil {
				result.Status = "error"
				result.Error = err.Error()
			}

			mu.Lock()
			results[c.Name()] = result
			mu.Unlock()
		}(checker)
	}

	wg.Wait()
	return results
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthStatus{Status: "ok", Version: h.version})
}

// handleHealthReady is ready when every dependency answers and at least one
// provider can take traffic.
func (h *Handler) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.healthTimeout)
	defer cancel()

	results := runHealthChecks(ctx, h.checkers)

	ready := true
	for _, result := range results {
		if result.Status != "ok" {
			ready = false
			break
		}
	}

	providers := CheckResult{Status: "error", Error: "no provider is available"}
	for _, s := range h.registry.Snapshot() {
		if s.Healthy && !s.AuthFailed {
			providers = CheckResult{Status: "ok"}
			break
		}
	}
	results["providers"] = providers
	if providers.Status != "ok" {
		ready = false
	}

	status := HealthStatus{Status: "ready", Checks: results, Version: h.version}
	code := http.StatusOK
	if !ready {
		status.Status = "not_ready"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

type providersHealth struct {
	Providers []registry.Stats `json:"providers"`
}

func (h *Handler) handleHealthProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, providersHealth{Providers: h.registry.Snapshot()})
}
