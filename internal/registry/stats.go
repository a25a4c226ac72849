package registry

import (
	"sync"
	"time"

	"github.com/habitusnet/llmgateway/internal/provider"
)

// Stats is a point-in-time copy of one provider's health and call history.
// It is not persisted and resets with the process.
type Stats struct {
	Provider            string    `json:"provider"`
	RequestCount        int64     `json:"request_count"`
	ErrorCount          int64     `json:"error_count"`
	RollingAvgLatencyMs float64   `json:"rolling_avg_latency_ms"`
	ErrorRate           float64   `json:"error_rate"`
	WindowCalls         int       `json:"window_calls"`
	Healthy             bool      `json:"healthy"`
	HealthChecked       bool      `json:"health_checked"`
	LastHealthCheck     time.Time `json:"last_health_check,omitempty"`
	LastHealthError     string    `json:"last_health_error,omitempty"`
	AuthFailed          bool      `json:"auth_failed"`
}

type outcome struct {
	latency time.Duration
	failed  bool
}

type entry struct {
	adapter provider.Adapter
	order   int

	mu       sync.Mutex
	requests int64
	errors   int64
	recent   []outcome
	next     int
	filled   int

	healthy         bool
	healthChecked   bool
	lastHealthCheck time.Time
	lastHealthError string
	authFailed      bool
}

func newEntry(a provider.Adapter, order, window int) *entry {
	return &entry{
		adapter: a,
		order:   order,
		recent:  make([]outcome, window),
		healthy: true,
	}
}

func (e *entry) record(latency time.Duration, success bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.requests++
	if !success {
		e.errors++
	}
	e.recent[e.next] = outcome{latency: latency, failed: !success}
	e.next = (e.next + 1) % len(e.recent)
	if e.filled < len(e.recent) {
		e.filled++
	}
}

func (e *entry) avgLatency() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	avg, _ := e.windowLocked()
	return avg
}

// windowLocked returns the average latency in milliseconds and the error
// rate over the recorded window.
func (e *entry) windowLocked() (float64, float64) {
	if e.filled == 0 {
		return 0, 0
	}
	var total time.Duration
	failed := 0
	for i := 0; i < e.filled; i++ {
		o := e.recent[i]
		total += o.latency
		if o.failed {
			failed++
		}
	}
	avg := float64(total.Microseconds()) / 1000 / float64(e.filled)
	return avg, float64(failed) / float64(e.filled)
}

func (e *entry) stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	avg, rate := e.windowLocked()
	return Stats{
		Provider:            e.adapter.Name(),
		RequestCount:        e.requests,
		ErrorCount:          e.errors,
		RollingAvgLatencyMs: avg,
		ErrorRate:           rate,
		WindowCalls:         e.filled,
		Healthy:             e.healthy,
		HealthChecked:       e.healthChecked,
		LastHealthCheck:     e.lastHealthCheck,
		LastHealthError:     e.lastHealthError,
		AuthFailed:          e.authFailed,
	}
}

// setHealth records a health check result and reports whether the healthy
// flag changed.
func (e *entry) setHealth(at time.Time, err error) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	healthy := err == nil
	changed := e.healthChecked && e.healthy != healthy
	if !e.healthChecked && !healthy {
		changed = true
	}

	e.healthy = healthy
	e.healthChecked = true
	e.lastHealthCheck = at
	e.lastHealthError = ""
	if err != nil {
		e.lastHealthError = err.Error()
	}
	return changed
}

// setAuthFailed reports whether the latch changed.
func (e *entry) setAuthFailed(v bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.authFailed == v {
		return false
	}
	e.authFailed = v
	return true
}
