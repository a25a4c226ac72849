// Package cost prices responses from the capability catalog and keeps a
// per-tenant usage ledger.
package cost

import (
	"context"
	"sync"
	"time"

	"github.com/habitusnet/llmgateway/internal/capability"
	"github.com/habitusnet/llmgateway/internal/domain"
)

// DefaultRetention bounds how long the in-memory ledger keeps records.
const DefaultRetention = 24 * time.Hour

type Calculator struct {
	catalog *capability.Catalog
}

func NewCalculator(catalog *capability.Catalog) *Calculator {
	return &Calculator{catalog: catalog}
}

// Calculate returns the USD cost of usage, or 0 when the model has no price.
func (c *Calculator) Calculate(provider, model string, usage domain.Usage) float64 {
	entry, ok := c.catalog.Lookup(provider, model)
	if !ok {
		return 0
	}
	return entry.Cost(usage)
}

type UsageRecord struct {
	TenantID     string    `json:"tenant_id"`
	RequestID    string    `json:"request_id"`
	Model        string    `json:"model"`
	Provider     string    `json:"provider"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	Cached       bool      `json:"cached"`
	Streamed     bool      `json:"streamed"`
	LatencyMs    int64     `json:"latency_ms"`
	Timestamp    time.Time `json:"timestamp"`
}

// Summary aggregates a tenant's records.
type Summary struct {
	TenantID     string             `json:"tenant_id"`
	Since        time.Time          `json:"since"`
	Requests     int                `json:"requests"`
	CachedHits   int                `json:"cached_hits"`
	InputTokens  int                `json:"input_tokens"`
	OutputTokens int                `json:"output_tokens"`
	CostUSD      float64            `json:"cost_usd"`
	ByProvider   map[string]float64 `json:"cost_by_provider"`
}

type Tracker interface {
	Record(ctx context.Context, record UsageRecord) error
	Summary(ctx context.Context, tenantID string, since time.Time) (Summary, error)
}

type InMemoryTracker struct {
	retention time.Duration
	now       func() time.Time

	mu      sync.RWMutex
	records []UsageRecord
}

type TrackerOption func(*InMemoryTracker)

func WithRetention(d time.Duration) TrackerOption {
	return func(t *InMemoryTracker) { t.retention = d }
}

func WithClock(now func() time.Time) TrackerOption {
	return func(t *InMemoryTracker) { t.now = now }
}

func NewInMemoryTracker(opts ...TrackerOption) *InMemoryTracker {
	t := &InMemoryTracker{
		retention: DefaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Record appends a record and drops those older than the retention window.
func (t *InMemoryTracker) Record(ctx context.Context, record UsageRecord) error {
	if record.Timestamp.IsZero() {
		record.Timestamp = t.now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.records = append(t.records, record)

	cutoff := t.now().Add(-t.retention)
	drop := 0
	for drop < len(t.records) && t.records[drop].Timestamp.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		t.records = append([]UsageRecord(nil), t.records[drop:]...)
	}
	return nil
}

func (t *InMemoryTracker) Summary(ctx context.Context, tenantID string, since time.Time) (Summary, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := Summary{TenantID: tenantID, Since: since, ByProvider: make(map[string]float64)}
	for _, r := range t.records {
		if r.TenantID != tenantID || r.Timestamp.Before(since) {
			continue
		}
		s.Requests++
		if r.Cached {
			s.CachedHits++
		}
		s.InputTokens += r.InputTokens
		s.OutputTokens += r.OutputTokens
		s.CostUSD += r.CostUSD
		if !r.Cached {
			s.ByProvider[r.Provider] += r.CostUSD
		}
	}
	return s, nil
}

func (t *InMemoryTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}
