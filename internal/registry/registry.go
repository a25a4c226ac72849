// Package registry holds the provider adapters, tracks their health and
// running statistics, and ranks them for each request.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/habitusnet/llmgateway/internal/capability"
	"github.com/habitusnet/llmgateway/internal/domain"
	"github.com/habitusnet/llmgateway/internal/notifications"
	"github.com/habitusnet/llmgateway/internal/provider"
	"github.com/habitusnet/llmgateway/internal/provider/emulate"
)

const (
	DefaultWindow = 20

	baseScore          = 100
	unhealthyPenalty   = 30
	errorRatePenalty   = 20
	errorRateThreshold = 0.05
)

var ErrDuplicateProvider = errors.New("provider already registered")

// Candidate is one provider able to serve a request, with the model it would
// run and the score it was ranked by.
type Candidate struct {
	Adapter provider.Adapter
	Model   string
	Score   int
}

func (c Candidate) Name() string { return c.Adapter.Name() }

// Ranking lists candidates best first.
type Ranking []Candidate

func (r Ranking) Primary() Candidate { return r[0] }

// Fallback returns the next-best candidate, if there is one.
func (r Ranking) Fallback() (Candidate, bool) {
	if len(r) < 2 {
		return Candidate{}, false
	}
	return r[1], true
}

type Option func(*Registry)

// WithWindow sets how many recent calls the error rate and average latency
// are computed over.
func WithWindow(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.window = n
		}
	}
}

func WithNotifier(n notifications.Notifier) Option {
	return func(r *Registry) { r.notifier = n }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

type Registry struct {
	catalog  *capability.Catalog
	notifier notifications.Notifier
	window   int
	now      func() time.Time

	mu      sync.RWMutex
	entries []*entry
	byName  map[string]*entry

	health healthState
}

func New(catalog *capability.Catalog, opts ...Option) *Registry {
	r := &Registry{
		catalog:  catalog,
		notifier: notifications.LogNotifier{},
		window:   DefaultWindow,
		now:      time.Now,
		byName:   make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds an adapter after checking that every model it reports has a
// capability entry. Features the catalog lists under the provider's
// emulate key are layered on through the emulation decorator.
func (r *Registry) Register(a provider.Adapter) error {
	name := a.Name()
	if err := r.catalog.Verify(name, a.Models()); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, name)
	}

	e := newEntry(emulate.Wrap(a, r.catalog.Emulations(name)), len(r.entries), r.window)
	r.entries = append(r.entries, e)
	r.byName[name] = e

	slog.Info("provider registered",
		"provider", name,
		"models", len(a.Models()),
		"emulated", provider.EmulatedFeatures(e.adapter),
	)
	return nil
}

func (r *Registry) Adapter(name string) (provider.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return e.adapter, true
}

// Names lists providers in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.entries))
	for i, e := range r.entries {
		names[i] = e.adapter.Name()
	}
	return names
}

func (r *Registry) snapshotEntries() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*entry(nil), r.entries...)
}

func (r *Registry) lookup(name string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	return e, ok
}

// Select ranks the providers that can serve req under policy. A provider
// outside a non-empty allowed set is never returned.
func (r *Registry) Select(req *domain.Request, policy *domain.TenantPolicy) (Ranking, error) {
	entries := r.snapshotEntries()

	var hinted *Candidate
	if req.Provider != "" {
		e, ok := r.lookup(req.Provider)
		if !ok {
			return nil, domain.NewError(domain.KindProviderNotFound, "provider %s is not registered", req.Provider).WithParam("provider")
		}
		if c, reason := r.evaluate(e, req, policy); reason == rejectNone {
			hinted = &c
		} else {
			slog.Debug("provider hint rejected, selecting automatically",
				"provider", req.Provider,
				"tenant_id", req.TenantID,
				"reason", reason,
			)
		}
	}

	type ranked struct {
		Candidate
		latency float64
		order   int
	}

	var (
		candidates    []ranked
		contextOnly   int
		otherRejected int
	)
	for _, e := range entries {
		if hinted != nil && e.adapter.Name() == hinted.Name() {
			continue
		}
		c, reason := r.evaluate(e, req, policy)
		switch reason {
		case rejectNone:
			candidates = append(candidates, ranked{Candidate: c, latency: e.avgLatency(), order: e.order})
		case rejectContext:
			contextOnly++
		case rejectFeatures, rejectAuth:
			otherRejected++
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.latency != b.latency {
			return a.latency < b.latency
		}
		return a.order < b.order
	})

	var out Ranking
	if hinted != nil {
		out = append(out, *hinted)
	}
	for _, c := range candidates {
		if c.Score >= 0 {
			out = append(out, c.Candidate)
		}
	}

	if len(out) == 0 {
		if contextOnly > 0 && otherRejected == 0 {
			return nil, domain.NewError(domain.KindContextLengthExceeded,
				"request exceeds the context window of every model that serves it").WithParam("messages")
		}
		return nil, domain.NewError(domain.KindNoSuitableProvider,
			"no registered provider can serve model %q with the requested features", req.Model)
	}
	return out, nil
}

type rejection string

const (
	rejectNone     rejection = ""
	rejectPolicy   rejection = "policy"
	rejectModel    rejection = "model"
	rejectFeatures rejection = "features"
	rejectContext  rejection = "context_length"
	rejectAuth     rejection = "auth_failed"
)

// evaluate scores one provider for req. Rejections are split so that a
// request failing only on context length can be reported as such.
func (r *Registry) evaluate(e *entry, req *domain.Request, policy *domain.TenantPolicy) (Candidate, rejection) {
	a := e.adapter
	model := provider.ResolveModel(a, req)

	if policy != nil && (!policy.AllowsProvider(a.Name()) || !policy.AllowsModel(model)) {
		return Candidate{}, rejectPolicy
	}
	if model == "" || !provider.HasModel(a, model) {
		return Candidate{}, rejectModel
	}

	st := e.stats()
	if st.AuthFailed {
		return Candidate{}, rejectAuth
	}

	v := a.ValidateRequest(req)
	if !v.Valid {
		if v.Kind == domain.KindContextLengthExceeded {
			return Candidate{}, rejectContext
		}
		return Candidate{}, rejectFeatures
	}

	score := baseScore
	if st.HealthChecked && !st.Healthy {
		score -= unhealthyPenalty
	}
	if st.WindowCalls > 0 && st.ErrorRate > errorRateThreshold {
		score -= errorRatePenalty
	}

	return Candidate{Adapter: a, Model: model, Score: score}, rejectNone
}

// RecordOutcome is the only path by which call statistics change.
func (r *Registry) RecordOutcome(name string, latency time.Duration, success bool) {
	e, ok := r.lookup(name)
	if !ok {
		return
	}
	e.record(latency, success)
}

// MarkAuthFailed excludes a provider from selection until ResetAuth, since a
// rejected credential does not recover on its own.
func (r *Registry) MarkAuthFailed(name string, cause error) {
	e, ok := r.lookup(name)
	if !ok {
		return
	}
	if !e.setAuthFailed(true) {
		return
	}

	slog.Error("provider credential rejected, excluding from selection",
		"provider", name,
		"error", cause,
	)
	r.notify(notifications.Notification{
		Type:     notifications.NotificationProviderAuthFailed,
		Provider: name,
		Message:  "credential rejected by upstream",
	})
}

func (r *Registry) ResetAuth(name string) error {
	e, ok := r.lookup(name)
	if !ok {
		return domain.NewError(domain.KindProviderNotFound, "provider %s is not registered", name)
	}
	if e.setAuthFailed(false) {
		slog.Info("provider auth latch cleared", "provider", name)
	}
	return nil
}

// Snapshot returns the current statistics of every provider in registration
// order.
func (r *Registry) Snapshot() []Stats {
	entries := r.snapshotEntries()
	out := make([]Stats, len(entries))
	for i, e := range entries {
		out[i] = e.stats()
	}
	return out
}

func (r *Registry) Stats(name string) (Stats, bool) {
	e, ok := r.lookup(name)
	if !ok {
		return Stats{}, false
	}
	return e.stats(), true
}

// ModelInfo describes one model a registered provider serves.
type ModelInfo struct {
	Provider     string                  `json:"provider"`
	Model        string                  `json:"model"`
	Default      bool                    `json:"default"`
	Capabilities capability.Capabilities `json:"capabilities"`
	Emulated     capability.Features     `json:"emulated,omitempty"`
	// Defaulted is set when the capabilities come from the provider's
	// defaults block rather than an entry for the model.
	Defaulted bool `json:"defaulted"`
}

// Models lists the models of every registered provider in registration
// order.
func (r *Registry) Models() []ModelInfo {
	var out []ModelInfo
	for _, e := range r.snapshotEntries() {
		a := e.adapter
		emulated := provider.EmulatedFeatures(a)
		for _, m := range a.Models() {
			entry, _ := r.catalog.Lookup(a.Name(), m)
			out = append(out, ModelInfo{
				Provider:     a.Name(),
				Model:        m,
				Default:      m == a.DefaultModel(),
				Capabilities: entry.Capabilities,
				Emulated:     emulated,
				Defaulted:    entry.Defaulted,
			})
		}
	}
	return out
}
