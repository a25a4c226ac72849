package repository

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/habitusnet/llmgateway/internal/domain"
)

const defaultDebounce = 100 * time.Millisecond

type policyFile struct {
	Tenants []domain.TenantPolicy `yaml:"tenants"`
}

// FilePolicySource serves policies from a YAML file:
//
//	tenants:
//	  - tenant_id: acme
//	    tier: premium
//	    allowed_providers: [openai]
//	    rate_limit: {requests_per_window: 100, window_seconds: 60}
//
// Watch reloads the file when it changes. A reload that fails to parse keeps
// the previous policies.
type FilePolicySource struct {
	path     string
	debounce time.Duration
	policies atomic.Pointer[map[string]*domain.TenantPolicy]

	reloadMu sync.Mutex
	onReload func(changed []string)
}

type FileOption func(*FilePolicySource)

func WithDebounce(d time.Duration) FileOption {
	return func(s *FilePolicySource) { s.debounce = d }
}

// WithReloadHook is called after every successful reload with the IDs of
// tenants whose policy was added, changed or removed.
func WithReloadHook(fn func(changed []string)) FileOption {
	return func(s *FilePolicySource) { s.onReload = fn }
}

func NewFilePolicySource(path string, opts ...FileOption) (*FilePolicySource, error) {
	s := &FilePolicySource{path: path, debounce: defaultDebounce}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FilePolicySource) Get(ctx context.Context, tenantID string) (*domain.TenantPolicy, error) {
	m := *s.policies.Load()
	p, ok := m[tenantID]
	if !ok {
		return nil, domain.ErrTenantNotFound
	}
	return clonePolicy(p), nil
}

// Reload reads the file and swaps the policy set in one step.
func (s *FilePolicySource) Reload() error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}

	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse policy file: %w", err)
	}

	next := make(map[string]*domain.TenantPolicy, len(f.Tenants))
	for i := range f.Tenants {
		p := clonePolicy(&f.Tenants[i])
		if err := validatePolicy(p); err != nil {
			return fmt.Errorf("policy file: %w", err)
		}
		if _, dup := next[p.TenantID]; dup {
			return fmt.Errorf("policy file: duplicate tenant %q", p.TenantID)
		}
		next[p.TenantID] = p
	}

	var prev map[string]*domain.TenantPolicy
	if old := s.policies.Swap(&next); old != nil {
		prev = *old
	}

	if s.onReload != nil && prev != nil {
		if changed := diffPolicies(prev, next); len(changed) > 0 {
			s.onReload(changed)
		}
	}
	return nil
}

func diffPolicies(prev, next map[string]*domain.TenantPolicy) []string {
	var changed []string
	for id, p := range next {
		old, ok := prev[id]
		if !ok || !samePolicy(old, p) {
			changed = append(changed, id)
		}
	}
	for id := range prev {
		if _, ok := next[id]; !ok {
			changed = append(changed, id)
		}
	}
	return changed
}

func samePolicy(a, b *domain.TenantPolicy) bool {
	return a.Tier == b.Tier &&
		a.RateLimit == b.RateLimit &&
		equalStrings(a.AllowedProviders, b.AllowedProviders) &&
		equalStrings(a.AllowedModels, b.AllowedModels)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Watch blocks until ctx is done, reloading the file after changes settle.
// The parent directory is watched so editors that replace the file by rename
// are picked up.
func (s *FilePolicySource) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch %s: %w", s.path, err)
	}
	target := filepath.Clean(s.path)

	slog.Info("policy file watcher started", "path", s.path)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			slog.Info("policy file watcher stopped", "path", s.path)
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(s.debounce, func() {
				if err := s.Reload(); err != nil {
					slog.Error("policy file reload failed", "path", s.path, "error", err)
					return
				}
				slog.Info("policy file reloaded", "path", s.path)
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			slog.Error("policy file watcher error", "error", err)
		}
	}
}
