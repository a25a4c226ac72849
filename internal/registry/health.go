package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/habitusnet/llmgateway/internal/domain"
	"github.com/habitusnet/llmgateway/internal/metrics"
	"github.com/habitusnet/llmgateway/internal/notifications"
)

const DefaultHealthTimeout = 5 * time.Second

type healthState struct {
	mu      sync.Mutex
	cron    *cron.Cron
	running bool
	timeout atomic.Int64
}

// CheckHealth probes every provider concurrently and records the results.
// Only Healthy and LastHealthCheck change; call statistics are untouched.
func (r *Registry) CheckHealth(ctx context.Context) {
	timeout := r.healthTimeout()

	var wg sync.WaitGroup
	for _, e := range r.snapshotEntries() {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			r.checkOne(ctx, e, timeout)
		}(e)
	}
	wg.Wait()
}

func (r *Registry) checkOne(ctx context.Context, e *entry, timeout time.Duration) {
	name := e.adapter.Name()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := e.adapter.CheckHealth(ctx)
	changed := e.setHealth(r.now(), err)
	metrics.SetProviderHealthy(name, err == nil)

	if errors.Is(err, domain.ErrProviderAuth) {
		r.MarkAuthFailed(name, err)
	}

	if !changed {
		if err != nil {
			slog.Debug("provider health check failed", "provider", name, "error", err)
		}
		return
	}

	if err != nil {
		slog.Warn("provider unhealthy", "provider", name, "error", err)
		r.notify(notifications.Notification{
			Type:     notifications.NotificationProviderDown,
			Provider: name,
			Message:  err.Error(),
		})
		return
	}

	slog.Info("provider recovered", "provider", name)
	r.notify(notifications.Notification{
		Type:     notifications.NotificationProviderUp,
		Provider: name,
		Message:  "health check passed",
	})
}

func (r *Registry) healthTimeout() time.Duration {
	if d := time.Duration(r.health.timeout.Load()); d > 0 {
		return d
	}
	return DefaultHealthTimeout
}

// StartHealthChecks runs CheckHealth immediately and then every interval
// until ctx is done or StopHealthChecks is called.
func (r *Registry) StartHealthChecks(ctx context.Context, interval, timeout time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("health check interval must be positive, got %s", interval)
	}

	r.health.mu.Lock()
	defer r.health.mu.Unlock()

	if r.health.running {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() { r.CheckHealth(ctx) }); err != nil {
		return fmt.Errorf("schedule health checks: %w", err)
	}

	r.health.cron = c
	r.health.timeout.Store(int64(timeout))
	r.health.running = true

	go r.CheckHealth(ctx)
	c.Start()

	slog.Info("provider health checks started", "interval", interval)

	go func() {
		<-ctx.Done()
		r.StopHealthChecks()
	}()
	return nil
}

// StopHealthChecks stops the scheduler and waits for a running round.
func (r *Registry) StopHealthChecks() {
	r.health.mu.Lock()
	defer r.health.mu.Unlock()

	if r.health.cron == nil || !r.health.running {
		return
	}
	<-r.health.cron.Stop().Done()
	r.health.running = false
	slog.Info("provider health checks stopped")
}

func (r *Registry) notify(n notifications.Notification) {
	if r.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.notifier.Send(ctx, n); err != nil {
			slog.Error("failed to send notification", "type", n.Type, "provider", n.Provider, "error", err)
		}
	}()
}
