// Package processor runs one generation request end to end: validation,
// tenant policy, rate limiting, caching, tool resolution, provider selection
// and the single permitted fallback.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/habitusnet/llmgateway/internal/cache"
	"github.com/habitusnet/llmgateway/internal/cost"
	"github.com/habitusnet/llmgateway/internal/domain"
	"github.com/habitusnet/llmgateway/internal/metrics"
	"github.com/habitusnet/llmgateway/internal/provider"
	"github.com/habitusnet/llmgateway/internal/provider/emulate"
	"github.com/habitusnet/llmgateway/internal/ratelimit"
	"github.com/habitusnet/llmgateway/internal/registry"
	"github.com/habitusnet/llmgateway/internal/stream"
	"github.com/habitusnet/llmgateway/internal/telemetry"
	"github.com/habitusnet/llmgateway/internal/tenant"
	"github.com/habitusnet/llmgateway/internal/tools"
)

const (
	DefaultTimeout  = 60 * time.Second
	DefaultCacheTTL = time.Hour

	// Keys the processor adds to Metadata.ProviderSpecific.
	MetaCostUSD        = "cost_usd"
	MetaCacheHit       = "cache_hit"
	MetaUsageEstimated = "usage_estimated"
	MetaFallbackFrom   = "fallback_from"
)

// PolicyResolver returns a tenant's current policy.
type PolicyResolver interface {
	Resolve(ctx context.Context, tenantID string) (*domain.TenantPolicy, error)
}

type Config struct {
	Registry *registry.Registry
	Policies PolicyResolver
	// Limiter is optional; without it requests are not rate limited.
	Limiter ratelimit.RateLimiter
	// Cache is optional; without it every request reaches a provider.
	Cache    cache.Cache
	CacheTTL time.Duration
	Tools    *tools.Registry
	// Calculator and Tracker are optional.
	Calculator *cost.Calculator
	Tracker    cost.Tracker
	// Timeout bounds a non-streaming request, fallback included.
	Timeout time.Duration
}

type Processor struct {
	registry   *registry.Registry
	policies   PolicyResolver
	limiter    ratelimit.RateLimiter
	cache      cache.Cache
	cacheTTL   time.Duration
	tools      *tools.Registry
	calculator *cost.Calculator
	tracker    cost.Tracker
	timeout    time.Duration
	now        func() time.Time
}

func New(cfg Config) *Processor {
	p := &Processor{
		registry:   cfg.Registry,
		policies:   cfg.Policies,
		limiter:    cfg.Limiter,
		cache:      cfg.Cache,
		cacheTTL:   cfg.CacheTTL,
		tools:      cfg.Tools,
		calculator: cfg.Calculator,
		tracker:    cfg.Tracker,
		timeout:    cfg.Timeout,
		now:        time.Now,
	}
	if p.cacheTTL <= 0 {
		p.cacheTTL = DefaultCacheTTL
	}
	if p.timeout <= 0 {
		p.timeout = DefaultTimeout
	}
	if p.tools == nil {
		p.tools = tools.NewRegistry()
	}
	return p
}

// Result is a completed non-streaming request plus what the caller needs for
// response headers.
type Result struct {
	Response  *domain.Response
	CacheHit  bool
	RateLimit ratelimit.Decision
}

// StreamResult is an open stream plus the provider serving it.
type StreamResult struct {
	Stream    stream.Stream
	Provider  string
	Model     string
	RateLimit ratelimit.Decision
	// Emulated names the features the serving adapter approximates for
	// this stream. Empty when everything is native.
	Emulated []string
}

// Process returns the response for a non-streaming request.
func (p *Processor) Process(ctx context.Context, req *domain.Request) (*domain.Response, error) {
	res, err := p.Handle(ctx, req)
	if err != nil {
		return nil, err
	}
	return res.Response, nil
}

// ProcessStreaming opens a stream for req. The caller must Close it.
func (p *Processor) ProcessStreaming(ctx context.Context, req *domain.Request) (stream.Stream, error) {
	res, err := p.HandleStream(ctx, req)
	if err != nil {
		return nil, err
	}
	return res.Stream, nil
}

// admitted is a request that passed validation, policy and rate limiting,
// cloned so the processor can fill in resolved tools.
type admitted struct {
	req       *domain.Request
	policy    *domain.TenantPolicy
	decision  ratelimit.Decision
	requestID string
}

func (p *Processor) admit(ctx context.Context, req *domain.Request) (*admitted, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}

	policy, err := p.policies.Resolve(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	if err := tenant.Authorize(policy, req); err != nil {
		return nil, err
	}

	decision := ratelimit.Decision{Allowed: true, Remaining: -1}
	if p.limiter != nil {
		decision, err = p.limiter.Allow(ctx, req.TenantID, policy.RateLimit)
		if err != nil {
			return nil, domain.NewError(domain.KindInternal, "rate limiter unavailable").WithCause(err)
		}
		if !decision.Allowed {
			metrics.RecordRateLimitHit(req.TenantID)
			e := domain.NewError(domain.KindRateLimitExceeded, "rate limit exceeded for tenant %s", req.TenantID)
			e.RetryAfter = decision.RetryAfter
			return nil, e
		}
	}

	// Tools resolve before the cache lookup: the cache key covers the
	// resolved definitions, so a reference and its inline equivalent share
	// an entry.
	clone := req.Clone()
	resolved, err := p.tools.Resolve(clone.Tools)
	if err != nil {
		return nil, err
	}
	clone.Tools = resolved
	if err := tools.ValidateChoice(clone.ToolChoice, clone.Tools); err != nil {
		return nil, err
	}

	return &admitted{req: clone, policy: policy, decision: decision, requestID: RequestID(ctx)}, nil
}

// Handle runs a non-streaming request. The stream flag on req is ignored.
func (p *Processor) Handle(ctx context.Context, req *domain.Request) (*Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "processor.Handle")
	defer span.End()
	telemetry.SetRequestAttributes(span, RequestID(ctx), req)

	start := p.now()
	a, err := p.admit(ctx, req)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, p.fail(ctx, req, "", "", start, err)
	}
	a.req.Stream = false

	key := ""
	if p.cache != nil {
		key = cache.GenerateCacheKey(a.req)
		if cached, ok := p.cache.Get(ctx, key); ok {
			metrics.RecordCacheHit(req.TenantID)
			metrics.RecordRequest(req.TenantID, cached.Provider, cached.Model, "cached", p.now().Sub(start).Seconds())
			resp := cached.Clone()
			resp.Metadata.ProviderSpecific[MetaCacheHit] = true
			p.track(ctx, a, resp.Provider, resp.Model, resp.Usage, 0, true, false, p.now().Sub(start))
			telemetry.SetResponseAttributes(span, resp, 0, true)
			return &Result{Response: resp, CacheHit: true, RateLimit: a.decision}, nil
		}
		metrics.RecordCacheMiss(req.TenantID)
	}

	ranking, err := p.registry.Select(a.req, a.policy)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, p.fail(ctx, req, "", req.Model, start, err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	primary := ranking.Primary()
	resp, err := p.generate(ctx, a, primary, 1)
	if err != nil {
		next, ok := ranking.Fallback()
		if !ok || !domain.AsError(err).Transient() || ctx.Err() != nil {
			telemetry.RecordError(span, err)
			return nil, p.fail(ctx, req, primary.Name(), primary.Model, start, err)
		}

		slog.Warn("provider failed, falling back",
			"request_id", a.requestID,
			"tenant_id", req.TenantID,
			"provider", primary.Name(),
			"fallback", next.Name(),
			"error", err,
		)
		metrics.RecordFallback(primary.Name(), next.Name())

		resp, err = p.generate(ctx, a, next, 2)
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, p.fail(ctx, req, next.Name(), next.Model, start, err)
		}
		resp.Metadata.ProviderSpecific[MetaFallbackFrom] = primary.Name()
	}

	costUSD := p.finish(a, resp)
	elapsed := p.now().Sub(start)
	resp.Metadata.LatencyMs = elapsed.Milliseconds()

	metrics.RecordRequest(req.TenantID, resp.Provider, resp.Model, "success", elapsed.Seconds())
	p.track(ctx, a, resp.Provider, resp.Model, resp.Usage, costUSD, false, false, elapsed)

	if p.cache != nil {
		if err := p.cache.Set(ctx, key, resp.Clone(), p.cacheTTL); err != nil {
			slog.Warn("cache store failed",
				"request_id", a.requestID,
				"tenant_id", req.TenantID,
				"error", err,
			)
		}
	}

	telemetry.SetResponseAttributes(span, resp, costUSD, false)
	slog.Info("request completed",
		"request_id", a.requestID,
		"tenant_id", req.TenantID,
		"provider", resp.Provider,
		"model", resp.Model,
		"latency_ms", resp.Metadata.LatencyMs,
	)
	return &Result{Response: resp, RateLimit: a.decision}, nil
}

// generate makes one adapter call and records its outcome.
func (p *Processor) generate(ctx context.Context, a *admitted, c registry.Candidate, attempt int) (*domain.Response, error) {
	ctx, span := telemetry.StartSpan(ctx, "provider.Generate")
	defer span.End()
	telemetry.SetProviderAttributes(span, c.Name(), c.Model, attempt)

	req := a.req.Clone()
	req.Model = c.Model

	start := p.now()
	resp, err := c.Adapter.Generate(ctx, req)
	if err != nil {
		if cerr := callerCancelled(ctx); cerr != nil {
			telemetry.RecordError(span, cerr)
			return nil, cerr
		}
	}
	p.registry.RecordOutcome(c.Name(), p.now().Sub(start), err == nil)
	if err != nil {
		p.providerFailed(c.Name(), err)
		telemetry.RecordError(span, err)
		return nil, err
	}

	if resp.Metadata.ProviderSpecific == nil {
		resp.Metadata.ProviderSpecific = map[string]any{}
	}
	if features, ok := resp.Metadata.ProviderSpecific[emulate.MetaEmulatedFeatures].([]string); ok {
		metrics.RecordEmulated(c.Name(), features)
	}
	if resp.Usage.TotalTokens == 0 {
		resp.Usage = provider.EstimateUsage(req, resp.Text())
		resp.Metadata.ProviderSpecific[MetaUsageEstimated] = true
	}
	return resp, nil
}

// callerCancelled reports a request abandoned by its caller. Such failures
// say nothing about the provider and are kept out of its statistics. An
// expired deadline is not a cancellation.
func callerCancelled(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("request cancelled by caller: %w", context.Canceled)
	}
	return nil
}

func (p *Processor) providerFailed(name string, err error) {
	e := domain.AsError(err)
	errType := string(e.Kind)
	if e.Reason != "" {
		errType = e.Reason
	}
	metrics.RecordProviderError(name, errType)
	if e.Kind == domain.KindProviderAuth {
		p.registry.MarkAuthFailed(name, err)
	}
}

// finish prices the response and records token metrics. It returns the cost.
func (p *Processor) finish(a *admitted, resp *domain.Response) float64 {
	costUSD := p.price(a.req.TenantID, resp.Provider, resp.Model, resp.Usage)
	if p.calculator != nil {
		resp.Metadata.ProviderSpecific[MetaCostUSD] = costUSD
	}
	return costUSD
}

func (p *Processor) price(tenantID, providerName, model string, usage domain.Usage) float64 {
	metrics.RecordTokens(tenantID, providerName, model, usage.PromptTokens, usage.CompletionTokens)
	if p.calculator == nil {
		return 0
	}
	costUSD := p.calculator.Calculate(providerName, model, usage)
	metrics.RecordCost(tenantID, providerName, model, costUSD)
	return costUSD
}

func (p *Processor) track(ctx context.Context, a *admitted, providerName, model string, usage domain.Usage, costUSD float64, cached, streamed bool, elapsed time.Duration) {
	if p.tracker == nil {
		return
	}
	err := p.tracker.Record(ctx, cost.UsageRecord{
		TenantID:     a.req.TenantID,
		RequestID:    a.requestID,
		Model:        model,
		Provider:     providerName,
		InputTokens:  usage.PromptTokens,
		OutputTokens: usage.CompletionTokens,
		CostUSD:      costUSD,
		Cached:       cached,
		Streamed:     streamed,
		LatencyMs:    elapsed.Milliseconds(),
		Timestamp:    p.now(),
	})
	if err != nil {
		slog.Warn("usage record failed",
			"request_id", a.requestID,
			"tenant_id", a.req.TenantID,
			"error", err,
		)
	}
}

// fail logs err with the request's identifying attributes and returns it
// unchanged. Client errors log at warn, everything else at error. Requests
// that reached a provider are counted in the request metrics.
func (p *Processor) fail(ctx context.Context, req *domain.Request, providerName, model string, start time.Time, err error) error {
	if errors.Is(err, context.Canceled) {
		if providerName != "" {
			metrics.RecordRequest(req.TenantID, providerName, model, "cancelled", p.now().Sub(start).Seconds())
		}
		slog.InfoContext(ctx, "request cancelled",
			"request_id", RequestID(ctx),
			"tenant_id", req.TenantID,
			"provider", providerName,
			"model", model,
		)
		return err
	}

	e := domain.AsError(err)
	level := slog.LevelError
	if e.HTTPStatus() < 500 {
		level = slog.LevelWarn
	}
	if providerName != "" {
		metrics.RecordRequest(req.TenantID, providerName, model, "error", p.now().Sub(start).Seconds())
	}
	slog.Log(ctx, level, "request failed",
		"request_id", RequestID(ctx),
		"tenant_id", req.TenantID,
		"provider", providerName,
		"model", model,
		"kind", e.Kind,
		"error", err,
	)
	return err
}
