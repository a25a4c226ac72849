package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/habitusnet/llmgateway/internal/api"
	"github.com/habitusnet/llmgateway/internal/auth"
	"github.com/habitusnet/llmgateway/internal/cache"
	"github.com/habitusnet/llmgateway/internal/capability"
	"github.com/habitusnet/llmgateway/internal/config"
	"github.com/habitusnet/llmgateway/internal/cost"
	"github.com/habitusnet/llmgateway/internal/crypto"
	"github.com/habitusnet/llmgateway/internal/httputil"
	"github.com/habitusnet/llmgateway/internal/metrics"
	"github.com/habitusnet/llmgateway/internal/notifications"
	"github.com/habitusnet/llmgateway/internal/processor"
	"github.com/habitusnet/llmgateway/internal/provider"
	"github.com/habitusnet/llmgateway/internal/provider/anthropic"
	"github.com/habitusnet/llmgateway/internal/provider/bedrock"
	"github.com/habitusnet/llmgateway/internal/provider/gemini"
	"github.com/habitusnet/llmgateway/internal/provider/ollama"
	"github.com/habitusnet/llmgateway/internal/provider/openai"
	"github.com/habitusnet/llmgateway/internal/provider/synthetic"
	"github.com/habitusnet/llmgateway/internal/queue"
	"github.com/habitusnet/llmgateway/internal/ratelimit"
	"github.com/habitusnet/llmgateway/internal/registry"
	"github.com/habitusnet/llmgateway/internal/repository"
	"github.com/habitusnet/llmgateway/internal/secrets"
	"github.com/habitusnet/llmgateway/internal/telemetry"
	"github.com/habitusnet/llmgateway/internal/tenant"
	"github.com/habitusnet/llmgateway/internal/tools"
)

func setupLogger(level slog.Level) {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

// serve runs the gateway until ctx is cancelled.
func serve(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogger(cfg.SlogLevel())
	metrics.InitInstanceMetrics(version)
	httputil.UserAgent = "llmgateway/" + version

	slog.Info("starting llm gateway", "addr", cfg.Addr, "version", version)

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:  "llmgateway",
		Version:      version,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRatio:  cfg.TraceSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("flush traces failed", "error", err)
		}
	}()

	cat, err := capability.Load(cfg.CatalogPath)
	if err != nil {
		return err
	}

	var notifier notifications.Notifier = notifications.LogNotifier{}
	if cfg.SNSTopicARN != "" {
		sns, err := notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.SNSTopicARN)
		if err != nil {
			return fmt.Errorf("create sns notifier: %w", err)
		}
		notifier = sns
		slog.Info("provider events published to sns", "topic", cfg.SNSTopicARN)
	}

	reg := registry.New(cat, registry.WithWindow(cfg.StatsWindow), registry.WithNotifier(notifier))
	if err := registerProviders(ctx, cfg, cat, reg); err != nil {
		return err
	}
	if err := reg.StartHealthChecks(ctx, cfg.HealthCheckInterval, cfg.HealthCheckTimeout); err != nil {
		return err
	}
	defer reg.StopHealthChecks()

	var checkers []api.HealthChecker
	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				slog.Warn("close failed", "error", err)
			}
		}
	}()

	// The file source's reload hook needs the resolver built on top of it, so
	// the watcher starts only once the resolver exists.
	var resolver *tenant.Resolver
	source, err := policySource(ctx, cfg, func(changed []string) {
		if resolver != nil {
			resolver.InvalidateMany(changed)
		}
	}, &checkers, &closers)
	if err != nil {
		return err
	}
	resolver = tenant.NewResolver(source, tenant.WithTTL(cfg.PolicyTTL), tenant.WithMaxStale(cfg.PolicyMaxStale))
	if fs, ok := source.(*repository.FilePolicySource); ok {
		go func() {
			if err := fs.Watch(ctx); err != nil {
				slog.Error("policy file watcher failed", "path", cfg.TenantsFile, "error", err)
			}
		}()
	}

	var limiter ratelimit.RateLimiter
	if cfg.RedisURL != "" {
		rl, err := ratelimit.NewRedisRateLimiter(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect redis rate limiter: %w", err)
		}
		limiter = rl
		checkers = append(checkers, api.NewChecker("redis", rl.Ping))
		closers = append(closers, rl.Close)
		slog.Info("using redis rate limiter")
	} else {
		limiter = ratelimit.NewInMemoryRateLimiter()
		slog.Info("using in-memory rate limiter")
	}

	var responseCache cache.Cache
	if cfg.CacheEnabled {
		responseCache, err = buildCache(cfg, &closers)
		if err != nil {
			return err
		}
	}

	toolRegistry := tools.NewRegistry()
	if cfg.ToolsPath != "" {
		if err := toolRegistry.LoadFile(cfg.ToolsPath); err != nil {
			return fmt.Errorf("load tools: %w", err)
		}
		slog.Info("tool registry loaded", "path", cfg.ToolsPath, "tools", len(toolRegistry.Names()))
	}

	tracker := cost.NewInMemoryTracker()
	proc := processor.New(processor.Config{
		Registry:   reg,
		Policies:   resolver,
		Limiter:    limiter,
		Cache:      responseCache,
		CacheTTL:   cfg.CacheTTL,
		Tools:      toolRegistry,
		Calculator: cost.NewCalculator(cat),
		Tracker:    tracker,
		Timeout:    cfg.RequestTimeout,
	})

	var wg sync.WaitGroup
	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()

	var asyncQueue queue.Queue
	if cfg.AsyncEnabled() {
		q, err := queue.NewSQSQueue(ctx, cfg.AWSRegion, cfg.SQSRequestQueueURL, cfg.SQSResponseQueueURL)
		if err != nil {
			return fmt.Errorf("create sqs queue: %w", err)
		}
		asyncQueue = q
		worker := queue.NewWorker(q, proc, queue.WithConcurrency(cfg.AsyncWorkers))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := worker.Run(workerCtx); err != nil {
				slog.Error("async worker failed", "error", err)
			}
		}()
	}

	handler := api.NewHandler(api.HandlerConfig{
		Processor:     proc,
		Registry:      reg,
		Queue:         asyncQueue,
		Checkers:      checkers,
		HealthTimeout: cfg.HealthCheckTimeout,
		Version:       version,
	})

	mux := http.NewServeMux()
	mux.Handle("/", handler)
	if cfg.AdminTokenHash != "" {
		verifier, err := auth.NewTokenVerifier(cfg.AdminTokenHash)
		if err != nil {
			return err
		}
		mux.Handle("/admin/", verifier.RequireToken(api.NewAdminHandler(reg, resolver, tracker)))
		slog.Info("admin endpoints enabled")
	}

	// No WriteTimeout: streams run as long as the provider keeps producing,
	// bounded by the stream idle timeout and the request deadline.
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	stopWorker()
	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(cfg.DrainTimeout):
		slog.Warn("async requests still running after drain timeout", "timeout", cfg.DrainTimeout)
	}

	slog.Info("server stopped")
	return nil
}

// registerProviders registers every provider with configuration. Keys from
// the environment win over keys from Secrets Manager.
func registerProviders(ctx context.Context, cfg *config.Config, cat *capability.Catalog, reg *registry.Registry) error {
	keys := secrets.ProviderKeys{
		OpenAI:    cfg.OpenAIAPIKey,
		Anthropic: cfg.AnthropicAPIKey,
		Gemini:    cfg.GeminiAPIKey,
	}
	if cfg.SecretName != "" {
		sm, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
		if err != nil {
			return fmt.Errorf("create secrets manager client: %w", err)
		}
		stored, err := secrets.LoadProviderKeys(ctx, sm, cfg.SecretName)
		if err != nil {
			return fmt.Errorf("load provider keys: %w", err)
		}
		keys = keys.Merge(stored)
	}

	client := httputil.NewClient(httputil.ProviderConfig())
	var adapters []provider.Adapter

	if keys.OpenAI != "" {
		adapters = append(adapters, openai.New(cat.For("openai"), openai.Config{
			APIKey: keys.OpenAI, BaseURL: cfg.OpenAIBaseURL, HTTPClient: client,
		}))
	}
	if keys.Anthropic != "" {
		adapters = append(adapters, anthropic.New(cat.For("anthropic"), anthropic.Config{
			APIKey: keys.Anthropic, BaseURL: cfg.AnthropicBaseURL, HTTPClient: client,
		}))
	}
	if keys.Gemini != "" {
		p, err := gemini.New(ctx, cat.For("gemini"), gemini.Config{APIKey: keys.Gemini, HTTPClient: client})
		if err != nil {
			return fmt.Errorf("create gemini provider: %w", err)
		}
		adapters = append(adapters, p)
	}
	if cfg.BedrockEnabled {
		p, err := bedrock.New(ctx, cat.For("bedrock"), cfg.AWSRegion)
		if err != nil {
			return fmt.Errorf("create bedrock provider: %w", err)
		}
		adapters = append(adapters, p)
	}
	if cfg.OllamaBaseURL != "" {
		adapters = append(adapters, ollama.New(cat.For("ollama"), cfg.OllamaBaseURL, client))
	}
	if cfg.SyntheticEnabled {
		adapters = append(adapters, synthetic.New(cat.For("synthetic")))
	}

	if len(adapters) == 0 {
		return errors.New("no providers configured")
	}
	for _, a := range adapters {
		if err := reg.Register(a); err != nil {
			return fmt.Errorf("register provider %s: %w", a.Name(), err)
		}
		slog.Info("registered provider", "provider", a.Name(), "models", len(a.Models()))
	}
	return nil
}

// policySource picks the first configured source: the HTTP registry,
// Postgres, then the YAML file.
func policySource(ctx context.Context, cfg *config.Config, onReload func([]string), checkers *[]api.HealthChecker, closers *[]func() error) (repository.PolicySource, error) {
	switch {
	case cfg.TenantRegistryURL != "":
		slog.Info("tenant policies from registry", "url", cfg.TenantRegistryURL)
		return repository.NewHTTPPolicySource(cfg.TenantRegistryURL,
			repository.WithBearerToken(cfg.TenantRegistryToken)), nil

	case cfg.DatabaseURL != "":
		db, err := repository.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, db.Close)
		src := repository.NewPostgresPolicySource(db)
		if err := src.Migrate(ctx); err != nil {
			return nil, err
		}
		*checkers = append(*checkers, api.NewChecker("postgres", src.Ping))
		slog.Info("tenant policies from postgres")
		return src, nil

	default:
		src, err := repository.NewFilePolicySource(cfg.TenantsFile, repository.WithReloadHook(onReload))
		if err != nil {
			return nil, err
		}
		slog.Info("tenant policies from file", "path", cfg.TenantsFile)
		return src, nil
	}
}

// buildCache prefers Redis, encrypting entries when ENCRYPTION_KEY is set.
func buildCache(cfg *config.Config, closers *[]func() error) (cache.Cache, error) {
	if cfg.RedisURL == "" {
		c := cache.NewInMemoryCache()
		*closers = append(*closers, c.Close)
		slog.Info("using in-memory cache")
		return c, nil
	}

	var opts []cache.RedisOption
	if cfg.EncryptionKey != "" {
		enc, err := crypto.NewEncryptor(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("create cache encryptor: %w", err)
		}
		opts = append(opts, cache.WithEncryptor(enc))
	}
	c, err := cache.NewRedisCache(cfg.RedisURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect redis cache: %w", err)
	}
	*closers = append(*closers, c.Close)
	slog.Info("using redis cache", "encrypted", cfg.EncryptionKey != "")
	return c, nil
}
