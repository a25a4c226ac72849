package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr     string
	LogLevel string

	// Storage
	RedisURL      string
	DatabaseURL   string
	EncryptionKey string
	CacheEnabled  bool
	CacheTTL      time.Duration

	// Catalogs
	CatalogPath string
	ToolsPath   string

	// Tenant policy sources, tried in this order: HTTP registry, Postgres, file.
	TenantRegistryURL   string
	TenantRegistryToken string
	TenantsFile         string
	PolicyTTL           time.Duration
	PolicyMaxStale      time.Duration

	// Providers
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	AnthropicAPIKey  string
	AnthropicBaseURL string
	GeminiAPIKey     string
	OllamaBaseURL    string
	BedrockEnabled   bool
	SyntheticEnabled bool
	SecretName       string

	// Routing
	RequestTimeout      time.Duration
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
	StatsWindow         int

	// AWS
	AWSRegion           string
	SNSTopicARN         string
	SQSRequestQueueURL  string
	SQSResponseQueueURL string
	AsyncWorkers        int

	OTLPEndpoint      string
	TraceSampleRatio  float64
	AdminTokenHash    string
	ShutdownTimeout   time.Duration
	DrainTimeout      time.Duration
	ReadHeaderTimeout time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:     getEnv("ADDR", ":8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		RedisURL:      getEnv("REDIS_URL", ""),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		EncryptionKey: getEnv("ENCRYPTION_KEY", ""),
		CacheEnabled:  getBoolEnv("CACHE_ENABLED", true),
		CacheTTL:      getDurationEnv("CACHE_TTL", time.Hour),

		CatalogPath: getEnv("CAPABILITY_CATALOG", ""),
		ToolsPath:   getEnv("TOOLS_FILE", ""),

		TenantRegistryURL:   getEnv("TENANT_REGISTRY_URL", ""),
		TenantRegistryToken: getEnv("TENANT_REGISTRY_TOKEN", ""),
		TenantsFile:         getEnv("TENANTS_FILE", ""),
		PolicyTTL:           getDurationEnv("POLICY_TTL", 5*time.Minute),
		PolicyMaxStale:      getDurationEnv("POLICY_MAX_STALE", time.Hour),

		OpenAIAPIKey:     getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:    getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		AnthropicAPIKey:  getEnv("ANTHROPIC_API_KEY", ""),
		AnthropicBaseURL: getEnv("ANTHROPIC_BASE_URL", ""),
		GeminiAPIKey:     getEnv("GEMINI_API_KEY", ""),
		OllamaBaseURL:    getEnv("OLLAMA_BASE_URL", ""),
		BedrockEnabled:   getBoolEnv("BEDROCK_ENABLED", false),
		SyntheticEnabled: getBoolEnv("SYNTHETIC_PROVIDER", false),
		SecretName:       getEnv("PROVIDER_SECRET_NAME", ""),

		RequestTimeout:      getDurationEnv("REQUEST_TIMEOUT", 60*time.Second),
		HealthCheckInterval: getDurationEnv("HEALTH_CHECK_INTERVAL", 30*time.Second),
		HealthCheckTimeout:  getDurationEnv("HEALTH_CHECK_TIMEOUT", 5*time.Second),
		StatsWindow:         getIntEnv("STATS_WINDOW", 20),

		AWSRegion:           getEnv("AWS_REGION", ""),
		SNSTopicARN:         getEnv("SNS_TOPIC_ARN", ""),
		SQSRequestQueueURL:  getEnv("SQS_REQUEST_QUEUE_URL", ""),
		SQSResponseQueueURL: getEnv("SQS_RESPONSE_QUEUE_URL", ""),
		AsyncWorkers:        getIntEnv("ASYNC_WORKERS", 4),

		OTLPEndpoint:      getEnv("OTLP_ENDPOINT", ""),
		TraceSampleRatio:  getFloatEnv("TRACE_SAMPLE_RATIO", 1),
		AdminTokenHash:    getEnv("ADMIN_TOKEN_HASH", ""),
		ShutdownTimeout:   getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		DrainTimeout:      getDurationEnv("DRAIN_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getDurationEnv("READ_HEADER_TIMEOUT", 10*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error
	if c.TenantRegistryURL == "" && c.DatabaseURL == "" && c.TenantsFile == "" {
		errs = append(errs, errors.New("no tenant policy source: set TENANT_REGISTRY_URL, DATABASE_URL or TENANTS_FILE"))
	}
	if (c.SQSRequestQueueURL == "") != (c.SQSResponseQueueURL == "") {
		errs = append(errs, errors.New("SQS_REQUEST_QUEUE_URL and SQS_RESPONSE_QUEUE_URL must be set together"))
	}
	needsRegion := c.BedrockEnabled || c.SNSTopicARN != "" || c.SQSRequestQueueURL != "" || c.SecretName != ""
	if needsRegion && c.AWSRegion == "" {
		errs = append(errs, errors.New("AWS_REGION is required for Bedrock, SNS, SQS and Secrets Manager"))
	}
	if c.StatsWindow <= 0 {
		errs = append(errs, fmt.Errorf("STATS_WINDOW must be positive, got %d", c.StatsWindow))
	}
	if c.PolicyMaxStale < c.PolicyTTL {
		errs = append(errs, errors.New("POLICY_MAX_STALE must not be shorter than POLICY_TTL"))
	}
	return errors.Join(errs...)
}

// AsyncEnabled reports whether the SQS request and response queues are set.
func (c *Config) AsyncEnabled() bool {
	return c.SQSRequestQueueURL != "" && c.SQSResponseQueueURL != ""
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv accepts a bare number of seconds or a Go duration string.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
