package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_requests_total",
			Help: "Total number of requests processed",
		},
		[]string{"tenant_id", "provider", "model", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmgateway_request_duration_seconds",
			Help:    "End-to-end request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"tenant_id", "provider", "model"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_tokens_total",
			Help: "Total number of tokens processed",
		},
		[]string{"tenant_id", "provider", "model", "type"},
	)

	CostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_cost_usd_total",
			Help: "Total estimated cost in USD",
		},
		[]string{"tenant_id", "provider", "model"},
	)

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"tenant_id"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"tenant_id"},
	)

	ProviderHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llmgateway_provider_healthy",
			Help: "Result of the last provider health check (1=healthy, 0=failed)",
		},
		[]string{"provider"},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_provider_errors_total",
			Help: "Total number of provider errors by kind",
		},
		[]string{"provider", "error_type"},
	)

	Fallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_fallbacks_total",
			Help: "Requests retried on a second provider after a transient failure",
		},
		[]string{"from", "to"},
	)

	EmulatedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_emulated_requests_total",
			Help: "Responses produced with at least one emulated feature",
		},
		[]string{"provider", "feature"},
	)

	StreamStalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_stream_stalls_total",
			Help: "Streams terminated by the idle timeout",
		},
		[]string{"provider"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_rate_limit_hits_total",
			Help: "Total number of rate limit rejections",
		},
		[]string{"tenant_id"},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "llmgateway_active_streams",
			Help: "Number of streams currently open",
		},
	)

	InstanceInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llmgateway_instance_info",
			Help: "Instance information (always 1)",
		},
		[]string{"version"},
	)
)

func RecordRequest(tenantID, provider, model, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(tenantID, provider, model, status).Inc()
	RequestDuration.WithLabelValues(tenantID, provider, model).Observe(durationSec)
}

func RecordTokens(tenantID, provider, model string, inputTokens, outputTokens int) {
	TokensTotal.WithLabelValues(tenantID, provider, model, "input").Add(float64(inputTokens))
	TokensTotal.WithLabelValues(tenantID, provider, model, "output").Add(float64(outputTokens))
}

func RecordCost(tenantID, provider, model string, costUSD float64) {
	if costUSD <= 0 {
		return
	}
	CostTotal.WithLabelValues(tenantID, provider, model).Add(costUSD)
}

func RecordCacheHit(tenantID string) {
	CacheHits.WithLabelValues(tenantID).Inc()
}

func RecordCacheMiss(tenantID string) {
	CacheMisses.WithLabelValues(tenantID).Inc()
}

func RecordProviderError(provider, errorType string) {
	ProviderErrors.WithLabelValues(provider, errorType).Inc()
}

func RecordFallback(from, to string) {
	Fallbacks.WithLabelValues(from, to).Inc()
}

func RecordEmulated(provider string, features []string) {
	for _, f := range features {
		EmulatedRequests.WithLabelValues(provider, f).Inc()
	}
}

func RecordStreamStall(provider string) {
	StreamStalls.WithLabelValues(provider).Inc()
}

func RecordRateLimitHit(tenantID string) {
	RateLimitHits.WithLabelValues(tenantID).Inc()
}

func SetProviderHealthy(provider string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	ProviderHealthy.WithLabelValues(provider).Set(v)
}

func InitInstanceMetrics(version string) {
	InstanceInfo.WithLabelValues(version).Set(1)
}

func IncrementActiveStreams() {
	ActiveStreams.Inc()
}

func DecrementActiveStreams() {
	ActiveStreams.Dec()
}
