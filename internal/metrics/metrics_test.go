package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordRequest(t *testing.T) {
	RequestsTotal.Reset()
	RequestDuration.Reset()

	RecordRequest("tenant1", "openai", "gpt-4o", "success", 1.5)

	count := testutil.ToFloat64(RequestsTotal.WithLabelValues("tenant1", "openai", "gpt-4o", "success"))
	if count != 1 {
		t.Errorf("RequestsTotal = %v, want 1", count)
	}
}

func TestRecordTokens(t *testing.T) {
	TokensTotal.Reset()

	RecordTokens("tenant1", "openai", "gpt-4o", 100, 50)

	if v := testutil.ToFloat64(TokensTotal.WithLabelValues("tenant1", "openai", "gpt-4o", "input")); v != 100 {
		t.Errorf("input tokens = %v, want 100", v)
	}
	if v := testutil.ToFloat64(TokensTotal.WithLabelValues("tenant1", "openai", "gpt-4o", "output")); v != 50 {
		t.Errorf("output tokens = %v, want 50", v)
	}
}

func TestRecordCost(t *testing.T) {
	CostTotal.Reset()

	RecordCost("tenant1", "openai", "gpt-4o", 0.05)
	RecordCost("tenant1", "openai", "gpt-4o", 0)

	if v := testutil.ToFloat64(CostTotal.WithLabelValues("tenant1", "openai", "gpt-4o")); v != 0.05 {
		t.Errorf("CostTotal = %v, want 0.05", v)
	}
}

func TestRecordCacheHitAndMiss(t *testing.T) {
	CacheHits.Reset()
	CacheMisses.Reset()

	RecordCacheHit("tenant1")
	RecordCacheHit("tenant1")
	RecordCacheMiss("tenant1")

	if v := testutil.ToFloat64(CacheHits.WithLabelValues("tenant1")); v != 2 {
		t.Errorf("CacheHits = %v, want 2", v)
	}
	if v := testutil.ToFloat64(CacheMisses.WithLabelValues("tenant1")); v != 1 {
		t.Errorf("CacheMisses = %v, want 1", v)
	}
}

func TestRecordProviderError(t *testing.T) {
	ProviderErrors.Reset()

	tests := []struct {
		provider  string
		errorType string
	}{
		{"openai", "ProviderTransientError"},
		{"openai", "ProviderTransientError"},
		{"anthropic", "ProviderAuthError"},
	}
	for _, tt := range tests {
		RecordProviderError(tt.provider, tt.errorType)
	}

	if v := testutil.ToFloat64(ProviderErrors.WithLabelValues("openai", "ProviderTransientError")); v != 2 {
		t.Errorf("openai transient = %v, want 2", v)
	}
	if v := testutil.ToFloat64(ProviderErrors.WithLabelValues("anthropic", "ProviderAuthError")); v != 1 {
		t.Errorf("anthropic auth = %v, want 1", v)
	}
}

func TestRecordFallbackAndEmulated(t *testing.T) {
	Fallbacks.Reset()
	EmulatedRequests.Reset()

	RecordFallback("p1", "p2")
	RecordEmulated("ollama", []string{"json_mode", "tools"})

	if v := testutil.ToFloat64(Fallbacks.WithLabelValues("p1", "p2")); v != 1 {
		t.Errorf("Fallbacks = %v, want 1", v)
	}
	if v := testutil.ToFloat64(EmulatedRequests.WithLabelValues("ollama", "tools")); v != 1 {
		t.Errorf("EmulatedRequests = %v, want 1", v)
	}
}

func TestSetProviderHealthy(t *testing.T) {
	tests := []struct {
		healthy bool
		want    float64
	}{
		{true, 1},
		{false, 0},
	}

	for _, tt := range tests {
		SetProviderHealthy("openai", tt.healthy)
		if v := testutil.ToFloat64(ProviderHealthy.WithLabelValues("openai")); v != tt.want {
			t.Errorf("ProviderHealthy = %v, want %v", v, tt.want)
		}
	}
}

func TestActiveStreams(t *testing.T) {
	before := testutil.ToFloat64(ActiveStreams)

	IncrementActiveStreams()
	IncrementActiveStreams()
	DecrementActiveStreams()

	if v := testutil.ToFloat64(ActiveStreams); v != before+1 {
		t.Errorf("ActiveStreams = %v, want %v", v, before+1)
	}
}
