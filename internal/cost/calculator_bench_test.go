package cost

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/habitusnet/llmgateway/internal/capability"
	"github.com/habitusnet/llmgateway/internal/domain"
)

func BenchmarkCalculator_Calculate(b *testing.B) {
	calc := NewCalculator(capability.Default())
	usage := domain.Usage{PromptTokens: 1000, CompletionTokens: 500}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		calc.Calculate("openai", "gpt-4o", usage)
	}
}

func BenchmarkInMemoryTracker_Record(b *testing.B) {
	tracker := NewInMemoryTracker()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tracker.Record(ctx, UsageRecord{
			TenantID:     "tenant-1",
			RequestID:    fmt.Sprintf("req-%d", i),
			Model:        "gpt-4o",
			Provider:     "openai",
			InputTokens:  100,
			OutputTokens: 50,
			CostUSD:      0.01,
			Timestamp:    time.Now(),
		})
	}
}
