package ratelimit

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/habitusnet/llmgateway/internal/domain"
)

var benchLimit = domain.RateLimit{RequestsPerWindow: 10000, WindowSeconds: 60}

func BenchmarkInMemoryRateLimiter_Allow(b *testing.B) {
	rl := NewInMemoryRateLimiter()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rl.Allow(ctx, "tenant-1", benchLimit)
	}
}

// Tenants on different tiers share the limiter; each keeps its own bucket
// parameters.
func BenchmarkInMemoryRateLimiter_MixedTiers(b *testing.B) {
	rl := NewInMemoryRateLimiter()
	ctx := context.Background()
	limits := []domain.RateLimit{
		{RequestsPerWindow: 60, WindowSeconds: 60},
		{RequestsPerWindow: 600, WindowSeconds: 60, Burst: 100},
		benchLimit,
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			rl.Allow(ctx, fmt.Sprintf("tenant-%d", i%100), limits[i%len(limits)])
			i++
		}
	})
}

// A policy refresh that changes a tenant's limit on every call exercises the
// clamp path.
func BenchmarkInMemoryRateLimiter_PolicyChurn(b *testing.B) {
	rl := NewInMemoryRateLimiter()
	ctx := context.Background()
	a := domain.RateLimit{RequestsPerWindow: 100, WindowSeconds: 60}
	c := domain.RateLimit{RequestsPerWindow: 50, WindowSeconds: 30}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if i%2 == 0 {
			rl.Allow(ctx, "tenant-1", a)
		} else {
			rl.Allow(ctx, "tenant-1", c)
		}
	}
}

func BenchmarkRedisRateLimiter_Allow(b *testing.B) {
	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		b.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()

	rl := NewRedisRateLimiterWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer rl.Close()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rl.Allow(ctx, "tenant-1", benchLimit)
	}
}
