package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/habitusnet/llmgateway/internal/domain"
)

// tokenBucketScript refills and spends atomically. Tokens are stored as
// fractional milli-tokens: a caller retrying faster than one milli-token of
// refill must still accumulate credit between calls.
//
// KEYS[1] bucket key
// ARGV[1] capacity (milli-tokens)
// ARGV[2] requests per window
// ARGV[3] window (seconds)
// ARGV[4] now (unix milliseconds)
// ARGV[5] key ttl (seconds)
var tokenBucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local per_window = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil then
  tokens = capacity
  ts = now
end

local elapsed = now - ts
if elapsed > 0 then
  tokens = tokens + elapsed * per_window / window
end
if tokens > capacity then
  tokens = capacity
end

local allowed = 0
if tokens >= 1000 then
  tokens = tokens - 1000
  allowed = 1
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", now)
redis.call("EXPIRE", KEYS[1], ttl)
return {allowed, math.floor(tokens)}
`)

// RedisRateLimiter shares buckets between gateway instances.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisRateLimiter(redisURL string) (*RedisRateLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return NewRedisRateLimiterWithClient(client), nil
}

func NewRedisRateLimiterWithClient(client redis.UniversalClient) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, prefix: "llmgateway:ratelimit:", now: time.Now}
}

func (r *RedisRateLimiter) Allow(ctx context.Context, tenantID string, limit domain.RateLimit) (Decision, error) {
	p, ok := bucketParams(limit)
	if !ok {
		return unlimited(), nil
	}

	now := r.now()
	capacity := int64(p.capacity * 1000)
	// Idle buckets expire once they would have refilled anyway.
	ttl := int64(p.durationFor(p.capacity).Seconds()) + 1

	res, err := tokenBucketScript.Run(ctx, r.client, []string{r.prefix + tenantID},
		capacity, p.perWindow, p.window, now.UnixMilli(), ttl).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}

	tokens := float64(res[1]) / 1000
	d := Decision{
		Allowed:   res[0] == 1,
		Remaining: int(tokens),
		ResetAt:   now.Add(p.durationFor(p.capacity - tokens)),
	}
	if !d.Allowed {
		d.RetryAfter = p.durationFor(1 - tokens)
	}
	return d, nil
}

// Reset drops a tenant's bucket.
func (r *RedisRateLimiter) Reset(ctx context.Context, tenantID string) error {
	return r.client.Del(ctx, r.prefix+tenantID).Err()
}

func (r *RedisRateLimiter) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisRateLimiter) Close() error {
	return r.client.Close()
}
