package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/habitusnet/llmgateway/internal/crypto"
	"github.com/habitusnet/llmgateway/internal/domain"
)

// RedisCache stores responses as JSON. With an Encryptor the payload is
// sealed with the entry key as associated data, so a ciphertext copied under
// another key (or tenant) fails to open.
type RedisCache struct {
	client    redis.UniversalClient
	encryptor *crypto.Encryptor
}

type RedisOption func(*RedisCache)

func WithEncryptor(e *crypto.Encryptor) RedisOption {
	return func(c *RedisCache) { c.encryptor = e }
}

func NewRedisCache(redisURL string, opts ...RedisOption) (*RedisCache, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return NewRedisCacheWithClient(client, opts...), nil
}

func NewRedisCacheWithClient(client redis.UniversalClient, opts ...RedisOption) *RedisCache {
	c := &RedisCache{client: client}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get treats every failure as a miss; a broken cache must not fail requests.
func (c *RedisCache) Get(ctx context.Context, key string) (*domain.Response, bool) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("cache read failed", "error", err)
		}
		return nil, false
	}

	if c.encryptor != nil {
		data, err = c.encryptor.Open(data, []byte(key))
		if err != nil {
			slog.Warn("cache entry could not be decrypted", "error", err)
			return nil, false
		}
	}

	var resp domain.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false
	}

	return &resp, true
}

func (c *RedisCache) Set(ctx context.Context, key string, resp *domain.Response, ttl time.Duration) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}

	if c.encryptor != nil {
		data, err = c.encryptor.Seal(data, []byte(key))
		if err != nil {
			return fmt.Errorf("encrypt response: %w", err)
		}
	}

	return c.client.Set(ctx, key, data, ttl).Err()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
