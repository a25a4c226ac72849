package cache

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"

	"github.com/habitusnet/llmgateway/internal/crypto"
	"github.com/habitusnet/llmgateway/internal/domain"
)

func newTestRedisCache(t *testing.T, opts ...RedisOption) *RedisCache {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		url = "redis://" + miniredis.RunT(t).Addr()
	}
	c, err := NewRedisCache(url, opts...)
	if err != nil {
		t.Fatalf("connect redis: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRedisCache_SetAndGet(t *testing.T) {
	c := newTestRedisCache(t)
	ctx := context.Background()
	key := keyPrefix + "test:" + uuid.NewString()

	resp := &domain.Response{ID: "resp-1", Provider: "p1", Usage: domain.Usage{TotalTokens: 3}}
	if err := c.Set(ctx, key, resp, time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, ok := c.Get(ctx, key)
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got.ID != "resp-1" || got.Usage.TotalTokens != 3 {
		t.Errorf("unexpected response %+v", got)
	}
}

func TestRedisCache_Encrypted(t *testing.T) {
	enc, err := crypto.NewEncryptor("test-secret")
	if err != nil {
		t.Fatal(err)
	}
	c := newTestRedisCache(t, WithEncryptor(enc))
	ctx := context.Background()
	key := keyPrefix + "test:" + uuid.NewString()
	other := keyPrefix + "other:" + uuid.NewString()

	c.Set(ctx, key, &domain.Response{ID: "secret-resp"}, time.Minute)

	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) == "" || bytes.Contains(raw, []byte("secret-resp")) {
		t.Error("payload stored in the clear")
	}

	c.client.Set(ctx, other, raw, time.Minute)
	if _, ok := c.Get(ctx, other); ok {
		t.Error("ciphertext copied under another key must not open")
	}

	if got, ok := c.Get(ctx, key); !ok || got.ID != "secret-resp" {
		t.Error("expected encrypted entry to round trip")
	}
}
