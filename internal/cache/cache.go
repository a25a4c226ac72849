// Package cache provides response caching for non-streaming requests.
// It supports both in-memory (single instance) and Redis (distributed) backends.
// Keys are namespaced by tenant so one tenant can never read another's entries.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/habitusnet/llmgateway/internal/domain"
)

const keyPrefix = "llmgateway:cache:"

// Cache defines the interface for response caching backends. Get returns a
// copy the caller may modify.
type Cache interface {
	Get(ctx context.Context, key string) (*domain.Response, bool)
	Set(ctx context.Context, key string, resp *domain.Response, ttl time.Duration) error
}

// GenerateCacheKey hashes the fields that determine a response. Stream,
// request IDs and timestamps are left out, so the same question asked as a
// blocking call maps to the same key whenever it is asked.
func GenerateCacheKey(req *domain.Request) string {
	data, _ := json.Marshal(struct {
		Model            string                 `json:"model"`
		Provider         string                 `json:"provider,omitempty"`
		Messages         []domain.Message       `json:"messages"`
		Temperature      *float64               `json:"temperature,omitempty"`
		MaxTokens        *int                   `json:"max_tokens,omitempty"`
		ResponseFormat   *domain.ResponseFormat `json:"response_format,omitempty"`
		Tools            []domain.Tool          `json:"tools,omitempty"`
		ToolChoice       *domain.ToolChoice     `json:"tool_choice,omitempty"`
		AdditionalParams map[string]any         `json:"additional_params,omitempty"`
	}{
		Model:            req.Model,
		Provider:         req.Provider,
		Messages:         req.Messages,
		Temperature:      req.Temperature,
		MaxTokens:        req.MaxTokens,
		ResponseFormat:   req.ResponseFormat,
		Tools:            req.Tools,
		ToolChoice:       req.ToolChoice,
		AdditionalParams: req.AdditionalParams,
	})

	hash := sha256.Sum256(data)
	return keyPrefix + req.TenantID + ":" + hex.EncodeToString(hash[:])
}

type InMemoryCache struct {
	now func() time.Time

	mu    sync.RWMutex
	items map[string]*cacheItem

	stop     chan struct{}
	stopOnce sync.Once
}

type cacheItem struct {
	response  *domain.Response
	expiresAt time.Time
}

type Option func(*InMemoryCache)

func WithClock(now func() time.Time) Option {
	return func(c *InMemoryCache) { c.now = now }
}

func NewInMemoryCache(opts ...Option) *InMemoryCache {
	c := &InMemoryCache{
		now:   time.Now,
		items: make(map[string]*cacheItem),
		stop:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.cleanup()
	return c
}

func (c *InMemoryCache) Get(ctx context.Context, key string) (*domain.Response, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, ok := c.items[key]
	if !ok {
		return nil, false
	}

	if !c.now().Before(item.expiresAt) {
		return nil, false
	}

	return item.response.Clone(), true
}

func (c *InMemoryCache) Set(ctx context.Context, key string, resp *domain.Response, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = &cacheItem{
		response:  resp.Clone(),
		expiresAt: c.now().Add(ttl),
	}

	return nil
}

func (c *InMemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Close stops the background sweep.
func (c *InMemoryCache) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	return nil
}

func (c *InMemoryCache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *InMemoryCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, item := range c.items {
		if !now.Before(item.expiresAt) {
			delete(c.items, key)
		}
	}
}
