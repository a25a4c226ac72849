// Package secrets fetches provider credentials from AWS Secrets Manager so
// they do not have to live in the process environment.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

const DefaultCacheTTL = 5 * time.Minute

var ErrSecretNotFound = errors.New("secret not found")

type Store interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// ProviderKeys is the JSON document stored under the gateway's secret name.
// Empty fields leave the corresponding environment value in place.
type ProviderKeys struct {
	OpenAI    string `json:"openai_api_key,omitempty"`
	Anthropic string `json:"anthropic_api_key,omitempty"`
	Gemini    string `json:"gemini_api_key,omitempty"`
}

// LoadProviderKeys reads and decodes the provider key document.
func LoadProviderKeys(ctx context.Context, store Store, name string) (ProviderKeys, error) {
	var keys ProviderKeys
	raw, err := store.GetSecret(ctx, name)
	if err != nil {
		return keys, err
	}
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return keys, fmt.Errorf("decode secret %s: %w", name, err)
	}
	return keys, nil
}

// Merge returns k with empty fields filled from fallback.
func (k ProviderKeys) Merge(fallback ProviderKeys) ProviderKeys {
	if k.OpenAI == "" {
		k.OpenAI = fallback.OpenAI
	}
	if k.Anthropic == "" {
		k.Anthropic = fallback.Anthropic
	}
	if k.Gemini == "" {
		k.Gemini = fallback.Gemini
	}
	return k
}

// Getter is the part of the Secrets Manager client the store uses.
type Getter interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type AWSSecretsManager struct {
	client Getter
	ttl    time.Duration
	now    func() time.Time

	mu    sync.RWMutex
	cache map[string]cachedSecret
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

func NewAWSSecretsManager(ctx context.Context, region string) (*AWSSecretsManager, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewAWSSecretsManagerWithClient(secretsmanager.NewFromConfig(cfg)), nil
}

func NewAWSSecretsManagerWithClient(client Getter) *AWSSecretsManager {
	return &AWSSecretsManager{
		client: client,
		ttl:    DefaultCacheTTL,
		now:    time.Now,
		cache:  make(map[string]cachedSecret),
	}
}

func (s *AWSSecretsManager) SetCacheTTL(ttl time.Duration) {
	s.mu.Lock()
	s.ttl = ttl
	s.mu.Unlock()
}

func (s *AWSSecretsManager) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	c, ok := s.cache[name]
	ttl := s.ttl
	s.mu.RUnlock()
	if ok && s.now().Before(c.expiresAt) {
		return c.value, nil
	}

	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", name, err)
	}
	if result.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value: %w", name, ErrSecretNotFound)
	}

	value := *result.SecretString
	s.mu.Lock()
	s.cache[name] = cachedSecret{value: value, expiresAt: s.now().Add(ttl)}
	s.mu.Unlock()
	return value, nil
}

func (s *AWSSecretsManager) ClearCache() {
	s.mu.Lock()
	s.cache = make(map[string]cachedSecret)
	s.mu.Unlock()
}

type InMemorySecretStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

func NewInMemorySecretStore() *InMemorySecretStore {
	return &InMemorySecretStore{secrets: make(map[string]string)}
}

func (s *InMemorySecretStore) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.secrets[name]
	if !ok {
		return "", fmt.Errorf("secret %s: %w", name, ErrSecretNotFound)
	}
	return value, nil
}

func (s *InMemorySecretStore) SetSecret(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[name] = value
}

func (s *InMemorySecretStore) DeleteSecret(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.secrets, name)
}
