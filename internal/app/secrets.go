package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/givly/donation-service/internal/provider"
	"github.com/givly/donation-service/internal/store"
)

// defaultSecretCacheTTL keeps cached endpoint secrets short-lived so a
// rotated or deactivated endpoint takes effect within a minute.
const defaultSecretCacheTTL = time.Minute

// SecretCache is the read-through cache in front of the webhook_endpoints
// lookup. Misses and backend errors both read as a miss.
type SecretCache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration)
}

// RedisSecretCache backs SecretCache with Redis, shared across instances.
type RedisSecretCache struct {
	client redis.UniversalClient
}

func NewRedisSecretCache(client redis.UniversalClient) *RedisSecretCache {
	return &RedisSecretCache{client: client}
}

func (c *RedisSecretCache) Get(ctx context.Context, key string) (string, bool) {
	value, err := c.client.Get(ctx, key).Result()
	if err != nil {
		return "", false
	}
	return value, true
}

func (c *RedisSecretCache) Set(ctx context.Context, key, value string, ttl time.Duration) {
	c.client.Set(ctx, key, value, ttl)
}

// StoreSecretSource resolves endpoint shared secrets from the persisted
// webhook_endpoints table, fronted by a short-TTL cache so signature
// verification does not hit Postgres on every delivery. An unknown or
// deactivated endpoint reads as an authentication failure, not a server error.
type StoreSecretSource struct {
	repo  store.Repository
	cache SecretCache
	ttl   time.Duration
}

// NewStoreSecretSource creates the secret source. cache may be nil, in which
// case every lookup goes to the store.
func NewStoreSecretSource(repo store.Repository, cache SecretCache, ttl time.Duration) *StoreSecretSource {
	if ttl <= 0 {
		ttl = defaultSecretCacheTTL
	}
	return &StoreSecretSource{repo: repo, cache: cache, ttl: ttl}
}

func (s *StoreSecretSource) Secret(ctx context.Context, providerName, slug string) (string, error) {
	cacheKey := "givly:webhook_secret:" + providerName + ":" + slug
	if s.cache != nil {
		if secret, ok := s.cache.Get(ctx, cacheKey); ok {
			return secret, nil
		}
	}

	endpoint, err := s.repo.FindWebhookEndpoint(ctx, providerName, slug)
	if err != nil {
		if errors.Is(err, store.ErrWebhookEndpointNotFound) {
			return "", fmt.Errorf("%w: no active endpoint for %s/%s", provider.ErrAuthentication, providerName, slug)
		}
		return "", err
	}

	if s.cache != nil {
		s.cache.Set(ctx, cacheKey, endpoint.Secret, s.ttl)
	}
	return endpoint.Secret, nil
}
