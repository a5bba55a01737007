package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/givly/donation-service/internal/domain"
	"github.com/givly/donation-service/internal/provider"
	"github.com/givly/donation-service/internal/store"
)

type endpointRepoStub struct {
	store.Repository

	endpoint *domain.WebhookEndpoint
	err      error
	lookups  int
}

func (s *endpointRepoStub) FindWebhookEndpoint(ctx context.Context, providerName, slug string) (*domain.WebhookEndpoint, error) {
	s.lookups++
	if s.err != nil {
		return nil, s.err
	}
	return s.endpoint, nil
}

type mapSecretCache struct {
	entries map[string]string
	sets    int
}

func (c *mapSecretCache) Get(ctx context.Context, key string) (string, bool) {
	v, ok := c.entries[key]
	return v, ok
}

func (c *mapSecretCache) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if c.entries == nil {
		c.entries = map[string]string{}
	}
	c.entries[key] = value
	c.sets++
}

func TestSecret_CachesStoreLookups(t *testing.T) {
	repo := &endpointRepoStub{endpoint: &domain.WebhookEndpoint{Provider: "custom", Slug: "link-1", Secret: "s3cret"}}
	cache := &mapSecretCache{}
	source := NewStoreSecretSource(repo, cache, time.Minute)

	for i := 0; i < 3; i++ {
		secret, err := source.Secret(context.Background(), "custom", "link-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if secret != "s3cret" {
			t.Fatalf("unexpected secret %q", secret)
		}
	}

	if repo.lookups != 1 {
		t.Fatalf("expected one store lookup, got %d", repo.lookups)
	}
	if cache.sets != 1 {
		t.Fatalf("expected one cache fill, got %d", cache.sets)
	}
}

func TestSecret_UnknownEndpointIsAuthFailure(t *testing.T) {
	repo := &endpointRepoStub{err: store.ErrWebhookEndpointNotFound}
	source := NewStoreSecretSource(repo, nil, 0)

	_, err := source.Secret(context.Background(), "custom", "gone")
	if !errors.Is(err, provider.ErrAuthentication) {
		t.Fatalf("expected authentication error, got %v", err)
	}
}

func TestSecret_NilCacheGoesToStore(t *testing.T) {
	repo := &endpointRepoStub{endpoint: &domain.WebhookEndpoint{Provider: "custom", Slug: "link-1", Secret: "s3cret"}}
	source := NewStoreSecretSource(repo, nil, 0)

	if _, err := source.Secret(context.Background(), "custom", "link-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := source.Secret(context.Background(), "custom", "link-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.lookups != 2 {
		t.Fatalf("expected every lookup to hit the store, got %d", repo.lookups)
	}
}
