/**
 * @description
 * This package implements the per-provider ingress capability for the
 * donation-service: each payment provider registers a `Provider` that can
 * authenticate a raw webhook delivery and normalize it into the canonical
 * event envelope consumed by the reconciliation dispatcher.
 *
 * The registry replaces string-switch dispatch: adding a provider means
 * registering a new implementation, never editing the dispatcher or handlers.
 *
 * @notes
 * - Shared secrets are resolved through the SecretSource abstraction, backed
 *   by the persisted webhook_endpoints table (not an in-process map), so every
 *   service instance sees the same configuration.
 * - All secret comparisons use constant-time primitives.
 */

package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/givly/donation-service/internal/domain"
)

var (
	// ErrAuthentication signals a bad or missing signature. Events rejected
	// with this error are still ledgered (signature_valid=false) for audit but
	// are never handed to the dispatcher.
	ErrAuthentication = errors.New("webhook signature verification failed")

	// ErrUnknownProvider signals a request for a provider key with no
	// registered implementation.
	ErrUnknownProvider = errors.New("unknown webhook provider")

	// ErrMalformedPayload signals a payload the provider could not normalize.
	// Not retryable: redelivery carries the same bytes.
	ErrMalformedPayload = errors.New("malformed provider payload")
)

// IngressRequest carries one raw webhook delivery through verification and
// normalization.
type IngressRequest struct {
	Provider        string
	Slug            string // path discriminator for custom endpoints
	SignatureHeader string
	RawBody         []byte
	ReceivedAt      time.Time
}

// SecretSource resolves the shared secret configured for a provider endpoint.
type SecretSource interface {
	Secret(ctx context.Context, provider, slug string) (string, error)
}

// Provider is the registered capability for one payment provider.
type Provider interface {
	Name() string
	Verify(ctx context.Context, req *IngressRequest) error
	Normalize(req *IngressRequest) (*domain.CanonicalEvent, error)
}

// Registry holds the registered providers keyed by name.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds a registry from the given providers.
func NewRegistry(providers ...Provider) *Registry {
	m := make(map[string]Provider, len(providers))
	for _, p := range providers {
		m[p.Name()] = p
	}
	return &Registry{providers: m}
}

// Get returns the provider registered under the given name.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return p, nil
}
