/**
 * @description
 * Custom signed-callback verification and normalization. These are the
 * platform's own integrations (e.g., a bank-transfer confirmation relay): the
 * caller signs each delivery with the fixed shared secret configured for its
 * endpoint slug, compared here in constant time.
 */

package provider

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/givly/donation-service/internal/domain"
)

const CustomName = "custom"

// Custom verifies shared-secret signed callbacks.
type Custom struct {
	secrets SecretSource
}

// NewCustom creates the custom-callback capability.
func NewCustom(secrets SecretSource) *Custom {
	return &Custom{secrets: secrets}
}

func (p *Custom) Name() string { return CustomName }

// Verify compares the signature header to the endpoint's shared secret in
// constant time.
func (p *Custom) Verify(ctx context.Context, req *IngressRequest) error {
	received := strings.TrimSpace(req.SignatureHeader)
	if received == "" {
		return fmt.Errorf("%w: missing signature header", ErrAuthentication)
	}

	secret, err := p.secrets.Secret(ctx, CustomName, req.Slug)
	if err != nil {
		return fmt.Errorf("resolve custom endpoint secret: %w", err)
	}

	if subtle.ConstantTimeCompare([]byte(received), []byte(secret)) != 1 {
		return ErrAuthentication
	}
	return nil
}

// CustomEventPayload is the wire shape of a custom callback. The dispatcher
// re-parses it from the canonical event's Raw bytes to act on the status.
type CustomEventPayload struct {
	EventID     string `json:"event_id"`
	DonationRef string `json:"donation_ref"`
	Status      string `json:"status"` // paid | failed | refunded
	Amount      int64  `json:"amount,omitempty"`
	Currency    string `json:"currency,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Normalize wraps the callback in the canonical envelope. Custom callbacks
// keep their own event type; the dispatcher's custom handler interprets the
// embedded status.
func (p *Custom) Normalize(req *IngressRequest) (*domain.CanonicalEvent, error) {
	var payload CustomEventPayload
	if err := json.Unmarshal(req.RawBody, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if payload.EventID == "" || payload.DonationRef == "" {
		return nil, fmt.Errorf("%w: missing event_id or donation_ref", ErrMalformedPayload)
	}

	switch payload.Status {
	case "paid", "failed", "refunded":
	default:
		return nil, fmt.Errorf("%w: unhandled status %q", ErrMalformedPayload, payload.Status)
	}

	return &domain.CanonicalEvent{
		Provider:           CustomName,
		EventID:            payload.EventID,
		Type:               domain.EventCustomDonation,
		ExternalPaymentRef: payload.DonationRef,
		Amount:             payload.Amount,
		Currency:           strings.ToUpper(payload.Currency),
		Reason:             payload.Reason,
		Raw:                req.RawBody,
	}, nil
}
