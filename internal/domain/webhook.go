/**
 * @description
 * This file models inbound provider webhook deliveries and their durable ledger
 * records. The `(provider, event_id)` pair is the idempotency key for the whole
 * reconciliation pipeline: the webhook_events table carries a unique index on it
 * and the upsert in the store is the sole deduplication mechanism.
 */

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Ledger processing states for a webhook event.
const (
	WebhookStatusPending    = "pending"
	WebhookStatusProcessing = "processing"
	WebhookStatusCompleted  = "completed"
	WebhookStatusFailed     = "failed"
)

// Canonical event types produced by provider normalization. The dispatcher
// routes on these, never on provider-specific type strings.
const (
	EventPaymentSucceeded   = "payment_succeeded"
	EventPaymentFailed      = "payment_failed"
	EventPaymentRefunded    = "payment_refunded"
	EventCustomDonation     = "custom_donation_event"
)

// WebhookEvent is the durable, deduplicated record of one inbound provider
// notification. It maps directly to the `webhook_events` table.
type WebhookEvent struct {
	ID             uuid.UUID       `json:"id"`
	Provider       string          `json:"provider"`
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	Signature      string          `json:"signature"`
	SignatureValid bool            `json:"signature_valid"`
	Status         string          `json:"status"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty"`
	ProcessingMs   *int64          `json:"processing_ms,omitempty"`
	DonationID     *uuid.UUID      `json:"donation_id,omitempty"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	ReceivedAt     time.Time       `json:"received_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// RetriesExhausted reports whether the event has used up its retry budget.
func (e *WebhookEvent) RetriesExhausted() bool {
	return e.RetryCount >= e.MaxRetries
}

// CanonicalEvent is the provider-neutral envelope handed to the reconciliation
// dispatcher after signature verification and normalization.
type CanonicalEvent struct {
	Provider           string          `json:"provider"`
	EventID            string          `json:"event_id"`
	Type               string          `json:"type"`
	ExternalPaymentRef string          `json:"external_payment_ref"`
	Amount             int64           `json:"amount,omitempty"`
	Currency           string          `json:"currency,omitempty"`
	Reason             string          `json:"reason,omitempty"`
	Raw                json.RawMessage `json:"raw,omitempty"`
}

// DispatchResult reports the outcome of one reconciliation pass over an event.
type DispatchResult struct {
	Success    bool       `json:"success"`
	DonationID *uuid.UUID `json:"donation_id,omitempty"`
	Message    string     `json:"message"`
	// Retryable marks failures the retry scheduler may re-feed to the
	// dispatcher; validation and authentication failures are not retryable.
	Retryable bool `json:"-"`
}

// WebhookEndpoint is the persisted configuration for one provider ingress
// endpoint (shared secret included). Kept in the database rather than an
// in-process map so multi-instance deployments stay consistent.
type WebhookEndpoint struct {
	ID        uuid.UUID `json:"id"`
	Provider  string    `json:"provider"`
	Slug      string    `json:"slug"` // path discriminator for custom endpoints, empty otherwise
	Secret    string    `json:"-"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WebhookRetriesExhaustedEvent is published to the stats exchange when an
// event permanently fails after exhausting its retry budget.
type WebhookRetriesExhaustedEvent struct {
	Provider   string     `json:"provider"`
	EventID    string     `json:"event_id"`
	EventType  string     `json:"event_type"`
	DonationID *uuid.UUID `json:"donation_id,omitempty"`
	RetryCount int        `json:"retry_count"`
	LastError  string     `json:"last_error"`
	FailedAt   time.Time  `json:"failed_at"`
}
