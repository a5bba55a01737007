/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the donation-service. By defining an interface,
 * we decouple the application's business logic from the specific database implementation
 * (e.g., PostgreSQL), making the code more modular and easier to test.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation and handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/givly/donation-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Donation methods
	CreateDonation(ctx context.Context, d *domain.Donation) error
	FindDonationByID(ctx context.Context, donationID uuid.UUID) (*domain.Donation, error)
	FindDonationByExternalPaymentRef(ctx context.Context, externalPaymentRef string) (*domain.Donation, error)

	// ClaimDonationForSettlement atomically moves a donation from 'pending' to
	// 'completed'. It returns claimed=false when another caller already won the
	// compare-and-swap (or the donation is not pending); this is the exclusivity
	// gate that makes settlement exactly-once.
	ClaimDonationForSettlement(ctx context.Context, donationID uuid.UUID) (d *domain.Donation, claimed bool, err error)

	// ReleaseDonationFromSettlement rolls a claimed donation back to 'pending'
	// after a wallet-transfer failure. It refuses to touch donations that
	// already carry a settlement transaction reference.
	ReleaseDonationFromSettlement(ctx context.Context, donationID uuid.UUID) error

	// SetDonationSettlementTxRef persists the wallet transaction reference,
	// write-once: a second call for the same donation is a no-op.
	SetDonationSettlementTxRef(ctx context.Context, donationID uuid.UUID, txRef string) error

	MarkDonationFailed(ctx context.Context, donationID uuid.UUID, failureReason string) error
	MarkDonationRefunded(ctx context.Context, donationID uuid.UUID, refundReason string) (*domain.Donation, error)
	ReopenFailedDonation(ctx context.Context, donationID uuid.UUID) error

	// Webhook ledger methods
	// UpsertWebhookEvent stores an inbound delivery keyed by (provider, event_id).
	// inserted=false means the key already existed; the returned record then
	// reflects the prior delivery's state so callers can short-circuit.
	UpsertWebhookEvent(ctx context.Context, e *domain.WebhookEvent) (record *domain.WebhookEvent, inserted bool, err error)
	FindWebhookEvent(ctx context.Context, provider, eventID string) (*domain.WebhookEvent, error)
	MarkWebhookEventProcessing(ctx context.Context, eventID uuid.UUID) (bool, error)
	MarkWebhookEventCompleted(ctx context.Context, eventID uuid.UUID, donationID *uuid.UUID, processingMs int64) error
	MarkWebhookEventFailed(ctx context.Context, eventID uuid.UUID, donationID *uuid.UUID, errorMessage string, nextRetryAt *time.Time) error
	MarkWebhookEventExhausted(ctx context.Context, eventID uuid.UUID, errorMessage string) error

	// ClaimWebhookEventsForRetry atomically selects events due for retry
	// (failed, retries remaining, next_retry_at elapsed or unset), bumps their
	// retry_count and flips them to 'processing' so concurrent sweepers on other
	// instances cannot pick them up twice.
	ClaimWebhookEventsForRetry(ctx context.Context, limit int, now time.Time) ([]domain.WebhookEvent, error)

	// PurgeTerminalWebhookEvents deletes completed/exhausted ledger rows older
	// than the cutoff. Retention only; business logic never deletes ledger rows.
	PurgeTerminalWebhookEvents(ctx context.Context, olderThan time.Time) (int64, error)

	// Webhook endpoint configuration
	FindWebhookEndpoint(ctx context.Context, provider, slug string) (*domain.WebhookEndpoint, error)
}
