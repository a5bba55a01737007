/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the necessary SQL queries to interact with the database tables
 * related to donations, the webhook event ledger, and webhook endpoint configuration.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 *
 * @notes
 * - The donations table carries a unique index on external_payment_ref and an
 *   index on status; webhook_events carries a unique index on (provider, event_id).
 * - Status transitions are expressed as conditional UPDATEs (compare-and-swap on
 *   the status column) so correctness does not depend on in-process locking and
 *   remains safe across multiple service instances.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/givly/donation-service/internal/domain"
)

var (
	ErrDonationNotFound        = errors.New("donation not found")
	ErrWebhookEventNotFound    = errors.New("webhook event not found")
	ErrWebhookEndpointNotFound = errors.New("webhook endpoint not found")
	ErrDuplicatePaymentRef     = errors.New("external payment reference already exists")
)

const donationColumns = `
	id, donor_id, recipient_id, donation_link_id, external_payment_ref,
	settlement_tx_ref, amount, currency, message, is_anonymous, payment_method,
	processing_fee, net_amount, status, failure_reason, refund_reason,
	is_refunded, metadata, completed_at, failed_at, refunded_at, created_at, updated_at`

const webhookEventColumns = `
	id, provider, event_id, event_type, payload, signature, signature_valid,
	status, retry_count, max_retries, next_retry_at, processing_ms, donation_id,
	error_message, received_at, updated_at`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type pgxRow interface {
	Scan(dest ...any) error
}

func scanDonation(row pgxRow) (*domain.Donation, error) {
	var d domain.Donation
	var metadata []byte
	err := row.Scan(
		&d.ID,
		&d.DonorID,
		&d.RecipientID,
		&d.DonationLinkID,
		&d.ExternalPaymentRef,
		&d.SettlementTxRef,
		&d.Amount,
		&d.Currency,
		&d.Message,
		&d.IsAnonymous,
		&d.PaymentMethod,
		&d.ProcessingFee,
		&d.NetAmount,
		&d.Status,
		&d.FailureReason,
		&d.RefundReason,
		&d.IsRefunded,
		&metadata,
		&d.CompletedAt,
		&d.FailedAt,
		&d.RefundedAt,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &d.Metadata); err != nil {
			return nil, fmt.Errorf("decode donation metadata: %w", err)
		}
	}
	return &d, nil
}

// CreateDonation inserts a new donation row in the 'pending' state.
func (r *PostgresRepository) CreateDonation(ctx context.Context, d *domain.Donation) error {
	metadata, err := json.Marshal(d.Metadata)
	if err != nil {
		return fmt.Errorf("encode donation metadata: %w", err)
	}

	query := `
		INSERT INTO donations (
			id,
			donor_id,
			recipient_id,
			donation_link_id,
			external_payment_ref,
			amount,
			currency,
			message,
			is_anonymous,
			payment_method,
			processing_fee,
			net_amount,
			status,
			metadata
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err = r.db.Exec(ctx, query,
		d.ID,
		d.DonorID,
		d.RecipientID,
		d.DonationLinkID,
		d.ExternalPaymentRef,
		d.Amount,
		d.Currency,
		d.Message,
		d.IsAnonymous,
		d.PaymentMethod,
		d.ProcessingFee,
		d.NetAmount,
		d.Status,
		metadata,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicatePaymentRef
		}
		return err
	}
	return nil
}

// FindDonationByID retrieves a donation by its primary key.
func (r *PostgresRepository) FindDonationByID(ctx context.Context, donationID uuid.UUID) (*domain.Donation, error) {
	query := fmt.Sprintf(`SELECT %s FROM donations WHERE id = $1`, donationColumns)
	d, err := scanDonation(r.db.QueryRow(ctx, query, donationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDonationNotFound
		}
		return nil, err
	}
	return d, nil
}

// FindDonationByExternalPaymentRef resolves the donation a provider event refers to.
func (r *PostgresRepository) FindDonationByExternalPaymentRef(ctx context.Context, externalPaymentRef string) (*domain.Donation, error) {
	query := fmt.Sprintf(`SELECT %s FROM donations WHERE external_payment_ref = $1`, donationColumns)
	d, err := scanDonation(r.db.QueryRow(ctx, query, externalPaymentRef))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDonationNotFound
		}
		return nil, err
	}
	return d, nil
}

// ClaimDonationForSettlement performs the compare-and-swap from 'pending' to
// 'completed'. Exactly one concurrent caller observes claimed=true; everyone
// else sees zero rows updated and must treat settlement as a no-op.
func (r *PostgresRepository) ClaimDonationForSettlement(ctx context.Context, donationID uuid.UUID) (*domain.Donation, bool, error) {
	query := fmt.Sprintf(`
		UPDATE donations
		SET status = 'completed',
		    completed_at = COALESCE(completed_at, NOW()),
		    updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING %s`, donationColumns)

	d, err := scanDonation(r.db.QueryRow(ctx, query, donationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return d, true, nil
}

// ReleaseDonationFromSettlement rolls back a claimed-but-unsettled donation to
// 'pending' so the operation stays retryable. Donations that already hold a
// settlement transaction reference are left alone: funds moved.
func (r *PostgresRepository) ReleaseDonationFromSettlement(ctx context.Context, donationID uuid.UUID) error {
	query := `
		UPDATE donations
		SET status = 'pending', completed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'completed' AND settlement_tx_ref IS NULL
	`
	_, err := r.db.Exec(ctx, query, donationID)
	return err
}

// SetDonationSettlementTxRef stores the wallet transaction reference, write-once.
func (r *PostgresRepository) SetDonationSettlementTxRef(ctx context.Context, donationID uuid.UUID, txRef string) error {
	query := `
		UPDATE donations
		SET settlement_tx_ref = $2, updated_at = NOW()
		WHERE id = $1 AND settlement_tx_ref IS NULL
	`
	_, err := r.db.Exec(ctx, query, donationID, txRef)
	return err
}

// MarkDonationFailed moves a pending donation to 'failed' and records the reason.
func (r *PostgresRepository) MarkDonationFailed(ctx context.Context, donationID uuid.UUID, failureReason string) error {
	query := `
		UPDATE donations
		SET status = 'failed', failure_reason = $2, failed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`
	_, err := r.db.Exec(ctx, query, donationID, failureReason)
	return err
}

// MarkDonationRefunded drives the completed -> cancelled refund edge
// atomically. The settlement_tx_ref guard keeps a refund from landing inside
// the window where a settlement has won its claim but is still moving funds;
// such a row would otherwise be cancelled and then have the reference written
// onto it.
func (r *PostgresRepository) MarkDonationRefunded(ctx context.Context, donationID uuid.UUID, refundReason string) (*domain.Donation, error) {
	query := fmt.Sprintf(`
		UPDATE donations
		SET status = 'cancelled',
		    is_refunded = TRUE,
		    refund_reason = $2,
		    refunded_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND status = 'completed' AND settlement_tx_ref IS NOT NULL
		RETURNING %s`, donationColumns)

	d, err := scanDonation(r.db.QueryRow(ctx, query, donationID, refundReason))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDonationNotFound
		}
		return nil, err
	}
	return d, nil
}

// ReopenFailedDonation moves a failed donation back to 'pending' (the retry edge).
func (r *PostgresRepository) ReopenFailedDonation(ctx context.Context, donationID uuid.UUID) error {
	query := `
		UPDATE donations
		SET status = 'pending', failure_reason = NULL, failed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'failed'
	`
	_, err := r.db.Exec(ctx, query, donationID)
	return err
}

func scanWebhookEvent(row pgxRow, extra ...any) (*domain.WebhookEvent, error) {
	var e domain.WebhookEvent
	dest := []any{
		&e.ID,
		&e.Provider,
		&e.EventID,
		&e.EventType,
		&e.Payload,
		&e.Signature,
		&e.SignatureValid,
		&e.Status,
		&e.RetryCount,
		&e.MaxRetries,
		&e.NextRetryAt,
		&e.ProcessingMs,
		&e.DonationID,
		&e.ErrorMessage,
		&e.ReceivedAt,
		&e.UpdatedAt,
	}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	return &e, nil
}

// UpsertWebhookEvent stores an inbound delivery. The ON CONFLICT arm is a
// deliberate no-op update so the RETURNING clause always yields the row that
// owns the (provider, event_id) key; `xmax = 0` distinguishes a fresh insert
// from a redelivery in the same round trip.
func (r *PostgresRepository) UpsertWebhookEvent(ctx context.Context, e *domain.WebhookEvent) (*domain.WebhookEvent, bool, error) {
	query := fmt.Sprintf(`
		INSERT INTO webhook_events (
			id, provider, event_id, event_type, payload, signature,
			signature_valid, status, retry_count, max_retries
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9)
		ON CONFLICT (provider, event_id)
		DO UPDATE SET updated_at = NOW()
		RETURNING %s, (xmax = 0) AS inserted`, webhookEventColumns)

	var inserted bool
	record, err := scanWebhookEvent(r.db.QueryRow(ctx, query,
		e.ID,
		e.Provider,
		e.EventID,
		e.EventType,
		e.Payload,
		e.Signature,
		e.SignatureValid,
		e.Status,
		e.MaxRetries,
	), &inserted)
	if err != nil {
		return nil, false, err
	}
	return record, inserted, nil
}

// FindWebhookEvent looks up a ledger record by its idempotency key.
func (r *PostgresRepository) FindWebhookEvent(ctx context.Context, provider, eventID string) (*domain.WebhookEvent, error) {
	query := fmt.Sprintf(`SELECT %s FROM webhook_events WHERE provider = $1 AND event_id = $2`, webhookEventColumns)
	e, err := scanWebhookEvent(r.db.QueryRow(ctx, query, provider, eventID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWebhookEventNotFound
		}
		return nil, err
	}
	return e, nil
}

// MarkWebhookEventProcessing flips a pending event to 'processing'. Returns
// false when the event is already being (or has been) processed elsewhere.
func (r *PostgresRepository) MarkWebhookEventProcessing(ctx context.Context, eventID uuid.UUID) (bool, error) {
	query := `
		UPDATE webhook_events
		SET status = 'processing', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`
	tag, err := r.db.Exec(ctx, query, eventID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// MarkWebhookEventCompleted records terminal success. Completed is sticky: the
// guard keeps a late writer from resurrecting an already-completed record.
func (r *PostgresRepository) MarkWebhookEventCompleted(ctx context.Context, eventID uuid.UUID, donationID *uuid.UUID, processingMs int64) error {
	query := `
		UPDATE webhook_events
		SET status = 'completed',
		    donation_id = COALESCE($2, donation_id),
		    processing_ms = $3,
		    error_message = NULL,
		    next_retry_at = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status <> 'completed'
	`
	_, err := r.db.Exec(ctx, query, eventID, donationID, processingMs)
	return err
}

// MarkWebhookEventFailed records a failed pass and schedules the next retry.
func (r *PostgresRepository) MarkWebhookEventFailed(ctx context.Context, eventID uuid.UUID, donationID *uuid.UUID, errorMessage string, nextRetryAt *time.Time) error {
	query := `
		UPDATE webhook_events
		SET status = 'failed',
		    donation_id = COALESCE($2, donation_id),
		    error_message = $3,
		    next_retry_at = $4,
		    updated_at = NOW()
		WHERE id = $1 AND status <> 'completed'
	`
	_, err := r.db.Exec(ctx, query, eventID, donationID, errorMessage, nextRetryAt)
	return err
}

// MarkWebhookEventExhausted records permanent failure after the retry budget
// is spent. next_retry_at is cleared so the sweep never selects it again.
func (r *PostgresRepository) MarkWebhookEventExhausted(ctx context.Context, eventID uuid.UUID, errorMessage string) error {
	query := `
		UPDATE webhook_events
		SET status = 'failed',
		    error_message = $2,
		    next_retry_at = NULL,
		    retry_count = GREATEST(retry_count, max_retries),
		    updated_at = NOW()
		WHERE id = $1 AND status <> 'completed'
	`
	_, err := r.db.Exec(ctx, query, eventID, errorMessage)
	return err
}

// staleWebhookClaimAfter is how long a non-terminal ledger row may sit
// untouched before the sweep reclaims it. Covers crashes between the upsert
// and the processing claim, and crashes mid-dispatch.
const staleWebhookClaimAfter = 5 * time.Minute

// ClaimWebhookEventsForRetry selects due events with SKIP LOCKED and bumps
// their retry_count in the same statement, so sweepers on different instances
// never re-dispatch the same delivery concurrently. Besides scheduled retries
// it picks up 'pending' and 'processing' rows that have gone stale.
func (r *PostgresRepository) ClaimWebhookEventsForRetry(ctx context.Context, limit int, now time.Time) ([]domain.WebhookEvent, error) {
	query := fmt.Sprintf(`
		UPDATE webhook_events
		SET status = 'processing', retry_count = retry_count + 1, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM webhook_events
			WHERE (
			      (status = 'failed'
			        AND retry_count < max_retries
			        AND (next_retry_at IS NULL OR next_retry_at <= $1))
			   OR (status IN ('pending', 'processing')
			        AND retry_count < max_retries
			        AND updated_at < $3)
			)
			ORDER BY received_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s`, webhookEventColumns)

	rows, err := r.db.Query(ctx, query, now, limit, now.Add(-staleWebhookClaimAfter))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.WebhookEvent
	for rows.Next() {
		e, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// PurgeTerminalWebhookEvents applies the ledger retention policy.
func (r *PostgresRepository) PurgeTerminalWebhookEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `
		DELETE FROM webhook_events
		WHERE received_at < $1
		  AND (status = 'completed' OR (status = 'failed' AND retry_count >= max_retries))
	`
	tag, err := r.db.Exec(ctx, query, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// FindWebhookEndpoint resolves the persisted ingress configuration for a
// provider (and slug, for custom endpoints).
func (r *PostgresRepository) FindWebhookEndpoint(ctx context.Context, provider, slug string) (*domain.WebhookEndpoint, error) {
	var ep domain.WebhookEndpoint
	query := `
		SELECT id, provider, slug, secret, active, created_at, updated_at
		FROM webhook_endpoints
		WHERE provider = $1 AND slug = $2 AND active = TRUE
	`
	err := r.db.QueryRow(ctx, query, provider, slug).Scan(
		&ep.ID, &ep.Provider, &ep.Slug, &ep.Secret, &ep.Active, &ep.CreatedAt, &ep.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWebhookEndpointNotFound
		}
		return nil, err
	}
	return &ep, nil
}
