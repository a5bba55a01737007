/**
 * @description
 * This file implements webhook ingress: the pipeline an inbound provider
 * delivery runs before it reaches the dispatcher. Every delivery is ledgered,
 * including ones that fail signature verification, so the ledger doubles as an
 * audit trail of everything a provider ever sent us.
 *
 * Pipeline:
 *  1. Resolve the provider from the registry.
 *  2. Verify the signature. Auth failures are ledgered (signature_valid=false,
 *     no retries) and rejected.
 *  3. Normalize into the canonical envelope. Malformed payloads are ledgered
 *     the same way and rejected.
 *  4. Upsert into the ledger on (provider, event_id). A duplicate delivery
 *     short-circuits here and reports the original outcome.
 *  5. Flip the fresh record to 'processing' and run one dispatch pass.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/givly/donation-service/internal/domain"
	"github.com/givly/donation-service/internal/provider"
	"github.com/givly/donation-service/internal/store"
)

// IngressOutcome tells the HTTP handler how one delivery was handled.
type IngressOutcome struct {
	Duplicate bool
	Record    *domain.WebhookEvent
	Result    domain.DispatchResult
}

// Ingress runs the webhook intake pipeline.
type Ingress struct {
	repo       store.Repository
	registry   *provider.Registry
	dispatcher *Dispatcher
	maxRetries int
}

// NewIngress creates the webhook intake pipeline.
func NewIngress(repo store.Repository, registry *provider.Registry, dispatcher *Dispatcher, maxRetries int) *Ingress {
	if maxRetries <= 0 {
		maxRetries = DefaultRetryPolicy().MaxRetries
	}
	return &Ingress{
		repo:       repo,
		registry:   registry,
		dispatcher: dispatcher,
		maxRetries: maxRetries,
	}
}

// Ingest processes one raw webhook delivery end to end.
func (i *Ingress) Ingest(ctx context.Context, req *provider.IngressRequest) (*IngressOutcome, error) {
	prov, err := i.registry.Get(req.Provider)
	if err != nil {
		return nil, err
	}

	if err := prov.Verify(ctx, req); err != nil {
		if errors.Is(err, provider.ErrAuthentication) {
			i.ledgerRejected(ctx, prov, req, false, err)
			return nil, err
		}
		// Secret lookup or transport failure, not a bad signature.
		return nil, fmt.Errorf("verify %s delivery: %w", req.Provider, err)
	}

	event, err := prov.Normalize(req)
	if err != nil {
		i.ledgerRejected(ctx, prov, req, true, err)
		return nil, err
	}

	record, inserted, err := i.repo.UpsertWebhookEvent(ctx, &domain.WebhookEvent{
		ID:             uuid.New(),
		Provider:       event.Provider,
		EventID:        event.EventID,
		EventType:      event.Type,
		Payload:        req.RawBody,
		Signature:      req.SignatureHeader,
		SignatureValid: true,
		Status:         domain.WebhookStatusPending,
		MaxRetries:     i.maxRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("ledger webhook event: %w", err)
	}

	if !inserted {
		// A prior delivery stuck in 'pending' (crash before its dispatch pass)
		// would otherwise never run: redeliveries land here and the retry sweep
		// only watches 'failed'. Claim and dispatch it now; 'processing' rows
		// stay untouched since another instance may be live on them.
		if record.Status == domain.WebhookStatusPending {
			claimed, claimErr := i.repo.MarkWebhookEventProcessing(ctx, record.ID)
			if claimErr != nil {
				return nil, fmt.Errorf("claim webhook event: %w", claimErr)
			}
			if claimed {
				log.Printf("Ingest: duplicate delivery %s/%s found pending, dispatching now",
					record.Provider, record.EventID)
				result := i.dispatcher.Process(ctx, record)
				return &IngressOutcome{Duplicate: true, Record: record, Result: result}, nil
			}
		}

		log.Printf("Ingest: duplicate delivery %s/%s (status %s), skipping dispatch",
			record.Provider, record.EventID, record.Status)
		return &IngressOutcome{
			Duplicate: true,
			Record:    record,
			Result: domain.DispatchResult{
				Success:    record.Status == domain.WebhookStatusCompleted,
				DonationID: record.DonationID,
				Message:    "duplicate delivery",
			},
		}, nil
	}

	claimed, err := i.repo.MarkWebhookEventProcessing(ctx, record.ID)
	if err != nil {
		return nil, fmt.Errorf("claim webhook event: %w", err)
	}
	if !claimed {
		// Another instance is already working this record.
		return &IngressOutcome{Duplicate: true, Record: record, Result: domain.DispatchResult{Message: "already processing"}}, nil
	}

	result := i.dispatcher.Process(ctx, record)
	return &IngressOutcome{Record: record, Result: result}, nil
}

// ledgerRejected stores an audit record for a delivery that never reached the
// dispatcher. The record starts exhausted so the retry sweep ignores it, and
// it is keyed under a synthetic event id: an unauthenticated payload must not
// occupy the (provider, event_id) slot a later, correctly signed delivery of
// the same event will claim.
func (i *Ingress) ledgerRejected(ctx context.Context, prov provider.Provider, req *provider.IngressRequest, signatureValid bool, cause error) {
	eventID := "rejected-" + uuid.NewString()
	eventType := "unknown"
	if event, err := prov.Normalize(req); err == nil {
		eventType = event.Type
	}

	record, inserted, err := i.repo.UpsertWebhookEvent(ctx, &domain.WebhookEvent{
		ID:             uuid.New(),
		Provider:       req.Provider,
		EventID:        eventID,
		EventType:      eventType,
		Payload:        req.RawBody,
		Signature:      req.SignatureHeader,
		SignatureValid: signatureValid,
		Status:         domain.WebhookStatusFailed,
		MaxRetries:     i.maxRetries,
	})
	if err != nil {
		log.Printf("ledgerRejected: failed to ledger rejected %s delivery: %v", req.Provider, err)
		return
	}
	if inserted {
		if err := i.repo.MarkWebhookEventExhausted(ctx, record.ID, cause.Error()); err != nil {
			log.Printf("ledgerRejected: failed to exhaust rejected event %s: %v", record.ID, err)
		}
	}
}
