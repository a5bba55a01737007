/**
 * @description
 * This file implements the reconciliation dispatcher: the single execution
 * path that turns a ledgered webhook event into donation state changes. Both
 * fresh ingress deliveries and retry-sweep redeliveries go through `Process`,
 * so the handlers are written to be idempotent and safe under redelivery.
 *
 * Routing happens on the canonical event type produced by provider
 * normalization. Custom callbacks carry an embedded status that the custom
 * handler maps onto the same succeeded/failed/refunded paths.
 *
 * Failure classification:
 * - retryable: transient store/wallet errors and events that arrive before
 *   their donation exists (out-of-order delivery).
 * - non-retryable: malformed payloads and state conflicts that redelivery
 *   cannot resolve. These exhaust the event immediately.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/givly/donation-service/internal/domain"
	"github.com/givly/donation-service/internal/provider"
	"github.com/givly/donation-service/internal/store"
	"github.com/givly/donation-service/pkg/rabbitmq"
)

// Dispatcher routes canonical provider events to donation state handlers.
type Dispatcher struct {
	repo          store.Repository
	registry      *provider.Registry
	settlement    *Settlement
	eventProducer rabbitmq.Publisher
	retryPolicy   RetryPolicy
}

// NewDispatcher creates a reconciliation dispatcher.
func NewDispatcher(repo store.Repository, registry *provider.Registry, settlement *Settlement, producer rabbitmq.Publisher, policy RetryPolicy) *Dispatcher {
	return &Dispatcher{
		repo:          repo,
		registry:      registry,
		settlement:    settlement,
		eventProducer: producer,
		retryPolicy:   policy,
	}
}

// Process runs one reconciliation pass over a ledgered event and records the
// outcome on the ledger row. The record must already be in the 'processing'
// state (ingress flips it, the retry sweep claims it).
func (d *Dispatcher) Process(ctx context.Context, record *domain.WebhookEvent) domain.DispatchResult {
	started := time.Now()
	result := d.dispatch(ctx, record)
	elapsed := time.Since(started).Milliseconds()

	if result.Success {
		if err := d.repo.MarkWebhookEventCompleted(ctx, record.ID, result.DonationID, elapsed); err != nil {
			log.Printf("Process: failed to mark event %s completed: %v", record.ID, err)
		}
		return result
	}

	if !result.Retryable || record.RetriesExhausted() {
		if err := d.repo.MarkWebhookEventExhausted(ctx, record.ID, result.Message); err != nil {
			log.Printf("Process: failed to mark event %s exhausted: %v", record.ID, err)
		}
		d.publishExhausted(record, result)
		return result
	}

	nextRetry := started.Add(d.retryPolicy.Backoff(record.RetryCount))
	if err := d.repo.MarkWebhookEventFailed(ctx, record.ID, result.DonationID, result.Message, &nextRetry); err != nil {
		log.Printf("Process: failed to mark event %s failed: %v", record.ID, err)
	}
	return result
}

// dispatch normalizes the stored payload and routes it. Normalization runs
// from the ledgered bytes so retries behave exactly like the original pass.
func (d *Dispatcher) dispatch(ctx context.Context, record *domain.WebhookEvent) domain.DispatchResult {
	prov, err := d.registry.Get(record.Provider)
	if err != nil {
		return domain.DispatchResult{Message: err.Error()}
	}

	event, err := prov.Normalize(&provider.IngressRequest{
		Provider:   record.Provider,
		RawBody:    record.Payload,
		ReceivedAt: record.ReceivedAt,
	})
	if err != nil {
		// Redelivery carries the same bytes; a payload that cannot be
		// normalized now never will be.
		return domain.DispatchResult{Message: fmt.Sprintf("normalize payload: %v", err)}
	}

	switch event.Type {
	case domain.EventPaymentSucceeded:
		return d.handlePaymentSucceeded(ctx, event)
	case domain.EventPaymentFailed:
		return d.handlePaymentFailed(ctx, event)
	case domain.EventPaymentRefunded:
		return d.handlePaymentRefunded(ctx, event)
	case domain.EventCustomDonation:
		return d.handleCustomEvent(ctx, event)
	default:
		return domain.DispatchResult{Message: fmt.Sprintf("no handler for event type %q", event.Type)}
	}
}

// resolveDonation maps the provider-side payment reference onto our donation.
// A missing donation is retryable: the webhook may have outrun the donation
// INSERT on a slow replica or a cross-service create.
func (d *Dispatcher) resolveDonation(ctx context.Context, event *domain.CanonicalEvent) (*domain.Donation, *domain.DispatchResult) {
	if event.ExternalPaymentRef == "" {
		return nil, &domain.DispatchResult{Message: "event carries no payment reference"}
	}
	donation, err := d.repo.FindDonationByExternalPaymentRef(ctx, event.ExternalPaymentRef)
	if err != nil {
		if errors.Is(err, store.ErrDonationNotFound) {
			return nil, &domain.DispatchResult{
				Message:   fmt.Sprintf("no donation for payment reference %s", event.ExternalPaymentRef),
				Retryable: true,
			}
		}
		return nil, &domain.DispatchResult{Message: fmt.Sprintf("lookup donation: %v", err), Retryable: true}
	}
	return donation, nil
}

func (d *Dispatcher) handlePaymentSucceeded(ctx context.Context, event *domain.CanonicalEvent) domain.DispatchResult {
	donation, fail := d.resolveDonation(ctx, event)
	if fail != nil {
		return *fail
	}

	switch donation.Status {
	case domain.DonationStatusCompleted:
		return domain.DispatchResult{Success: true, DonationID: &donation.ID, Message: "already settled"}
	case domain.DonationStatusCancelled:
		return domain.DispatchResult{Success: true, DonationID: &donation.ID, Message: "donation cancelled, ignoring success event"}
	case domain.DonationStatusFailed:
		// A success after a recorded failure reopens the donation for settlement.
		reopened := *donation
		if err := Transition(&reopened, domain.DonationStatusPending, TransitionMeta{}); err != nil {
			return d.invalidTransition(donation, err)
		}
		if err := d.repo.ReopenFailedDonation(ctx, donation.ID); err != nil {
			return domain.DispatchResult{DonationID: &donation.ID, Message: fmt.Sprintf("reopen donation: %v", err), Retryable: true}
		}
	}

	settled, err := d.settlement.Settle(ctx, donation.ID)
	if err != nil {
		if errors.Is(err, ErrAlreadySettled) {
			return domain.DispatchResult{Success: true, DonationID: &donation.ID, Message: "already settled"}
		}
		return domain.DispatchResult{DonationID: &donation.ID, Message: fmt.Sprintf("settlement: %v", err), Retryable: true}
	}
	return domain.DispatchResult{Success: true, DonationID: &settled.ID, Message: "donation settled"}
}

func (d *Dispatcher) handlePaymentFailed(ctx context.Context, event *domain.CanonicalEvent) domain.DispatchResult {
	donation, fail := d.resolveDonation(ctx, event)
	if fail != nil {
		return *fail
	}

	switch donation.Status {
	case domain.DonationStatusCompleted:
		// Completed stays completed: a late failure event after settlement is
		// informational only.
		return domain.DispatchResult{Success: true, DonationID: &donation.ID, Message: "donation already completed, ignoring failure event"}
	case domain.DonationStatusFailed:
		return domain.DispatchResult{Success: true, DonationID: &donation.ID, Message: "donation already failed"}
	}

	reason := event.Reason
	if reason == "" {
		reason = "payment failed at provider"
	}
	failed := *donation
	if err := Transition(&failed, domain.DonationStatusFailed, TransitionMeta{FailureReason: reason}); err != nil {
		return d.invalidTransition(donation, err)
	}
	if err := d.repo.MarkDonationFailed(ctx, donation.ID, reason); err != nil {
		return domain.DispatchResult{DonationID: &donation.ID, Message: fmt.Sprintf("mark donation failed: %v", err), Retryable: true}
	}

	d.publishDonationEvent(rabbitmq.RoutingKeyDonationFailed, donation, reason)
	return domain.DispatchResult{Success: true, DonationID: &donation.ID, Message: "donation marked failed"}
}

func (d *Dispatcher) handlePaymentRefunded(ctx context.Context, event *domain.CanonicalEvent) domain.DispatchResult {
	donation, fail := d.resolveDonation(ctx, event)
	if fail != nil {
		return *fail
	}

	if donation.IsRefunded {
		return domain.DispatchResult{Success: true, DonationID: &donation.ID, Message: "already refunded"}
	}
	if donation.Status == domain.DonationStatusPending {
		// Refund arrived before the success event settled the donation.
		// Redelivery after settlement will land it.
		return domain.DispatchResult{DonationID: &donation.ID, Message: "refund for unsettled donation", Retryable: true}
	}

	reason := event.Reason
	if reason == "" {
		reason = "refunded at provider"
	}
	// A refund of a donation that never completed asks for an edge the state
	// machine does not have. The transition runs on a copy: the conditional
	// UPDATE below stays the authority on what actually changed.
	cancelled := *donation
	if err := Transition(&cancelled, domain.DonationStatusCancelled, TransitionMeta{RefundReason: reason}); err != nil {
		return d.invalidTransition(donation, err)
	}
	refunded, err := d.repo.MarkDonationRefunded(ctx, donation.ID, reason)
	if err != nil {
		if errors.Is(err, store.ErrDonationNotFound) {
			return d.classifyRefundMiss(ctx, donation.ID)
		}
		return domain.DispatchResult{DonationID: &donation.ID, Message: fmt.Sprintf("mark donation refunded: %v", err), Retryable: true}
	}

	d.publishDonationEvent(rabbitmq.RoutingKeyDonationRefunded, refunded, reason)
	return domain.DispatchResult{Success: true, DonationID: &refunded.ID, Message: "donation refunded"}
}

// invalidTransition reports an event demanding a status edge that does not
// exist. Redelivery carries the same demand, so the event exhausts instead of
// burning retries.
func (d *Dispatcher) invalidTransition(donation *domain.Donation, err error) domain.DispatchResult {
	log.Printf("dispatch: donation %s rejected an illegal transition: %v", donation.ID, err)
	return domain.DispatchResult{DonationID: &donation.ID, Message: err.Error()}
}

// classifyRefundMiss resolves a refund CAS that matched zero rows. Either a
// concurrent refund won, or the settlement that completed the donation is
// still moving funds and has not persisted its transaction reference yet.
func (d *Dispatcher) classifyRefundMiss(ctx context.Context, donationID uuid.UUID) domain.DispatchResult {
	current, err := d.repo.FindDonationByID(ctx, donationID)
	if err != nil {
		return domain.DispatchResult{DonationID: &donationID, Message: fmt.Sprintf("reload donation after refund miss: %v", err), Retryable: true}
	}
	if current.IsRefunded {
		return domain.DispatchResult{Success: true, DonationID: &donationID, Message: "already refunded"}
	}
	return domain.DispatchResult{DonationID: &donationID, Message: "refund raced an in-flight settlement", Retryable: true}
}

// handleCustomEvent re-parses the custom callback payload and maps its status
// onto the shared succeeded/failed/refunded paths.
func (d *Dispatcher) handleCustomEvent(ctx context.Context, event *domain.CanonicalEvent) domain.DispatchResult {
	var payload provider.CustomEventPayload
	if err := json.Unmarshal(event.Raw, &payload); err != nil {
		return domain.DispatchResult{Message: fmt.Sprintf("parse custom payload: %v", err)}
	}

	switch payload.Status {
	case "paid":
		return d.handlePaymentSucceeded(ctx, event)
	case "failed":
		return d.handlePaymentFailed(ctx, event)
	case "refunded":
		return d.handlePaymentRefunded(ctx, event)
	default:
		return domain.DispatchResult{Message: fmt.Sprintf("unhandled custom status %q", payload.Status)}
	}
}

func (d *Dispatcher) publishDonationEvent(routingKey string, donation *domain.Donation, reason string) {
	if d.eventProducer == nil {
		return
	}
	body := map[string]any{
		"donation_id":  donation.ID,
		"recipient_id": donation.RecipientID,
		"amount":       donation.Amount,
		"currency":     donation.Currency,
		"reason":       reason,
		"timestamp":    time.Now().UTC(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.eventProducer.Publish(ctx, rabbitmq.DonationEventsExchange, routingKey, body); err != nil {
		log.Printf("publishDonationEvent: failed to publish %s for donation %s: %v", routingKey, donation.ID, err)
	}
}

func (d *Dispatcher) publishExhausted(record *domain.WebhookEvent, result domain.DispatchResult) {
	if d.eventProducer == nil {
		return
	}
	event := domain.WebhookRetriesExhaustedEvent{
		Provider:   record.Provider,
		EventID:    record.EventID,
		EventType:  record.EventType,
		DonationID: result.DonationID,
		RetryCount: record.RetryCount,
		LastError:  result.Message,
		FailedAt:   time.Now().UTC(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.eventProducer.Publish(ctx, rabbitmq.DonationEventsExchange, rabbitmq.RoutingKeyWebhookExhausted, event); err != nil {
		log.Printf("publishExhausted: failed to publish exhaustion for event %s/%s: %v", record.Provider, record.EventID, err)
	}
}
