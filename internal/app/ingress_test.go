package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/givly/donation-service/internal/domain"
	"github.com/givly/donation-service/internal/provider"
	"github.com/givly/donation-service/pkg/walletclient"
)

// rejectingProvider fails verification for every delivery.
type rejectingProvider struct {
	fakeProvider
}

func (p *rejectingProvider) Verify(ctx context.Context, req *provider.IngressRequest) error {
	return provider.ErrAuthentication
}

type ingressRepoStub struct {
	dispatchRepoStub

	upserted      *domain.WebhookEvent
	upsertedValid bool
	inserted      bool
	priorRecord   *domain.WebhookEvent

	processingClaimed bool
}

func (s *ingressRepoStub) UpsertWebhookEvent(ctx context.Context, e *domain.WebhookEvent) (*domain.WebhookEvent, bool, error) {
	s.upserted = e
	s.upsertedValid = e.SignatureValid
	if s.priorRecord != nil {
		return s.priorRecord, false, nil
	}
	record := *e
	record.ReceivedAt = time.Now()
	s.inserted = true
	return &record, true, nil
}

func (s *ingressRepoStub) MarkWebhookEventProcessing(ctx context.Context, eventID uuid.UUID) (bool, error) {
	s.processingClaimed = true
	return true, nil
}

func newTestIngress(repo *ingressRepoStub, prov provider.Provider) *Ingress {
	registry := provider.NewRegistry(prov)
	wallets := &walletStub{wallet: &walletclient.Wallet{ID: uuid.New()}}
	settlement := NewSettlement(repo, wallets, nil)
	dispatcher := NewDispatcher(repo, registry, settlement, nil, DefaultRetryPolicy())
	return NewIngress(repo, registry, dispatcher, 3)
}

func TestIngest_FreshDeliveryDispatchesOnce(t *testing.T) {
	donation := cardDonation(domain.DonationStatusPending)
	repo := &ingressRepoStub{dispatchRepoStub: dispatchRepoStub{donation: donation, claimResult: true}}
	ingress := newTestIngress(repo, &fakeProvider{name: "card_processor"})

	outcome, err := ingress.Ingest(context.Background(), &provider.IngressRequest{
		Provider:        "card_processor",
		SignatureHeader: "sig",
		RawBody:         []byte(`{"event_id":"evt-1","type":"payment_succeeded","ref":"pi_1"}`),
		ReceivedAt:      time.Now(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Duplicate {
		t.Fatal("fresh delivery must not be reported as duplicate")
	}
	if !outcome.Result.Success {
		t.Fatalf("expected dispatch success, got: %s", outcome.Result.Message)
	}
	if !repo.processingClaimed {
		t.Fatal("expected the ledger record to be claimed before dispatch")
	}
	if !repo.upsertedValid {
		t.Fatal("verified deliveries must be ledgered with a valid signature flag")
	}
}

func TestIngest_DuplicateDeliveryShortCircuits(t *testing.T) {
	donationID := uuid.New()
	prior := &domain.WebhookEvent{
		ID:         uuid.New(),
		Provider:   "card_processor",
		EventID:    "evt-1",
		Status:     domain.WebhookStatusCompleted,
		DonationID: &donationID,
	}
	repo := &ingressRepoStub{priorRecord: prior}
	ingress := newTestIngress(repo, &fakeProvider{name: "card_processor"})

	outcome, err := ingress.Ingest(context.Background(), &provider.IngressRequest{
		Provider: "card_processor",
		RawBody:  []byte(`{"event_id":"evt-1","type":"payment_succeeded","ref":"pi_1"}`),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.Duplicate {
		t.Fatal("expected duplicate short-circuit")
	}
	if !outcome.Result.Success {
		t.Fatal("a duplicate of a completed event reads as success")
	}
	if repo.processingClaimed {
		t.Fatal("duplicates must never reach the dispatcher")
	}
	if repo.completedCalled || repo.markFailedCalled {
		t.Fatal("duplicates must not touch donation state")
	}
}

func TestIngest_AuthFailureIsLedgeredAndRejected(t *testing.T) {
	repo := &ingressRepoStub{}
	ingress := newTestIngress(repo, &rejectingProvider{fakeProvider{name: "card_processor"}})

	_, err := ingress.Ingest(context.Background(), &provider.IngressRequest{
		Provider:        "card_processor",
		SignatureHeader: "bad",
		RawBody:         []byte(`{"event_id":"evt-1","type":"payment_succeeded","ref":"pi_1"}`),
	})
	if !errors.Is(err, provider.ErrAuthentication) {
		t.Fatalf("expected authentication error, got %v", err)
	}
	if repo.upserted == nil {
		t.Fatal("rejected deliveries must still be ledgered for audit")
	}
	if repo.upsertedValid {
		t.Fatal("expected signature_valid=false on the audit record")
	}
	if !repo.exhaustedCalled {
		t.Fatal("rejected deliveries must never become retryable")
	}
	if repo.processingClaimed {
		t.Fatal("rejected deliveries must never reach the dispatcher")
	}
	if repo.upserted.EventID == "evt-1" || !strings.HasPrefix(repo.upserted.EventID, "rejected-") {
		t.Fatalf("audit record must not occupy the provider's event id, got %q", repo.upserted.EventID)
	}
}

func TestIngest_DuplicateOfStuckPendingRecordDispatches(t *testing.T) {
	donation := cardDonation(domain.DonationStatusPending)
	prior := &domain.WebhookEvent{
		ID:         uuid.New(),
		Provider:   "card_processor",
		EventID:    "evt-1",
		EventType:  domain.EventPaymentSucceeded,
		Payload:    []byte(`{"event_id":"evt-1","type":"payment_succeeded","ref":"pi_1"}`),
		Status:     domain.WebhookStatusPending,
		MaxRetries: 3,
		ReceivedAt: time.Now(),
	}
	repo := &ingressRepoStub{
		dispatchRepoStub: dispatchRepoStub{donation: donation, claimResult: true},
		priorRecord:      prior,
	}
	ingress := newTestIngress(repo, &fakeProvider{name: "card_processor"})

	outcome, err := ingress.Ingest(context.Background(), &provider.IngressRequest{
		Provider: "card_processor",
		RawBody:  []byte(`{"event_id":"evt-1","type":"payment_succeeded","ref":"pi_1"}`),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.Duplicate {
		t.Fatal("redelivery of a known event is still a duplicate")
	}
	if !repo.processingClaimed {
		t.Fatal("a stuck pending record must be claimed on redelivery")
	}
	if !outcome.Result.Success {
		t.Fatalf("expected the stuck record to dispatch and settle, got: %s", outcome.Result.Message)
	}
	if !repo.completedCalled {
		t.Fatal("expected the ledger record to be marked completed")
	}
}

func TestIngest_UnknownProvider(t *testing.T) {
	repo := &ingressRepoStub{}
	ingress := newTestIngress(repo, &fakeProvider{name: "card_processor"})

	_, err := ingress.Ingest(context.Background(), &provider.IngressRequest{Provider: "stripe2"})
	if !errors.Is(err, provider.ErrUnknownProvider) {
		t.Fatalf("expected unknown provider error, got %v", err)
	}
	if repo.upserted != nil {
		t.Fatal("unknown providers must not write ledger rows")
	}
}

func TestIngest_MalformedPayloadRejected(t *testing.T) {
	repo := &ingressRepoStub{}
	ingress := newTestIngress(repo, &fakeProvider{name: "card_processor"})

	_, err := ingress.Ingest(context.Background(), &provider.IngressRequest{
		Provider: "card_processor",
		RawBody:  []byte(`not json at all`),
	})
	if !errors.Is(err, provider.ErrMalformedPayload) {
		t.Fatalf("expected malformed payload error, got %v", err)
	}
	if repo.upserted == nil {
		t.Fatal("malformed deliveries must still be ledgered for audit")
	}
	if !repo.upsertedValid {
		t.Fatal("the payload failed normalization, not authentication")
	}
}

func TestRetriesExhausted(t *testing.T) {
	e := &domain.WebhookEvent{RetryCount: 2, MaxRetries: 3}
	if e.RetriesExhausted() {
		t.Fatal("2/3 retries is not exhausted")
	}
	e.RetryCount = 3
	if !e.RetriesExhausted() {
		t.Fatal("3/3 retries is exhausted")
	}
}
