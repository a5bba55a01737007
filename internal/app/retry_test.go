package app

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/givly/donation-service/internal/domain"
	"github.com/givly/donation-service/internal/provider"
	"github.com/givly/donation-service/internal/store"
	"github.com/givly/donation-service/pkg/walletclient"
)

func TestBackoff_GrowsExponentiallyToCap(t *testing.T) {
	p := RetryPolicy{
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     30 * time.Second,
		MaxRetries:   3,
	}

	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{10, 30 * time.Second}, // capped
		{-1, time.Second},      // coerced to first attempt
	}
	for _, tt := range tests {
		if got := p.Backoff(tt.retryCount); got != tt.want {
			t.Fatalf("retryCount=%d: expected %v, got %v", tt.retryCount, tt.want, got)
		}
	}
}

func TestBackoff_MonotonicUpToCap(t *testing.T) {
	p := DefaultRetryPolicy()
	prev := time.Duration(0)
	for i := 0; i < 20; i++ {
		d := p.Backoff(i)
		if d < prev {
			t.Fatalf("backoff decreased at retryCount=%d: %v < %v", i, d, prev)
		}
		if d > p.MaxDelay {
			t.Fatalf("backoff exceeded cap at retryCount=%d: %v", i, d)
		}
		prev = d
	}
}

type sweeperRepoStub struct {
	dispatchRepoStub

	claimed     []domain.WebhookEvent
	claimLimit  int
	purgeCutoff time.Time
	purged      int64
}

func (s *sweeperRepoStub) ClaimWebhookEventsForRetry(ctx context.Context, limit int, now time.Time) ([]domain.WebhookEvent, error) {
	s.claimLimit = limit
	return s.claimed, nil
}

func (s *sweeperRepoStub) PurgeTerminalWebhookEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	s.purgeCutoff = olderThan
	return s.purged, nil
}

func TestSweep_DispatchesClaimedEvents(t *testing.T) {
	donation := cardDonation(domain.DonationStatusPending)
	repo := &sweeperRepoStub{
		dispatchRepoStub: dispatchRepoStub{donation: donation, claimResult: true},
		claimed: []domain.WebhookEvent{
			*ledgerRecord(`{"event_id":"evt-1","type":"payment_succeeded","ref":"pi_1"}`, 1),
		},
	}
	d := newSweeperDispatcher(repo)

	NewRetrySweeper(d, 25).Sweep(context.Background())

	if repo.claimLimit != 25 {
		t.Fatalf("expected claim batch of 25, got %d", repo.claimLimit)
	}
	if !repo.completedCalled {
		t.Fatal("expected the claimed event to be dispatched to completion")
	}
}

func TestPurge_AppliesRetentionWindow(t *testing.T) {
	repo := &sweeperRepoStub{purged: 3}
	d := newSweeperDispatcher(repo)

	retention := 30 * 24 * time.Hour
	before := time.Now().Add(-retention)
	NewLedgerPurger(d, retention).Purge(context.Background())
	after := time.Now().Add(-retention)

	if repo.purgeCutoff.Before(before) || repo.purgeCutoff.After(after) {
		t.Fatalf("expected cutoff near %v, got %v", before, repo.purgeCutoff)
	}
}

func newSweeperDispatcher(repo store.Repository) *Dispatcher {
	registry := provider.NewRegistry(&fakeProvider{name: "card_processor"})
	wallets := &walletStub{wallet: &walletclient.Wallet{ID: uuid.New()}}
	settlement := NewSettlement(repo, wallets, nil)
	return NewDispatcher(repo, registry, settlement, nil, DefaultRetryPolicy())
}
