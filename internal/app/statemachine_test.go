package app

import (
	"errors"
	"testing"
	"time"

	"github.com/givly/donation-service/internal/domain"
)

func TestTransition_EdgeMatrix(t *testing.T) {
	statuses := []string{
		domain.DonationStatusPending,
		domain.DonationStatusCompleted,
		domain.DonationStatusFailed,
		domain.DonationStatusCancelled,
	}
	allowed := map[string][]string{
		domain.DonationStatusPending:   {domain.DonationStatusCompleted, domain.DonationStatusFailed, domain.DonationStatusCancelled},
		domain.DonationStatusCompleted: {domain.DonationStatusCancelled},
		domain.DonationStatusFailed:    {domain.DonationStatusPending},
		domain.DonationStatusCancelled: {},
	}

	for _, from := range statuses {
		legal := map[string]bool{}
		for _, to := range allowed[from] {
			legal[to] = true
		}
		for _, to := range statuses {
			d := &domain.Donation{Status: from}
			err := Transition(d, to, TransitionMeta{})
			if legal[to] {
				if err != nil {
					t.Fatalf("%s -> %s: expected allowed, got %v", from, to, err)
				}
				if d.Status != to {
					t.Fatalf("%s -> %s: status not applied, got %s", from, to, d.Status)
				}
			} else {
				if !errors.Is(err, ErrInvalidTransition) {
					t.Fatalf("%s -> %s: expected ErrInvalidTransition, got %v", from, to, err)
				}
				if d.Status != from {
					t.Fatalf("%s -> %s: donation mutated on illegal edge", from, to)
				}
			}
		}
	}
}

func TestTransition_CompletedStampsTimestampOnce(t *testing.T) {
	first := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	d := &domain.Donation{Status: domain.DonationStatusPending}

	if err := Transition(d, domain.DonationStatusCompleted, TransitionMeta{Now: first, SettlementTxRef: "tx-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.CompletedAt == nil || !d.CompletedAt.Equal(first) {
		t.Fatal("expected completed_at to be stamped")
	}
	if d.SettlementTxRef == nil || *d.SettlementTxRef != "tx-1" {
		t.Fatal("expected settlement reference to be recorded")
	}

	// Route back through failed -> pending -> completed; the original
	// completion timestamp and reference must survive.
	d.Status = domain.DonationStatusFailed
	if err := Transition(d, domain.DonationStatusPending, TransitionMeta{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	later := first.Add(time.Hour)
	if err := Transition(d, domain.DonationStatusCompleted, TransitionMeta{Now: later, SettlementTxRef: "tx-2"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.CompletedAt.Equal(first) {
		t.Fatalf("expected completed_at to stay %v, got %v", first, d.CompletedAt)
	}
	if *d.SettlementTxRef != "tx-1" {
		t.Fatalf("expected settlement reference to stay tx-1, got %s", *d.SettlementTxRef)
	}
}

func TestTransition_FailureRecordsReason(t *testing.T) {
	d := &domain.Donation{Status: domain.DonationStatusPending}
	if err := Transition(d, domain.DonationStatusFailed, TransitionMeta{FailureReason: "card declined"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.FailedAt == nil {
		t.Fatal("expected failed_at to be stamped")
	}
	if d.FailureReason == nil || *d.FailureReason != "card declined" {
		t.Fatal("expected failure reason to be recorded")
	}

	// Reopening clears the reason for the next attempt.
	if err := Transition(d, domain.DonationStatusPending, TransitionMeta{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.FailureReason != nil {
		t.Fatal("expected failure reason to be cleared on reopen")
	}
}

func TestTransition_RefundEdge(t *testing.T) {
	d := &domain.Donation{Status: domain.DonationStatusCompleted}
	if err := Transition(d, domain.DonationStatusCancelled, TransitionMeta{RefundReason: "chargeback"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.IsRefunded || d.RefundedAt == nil {
		t.Fatal("expected refund markers on completed -> cancelled")
	}
	if d.RefundReason == nil || *d.RefundReason != "chargeback" {
		t.Fatal("expected refund reason to be recorded")
	}

	// A pending -> cancelled transition is not a refund.
	d2 := &domain.Donation{Status: domain.DonationStatusPending}
	if err := Transition(d2, domain.DonationStatusCancelled, TransitionMeta{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d2.IsRefunded || d2.RefundedAt != nil {
		t.Fatal("did not expect refund markers when cancelling a pending donation")
	}
}
