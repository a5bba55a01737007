/**
 * @description
 * This file implements the donation status state machine. Every status change
 * in the service flows through `Transition`, which enforces the allowed edges
 * and stamps the transition timestamps. Persistence uses CAS-guarded UPDATEs
 * in the store; this in-memory function is the single source of truth for
 * which edges exist at all.
 *
 * Allowed edges:
 *   pending   -> completed, failed, cancelled
 *   completed -> cancelled (refund)
 *   failed    -> pending (retry reopen)
 *   cancelled -> (none)
 */

package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/givly/donation-service/internal/domain"
)

// ErrInvalidTransition is returned when a status change is not an allowed edge.
var ErrInvalidTransition = errors.New("invalid donation status transition")

// TransitionMeta carries the optional context recorded alongside a transition.
type TransitionMeta struct {
	FailureReason   string
	RefundReason    string
	SettlementTxRef string
	Now             time.Time // zero value means time.Now()
}

var allowedTransitions = map[string]map[string]bool{
	domain.DonationStatusPending: {
		domain.DonationStatusCompleted: true,
		domain.DonationStatusFailed:    true,
		domain.DonationStatusCancelled: true,
	},
	domain.DonationStatusCompleted: {
		domain.DonationStatusCancelled: true,
	},
	domain.DonationStatusFailed: {
		domain.DonationStatusPending: true,
	},
	domain.DonationStatusCancelled: {},
}

// CanTransition reports whether the edge from -> to exists.
func CanTransition(from, to string) bool {
	return allowedTransitions[from][to]
}

// Transition applies a status change to the donation in place. On an illegal
// edge it returns ErrInvalidTransition and leaves the donation unmodified.
func Transition(d *domain.Donation, to string, meta TransitionMeta) error {
	if !CanTransition(d.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.Status, to)
	}

	now := meta.Now
	if now.IsZero() {
		now = time.Now()
	}

	from := d.Status
	d.Status = to
	d.UpdatedAt = now

	switch to {
	case domain.DonationStatusCompleted:
		// completed_at is write-once even if a donation re-enters via failed->pending->completed
		if d.CompletedAt == nil {
			t := now
			d.CompletedAt = &t
		}
		if meta.SettlementTxRef != "" && d.SettlementTxRef == nil {
			ref := meta.SettlementTxRef
			d.SettlementTxRef = &ref
		}
	case domain.DonationStatusFailed:
		t := now
		d.FailedAt = &t
		if meta.FailureReason != "" {
			reason := meta.FailureReason
			d.FailureReason = &reason
		}
	case domain.DonationStatusCancelled:
		if from == domain.DonationStatusCompleted {
			// refund path
			t := now
			d.RefundedAt = &t
			d.IsRefunded = true
			if meta.RefundReason != "" {
				reason := meta.RefundReason
				d.RefundReason = &reason
			}
		}
	case domain.DonationStatusPending:
		// reopened for another settlement attempt
		d.FailureReason = nil
	}

	return nil
}
