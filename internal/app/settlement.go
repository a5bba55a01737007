/**
 * @description
 * This file implements exactly-once donation settlement. Settlement is gated by
 * a compare-and-swap in the store (`pending` -> `completed`): only the caller
 * that wins the CAS moves funds, every other concurrent caller observes an
 * already-settled donation and performs no side effects.
 *
 * Flow for the winning caller:
 *  1. Claim the donation (CAS in SQL).
 *  2. Move funds through the wallet service (transfer for wallet donations,
 *     credit of the net amount for provider-captured payments).
 *  3. Persist the wallet transaction reference (write-once).
 *  4. Publish the donation.completed alert, fire-and-forget.
 *
 * A wallet failure after a successful claim rolls the donation back to
 * `pending` so a later delivery or retry can settle it. Insufficient funds is
 * terminal: the donation is marked failed instead of being released.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/givly/donation-service/internal/domain"
	"github.com/givly/donation-service/internal/store"
	"github.com/givly/donation-service/pkg/rabbitmq"
	"github.com/givly/donation-service/pkg/walletclient"
)

var (
	// ErrAlreadySettled marks a settlement attempt against a donation that has
	// already completed. Callers treat it as an idempotent success.
	ErrAlreadySettled = errors.New("donation already settled")

	// ErrSettlementConflict marks a lost CAS race against a donation that is
	// not pending and not completed (failed or cancelled).
	ErrSettlementConflict = errors.New("donation is not eligible for settlement")
)

// Settlement executes the exactly-once fund movement for a donation.
type Settlement struct {
	repo          store.Repository
	wallets       walletclient.Service
	eventProducer rabbitmq.Publisher
}

// NewSettlement creates a settlement executor.
func NewSettlement(repo store.Repository, wallets walletclient.Service, producer rabbitmq.Publisher) *Settlement {
	return &Settlement{
		repo:          repo,
		wallets:       wallets,
		eventProducer: producer,
	}
}

// Settle moves a pending donation to completed and transfers its funds. It is
// safe to call concurrently and repeatedly for the same donation.
func (s *Settlement) Settle(ctx context.Context, donationID uuid.UUID) (*domain.Donation, error) {
	donation, claimed, err := s.repo.ClaimDonationForSettlement(ctx, donationID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim donation for settlement: %w", err)
	}
	if !claimed {
		// The CAS matched zero rows and returned nothing; load the current row
		// to find out who won.
		donation, err = s.repo.FindDonationByID(ctx, donationID)
		if err != nil {
			return nil, fmt.Errorf("failed to load donation after losing settlement claim: %w", err)
		}
		if donation.Status == domain.DonationStatusCompleted {
			log.Printf("Settle: donation %s already settled, skipping", donationID)
			return donation, ErrAlreadySettled
		}
		return donation, fmt.Errorf("%w: status is %s", ErrSettlementConflict, donation.Status)
	}

	txRef, err := s.moveFunds(ctx, donation)
	if err != nil {
		if errors.Is(err, walletclient.ErrInsufficientFunds) {
			log.Printf("Settle: insufficient funds for donation %s, marking failed", donationID)
			if relErr := s.repo.ReleaseDonationFromSettlement(ctx, donationID); relErr != nil {
				return nil, fmt.Errorf("failed to release donation after insufficient funds: %w", relErr)
			}
			if failErr := s.repo.MarkDonationFailed(ctx, donationID, "insufficient wallet funds"); failErr != nil {
				return nil, fmt.Errorf("failed to mark donation failed: %w", failErr)
			}
			return nil, err
		}

		// Transient wallet failure: roll the claim back so a retry can settle later.
		log.Printf("Settle: wallet operation failed for donation %s, releasing claim: %v", donationID, err)
		if relErr := s.repo.ReleaseDonationFromSettlement(ctx, donationID); relErr != nil {
			return nil, fmt.Errorf("wallet operation failed and release failed (%v): %w", relErr, err)
		}
		return nil, fmt.Errorf("wallet operation failed: %w", err)
	}

	if err := s.repo.SetDonationSettlementTxRef(ctx, donationID, txRef); err != nil {
		// Funds have moved; the donation stays completed. The missing reference
		// is logged for manual reconciliation rather than reversing the transfer.
		log.Printf("Settle: failed to persist settlement tx ref %s for donation %s: %v", txRef, donationID, err)
	} else {
		donation.SettlementTxRef = &txRef
	}

	s.publishCompleted(donation)
	return donation, nil
}

// moveFunds performs the wallet-side fund movement and returns the wallet
// transaction reference.
func (s *Settlement) moveFunds(ctx context.Context, donation *domain.Donation) (string, error) {
	memo := fmt.Sprintf("donation %s", donation.ID)

	if donation.PaymentMethod == domain.PaymentMethodWallet {
		if donation.DonorID == nil {
			return "", fmt.Errorf("wallet donation %s has no donor", donation.ID)
		}
		donorWallet, err := s.wallets.GetWallet(ctx, *donation.DonorID, donation.Currency)
		if err != nil {
			return "", fmt.Errorf("failed to load donor wallet: %w", err)
		}
		// The transfer itself is atomic on the wallet side; this check just
		// avoids a doomed call when the balance is visibly short.
		if donorWallet.Balance < donation.Amount {
			return "", walletclient.ErrInsufficientFunds
		}
		tx, err := s.wallets.TransferFunds(ctx, donorWallet.ID, donation.RecipientID, donation.Amount, memo)
		if err != nil {
			return "", err
		}
		return tx.Reference, nil
	}

	// Provider-captured payment: the processor already holds the gross amount,
	// so the recipient wallet is credited with the net amount.
	recipientWallet, err := s.wallets.GetWallet(ctx, donation.RecipientID, donation.Currency)
	if err != nil {
		if !errors.Is(err, walletclient.ErrWalletNotFound) {
			return "", fmt.Errorf("failed to load recipient wallet: %w", err)
		}
		recipientWallet, err = s.wallets.CreateWallet(ctx, donation.RecipientID, walletclient.CreateWalletOptions{Currency: donation.Currency})
		if err != nil {
			return "", fmt.Errorf("failed to create recipient wallet: %w", err)
		}
	}

	tx, err := s.wallets.AddFunds(ctx, recipientWallet.ID, walletclient.AddFundsRequest{
		Amount:      donation.NetAmount,
		Description: memo,
	})
	if err != nil {
		return "", err
	}
	return tx.Reference, nil
}

// publishCompleted emits the donation.completed alert. Publish failures are
// logged and swallowed; settlement correctness never depends on the broker.
func (s *Settlement) publishCompleted(donation *domain.Donation) {
	if s.eventProducer == nil {
		return
	}

	displayName := "Anonymous"
	if !donation.IsAnonymous && donation.Metadata != nil {
		if name, ok := donation.Metadata["donor_display_name"].(string); ok && name != "" {
			displayName = name
		}
	}

	completedAt := time.Now()
	if donation.CompletedAt != nil {
		completedAt = *donation.CompletedAt
	}

	event := domain.DonationCompletedEvent{
		DonationID:  donation.ID,
		RecipientID: donation.RecipientID,
		DonorID:     donation.DonorID,
		DisplayName: displayName,
		Amount:      donation.Amount,
		NetAmount:   donation.NetAmount,
		Currency:    donation.Currency,
		Message:     donation.Message,
		CompletedAt: completedAt,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.eventProducer.Publish(ctx, rabbitmq.DonationEventsExchange, rabbitmq.RoutingKeyDonationCompleted, event); err != nil {
		log.Printf("Settle: failed to publish donation.completed for %s: %v", donation.ID, err)
	}
}
