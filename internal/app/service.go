/**
 * @description
 * This file contains the core donation business logic. The `Service` struct
 * handles donation creation with per-method fee calculation and the direct
 * wallet-funded path, where settlement runs synchronously inside the confirm
 * call instead of waiting for a provider webhook.
 *
 * @dependencies
 * - context, errors, fmt, log, strings: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/store: For domain models and data access.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/givly/donation-service/internal/domain"
	"github.com/givly/donation-service/internal/store"
)

var (
	// ErrValidation marks request-shape failures; handlers map it to 400.
	ErrValidation = errors.New("validation failed")

	// ErrForbidden marks requests whose authenticated caller does not own the
	// targeted donation.
	ErrForbidden = errors.New("caller does not own this donation")
)

// FeeSchedule holds the per-method processing fee percentages.
type FeeSchedule struct {
	CardPercent   float64
	PayPalPercent float64
}

// Service provides the donation-facing business logic.
type Service struct {
	repo       store.Repository
	settlement *Settlement
	fees       FeeSchedule
}

// NewService creates a new donation service instance.
func NewService(repo store.Repository, settlement *Settlement, fees FeeSchedule) *Service {
	return &Service{
		repo:       repo,
		settlement: settlement,
		fees:       fees,
	}
}

// ProcessingFee computes the provider fee in minor units for one donation.
// Wallet and bank-transfer donations carry no processing fee.
func (s *Service) ProcessingFee(paymentMethod string, amount int64) int64 {
	var pct float64
	switch paymentMethod {
	case domain.PaymentMethodCard:
		pct = s.fees.CardPercent
	case domain.PaymentMethodPayPal:
		pct = s.fees.PayPalPercent
	default:
		return 0
	}
	return int64(math.Round(float64(amount) * pct / 100))
}

// CreateDonation validates and records a new pending donation. donorID is nil
// for unauthenticated donors.
func (s *Service) CreateDonation(ctx context.Context, donorID *uuid.UUID, req domain.CreateDonationRequest) (*domain.Donation, error) {
	if err := validateCreateRequest(donorID, req); err != nil {
		return nil, err
	}

	fee := s.ProcessingFee(req.PaymentMethod, req.Amount)
	donation := &domain.Donation{
		ID:                 uuid.New(),
		DonorID:            donorID,
		RecipientID:        req.RecipientID,
		DonationLinkID:     req.DonationLinkID,
		ExternalPaymentRef: req.ExternalPaymentRef,
		Amount:             req.Amount,
		Currency:           strings.ToUpper(req.Currency),
		Message:            req.Message,
		IsAnonymous:        req.IsAnonymous || donorID == nil,
		PaymentMethod:      req.PaymentMethod,
		ProcessingFee:      fee,
		NetAmount:          req.Amount - fee,
		Status:             domain.DonationStatusPending,
		Metadata:           req.Metadata,
	}

	if err := s.repo.CreateDonation(ctx, donation); err != nil {
		if errors.Is(err, store.ErrDuplicatePaymentRef) {
			// Same checkout session submitted twice: hand back the original.
			if req.ExternalPaymentRef != nil {
				if existing, findErr := s.repo.FindDonationByExternalPaymentRef(ctx, *req.ExternalPaymentRef); findErr == nil {
					return existing, nil
				}
			}
			return nil, err
		}
		return nil, fmt.Errorf("failed to create donation: %w", err)
	}

	log.Printf("CreateDonation: recorded donation %s for recipient %s (%d %s via %s)",
		donation.ID, donation.RecipientID, donation.Amount, donation.Currency, donation.PaymentMethod)
	return donation, nil
}

// GetDonation retrieves one donation by id.
func (s *Service) GetDonation(ctx context.Context, donationID uuid.UUID) (*domain.Donation, error) {
	return s.repo.FindDonationByID(ctx, donationID)
}

// ConfirmWalletDonation settles a wallet-funded donation synchronously. The
// caller must be the donor. Safe to call twice: a repeated confirm of an
// already-settled donation returns the donation unchanged.
func (s *Service) ConfirmWalletDonation(ctx context.Context, donationID uuid.UUID, callerID uuid.UUID) (*domain.Donation, error) {
	donation, err := s.repo.FindDonationByID(ctx, donationID)
	if err != nil {
		return nil, err
	}
	if donation.PaymentMethod != domain.PaymentMethodWallet {
		return nil, fmt.Errorf("%w: donation is not wallet-funded", ErrValidation)
	}
	if donation.DonorID == nil || *donation.DonorID != callerID {
		return nil, ErrForbidden
	}

	settled, err := s.settlement.Settle(ctx, donationID)
	if err != nil {
		if errors.Is(err, ErrAlreadySettled) {
			return settled, nil
		}
		return nil, err
	}
	return settled, nil
}

func validateCreateRequest(donorID *uuid.UUID, req domain.CreateDonationRequest) error {
	if req.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if req.RecipientID == uuid.Nil {
		return fmt.Errorf("%w: recipient_id is required", ErrValidation)
	}
	if req.DonationLinkID == uuid.Nil {
		return fmt.Errorf("%w: donation_link_id is required", ErrValidation)
	}
	if len(req.Currency) != 3 {
		return fmt.Errorf("%w: currency must be a 3-letter code", ErrValidation)
	}
	if req.Message != nil && len(*req.Message) > domain.MaxDonationMessageLength {
		return fmt.Errorf("%w: message exceeds %d characters", ErrValidation, domain.MaxDonationMessageLength)
	}

	switch req.PaymentMethod {
	case domain.PaymentMethodWallet:
		if donorID == nil {
			return fmt.Errorf("%w: wallet donations require an authenticated donor", ErrValidation)
		}
	case domain.PaymentMethodCard, domain.PaymentMethodPayPal, domain.PaymentMethodBankTransfer:
		if req.ExternalPaymentRef == nil || strings.TrimSpace(*req.ExternalPaymentRef) == "" {
			return fmt.Errorf("%w: %s donations require external_payment_ref", ErrValidation, req.PaymentMethod)
		}
	default:
		return fmt.Errorf("%w: unsupported payment method %q", ErrValidation, req.PaymentMethod)
	}
	return nil
}
