package app

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/givly/donation-service/internal/domain"
	"github.com/givly/donation-service/internal/store"
	"github.com/givly/donation-service/pkg/walletclient"
)

type settlementRepoStub struct {
	store.Repository

	donation *domain.Donation
	claimed  bool

	releaseCalled    bool
	markFailedCalled bool
	failureReason    string
	txRef            string
}

// ClaimDonationForSettlement mirrors the Postgres contract: a lost claim
// returns no row at all, only (nil, false, nil).
func (s *settlementRepoStub) ClaimDonationForSettlement(ctx context.Context, donationID uuid.UUID) (*domain.Donation, bool, error) {
	if !s.claimed {
		return nil, false, nil
	}
	return s.donation, true, nil
}

func (s *settlementRepoStub) FindDonationByID(ctx context.Context, donationID uuid.UUID) (*domain.Donation, error) {
	return s.donation, nil
}

func (s *settlementRepoStub) ReleaseDonationFromSettlement(ctx context.Context, donationID uuid.UUID) error {
	s.releaseCalled = true
	return nil
}

func (s *settlementRepoStub) SetDonationSettlementTxRef(ctx context.Context, donationID uuid.UUID, txRef string) error {
	s.txRef = txRef
	return nil
}

func (s *settlementRepoStub) MarkDonationFailed(ctx context.Context, donationID uuid.UUID, failureReason string) error {
	s.markFailedCalled = true
	s.failureReason = failureReason
	return nil
}

type walletStub struct {
	wallet      *walletclient.Wallet
	walletErr   error
	transferErr error
	addErr      error

	transferCalled bool
	transferAmount int64
	addCalled      bool
	addAmount      int64
	createCalled   bool
}

func (w *walletStub) GetWallet(ctx context.Context, userID uuid.UUID, currency string) (*walletclient.Wallet, error) {
	if w.walletErr != nil {
		return nil, w.walletErr
	}
	return w.wallet, nil
}

func (w *walletStub) CreateWallet(ctx context.Context, userID uuid.UUID, opts walletclient.CreateWalletOptions) (*walletclient.Wallet, error) {
	w.createCalled = true
	return &walletclient.Wallet{ID: uuid.New(), UserID: userID, Currency: opts.Currency}, nil
}

func (w *walletStub) TransferFunds(ctx context.Context, fromWallet uuid.UUID, toUser uuid.UUID, amount int64, memo string) (*walletclient.Transaction, error) {
	w.transferCalled = true
	w.transferAmount = amount
	if w.transferErr != nil {
		return nil, w.transferErr
	}
	return &walletclient.Transaction{ID: uuid.New(), Reference: "wtx-transfer-1", Amount: amount}, nil
}

func (w *walletStub) AddFunds(ctx context.Context, walletID uuid.UUID, req walletclient.AddFundsRequest) (*walletclient.Transaction, error) {
	w.addCalled = true
	w.addAmount = req.Amount
	if w.addErr != nil {
		return nil, w.addErr
	}
	return &walletclient.Transaction{ID: uuid.New(), Reference: "wtx-credit-1", Amount: req.Amount}, nil
}

type publisherStub struct {
	published []string
}

func (p *publisherStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.published = append(p.published, routingKey)
	return nil
}

func (p *publisherStub) Close() {}

func cardDonation(status string) *domain.Donation {
	return &domain.Donation{
		ID:            uuid.New(),
		RecipientID:   uuid.New(),
		Amount:        10000,
		ProcessingFee: 290,
		NetAmount:     9710,
		Currency:      "USD",
		PaymentMethod: domain.PaymentMethodCard,
		Status:        status,
	}
}

func TestSettle_ProviderCapturedCreditsNetAmount(t *testing.T) {
	donation := cardDonation(domain.DonationStatusCompleted)
	repo := &settlementRepoStub{donation: donation, claimed: true}
	wallets := &walletStub{wallet: &walletclient.Wallet{ID: uuid.New()}}
	pub := &publisherStub{}

	settled, err := NewSettlement(repo, wallets, pub).Settle(context.Background(), donation.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !wallets.addCalled {
		t.Fatal("expected recipient wallet credit")
	}
	if wallets.addAmount != 9710 {
		t.Fatalf("expected net amount 9710 to be credited, got %d", wallets.addAmount)
	}
	if repo.txRef != "wtx-credit-1" {
		t.Fatalf("expected settlement tx ref to be persisted, got %q", repo.txRef)
	}
	if settled.SettlementTxRef == nil || *settled.SettlementTxRef != "wtx-credit-1" {
		t.Fatal("expected returned donation to carry the settlement reference")
	}
	if len(pub.published) != 1 || pub.published[0] != "donation.completed" {
		t.Fatalf("expected one donation.completed publish, got %v", pub.published)
	}
}

func TestSettle_WalletDonationTransfersGrossAmount(t *testing.T) {
	donorID := uuid.New()
	donation := cardDonation(domain.DonationStatusCompleted)
	donation.PaymentMethod = domain.PaymentMethodWallet
	donation.DonorID = &donorID
	donation.ProcessingFee = 0
	donation.NetAmount = donation.Amount

	repo := &settlementRepoStub{donation: donation, claimed: true}
	wallets := &walletStub{wallet: &walletclient.Wallet{ID: uuid.New(), UserID: donorID, Balance: 50000}}

	if _, err := NewSettlement(repo, wallets, nil).Settle(context.Background(), donation.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !wallets.transferCalled {
		t.Fatal("expected a wallet-to-wallet transfer")
	}
	if wallets.transferAmount != donation.Amount {
		t.Fatalf("expected full amount %d transferred, got %d", donation.Amount, wallets.transferAmount)
	}
	if wallets.addCalled {
		t.Fatal("did not expect a credit for a wallet donation")
	}
}

func TestSettle_LostClaimOnCompletedDonation(t *testing.T) {
	donation := cardDonation(domain.DonationStatusCompleted)
	repo := &settlementRepoStub{donation: donation, claimed: false}
	wallets := &walletStub{wallet: &walletclient.Wallet{ID: uuid.New()}}

	_, err := NewSettlement(repo, wallets, nil).Settle(context.Background(), donation.ID)
	if !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled, got %v", err)
	}
	if wallets.addCalled || wallets.transferCalled {
		t.Fatal("loser of the claim race must not move funds")
	}
}

func TestSettle_LostClaimOnFailedDonation(t *testing.T) {
	donation := cardDonation(domain.DonationStatusFailed)
	repo := &settlementRepoStub{donation: donation, claimed: false}

	_, err := NewSettlement(repo, &walletStub{}, nil).Settle(context.Background(), donation.ID)
	if !errors.Is(err, ErrSettlementConflict) {
		t.Fatalf("expected ErrSettlementConflict, got %v", err)
	}
}

func TestSettle_InsufficientFundsMarksDonationFailed(t *testing.T) {
	donorID := uuid.New()
	donation := cardDonation(domain.DonationStatusCompleted)
	donation.PaymentMethod = domain.PaymentMethodWallet
	donation.DonorID = &donorID

	repo := &settlementRepoStub{donation: donation, claimed: true}
	wallets := &walletStub{
		wallet:      &walletclient.Wallet{ID: uuid.New(), UserID: donorID, Balance: 50000},
		transferErr: walletclient.ErrInsufficientFunds,
	}

	_, err := NewSettlement(repo, wallets, nil).Settle(context.Background(), donation.ID)
	if !errors.Is(err, walletclient.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds error, got %v", err)
	}
	if !repo.releaseCalled {
		t.Fatal("expected the claim to be released before failing the donation")
	}
	if !repo.markFailedCalled {
		t.Fatal("expected the donation to be marked failed")
	}
}

func TestSettle_ShortDonorBalanceFailsWithoutTransfer(t *testing.T) {
	donorID := uuid.New()
	donation := cardDonation(domain.DonationStatusCompleted)
	donation.PaymentMethod = domain.PaymentMethodWallet
	donation.DonorID = &donorID

	repo := &settlementRepoStub{donation: donation, claimed: true}
	wallets := &walletStub{wallet: &walletclient.Wallet{ID: uuid.New(), UserID: donorID, Balance: donation.Amount - 1}}

	_, err := NewSettlement(repo, wallets, nil).Settle(context.Background(), donation.ID)
	if !errors.Is(err, walletclient.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds error, got %v", err)
	}
	if wallets.transferCalled {
		t.Fatal("a visibly short balance must not reach the wallet transfer")
	}
	if !repo.markFailedCalled {
		t.Fatal("expected the donation to be marked failed")
	}
}

func TestSettle_TransientWalletFailureReleasesClaim(t *testing.T) {
	donation := cardDonation(domain.DonationStatusCompleted)
	repo := &settlementRepoStub{donation: donation, claimed: true}
	wallets := &walletStub{
		wallet: &walletclient.Wallet{ID: uuid.New()},
		addErr: errors.New("wallet service returned status 503"),
	}

	if _, err := NewSettlement(repo, wallets, nil).Settle(context.Background(), donation.ID); err == nil {
		t.Fatal("expected an error for a transient wallet failure")
	}
	if !repo.releaseCalled {
		t.Fatal("expected the claim to be released for retry")
	}
	if repo.markFailedCalled {
		t.Fatal("a transient failure must not fail the donation")
	}
}

func TestSettle_CreatesRecipientWalletWhenMissing(t *testing.T) {
	donation := cardDonation(domain.DonationStatusCompleted)
	repo := &settlementRepoStub{donation: donation, claimed: true}
	wallets := &walletStub{walletErr: walletclient.ErrWalletNotFound}

	if _, err := NewSettlement(repo, wallets, nil).Settle(context.Background(), donation.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !wallets.createCalled {
		t.Fatal("expected wallet provisioning for a missing recipient wallet")
	}
	if !wallets.addCalled {
		t.Fatal("expected credit to the freshly provisioned wallet")
	}
}
