/**
 * @description
 * This file defines the core domain models for the donation-service.
 * These structs represent the main entities and data transfer objects (DTOs)
 * used throughout the service's business logic, database interactions, and API layers.
 *
 * @notes
 * - Amounts are stored as `int64` to represent the value in the smallest currency
 *   unit, which avoids floating-point inaccuracies with financial data.
 * - Donation status only ever changes through the state machine in internal/app;
 *   nothing else writes the status column directly.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Donation statuses. The allowed edges between them are enforced by the state
// machine; see internal/app/statemachine.go.
const (
	DonationStatusPending   = "pending"
	DonationStatusCompleted = "completed"
	DonationStatusFailed    = "failed"
	DonationStatusCancelled = "cancelled"
)

// Payment methods accepted for a donation.
const (
	PaymentMethodWallet       = "wallet"
	PaymentMethodCard         = "card_processor"
	PaymentMethodPayPal       = "paypal"
	PaymentMethodBankTransfer = "bank_transfer"
)

// MaxDonationMessageLength bounds the optional donor message.
const MaxDonationMessageLength = 500

// Donation represents a recorded intent-to-transfer funds from a donor
// (or anonymous) to a recipient. This struct maps directly to the `donations`
// table in the database.
type Donation struct {
	ID                 uuid.UUID              `json:"id"`
	DonorID            *uuid.UUID             `json:"donor_id,omitempty"` // nil for anonymous donations
	RecipientID        uuid.UUID              `json:"recipient_id"`
	DonationLinkID     uuid.UUID              `json:"donation_link_id"`
	ExternalPaymentRef *string                `json:"external_payment_ref,omitempty"` // provider-side reference, unique when present
	SettlementTxRef    *string                `json:"settlement_tx_ref,omitempty"`    // wallet transaction reference, set once on completion
	Amount             int64                  `json:"amount"` // in minor units
	Currency           string                 `json:"currency"`
	Message            *string                `json:"message,omitempty"`
	IsAnonymous        bool                   `json:"is_anonymous"`
	PaymentMethod      string                 `json:"payment_method"`
	ProcessingFee      int64                  `json:"processing_fee"` // in minor units
	NetAmount          int64                  `json:"net_amount"`     // amount - processing_fee
	Status             string                 `json:"status"`
	FailureReason      *string                `json:"failure_reason,omitempty"`
	RefundReason       *string                `json:"refund_reason,omitempty"`
	IsRefunded         bool                   `json:"is_refunded"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
	CompletedAt        *time.Time             `json:"completed_at,omitempty"`
	FailedAt           *time.Time             `json:"failed_at,omitempty"`
	RefundedAt         *time.Time             `json:"refunded_at,omitempty"`
	CreatedAt          time.Time              `json:"created_at"`
	UpdatedAt          time.Time              `json:"updated_at"`
}

// IsTerminal reports whether the donation has reached a state from which the
// dispatcher must not re-execute side effects. The completed state still admits
// the refund edge, but settlement never runs again once completed.
func (d *Donation) IsTerminal() bool {
	return d.Status == DonationStatusCompleted || d.Status == DonationStatusCancelled
}

// CreateDonationRequest is the DTO for incoming donation creation API requests.
type CreateDonationRequest struct {
	RecipientID        uuid.UUID              `json:"recipient_id"`
	DonationLinkID     uuid.UUID              `json:"donation_link_id"`
	Amount             int64                  `json:"amount"` // in minor units
	Currency           string                 `json:"currency"`
	Message            *string                `json:"message,omitempty"`
	IsAnonymous        bool                   `json:"is_anonymous"`
	PaymentMethod      string                 `json:"payment_method"`
	ExternalPaymentRef *string                `json:"external_payment_ref,omitempty"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
}

// DonationCompletedEvent is the alert payload published to RabbitMQ when a
// donation settles. Consumed by the external alert/overlay renderer; delivery
// is fire-and-forget.
type DonationCompletedEvent struct {
	DonationID  uuid.UUID `json:"donation_id"`
	RecipientID uuid.UUID `json:"recipient_id"`
	DonorID     *uuid.UUID `json:"donor_id,omitempty"`
	DisplayName string    `json:"display_name"`
	Amount      int64     `json:"amount"`
	NetAmount   int64     `json:"net_amount"`
	Currency    string    `json:"currency"`
	Message     *string   `json:"message,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}
