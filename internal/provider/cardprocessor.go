/**
 * @description
 * Card-processor webhook verification and normalization. The signature header
 * carries a unix timestamp and an HMAC digest:
 *
 *     X-CardProc-Signature: t=1712345678,v1=<hex hmac-sha256>
 *
 * The digest covers "{timestamp}.{rawBody}" keyed with the endpoint's shared
 * secret. Comparison is constant-time via hmac.Equal, and timestamps outside
 * the tolerance window are rejected to bound replay.
 */

package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/givly/donation-service/internal/domain"
)

const CardProcessorName = "card_processor"

// DefaultSignatureTolerance bounds how stale a signed timestamp may be.
const DefaultSignatureTolerance = 5 * time.Minute

// CardProcessor verifies and normalizes card-processor webhook deliveries.
type CardProcessor struct {
	secrets   SecretSource
	tolerance time.Duration
}

// NewCardProcessor creates the card-processor capability. A non-positive
// tolerance falls back to the default.
func NewCardProcessor(secrets SecretSource, tolerance time.Duration) *CardProcessor {
	if tolerance <= 0 {
		tolerance = DefaultSignatureTolerance
	}
	return &CardProcessor{secrets: secrets, tolerance: tolerance}
}

func (p *CardProcessor) Name() string { return CardProcessorName }

// Verify recomputes the HMAC over "{timestamp}.{rawBody}" and compares it to
// the received digest in constant time.
func (p *CardProcessor) Verify(ctx context.Context, req *IngressRequest) error {
	timestamp, digest, err := parseCardSignatureHeader(req.SignatureHeader)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthentication, err)
	}

	age := req.ReceivedAt.Sub(time.Unix(timestamp, 0))
	if age > p.tolerance || age < -p.tolerance {
		return fmt.Errorf("%w: signed timestamp outside tolerance", ErrAuthentication)
	}

	secret, err := p.secrets.Secret(ctx, CardProcessorName, "")
	if err != nil {
		return fmt.Errorf("resolve card-processor secret: %w", err)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(req.RawBody)
	expected := mac.Sum(nil)

	received, err := hex.DecodeString(digest)
	if err != nil {
		return fmt.Errorf("%w: signature is not hex", ErrAuthentication)
	}
	if !hmac.Equal(received, expected) {
		return ErrAuthentication
	}
	return nil
}

func parseCardSignatureHeader(header string) (timestamp int64, digest string, err error) {
	for _, part := range strings.Split(strings.TrimSpace(header), ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			timestamp, err = strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, "", fmt.Errorf("bad timestamp %q", value)
			}
		case "v1":
			digest = value
		}
	}
	if timestamp == 0 || digest == "" {
		return 0, "", fmt.Errorf("signature header missing t= or v1= component")
	}
	return timestamp, digest, nil
}

type cardProcessorPayload struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID       string `json:"id"`
			Amount   int64  `json:"amount"`
			Currency string `json:"currency"`
			LastPaymentError *struct {
				Message string `json:"message"`
			} `json:"last_payment_error"`
		} `json:"object"`
	} `json:"data"`
}

// Normalize maps the provider's event taxonomy onto the canonical types.
func (p *CardProcessor) Normalize(req *IngressRequest) (*domain.CanonicalEvent, error) {
	var payload cardProcessorPayload
	if err := json.Unmarshal(req.RawBody, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if payload.ID == "" || payload.Data.Object.ID == "" {
		return nil, fmt.Errorf("%w: missing event id or payment reference", ErrMalformedPayload)
	}

	var eventType string
	switch payload.Type {
	case "payment_intent.succeeded":
		eventType = domain.EventPaymentSucceeded
	case "payment_intent.payment_failed":
		eventType = domain.EventPaymentFailed
	case "charge.refunded":
		eventType = domain.EventPaymentRefunded
	default:
		return nil, fmt.Errorf("%w: unhandled event type %q", ErrMalformedPayload, payload.Type)
	}

	reason := ""
	if payload.Data.Object.LastPaymentError != nil {
		reason = payload.Data.Object.LastPaymentError.Message
	}

	return &domain.CanonicalEvent{
		Provider:           CardProcessorName,
		EventID:            payload.ID,
		Type:               eventType,
		ExternalPaymentRef: payload.Data.Object.ID,
		Amount:             payload.Data.Object.Amount,
		Currency:           strings.ToUpper(payload.Data.Object.Currency),
		Reason:             reason,
		Raw:                req.RawBody,
	}, nil
}
