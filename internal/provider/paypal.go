/**
 * @description
 * PayPal-style webhook verification and normalization. Unlike the HMAC
 * schemes, authenticity is established by posting the delivery back to the
 * provider's verification endpoint and requiring a VERIFIED response; an
 * opaque transmission token alone proves nothing. The HTTP client is injected
 * so tests can stand in for the provider.
 */

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/givly/donation-service/internal/domain"
)

const PayPalName = "paypal"

// PayPal verifies deliveries via the provider's notify-validate endpoint.
type PayPal struct {
	verifyURL  string
	httpClient *http.Client
}

// NewPayPal creates the PayPal capability. A nil client gets a default with a
// bounded timeout.
func NewPayPal(verifyURL string, httpClient *http.Client) *PayPal {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &PayPal{
		verifyURL:  strings.TrimRight(strings.TrimSpace(verifyURL), "/"),
		httpClient: httpClient,
	}
}

func (p *PayPal) Name() string { return PayPalName }

// Verify echoes the raw delivery to the provider's verification endpoint. Only
// an exact VERIFIED response authenticates the event.
func (p *PayPal) Verify(ctx context.Context, req *IngressRequest) error {
	if strings.TrimSpace(req.SignatureHeader) == "" {
		return fmt.Errorf("%w: missing transmission token", ErrAuthentication)
	}
	if p.verifyURL == "" {
		return fmt.Errorf("paypal verification endpoint not configured")
	}

	body := append([]byte("cmd=_notify-validate&"), req.RawBody...)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.verifyURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build verification request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("X-Transmission-Token", strings.TrimSpace(req.SignatureHeader))

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("verification call failed: %w", err)
	}
	defer resp.Body.Close()

	answer, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return fmt.Errorf("read verification response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(answer)) != "VERIFIED" {
		return fmt.Errorf("%w: provider did not verify delivery", ErrAuthentication)
	}
	return nil
}

type paypalPayload struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
	Resource  struct {
		ID     string `json:"id"`
		Amount struct {
			Value        string `json:"value"`
			CurrencyCode string `json:"currency_code"`
		} `json:"amount"`
		StatusDetails struct {
			Reason string `json:"reason"`
		} `json:"status_details"`
	} `json:"resource"`
}

// Normalize maps the provider's event taxonomy onto the canonical types.
func (p *PayPal) Normalize(req *IngressRequest) (*domain.CanonicalEvent, error) {
	var payload paypalPayload
	if err := json.Unmarshal(req.RawBody, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if payload.ID == "" || payload.Resource.ID == "" {
		return nil, fmt.Errorf("%w: missing event id or capture reference", ErrMalformedPayload)
	}

	var eventType string
	switch payload.EventType {
	case "PAYMENT.CAPTURE.COMPLETED":
		eventType = domain.EventPaymentSucceeded
	case "PAYMENT.CAPTURE.DENIED":
		eventType = domain.EventPaymentFailed
	case "PAYMENT.CAPTURE.REFUNDED":
		eventType = domain.EventPaymentRefunded
	default:
		return nil, fmt.Errorf("%w: unhandled event type %q", ErrMalformedPayload, payload.EventType)
	}

	// The capture amount arrives as a decimal string; it is informational only
	// (the donation row is authoritative), so a parse failure is not fatal.
	var amount int64
	if v, err := strconv.ParseFloat(payload.Resource.Amount.Value, 64); err == nil {
		amount = int64(v * 100)
	}

	return &domain.CanonicalEvent{
		Provider:           PayPalName,
		EventID:            payload.ID,
		Type:               eventType,
		ExternalPaymentRef: payload.Resource.ID,
		Amount:             amount,
		Currency:           strings.ToUpper(payload.Resource.Amount.CurrencyCode),
		Reason:             payload.Resource.StatusDetails.Reason,
		Raw:                req.RawBody,
	}, nil
}
