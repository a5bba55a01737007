/**
 * @description
 * This file contains the HTTP handlers for the donation-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/provider, internal/store: For service
 *   logic, models, provider verification, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/givly/donation-service/internal/app"
	"github.com/givly/donation-service/internal/domain"
	"github.com/givly/donation-service/internal/provider"
	"github.com/givly/donation-service/internal/store"
	"github.com/givly/donation-service/pkg/walletclient"
)

// Per-provider signature header names.
const (
	cardSignatureHeader   = "X-Processor-Signature"
	paypalSignatureHeader = "X-Transmission-Token"
	customSignatureHeader = "X-Callback-Signature"
)

// maxWebhookBodyBytes bounds inbound webhook payloads.
const maxWebhookBodyBytes = 1 << 20

// DonationHandlers holds the application services that handlers will use.
type DonationHandlers struct {
	service *app.Service
	ingress *app.Ingress
	limiter *app.RedisWebhookRateLimiter

	rateLimitPerMinute int
}

// NewDonationHandlers creates a new instance of DonationHandlers.
func NewDonationHandlers(service *app.Service, ingress *app.Ingress, limiter *app.RedisWebhookRateLimiter, rateLimitPerMinute int) *DonationHandlers {
	return &DonationHandlers{
		service:            service,
		ingress:            ingress,
		limiter:            limiter,
		rateLimitPerMinute: rateLimitPerMinute,
	}
}

// webhookAckResponse is the body returned to providers for every accepted
// delivery. Providers only care about the status code; the body aids debugging.
type webhookAckResponse struct {
	Received  bool   `json:"received"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Message   string `json:"message,omitempty"`
}

// WebhookHandler builds the ingress handler for one provider endpoint.
func (h *DonationHandlers) WebhookHandler(providerName, signatureHeader string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.allowWebhook(w, r, providerName) {
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes+1))
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "Could not read request body")
			return
		}
		if len(body) > maxWebhookBodyBytes {
			h.writeError(w, http.StatusRequestEntityTooLarge, "Payload too large")
			return
		}

		req := &provider.IngressRequest{
			Provider:        providerName,
			Slug:            chi.URLParam(r, "slug"),
			SignatureHeader: r.Header.Get(signatureHeader),
			RawBody:         body,
			ReceivedAt:      time.Now().UTC(),
		}

		outcome, err := h.ingress.Ingest(r.Context(), req)
		if err != nil {
			if errors.Is(err, provider.ErrAuthentication) {
				log.Printf("level=warn component=api endpoint=webhook provider=%s outcome=reject reason=authentication", providerName)
				h.writeError(w, http.StatusBadRequest, "Signature verification failed")
				return
			}
			if errors.Is(err, provider.ErrMalformedPayload) {
				log.Printf("level=warn component=api endpoint=webhook provider=%s outcome=reject reason=malformed_payload err=%v", providerName, err)
				h.writeError(w, http.StatusBadRequest, "Malformed payload")
				return
			}
			if errors.Is(err, provider.ErrUnknownProvider) {
				h.writeError(w, http.StatusNotFound, "Unknown provider")
				return
			}
			log.Printf("level=error component=api endpoint=webhook provider=%s outcome=error err=%v", providerName, err)
			h.writeError(w, http.StatusInternalServerError, "Could not process delivery")
			return
		}

		// The delivery is authenticated and ledgered; reconciliation outcomes
		// (including transient failures queued for retry) are internal, so the
		// provider always gets a 200 from here on.
		h.writeJSON(w, http.StatusOK, webhookAckResponse{
			Received:  true,
			Duplicate: outcome.Duplicate,
			Message:   outcome.Result.Message,
		})
	}
}

// allowWebhook applies the per-provider ingress rate limit. Limiter errors
// fail open.
func (h *DonationHandlers) allowWebhook(w http.ResponseWriter, r *http.Request, providerName string) bool {
	if h.limiter == nil || h.rateLimitPerMinute <= 0 {
		return true
	}
	count, retryAfter, err := h.limiter.ConsumeRateLimit(r.Context(), "webhook", providerName, h.rateLimitPerMinute, time.Minute)
	if err != nil {
		log.Printf("level=warn component=api endpoint=webhook provider=%s msg=\"rate limiter unavailable; allowing request\" err=%v", providerName, err)
		return true
	}
	if count > h.rateLimitPerMinute {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
		h.writeError(w, http.StatusTooManyRequests, "Too many requests")
		return false
	}
	return true
}

// CreateDonationHandler records a new donation. The donor is taken from the
// bearer token when present; otherwise the donation is anonymous.
func (h *DonationHandlers) CreateDonationHandler(w http.ResponseWriter, r *http.Request) {
	var donorID *uuid.UUID
	if sub, ok := GetAuthUserID(r.Context()); ok {
		parsed, err := uuid.Parse(sub)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid user ID format")
			return
		}
		donorID = &parsed
	}

	var req domain.CreateDonationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	donation, err := h.service.CreateDonation(r.Context(), donorID, req)
	if err != nil {
		if errors.Is(err, app.ErrValidation) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if errors.Is(err, store.ErrDuplicatePaymentRef) {
			h.writeError(w, http.StatusConflict, "A donation with this payment reference already exists")
			return
		}
		log.Printf("level=error component=api endpoint=create_donation outcome=error err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Could not create donation")
		return
	}

	h.writeJSON(w, http.StatusCreated, donation)
}

// GetDonationHandler returns one donation by id.
func (h *DonationHandlers) GetDonationHandler(w http.ResponseWriter, r *http.Request) {
	donationID, err := uuid.Parse(chi.URLParam(r, "donationID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid donation ID")
		return
	}

	donation, err := h.service.GetDonation(r.Context(), donationID)
	if err != nil {
		if errors.Is(err, store.ErrDonationNotFound) {
			h.writeError(w, http.StatusNotFound, "Donation not found")
			return
		}
		log.Printf("level=error component=api endpoint=get_donation outcome=error donation_id=%s err=%v", donationID, err)
		h.writeError(w, http.StatusInternalServerError, "Could not fetch donation")
		return
	}

	h.writeJSON(w, http.StatusOK, donation)
}

// ConfirmDonationHandler settles a wallet-funded donation synchronously.
func (h *DonationHandlers) ConfirmDonationHandler(w http.ResponseWriter, r *http.Request) {
	sub, ok := GetAuthUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return
	}
	callerID, err := uuid.Parse(sub)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid user ID format")
		return
	}

	donationID, err := uuid.Parse(chi.URLParam(r, "donationID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid donation ID")
		return
	}

	donation, err := h.service.ConfirmWalletDonation(r.Context(), donationID, callerID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrDonationNotFound):
			h.writeError(w, http.StatusNotFound, "Donation not found")
		case errors.Is(err, app.ErrValidation):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, app.ErrForbidden):
			h.writeError(w, http.StatusForbidden, "You do not own this donation")
		case errors.Is(err, walletclient.ErrInsufficientFunds):
			h.writeError(w, http.StatusPaymentRequired, "Insufficient wallet funds")
		case errors.Is(err, app.ErrSettlementConflict):
			h.writeError(w, http.StatusConflict, "Donation is not eligible for settlement")
		default:
			log.Printf("level=error component=api endpoint=confirm_donation outcome=error donation_id=%s err=%v", donationID, err)
			h.writeError(w, http.StatusInternalServerError, "Could not confirm donation")
		}
		return
	}

	log.Printf("level=info component=api endpoint=confirm_donation outcome=settled donation_id=%s donor_id=%s", donationID, callerID)
	h.writeJSON(w, http.StatusOK, donation)
}

// writeJSON is a helper for writing JSON responses.
func (h *DonationHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *DonationHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
