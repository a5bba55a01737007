/**
 * @description
 * This file sets up the HTTP router for the donation-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/givly/donation-service/internal/provider"
)

// DonationRoutes creates and returns a new router for the donation service.
func DonationRoutes(h *DonationHandlers, jwksURL string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Provider webhook ingress. Authentication happens per provider via
	// signature verification, never via bearer tokens.
	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/card-processor", h.WebhookHandler(provider.CardProcessorName, cardSignatureHeader))
		r.Post("/paypal", h.WebhookHandler(provider.PayPalName, paypalSignatureHeader))
		r.Post("/custom/{slug}", h.WebhookHandler(provider.CustomName, customSignatureHeader))
	})

	// Donation creation and lookup. Donors may be anonymous, so auth is
	// optional here; a supplied token is still validated.
	r.Group(func(r chi.Router) {
		r.Use(OptionalAuthMiddleware(jwksURL))
		r.Post("/donations", h.CreateDonationHandler)
		r.Get("/donations/{donationID}", h.GetDonationHandler)
	})

	// The direct wallet settlement path requires the donor's identity.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(jwksURL))
		r.Post("/donations/{donationID}/confirm", h.ConfirmDonationHandler)
	})

	return r
}
