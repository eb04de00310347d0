/**
 * @description
 * This file sets up the HTTP router for the market-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies
 * the shared middleware stack. Admin endpoints live under /internal and are
 * guarded by the internal API key.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/prometheus/client_golang: Prometheus metrics endpoint.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MarketRoutes creates and returns a new router for the market service.
func MarketRoutes(h *MarketHandlers, internalAPIKey string) http.Handler {
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

	// Prometheus scrape endpoint
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Routes that act on behalf of an authenticated account.
	r.Group(func(r chi.Router) {
		r.Use(AccountAuthMiddleware)

		r.Post("/listings", h.CreateListingHandler)
		r.Get("/listings", h.ListListingsHandler)
		r.Get("/listings/{listingID}", h.GetListingHandler)
		r.Post("/listings/{listingID}/purchase", h.PurchaseListingHandler)
		r.Post("/listings/{listingID}/cancel", h.CancelListingHandler)
		r.Post("/listings/{listingID}/report", h.ReportListingHandler)

		r.Get("/mystery-boxes", h.ListMysteryBoxTiersHandler)
		r.Post("/mystery-boxes/{tierID}/purchase", h.PurchaseMysteryBoxHandler)
		r.Get("/mystery-boxes/purchases", h.ListMysteryBoxPurchasesHandler)

		r.Get("/wallet/balance", h.GetBalanceHandler)
		r.Get("/wallet/transactions", h.ListTransactionsHandler)
	})

	// Admin endpoints, guarded by the shared internal key.
	r.Group(func(r chi.Router) {
		r.Use(InternalKeyMiddleware(internalAPIKey))

		r.Post("/internal/listings/{listingID}/approve", h.ApproveListingHandler)
		r.Post("/internal/listings/{listingID}/republish", h.RepublishListingHandler)
		r.Post("/internal/listings/{listingID}/pin", h.PinListingHandler)
		r.Get("/internal/transactions/pending-transfers", h.ListPendingTransfersHandler)
	})

	return r
}
