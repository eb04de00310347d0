/**
 * @description
 * This file contains the HTTP handlers for the market-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the
 * appropriate methods on the application service, and writing the HTTP
 * response. The purchase handlers speak the payment protocol: a request
 * without proof receives a 402 with payment requirements, a request with a
 * valid proof in the payment header receives the committed trade.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/solbay/market-service/internal/app"
	"github.com/solbay/market-service/internal/domain"
	"github.com/solbay/market-service/internal/store"
)

// PaymentHeader carries the base64 payment payload on purchase retries.
const PaymentHeader = "X-PAYMENT"

// MarketHandlers holds the application service that handlers will use.
type MarketHandlers struct {
	service *app.Service
}

// NewMarketHandlers creates a new instance of MarketHandlers.
func NewMarketHandlers(service *app.Service) *MarketHandlers {
	return &MarketHandlers{service: service}
}

type createListingRequest struct {
	ItemID      string `json:"item_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Price       int64  `json:"price"`
}

type listListingsResponse struct {
	Listings   []domain.Listing `json:"listings"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

type purchaseResponse struct {
	Transaction *domain.Transaction   `json:"transaction"`
	Item        *domain.GeneratedItem `json:"item,omitempty"`
}

type pinRequest struct {
	Pinned bool `json:"pinned"`
}

type balanceResponse struct {
	Amount     int64  `json:"amount"`
	ObservedAt string `json:"observed_at"`
}

// CreateListingHandler handles POST /listings.
func (h *MarketHandlers) CreateListingHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := GetAccountID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get account ID from context")
		return
	}

	var req createListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	listing, err := h.service.CreateListing(r.Context(), domain.CreateListingRequest{
		SellerID:    accountID,
		ItemID:      req.ItemID,
		Title:       req.Title,
		Description: req.Description,
		Price:       req.Price,
	})
	if err != nil {
		h.writeServiceError(w, r, "create_listing", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, listing)
}

// ListListingsHandler handles GET /listings with cursor pagination.
func (h *MarketHandlers) ListListingsHandler(w http.ResponseWriter, r *http.Request) {
	opts := domain.ListingQueryOptions{
		Cursor: r.URL.Query().Get("cursor"),
		SortBy: domain.ListingSortOrder(r.URL.Query().Get("sort")),
	}
	if rawLimit := r.URL.Query().Get("limit"); rawLimit != "" {
		limit, err := strconv.Atoi(rawLimit)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		opts.Limit = limit
	}

	listings, nextCursor, err := h.service.Listings.List(r.Context(), opts)
	if err != nil {
		h.writeServiceError(w, r, "list_listings", err)
		return
	}
	h.writeJSON(w, http.StatusOK, listListingsResponse{Listings: listings, NextCursor: nextCursor})
}

// GetListingHandler handles GET /listings/{listingID}.
func (h *MarketHandlers) GetListingHandler(w http.ResponseWriter, r *http.Request) {
	listingID, ok := h.listingID(w, r)
	if !ok {
		return
	}
	listing, err := h.service.Listings.Get(r.Context(), listingID)
	if err != nil {
		h.writeServiceError(w, r, "get_listing", err)
		return
	}
	h.writeJSON(w, http.StatusOK, listing)
}

// PurchaseListingHandler handles POST /listings/{listingID}/purchase. The
// payment handshake runs over the payment header: absent means "challenge
// me", present means "verify this proof and deliver".
func (h *MarketHandlers) PurchaseListingHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := GetAccountID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get account ID from context")
		return
	}
	listingID, ok := h.listingID(w, r)
	if !ok {
		return
	}

	outcome, err := h.service.PurchaseListing(r.Context(), accountID, listingID, strings.TrimSpace(r.Header.Get(PaymentHeader)))
	if err != nil {
		h.writeServiceError(w, r, "purchase_listing", err)
		return
	}
	h.writePurchaseOutcome(w, outcome)
}

// CancelListingHandler handles POST /listings/{listingID}/cancel.
func (h *MarketHandlers) CancelListingHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := GetAccountID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get account ID from context")
		return
	}
	listingID, ok := h.listingID(w, r)
	if !ok {
		return
	}
	if err := h.service.Listings.Cancel(r.Context(), listingID, accountID); err != nil {
		h.writeServiceError(w, r, "cancel_listing", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RepublishListingHandler handles POST /internal/listings/{listingID}/republish.
func (h *MarketHandlers) RepublishListingHandler(w http.ResponseWriter, r *http.Request) {
	listingID, ok := h.listingID(w, r)
	if !ok {
		return
	}
	if err := h.service.Listings.Republish(r.Context(), listingID); err != nil {
		h.writeServiceError(w, r, "republish_listing", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReportListingHandler handles POST /listings/{listingID}/report.
func (h *MarketHandlers) ReportListingHandler(w http.ResponseWriter, r *http.Request) {
	listingID, ok := h.listingID(w, r)
	if !ok {
		return
	}
	if err := h.service.Listings.Report(r.Context(), listingID); err != nil {
		h.writeServiceError(w, r, "report_listing", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ApproveListingHandler handles POST /internal/listings/{listingID}/approve.
func (h *MarketHandlers) ApproveListingHandler(w http.ResponseWriter, r *http.Request) {
	listingID, ok := h.listingID(w, r)
	if !ok {
		return
	}
	if err := h.service.Listings.Approve(r.Context(), listingID); err != nil {
		h.writeServiceError(w, r, "approve_listing", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PinListingHandler handles POST /internal/listings/{listingID}/pin.
func (h *MarketHandlers) PinListingHandler(w http.ResponseWriter, r *http.Request) {
	listingID, ok := h.listingID(w, r)
	if !ok {
		return
	}
	var req pinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.service.Listings.SetPinned(r.Context(), listingID, req.Pinned); err != nil {
		h.writeServiceError(w, r, "pin_listing", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListMysteryBoxTiersHandler handles GET /mystery-boxes.
func (h *MarketHandlers) ListMysteryBoxTiersHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.service.Boxes.ListTiers())
}

// PurchaseMysteryBoxHandler handles POST /mystery-boxes/{tierID}/purchase.
func (h *MarketHandlers) PurchaseMysteryBoxHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := GetAccountID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get account ID from context")
		return
	}
	tierID := chi.URLParam(r, "tierID")

	outcome, err := h.service.PurchaseMysteryBox(r.Context(), accountID, tierID, strings.TrimSpace(r.Header.Get(PaymentHeader)))
	if err != nil {
		h.writeServiceError(w, r, "purchase_mystery_box", err)
		return
	}
	h.writePurchaseOutcome(w, outcome)
}

// ListMysteryBoxPurchasesHandler handles GET /mystery-boxes/purchases.
func (h *MarketHandlers) ListMysteryBoxPurchasesHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := GetAccountID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get account ID from context")
		return
	}
	purchases, err := h.service.Boxes.PurchaseHistory(r.Context(), accountID)
	if err != nil {
		h.writeServiceError(w, r, "list_mystery_box_purchases", err)
		return
	}
	h.writeJSON(w, http.StatusOK, purchases)
}

// GetBalanceHandler handles GET /wallet/balance.
func (h *MarketHandlers) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := GetAccountID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get account ID from context")
		return
	}
	balance := h.service.GetBalance(r.Context(), accountID)
	h.writeJSON(w, http.StatusOK, balanceResponse{
		Amount:     balance.Amount,
		ObservedAt: balance.ObservedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	})
}

// ListTransactionsHandler handles GET /wallet/transactions with page/limit
// query parameters.
func (h *MarketHandlers) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := GetAccountID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get account ID from context")
		return
	}

	opts := domain.TransactionListOptions{
		SortOrder: domain.SortOrder(r.URL.Query().Get("order")),
	}
	if rawPage := r.URL.Query().Get("page"); rawPage != "" {
		if page, err := strconv.Atoi(rawPage); err == nil {
			opts.Page = page
		}
	}
	if rawLimit := r.URL.Query().Get("limit"); rawLimit != "" {
		if limit, err := strconv.Atoi(rawLimit); err == nil {
			opts.Limit = limit
		}
	}

	transactions, err := h.service.GetTransactions(r.Context(), accountID, opts)
	if err != nil {
		h.writeServiceError(w, r, "list_transactions", err)
		return
	}
	h.writeJSON(w, http.StatusOK, transactions)
}

// ListPendingTransfersHandler handles GET /internal/transactions/pending-transfers.
func (h *MarketHandlers) ListPendingTransfersHandler(w http.ResponseWriter, r *http.Request) {
	transactions, err := h.service.ListPendingTransfers(r.Context())
	if err != nil {
		h.writeServiceError(w, r, "list_pending_transfers", err)
		return
	}
	h.writeJSON(w, http.StatusOK, transactions)
}

func (h *MarketHandlers) listingID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "listingID")
	listingID, err := uuid.Parse(raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid listing ID")
		return uuid.Nil, false
	}
	return listingID, true
}

// writePurchaseOutcome maps a purchase outcome onto the wire: a challenge
// becomes 402 with the requirements envelope as the body, a committed trade
// becomes 200.
func (h *MarketHandlers) writePurchaseOutcome(w http.ResponseWriter, outcome *app.PurchaseOutcome) {
	if outcome.PaymentRequired != nil {
		h.writeJSON(w, http.StatusPaymentRequired, outcome.PaymentRequired)
		return
	}
	h.writeJSON(w, http.StatusOK, purchaseResponse{Transaction: outcome.Transaction, Item: outcome.Item})
}

// writeServiceError translates service and store errors into HTTP statuses.
func (h *MarketHandlers) writeServiceError(w http.ResponseWriter, r *http.Request, endpoint string, err error) {
	var rateLimitErr *app.RateLimitError
	switch {
	case errors.As(err, &rateLimitErr):
		w.Header().Set("Retry-After", strconv.Itoa(rateLimitErr.RetryAfterSeconds))
		h.writeError(w, http.StatusTooManyRequests, "Too many requests. Please slow down.")
	case errors.Is(err, store.ErrListingNotFound), errors.Is(err, store.ErrTransactionNotFound), errors.Is(err, app.ErrTierNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrUnauthorized):
		h.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, store.ErrListingAlreadySold),
		errors.Is(err, store.ErrListingNotOnMarket),
		errors.Is(err, store.ErrListingNotInReview),
		errors.Is(err, store.ErrListingNotPulled),
		errors.Is(err, store.ErrDuplicateTransactionReference),
		errors.Is(err, app.ErrListingNotPurchasable):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrSelfPurchase):
		h.writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Printf("level=error component=api endpoint=%s msg=\"request failed\" err=%v", endpoint, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (h *MarketHandlers) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("level=error component=api msg=\"failed to encode response\" err=%v", err)
	}
}

func (h *MarketHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
