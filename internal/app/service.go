/**
 * @description
 * This file contains the core business logic for the market-service. The
 * `Service` struct orchestrates purchases end to end: rate limiting, the
 * payment challenge/verify handshake, failure counting, and handing settled
 * payments to the trade executor. Handlers talk to this type only.
 *
 * Key features:
 * - Implements the pay-then-deliver purchase flow for listings and boxes.
 * - Issues payment challenges when a request carries no proof, and verifies
 *   proofs (including the bounded settlement poll) when it does.
 * - Records payment failures against listings so abusive listings leave the
 *   market automatically.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For entity identifiers.
 * - internal/currency, internal/domain, internal/store, internal/x402.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/solbay/market-service/internal/currency"
	"github.com/solbay/market-service/internal/domain"
	"github.com/solbay/market-service/internal/store"
	"github.com/solbay/market-service/internal/x402"
)

var (
	// ErrListingNotPurchasable covers listings that are off the market or
	// over the failure threshold.
	ErrListingNotPurchasable = errors.New("listing is not available for purchase")

	// ErrSelfPurchase rejects a buyer purchasing their own listing.
	ErrSelfPurchase = errors.New("cannot purchase your own listing")
)

// RateLimitSettings bounds one scope's request budget.
type RateLimitSettings struct {
	Limit  int
	Window time.Duration
}

// ServiceConfig carries the service-level tunables.
type ServiceConfig struct {
	PurchaseRateLimit      RateLimitSettings
	ListingCreateRateLimit RateLimitSettings
}

// PurchaseOutcome is the result of a purchase attempt. Exactly one of
// PaymentRequired and Transaction is set: the former when the caller must
// (re)submit payment, the latter when the trade committed.
type PurchaseOutcome struct {
	Transaction     *domain.Transaction
	Item            *domain.GeneratedItem
	PaymentRequired *x402.PaymentRequiredResponse
}

// Service provides the core business logic for the marketplace.
type Service struct {
	Listings *ListingManager
	Boxes    *MysteryBoxManager
	Trades   *TradeExecutor

	repo        store.Repository
	currency    currency.Adapter
	rateLimiter RateLimiter
	cfg         ServiceConfig
}

// NewService creates a new marketplace service instance.
func NewService(
	repo store.Repository,
	currencyAdapter currency.Adapter,
	listings *ListingManager,
	boxes *MysteryBoxManager,
	trades *TradeExecutor,
	rateLimiter RateLimiter,
	cfg ServiceConfig,
) *Service {
	return &Service{
		Listings:    listings,
		Boxes:       boxes,
		Trades:      trades,
		repo:        repo,
		currency:    currencyAdapter,
		rateLimiter: rateLimiter,
		cfg:         cfg,
	}
}

// CreateListing applies the listing-creation rate limit and delegates to the
// listing manager.
func (s *Service) CreateListing(ctx context.Context, req domain.CreateListingRequest) (*domain.Listing, error) {
	if err := s.consumeLimit(ctx, RateLimitScopeListingCreate, req.SellerID, s.cfg.ListingCreateRateLimit); err != nil {
		return nil, err
	}
	return s.Listings.Create(ctx, req)
}

// PurchaseListing runs the pay-then-deliver flow for a listing.
//
// Without a payment header the call returns a challenge (or, in auto-settling
// simulated mode, commits immediately). With a header the proof is verified
// against the listing's price; verification failure counts against the
// listing and returns a fresh challenge carrying the failure reason.
func (s *Service) PurchaseListing(ctx context.Context, buyerID string, listingID uuid.UUID, paymentHeader string) (*PurchaseOutcome, error) {
	if err := s.consumeLimit(ctx, RateLimitScopePurchase, buyerID, s.cfg.PurchaseRateLimit); err != nil {
		return nil, err
	}

	listing, err := s.Listings.Get(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if !listing.Purchasable(s.Listings.PullThreshold()) {
		return nil, ErrListingNotPurchasable
	}
	if listing.SellerID == buyerID {
		return nil, ErrSelfPurchase
	}

	params := currency.PurchaseParams{
		Resource:    "listing:" + listing.ID.String(),
		Description: listing.Title,
		Amount:      listing.Price,
		Buyer:       buyerID,
	}

	if paymentHeader == "" {
		initiation, err := s.currency.InitiatePurchase(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("failed to initiate purchase: %w", err)
		}
		if !initiation.Settled {
			return &PurchaseOutcome{PaymentRequired: initiation.PaymentRequired}, nil
		}
		return s.commitListing(ctx, listing, buyerID, initiation.TxReference)
	}

	result, err := s.currency.VerifyPurchase(ctx, currency.VerifyPurchaseParams{
		PaymentHeader: paymentHeader,
		Amount:        listing.Price,
		Buyer:         buyerID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to verify purchase: %w", err)
	}
	if !result.Success {
		if ferr := s.Listings.RecordPurchaseFailure(ctx, listing.ID); ferr != nil {
			log.Printf("level=error component=service op=purchase_listing listing=%s msg=\"failed to record purchase failure\" err=%v", listing.ID, ferr)
		}
		return &PurchaseOutcome{PaymentRequired: s.rechallenge(params, result.Error)}, nil
	}

	return s.commitListing(ctx, listing, buyerID, result.TxReference)
}

func (s *Service) commitListing(ctx context.Context, listing *domain.Listing, buyerID, txReference string) (*PurchaseOutcome, error) {
	tx, err := s.Trades.ExecuteListingTrade(ctx, listing, buyerID, txReference)
	if err != nil {
		return nil, err
	}
	s.currency.InvalidateBalance(buyerID)
	s.currency.InvalidateBalance(listing.SellerID)
	return &PurchaseOutcome{Transaction: tx}, nil
}

// PurchaseMysteryBox runs the pay-then-deliver flow for a mystery box tier.
func (s *Service) PurchaseMysteryBox(ctx context.Context, buyerID, tierID, paymentHeader string) (*PurchaseOutcome, error) {
	if err := s.consumeLimit(ctx, RateLimitScopePurchase, buyerID, s.cfg.PurchaseRateLimit); err != nil {
		return nil, err
	}

	tier, err := s.Boxes.GetTier(tierID)
	if err != nil {
		return nil, err
	}

	params := currency.PurchaseParams{
		Resource:    "mystery_box:" + tier.ID,
		Description: tier.Name,
		Amount:      tier.PriceSmallestUnits(),
		Buyer:       buyerID,
	}

	if paymentHeader == "" {
		initiation, err := s.currency.InitiatePurchase(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("failed to initiate purchase: %w", err)
		}
		if !initiation.Settled {
			return &PurchaseOutcome{PaymentRequired: initiation.PaymentRequired}, nil
		}
		return s.commitBox(ctx, buyerID, tier, initiation.TxReference)
	}

	result, err := s.currency.VerifyPurchase(ctx, currency.VerifyPurchaseParams{
		PaymentHeader: paymentHeader,
		Amount:        tier.PriceSmallestUnits(),
		Buyer:         buyerID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to verify purchase: %w", err)
	}
	if !result.Success {
		return &PurchaseOutcome{PaymentRequired: s.rechallenge(params, result.Error)}, nil
	}

	return s.commitBox(ctx, buyerID, tier, result.TxReference)
}

func (s *Service) commitBox(ctx context.Context, buyerID string, tier *domain.MysteryBoxTier, txReference string) (*PurchaseOutcome, error) {
	tx, item, err := s.Trades.ExecuteMysteryBoxTrade(ctx, buyerID, tier, txReference)
	if err != nil {
		return nil, err
	}
	s.currency.InvalidateBalance(buyerID)
	return &PurchaseOutcome{Transaction: tx, Item: item}, nil
}

// GetBalance reads the buyer's currency balance through the adapter.
func (s *Service) GetBalance(ctx context.Context, accountID string) domain.CurrencyBalance {
	return s.currency.GetBalance(ctx, accountID)
}

// GetTransactions returns the account's transaction history.
func (s *Service) GetTransactions(ctx context.Context, accountID string, opts domain.TransactionListOptions) ([]domain.Transaction, error) {
	return s.currency.GetTransactions(ctx, accountID, opts)
}

// ListPendingTransfers surfaces transactions parked for manual
// reconciliation. Admin operation.
func (s *Service) ListPendingTransfers(ctx context.Context) ([]domain.Transaction, error) {
	return s.repo.ListPendingTransferTransactions(ctx)
}

// rechallenge regenerates the payment requirements with the verification
// failure attached, so the client can correct and retry.
func (s *Service) rechallenge(params currency.PurchaseParams, reason string) *x402.PaymentRequiredResponse {
	challenge := s.currency.PaymentChallenge(params)
	challenge.Error = reason
	return challenge
}

// consumeLimit enforces one scope's rate limit. Limiter transport errors fail
// open with a warning: a degraded Redis must not take purchases down.
func (s *Service) consumeLimit(ctx context.Context, scope, subject string, settings RateLimitSettings) error {
	if s.rateLimiter == nil || settings.Limit <= 0 {
		return nil
	}
	count, retryAfter, err := s.rateLimiter.ConsumeRateLimit(ctx, scope, subject, settings.Limit, settings.Window)
	if err != nil {
		log.Printf("level=warn component=service op=rate_limit scope=%s subject=%s msg=\"limiter unavailable; failing open\" err=%v", scope, subject, err)
		return nil
	}
	if count > settings.Limit {
		return &RateLimitError{Scope: scope, RetryAfterSeconds: retryAfter}
	}
	return nil
}
