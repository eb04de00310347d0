package app

import (
	"context"
	"errors"
	"math/rand"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/solbay/market-service/internal/currency"
	"github.com/solbay/market-service/internal/domain"
	"github.com/solbay/market-service/internal/items"
	"github.com/solbay/market-service/internal/store"
	"github.com/solbay/market-service/internal/x402"
)

// stubCurrency scripts payment backend behavior and records invalidations.
type stubCurrency struct {
	autoSettle   bool
	verifyResult *currency.PurchaseResult
	verifyErr    error
	invalidated  []string
	seq          int
}

func (s *stubCurrency) GetBalance(ctx context.Context, accountID string) domain.CurrencyBalance {
	return domain.CurrencyBalance{}
}

func (s *stubCurrency) InitiatePurchase(ctx context.Context, params currency.PurchaseParams) (*currency.PurchaseInitiation, error) {
	if s.autoSettle {
		s.seq++
		return &currency.PurchaseInitiation{Settled: true, TxReference: "stub-tx-" + strconv.Itoa(s.seq)}, nil
	}
	return &currency.PurchaseInitiation{PaymentRequired: s.PaymentChallenge(params)}, nil
}

func (s *stubCurrency) PaymentChallenge(params currency.PurchaseParams) *x402.PaymentRequiredResponse {
	return &x402.PaymentRequiredResponse{
		X402Version: x402.ProtocolVersion,
		Accepts: []x402.PaymentRequirements{
			{
				Scheme:            x402.SchemeExact,
				Network:           "solana",
				MaxAmountRequired: strconv.FormatInt(params.Amount, 10),
				Resource:          params.Resource,
			},
		},
		Error: "Payment required",
	}
}

func (s *stubCurrency) VerifyPurchase(ctx context.Context, params currency.VerifyPurchaseParams) (*currency.PurchaseResult, error) {
	if s.verifyErr != nil {
		return nil, s.verifyErr
	}
	return s.verifyResult, nil
}

func (s *stubCurrency) Deduct(ctx context.Context, accountID string, amount int64) error { return nil }
func (s *stubCurrency) Add(ctx context.Context, accountID string, amount int64) error    { return nil }

func (s *stubCurrency) RecordTransaction(ctx context.Context, tx *domain.Transaction) error {
	return nil
}

func (s *stubCurrency) InvalidateBalance(accountID string) {
	s.invalidated = append(s.invalidated, accountID)
}

func (s *stubCurrency) GetTransactions(ctx context.Context, accountID string, opts domain.TransactionListOptions) ([]domain.Transaction, error) {
	return nil, nil
}

// stubRateLimiter scripts counter responses.
type stubRateLimiter struct {
	count      int
	retryAfter int
	err        error
	calls      int
}

func (s *stubRateLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	s.calls++
	return s.count, s.retryAfter, s.err
}

type serviceFixture struct {
	repo      *store.MemoryRepository
	items     *items.MemoryAdapter
	publisher *capturePublisher
	currency  *stubCurrency
	limiter   *stubRateLimiter
	service   *Service
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	repo := store.NewMemoryRepository()
	itemAdapter := items.NewMemoryAdapter(rand.New(rand.NewSource(1)))
	publisher := &capturePublisher{}
	stub := &stubCurrency{}
	limiter := &stubRateLimiter{}

	listings := NewListingManager(repo, itemAdapter, publisher, 3)
	boxes := NewMysteryBoxManager(repo)
	trades := NewTradeExecutor(repo, itemAdapter, publisher)
	cfg := ServiceConfig{
		PurchaseRateLimit:      RateLimitSettings{Limit: 30, Window: time.Minute},
		ListingCreateRateLimit: RateLimitSettings{Limit: 10, Window: time.Minute},
	}
	return &serviceFixture{
		repo:      repo,
		items:     itemAdapter,
		publisher: publisher,
		currency:  stub,
		limiter:   limiter,
		service:   NewService(repo, stub, listings, boxes, trades, limiter, cfg),
	}
}

func (f *serviceFixture) onMarketListing(t *testing.T, sellerID, itemID string, price int64) *domain.Listing {
	t.Helper()
	ctx := context.Background()
	f.items.Seed(itemID, sellerID)
	listing, err := f.service.Listings.Create(ctx, domain.CreateListingRequest{
		SellerID: sellerID,
		ItemID:   itemID,
		Title:    "Test item",
		Price:    price,
	})
	if err != nil {
		t.Fatalf("failed to create listing: %v", err)
	}
	if err := f.service.Listings.Approve(ctx, listing.ID); err != nil {
		t.Fatalf("failed to approve listing: %v", err)
	}
	approved, err := f.repo.GetListing(ctx, listing.ID)
	if err != nil {
		t.Fatalf("failed to reload listing: %v", err)
	}
	return approved
}

func TestPurchaseListingWithoutPaymentReturnsChallenge(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	listing := f.onMarketListing(t, "seller", "item-1", 1000000)

	outcome, err := f.service.PurchaseListing(ctx, "buyer", listing.ID, "")
	if err != nil {
		t.Fatalf("purchase failed: %v", err)
	}
	if outcome.Transaction != nil {
		t.Error("no payment submitted yet the trade committed")
	}
	challenge := outcome.PaymentRequired
	if challenge == nil {
		t.Fatal("expected a payment challenge")
	}
	if len(challenge.Accepts) != 1 {
		t.Fatalf("Accepts has %d entries, want 1", len(challenge.Accepts))
	}
	req := challenge.Accepts[0]
	if req.MaxAmountRequired != "1000000" {
		t.Errorf("MaxAmountRequired = %q, want %q", req.MaxAmountRequired, "1000000")
	}
	if want := "listing:" + listing.ID.String(); req.Resource != want {
		t.Errorf("Resource = %q, want %q", req.Resource, want)
	}

	// The listing is untouched by an unanswered challenge.
	got, err := f.repo.GetListing(ctx, listing.ID)
	if err != nil {
		t.Fatalf("failed to reload listing: %v", err)
	}
	if got.State != domain.ListingStateOnMarket || got.FailedPurchaseCount != 0 {
		t.Errorf("listing mutated by challenge: state=%q failures=%d", got.State, got.FailedPurchaseCount)
	}
}

func TestPurchaseListingFailedVerification(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	listing := f.onMarketListing(t, "seller", "item-1", 1000000)
	f.currency.verifyResult = &currency.PurchaseResult{
		Success: false,
		Error:   "insufficient amount: payment of 5 is less than required 1000000",
	}

	outcome, err := f.service.PurchaseListing(ctx, "buyer", listing.ID, "some-proof")
	if err != nil {
		t.Fatalf("purchase returned error: %v", err)
	}
	if outcome.Transaction != nil {
		t.Error("failed verification yet the trade committed")
	}
	if outcome.PaymentRequired == nil {
		t.Fatal("expected a fresh challenge")
	}
	if outcome.PaymentRequired.Error != f.currency.verifyResult.Error {
		t.Errorf("challenge Error = %q, want the verification failure", outcome.PaymentRequired.Error)
	}

	// The failure counted against the listing.
	got, err := f.repo.GetListing(ctx, listing.ID)
	if err != nil {
		t.Fatalf("failed to reload listing: %v", err)
	}
	if got.FailedPurchaseCount != 1 {
		t.Errorf("failed purchase count = %d, want 1", got.FailedPurchaseCount)
	}
}

func TestPurchaseListingVerifiedPaymentCommits(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	listing := f.onMarketListing(t, "seller", "item-1", 1000000)
	f.currency.verifyResult = &currency.PurchaseResult{Success: true, TxReference: "sig-1"}

	outcome, err := f.service.PurchaseListing(ctx, "buyer", listing.ID, "some-proof")
	if err != nil {
		t.Fatalf("purchase failed: %v", err)
	}
	if outcome.PaymentRequired != nil {
		t.Error("verified payment still returned a challenge")
	}
	tx := outcome.Transaction
	if tx == nil {
		t.Fatal("expected a committed transaction")
	}
	if tx.TxReference != "sig-1" || tx.Status != domain.TransactionStatusSuccess {
		t.Errorf("transaction = %+v, want success with reference sig-1", tx)
	}

	got, err := f.repo.GetListing(ctx, listing.ID)
	if err != nil {
		t.Fatalf("failed to reload listing: %v", err)
	}
	if got.State != domain.ListingStateSold {
		t.Errorf("listing state = %q, want %q", got.State, domain.ListingStateSold)
	}

	// Both parties' cached balances were dropped.
	if len(f.currency.invalidated) != 2 {
		t.Errorf("invalidated = %v, want buyer and seller", f.currency.invalidated)
	}
}

func TestPurchaseListingAutoSettle(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	listing := f.onMarketListing(t, "seller", "item-1", 100)
	f.currency.autoSettle = true

	outcome, err := f.service.PurchaseListing(ctx, "buyer", listing.ID, "")
	if err != nil {
		t.Fatalf("purchase failed: %v", err)
	}
	if outcome.Transaction == nil {
		t.Fatal("auto-settled purchase did not commit")
	}
}

func TestPurchaseListingRejections(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	listing := f.onMarketListing(t, "seller", "item-1", 100)

	t.Run("self purchase", func(t *testing.T) {
		_, err := f.service.PurchaseListing(ctx, "seller", listing.ID, "")
		if !errors.Is(err, ErrSelfPurchase) {
			t.Errorf("got %v, want ErrSelfPurchase", err)
		}
	})

	t.Run("not on market", func(t *testing.T) {
		f.items.Seed("item-2", "seller")
		inReview, err := f.service.Listings.Create(ctx, domain.CreateListingRequest{
			SellerID: "seller", ItemID: "item-2", Title: "Pending", Price: 100,
		})
		if err != nil {
			t.Fatalf("failed to create listing: %v", err)
		}
		if _, err := f.service.PurchaseListing(ctx, "buyer", inReview.ID, ""); !errors.Is(err, ErrListingNotPurchasable) {
			t.Errorf("got %v, want ErrListingNotPurchasable", err)
		}
	})

	t.Run("unknown listing", func(t *testing.T) {
		_, err := f.service.PurchaseListing(ctx, "buyer", uuid.New(), "")
		if !errors.Is(err, store.ErrListingNotFound) {
			t.Errorf("got %v, want ErrListingNotFound", err)
		}
	})
}

func TestPurchaseRateLimit(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	listing := f.onMarketListing(t, "seller", "item-1", 100)

	f.limiter.count = 31
	f.limiter.retryAfter = 42

	_, err := f.service.PurchaseListing(ctx, "buyer", listing.ID, "")
	var rateErr *RateLimitError
	if !errors.As(err, &rateErr) {
		t.Fatalf("got %v, want RateLimitError", err)
	}
	if rateErr.Scope != RateLimitScopePurchase || rateErr.RetryAfterSeconds != 42 {
		t.Errorf("rate error = %+v, want purchase scope retry 42", rateErr)
	}
}

func TestRateLimiterFailsOpen(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	listing := f.onMarketListing(t, "seller", "item-1", 100)

	f.limiter.err = errors.New("redis unavailable")

	outcome, err := f.service.PurchaseListing(ctx, "buyer", listing.ID, "")
	if err != nil {
		t.Fatalf("degraded limiter blocked the purchase: %v", err)
	}
	if outcome.PaymentRequired == nil {
		t.Error("expected the flow to continue to the challenge")
	}
}

func TestCreateListingRateLimit(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.items.Seed("item-1", "seller")

	f.limiter.count = 11
	f.limiter.retryAfter = 7

	_, err := f.service.CreateListing(ctx, domain.CreateListingRequest{
		SellerID: "seller", ItemID: "item-1", Title: "Hat", Price: 100,
	})
	var rateErr *RateLimitError
	if !errors.As(err, &rateErr) {
		t.Fatalf("got %v, want RateLimitError", err)
	}
	if rateErr.Scope != RateLimitScopeListingCreate {
		t.Errorf("scope = %q, want %q", rateErr.Scope, RateLimitScopeListingCreate)
	}
}

func TestPurchaseMysteryBox(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	if err := f.service.Boxes.AddTier(validTier("starter")); err != nil {
		t.Fatalf("AddTier failed: %v", err)
	}

	t.Run("unknown tier", func(t *testing.T) {
		_, err := f.service.PurchaseMysteryBox(ctx, "buyer", "unknown", "")
		if !errors.Is(err, ErrTierNotFound) {
			t.Errorf("got %v, want ErrTierNotFound", err)
		}
	})

	t.Run("challenge without payment", func(t *testing.T) {
		outcome, err := f.service.PurchaseMysteryBox(ctx, "buyer", "starter", "")
		if err != nil {
			t.Fatalf("purchase failed: %v", err)
		}
		if outcome.PaymentRequired == nil {
			t.Fatal("expected a payment challenge")
		}
		req := outcome.PaymentRequired.Accepts[0]
		if req.Resource != "mystery_box:starter" {
			t.Errorf("Resource = %q, want %q", req.Resource, "mystery_box:starter")
		}
		if req.MaxAmountRequired != "1000000" {
			t.Errorf("MaxAmountRequired = %q, want %q", req.MaxAmountRequired, "1000000")
		}
	})

	t.Run("verified payment delivers an item", func(t *testing.T) {
		f.currency.verifyResult = &currency.PurchaseResult{Success: true, TxReference: "sig-box-1"}

		outcome, err := f.service.PurchaseMysteryBox(ctx, "buyer", "starter", "some-proof")
		if err != nil {
			t.Fatalf("purchase failed: %v", err)
		}
		if outcome.Transaction == nil || outcome.Item == nil {
			t.Fatalf("outcome = %+v, want transaction and item", outcome)
		}
		granted := f.items.GrantedItems("buyer")
		if len(granted) != 1 {
			t.Errorf("granted items = %d, want 1", len(granted))
		}
	})
}
