package app

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/solbay/market-service/internal/domain"
	"github.com/solbay/market-service/internal/items"
	"github.com/solbay/market-service/internal/store"
	"github.com/solbay/market-service/pkg/rabbitmq"
)

type capturedEvent struct {
	routingKey string
	body       interface{}
}

// capturePublisher records published events for assertions.
type capturePublisher struct {
	events []capturedEvent
	err    error
}

func (p *capturePublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, capturedEvent{routingKey: routingKey, body: body})
	return nil
}

func (p *capturePublisher) Close() {}

func (p *capturePublisher) byKey(routingKey string) []capturedEvent {
	var out []capturedEvent
	for _, e := range p.events {
		if e.routingKey == routingKey {
			out = append(out, e)
		}
	}
	return out
}

type listingFixture struct {
	repo      *store.MemoryRepository
	items     *items.MemoryAdapter
	publisher *capturePublisher
	manager   *ListingManager
}

func newListingFixture(t *testing.T, pullThreshold int) *listingFixture {
	t.Helper()
	repo := store.NewMemoryRepository()
	itemAdapter := items.NewMemoryAdapter(rand.New(rand.NewSource(1)))
	publisher := &capturePublisher{}
	return &listingFixture{
		repo:      repo,
		items:     itemAdapter,
		publisher: publisher,
		manager:   NewListingManager(repo, itemAdapter, publisher, pullThreshold),
	}
}

// newApprovedListing creates a listing through the manager and moves it onto
// the market.
func (f *listingFixture) newApprovedListing(t *testing.T, sellerID, itemID string, price int64) *domain.Listing {
	t.Helper()
	ctx := context.Background()
	f.items.Seed(itemID, sellerID)
	listing, err := f.manager.Create(ctx, domain.CreateListingRequest{
		SellerID: sellerID,
		ItemID:   itemID,
		Title:    "Test item",
		Price:    price,
	})
	if err != nil {
		t.Fatalf("failed to create listing: %v", err)
	}
	if err := f.manager.Approve(ctx, listing.ID); err != nil {
		t.Fatalf("failed to approve listing: %v", err)
	}
	approved, err := f.repo.GetListing(ctx, listing.ID)
	if err != nil {
		t.Fatalf("failed to reload listing: %v", err)
	}
	return approved
}

func TestCreateListingValidation(t *testing.T) {
	testCases := []struct {
		name    string
		setup   func(f *listingFixture)
		req     domain.CreateListingRequest
		wantErr error
	}{
		{
			name: "missing title",
			req:  domain.CreateListingRequest{SellerID: "seller", ItemID: "item-1", Title: "   ", Price: 100},
		},
		{
			name: "non-positive price",
			req:  domain.CreateListingRequest{SellerID: "seller", ItemID: "item-1", Title: "Hat", Price: 0},
		},
		{
			name: "unknown item",
			req:  domain.CreateListingRequest{SellerID: "seller", ItemID: "missing", Title: "Hat", Price: 100},
		},
		{
			name: "seller does not own item",
			setup: func(f *listingFixture) {
				f.items.Seed("item-1", "someone-else")
			},
			req:     domain.CreateListingRequest{SellerID: "seller", ItemID: "item-1", Title: "Hat", Price: 100},
			wantErr: ErrUnauthorized,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newListingFixture(t, 3)
			if tc.setup != nil {
				tc.setup(f)
			}
			_, err := f.manager.Create(context.Background(), tc.req)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Errorf("got %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestCreateListingLocksItem(t *testing.T) {
	f := newListingFixture(t, 3)
	ctx := context.Background()
	f.items.Seed("item-1", "seller")

	if _, err := f.manager.Create(ctx, domain.CreateListingRequest{SellerID: "seller", ItemID: "item-1", Title: "Hat", Price: 100}); err != nil {
		t.Fatalf("first create failed: %v", err)
	}

	// Locked items cannot be listed twice.
	_, err := f.manager.Create(ctx, domain.CreateListingRequest{SellerID: "seller", ItemID: "item-1", Title: "Hat again", Price: 100})
	if err == nil {
		t.Fatal("expected second listing of the same item to fail")
	}
	if !errors.Is(err, items.ErrItemLocked) {
		t.Errorf("got %v, want wrapped ErrItemLocked", err)
	}
}

func TestCancelListing(t *testing.T) {
	f := newListingFixture(t, 3)
	ctx := context.Background()
	listing := f.newApprovedListing(t, "seller", "item-1", 100)

	if err := f.manager.Cancel(ctx, listing.ID, "intruder"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("stranger cancel: got %v, want ErrUnauthorized", err)
	}

	if err := f.manager.Cancel(ctx, listing.ID, "seller"); err != nil {
		t.Fatalf("seller cancel failed: %v", err)
	}
	got, err := f.repo.GetListing(ctx, listing.ID)
	if err != nil {
		t.Fatalf("failed to reload listing: %v", err)
	}
	if got.State != domain.ListingStatePulled {
		t.Errorf("state = %q, want %q", got.State, domain.ListingStatePulled)
	}

	// Cancellation releases the item lock, so it can be listed again.
	if err := f.items.LockItem(ctx, "item-1"); err != nil {
		t.Errorf("item still locked after cancel: %v", err)
	}
}

func TestRecordPurchaseFailureAutoPull(t *testing.T) {
	f := newListingFixture(t, 3)
	ctx := context.Background()
	listing := f.newApprovedListing(t, "seller", "item-1", 100)

	for i := 0; i < 2; i++ {
		if err := f.manager.RecordPurchaseFailure(ctx, listing.ID); err != nil {
			t.Fatalf("failure %d returned error: %v", i+1, err)
		}
	}
	if got := f.publisher.byKey(rabbitmq.RoutingKeyListingAutoPulled); len(got) != 0 {
		t.Fatalf("auto-pull event published before threshold: %d events", len(got))
	}

	// Third failure hits the threshold: listing leaves the market, one event.
	if err := f.manager.RecordPurchaseFailure(ctx, listing.ID); err != nil {
		t.Fatalf("threshold failure returned error: %v", err)
	}
	got, err := f.repo.GetListing(ctx, listing.ID)
	if err != nil {
		t.Fatalf("failed to reload listing: %v", err)
	}
	if got.State != domain.ListingStatePulled {
		t.Errorf("state = %q, want %q", got.State, domain.ListingStatePulled)
	}

	events := f.publisher.byKey(rabbitmq.RoutingKeyListingAutoPulled)
	if len(events) != 1 {
		t.Fatalf("auto-pull events = %d, want 1", len(events))
	}
	event, ok := events[0].body.(rabbitmq.ListingAutoPulledEvent)
	if !ok {
		t.Fatalf("event body is %T, want ListingAutoPulledEvent", events[0].body)
	}
	if event.ListingID != listing.ID || event.SellerID != "seller" || event.FailedCount != 3 {
		t.Errorf("event = %+v, want listing %s seller %q count 3", event, listing.ID, "seller")
	}

	// Further failures against the pulled listing never re-publish.
	if err := f.manager.RecordPurchaseFailure(ctx, listing.ID); err != nil {
		t.Fatalf("post-pull failure returned error: %v", err)
	}
	if events := f.publisher.byKey(rabbitmq.RoutingKeyListingAutoPulled); len(events) != 1 {
		t.Errorf("auto-pull events after extra failure = %d, want 1", len(events))
	}
}

func TestRepublishResetsFailureRecord(t *testing.T) {
	f := newListingFixture(t, 2)
	ctx := context.Background()
	listing := f.newApprovedListing(t, "seller", "item-1", 100)

	for i := 0; i < 2; i++ {
		if err := f.manager.RecordPurchaseFailure(ctx, listing.ID); err != nil {
			t.Fatalf("failure %d returned error: %v", i+1, err)
		}
	}

	if err := f.manager.Republish(ctx, listing.ID); err != nil {
		t.Fatalf("republish failed: %v", err)
	}

	got, err := f.repo.GetListing(ctx, listing.ID)
	if err != nil {
		t.Fatalf("failed to reload listing: %v", err)
	}
	if got.State != domain.ListingStateOnMarket {
		t.Errorf("state = %q, want %q", got.State, domain.ListingStateOnMarket)
	}
	if got.FailedPurchaseCount != 0 {
		t.Errorf("failed purchase count = %d, want 0", got.FailedPurchaseCount)
	}
	if !got.Purchasable(2) {
		t.Error("republished listing is not purchasable")
	}
}

func TestDisabledPullThresholdNeverPulls(t *testing.T) {
	f := newListingFixture(t, 0)
	ctx := context.Background()
	listing := f.newApprovedListing(t, "seller", "item-1", 100)

	for i := 0; i < 10; i++ {
		if err := f.manager.RecordPurchaseFailure(ctx, listing.ID); err != nil {
			t.Fatalf("failure %d returned error: %v", i+1, err)
		}
	}

	got, err := f.repo.GetListing(ctx, listing.ID)
	if err != nil {
		t.Fatalf("failed to reload listing: %v", err)
	}
	if got.State != domain.ListingStateOnMarket {
		t.Errorf("state = %q, want listing to stay on the market", got.State)
	}
	if events := f.publisher.byKey(rabbitmq.RoutingKeyListingAutoPulled); len(events) != 0 {
		t.Errorf("auto-pull events = %d, want 0", len(events))
	}
}

func TestReportListing(t *testing.T) {
	f := newListingFixture(t, 3)
	ctx := context.Background()
	listing := f.newApprovedListing(t, "seller", "item-1", 100)

	for i := 0; i < 3; i++ {
		if err := f.manager.Report(ctx, listing.ID); err != nil {
			t.Fatalf("report %d returned error: %v", i+1, err)
		}
	}
	got, err := f.repo.GetListing(ctx, listing.ID)
	if err != nil {
		t.Fatalf("failed to reload listing: %v", err)
	}
	if got.ReportsCount != 3 {
		t.Errorf("reports count = %d, want 3", got.ReportsCount)
	}

	if err := f.manager.Report(ctx, uuid.New()); !errors.Is(err, store.ErrListingNotFound) {
		t.Errorf("unknown listing report: got %v, want ErrListingNotFound", err)
	}
}

func TestCreateListingTrimsTitle(t *testing.T) {
	f := newListingFixture(t, 3)
	f.items.Seed("item-1", "seller")

	listing, err := f.manager.Create(context.Background(), domain.CreateListingRequest{
		SellerID: "seller",
		ItemID:   "item-1",
		Title:    "  Vintage Hat  ",
		Price:    100,
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if listing.Title != strings.TrimSpace("  Vintage Hat  ") {
		t.Errorf("title = %q, want trimmed", listing.Title)
	}
	if listing.State != domain.ListingStateInReview {
		t.Errorf("state = %q, want %q", listing.State, domain.ListingStateInReview)
	}
}
