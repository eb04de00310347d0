/**
 * @description
 * Listing lifecycle management: creation with item validation and locking,
 * the moderation transitions (approve, cancel, republish, pin, report), and
 * the failure-count policy that automatically pulls a listing off the market
 * after repeated payment failures.
 *
 * @dependencies
 * - internal/domain, internal/store, internal/items: models, persistence, item system.
 * - internal/metrics, pkg/rabbitmq: auto-pull observability and the admin signal.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/solbay/market-service/internal/domain"
	"github.com/solbay/market-service/internal/items"
	"github.com/solbay/market-service/internal/metrics"
	"github.com/solbay/market-service/internal/store"
	"github.com/solbay/market-service/pkg/rabbitmq"
)

// ErrUnauthorized is returned when a caller attempts a mutation on a listing
// they do not own.
var ErrUnauthorized = errors.New("unauthorized")

// ListingManager owns the listing state machine.
type ListingManager struct {
	repo          store.Repository
	items         items.Adapter
	eventProducer rabbitmq.Publisher
	pullThreshold int

	now func() time.Time
}

// NewListingManager creates a listing manager. pullThreshold is the number of
// failed purchases after which a listing is pulled automatically; zero or
// negative disables the policy.
func NewListingManager(repo store.Repository, itemAdapter items.Adapter, producer rabbitmq.Publisher, pullThreshold int) *ListingManager {
	return &ListingManager{
		repo:          repo,
		items:         itemAdapter,
		eventProducer: producer,
		pullThreshold: pullThreshold,
		now:           time.Now,
	}
}

// PullThreshold exposes the configured auto-pull threshold so purchasability
// checks use the same number the failure policy does.
func (m *ListingManager) PullThreshold() int {
	return m.pullThreshold
}

// Create validates the request, confirms the seller owns the item, locks the
// item against concurrent listing, and persists the listing in review.
func (m *ListingManager) Create(ctx context.Context, req domain.CreateListingRequest) (*domain.Listing, error) {
	if strings.TrimSpace(req.Title) == "" {
		return nil, errors.New("listing title is required")
	}
	if req.Price <= 0 {
		return nil, errors.New("listing price must be greater than 0")
	}

	exists, err := m.items.ValidateItemExists(ctx, req.ItemID)
	if err != nil {
		return nil, fmt.Errorf("failed to validate item: %w", err)
	}
	if !exists {
		return nil, errors.New("item does not exist")
	}

	owned, err := m.items.ValidateItemOwnership(ctx, req.ItemID, req.SellerID)
	if err != nil {
		return nil, fmt.Errorf("failed to validate item ownership: %w", err)
	}
	if !owned {
		return nil, ErrUnauthorized
	}

	if err := m.items.LockItem(ctx, req.ItemID); err != nil {
		return nil, fmt.Errorf("failed to lock item: %w", err)
	}

	now := m.now()
	listing := &domain.Listing{
		ID:          uuid.New(),
		SellerID:    req.SellerID,
		ItemID:      req.ItemID,
		Title:       strings.TrimSpace(req.Title),
		Description: req.Description,
		Price:       req.Price,
		State:       domain.ListingStateInReview,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.repo.CreateListing(ctx, listing); err != nil {
		// Best effort: release the lock so the item is not stranded.
		if unlockErr := m.items.UnlockItem(ctx, req.ItemID); unlockErr != nil {
			log.Printf("level=error component=listing_manager op=create item=%s msg=\"failed to unlock item after create failure\" err=%v", req.ItemID, unlockErr)
		}
		return nil, err
	}

	log.Printf("level=info component=listing_manager op=create listing=%s seller=%s price=%d", listing.ID, listing.SellerID, listing.Price)
	return listing, nil
}

func (m *ListingManager) Get(ctx context.Context, listingID uuid.UUID) (*domain.Listing, error) {
	return m.repo.GetListing(ctx, listingID)
}

// List returns one page of listings and the cursor for the next page.
func (m *ListingManager) List(ctx context.Context, opts domain.ListingQueryOptions) ([]domain.Listing, string, error) {
	return m.repo.ListListings(ctx, opts)
}

// Approve moves an in-review listing onto the market. Admin operation.
func (m *ListingManager) Approve(ctx context.Context, listingID uuid.UUID) error {
	if err := m.repo.ApproveListing(ctx, listingID); err != nil {
		return err
	}
	log.Printf("level=info component=listing_manager op=approve listing=%s", listingID)
	return nil
}

// Cancel pulls a listing off the market at the seller's request and releases
// the item lock. Only the seller may cancel.
func (m *ListingManager) Cancel(ctx context.Context, listingID uuid.UUID, callerID string) error {
	listing, err := m.repo.GetListing(ctx, listingID)
	if err != nil {
		return err
	}
	if listing.SellerID != callerID {
		return ErrUnauthorized
	}
	if err := m.repo.CancelListing(ctx, listingID); err != nil {
		return err
	}
	if err := m.items.UnlockItem(ctx, listing.ItemID); err != nil {
		log.Printf("level=warn component=listing_manager op=cancel listing=%s item=%s msg=\"failed to unlock item\" err=%v", listingID, listing.ItemID, err)
	}
	log.Printf("level=info component=listing_manager op=cancel listing=%s seller=%s", listingID, callerID)
	return nil
}

// Republish returns a pulled listing to the market with a clean failure
// record. Admin operation: a pulled listing is recoverable only through the
// internal surface, so sellers cannot undo an automatic pull themselves.
func (m *ListingManager) Republish(ctx context.Context, listingID uuid.UUID) error {
	listing, err := m.repo.GetListing(ctx, listingID)
	if err != nil {
		return err
	}
	if err := m.items.LockItem(ctx, listing.ItemID); err != nil && !errors.Is(err, items.ErrItemLocked) {
		return fmt.Errorf("failed to lock item: %w", err)
	}
	if err := m.repo.RepublishListing(ctx, listingID); err != nil {
		return err
	}
	log.Printf("level=info component=listing_manager op=republish listing=%s seller=%s", listingID, listing.SellerID)
	return nil
}

// SetPinned toggles the admin pin flag used by storefront ordering.
func (m *ListingManager) SetPinned(ctx context.Context, listingID uuid.UUID, pinned bool) error {
	return m.repo.SetListingPinned(ctx, listingID, pinned)
}

// Report increments the abuse report counter.
func (m *ListingManager) Report(ctx context.Context, listingID uuid.UUID) error {
	return m.repo.IncrementListingReports(ctx, listingID)
}

// RecordPurchaseFailure bumps the listing's failure counter. When the counter
// reaches the pull threshold the listing leaves the market in the same write
// and the auto-pull event is published for admin review.
func (m *ListingManager) RecordPurchaseFailure(ctx context.Context, listingID uuid.UUID) error {
	count, pulled, err := m.repo.IncrementListingFailureCount(ctx, listingID, m.pullThreshold)
	if err != nil {
		return err
	}
	if !pulled {
		return nil
	}

	metrics.ListingsAutoPulled.Inc()
	log.Printf("level=warn component=listing_manager op=auto_pull listing=%s failed_count=%d msg=\"listing pulled after repeated payment failures\"", listingID, count)

	listing, err := m.repo.GetListing(ctx, listingID)
	if err != nil {
		return err
	}
	event := rabbitmq.ListingAutoPulledEvent{
		ListingID:   listingID,
		SellerID:    listing.SellerID,
		FailedCount: count,
		Timestamp:   m.now().UTC(),
	}
	if err := m.eventProducer.Publish(ctx, rabbitmq.MarketEventsExchange, rabbitmq.RoutingKeyListingAutoPulled, event); err != nil {
		log.Printf("level=error component=listing_manager op=auto_pull listing=%s msg=\"failed to publish auto-pull event\" err=%v", listingID, err)
	}
	return nil
}
