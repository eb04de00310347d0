/**
 * @description
 * This file defines the core domain models for marketplace listings.
 * These structs represent the main entities used throughout the service's
 * business logic, database interactions, and API layers.
 *
 * @notes
 * - Prices are stored as `int64` in the smallest currency unit (USDC has six
 *   decimals, so 1.00 USDC = 1,000,000 units), which avoids floating-point
 *   inaccuracies with financial data.
 * - Seller and buyer identities are ledger wallet addresses, not internal
 *   UUIDs: the external ledger owns account identity.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// ListingState enumerates the lifecycle states of a marketplace listing.
type ListingState string

const (
	ListingStateInReview ListingState = "in_review"
	ListingStateOnMarket ListingState = "on_market"
	ListingStatePulled   ListingState = "pulled"
	ListingStateSold     ListingState = "sold"
)

// Listing represents an item offered for sale. This struct maps directly to
// the `listings` table in the database.
//
// Invariants:
//   - State == on_market requires Approved == true.
//   - FailedPurchaseCount reaching the configured threshold forces the
//     listing to `pulled`; further purchase attempts are rejected.
//   - A listing is never deleted while a Transaction references it.
type Listing struct {
	ID                  uuid.UUID    `json:"id"`
	SellerID            string       `json:"seller_id"`
	ItemID              string       `json:"item_id"`
	Title               string       `json:"title"`
	Description         string       `json:"description,omitempty"`
	Price               int64        `json:"price"` // smallest currency units
	State               ListingState `json:"state"`
	Approved            bool         `json:"approved"`
	Pinned              bool         `json:"pinned"`
	FailedPurchaseCount int          `json:"failed_purchase_count"`
	LastFailureAt       *time.Time   `json:"last_failure_at,omitempty"`
	ReportsCount        int          `json:"reports_count"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// Purchasable reports whether a purchase attempt may proceed against this
// listing. It does not reserve the listing; the sold transition is a
// compare-and-swap at the storage layer.
func (l *Listing) Purchasable(failureThreshold int) bool {
	if l.State != ListingStateOnMarket || !l.Approved {
		return false
	}
	// A non-positive threshold disables the failure policy.
	return failureThreshold <= 0 || l.FailedPurchaseCount < failureThreshold
}

// CreateListingRequest is the DTO for incoming listing submissions.
type CreateListingRequest struct {
	SellerID    string `json:"seller_id"`
	ItemID      string `json:"item_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Price       int64  `json:"price"`
}

// ListingQueryOptions controls cursor-paginated listing queries.
type ListingQueryOptions struct {
	Cursor string
	Limit  int
	SortBy ListingSortOrder
}

// ListingSortOrder enumerates the supported listing sort keys.
type ListingSortOrder string

const (
	ListingSortNewest    ListingSortOrder = "newest"
	ListingSortPriceLow  ListingSortOrder = "price_low"
	ListingSortPriceHigh ListingSortOrder = "price_high"
)

// MaxListingPageSize caps the page size of listing queries.
const MaxListingPageSize = 100
