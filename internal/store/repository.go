/**
 * @description
 * This file defines the `Repository` interface, the pluggable persistence
 * contract consumed by the listing manager, trade executor, currency adapter
 * and mystery box manager. Defining an interface decouples the business
 * logic from the database implementation; the service ships a PostgreSQL
 * implementation for production and an in-memory one for the simulated mode
 * and tests.
 *
 * @dependencies
 * - context: Standard Go library.
 * - github.com/google/uuid: For entity identifiers.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/solbay/market-service/internal/domain"
)

var (
	ErrListingNotFound    = errors.New("listing not found")
	ErrListingNotOnMarket = errors.New("listing is not on the market")
	ErrListingNotInReview = errors.New("listing is not in review")
	ErrListingNotPulled   = errors.New("listing is not pulled")

	// ErrListingAlreadySold is returned by the sold compare-and-swap when a
	// concurrent commit won the race. The caller must re-fetch state, never
	// retry blindly.
	ErrListingAlreadySold = errors.New("listing already sold")

	// ErrDuplicateTransactionReference guards at-most-once crediting of a
	// ledger settlement: the tx_reference column is unique.
	ErrDuplicateTransactionReference = errors.New("duplicate transaction reference")

	ErrTransactionNotFound = errors.New("transaction not found")
)

// Repository defines the set of methods for interacting with storage.
type Repository interface {
	// Listing lifecycle
	CreateListing(ctx context.Context, listing *domain.Listing) error
	GetListing(ctx context.Context, listingID uuid.UUID) (*domain.Listing, error)
	// ListListings returns one page of listings plus the cursor for the next
	// page ("" when exhausted). Limit is capped at domain.MaxListingPageSize.
	ListListings(ctx context.Context, opts domain.ListingQueryOptions) ([]domain.Listing, string, error)
	ApproveListing(ctx context.Context, listingID uuid.UUID) error
	CancelListing(ctx context.Context, listingID uuid.UUID) error
	RepublishListing(ctx context.Context, listingID uuid.UUID) error
	SetListingPinned(ctx context.Context, listingID uuid.UUID, pinned bool) error
	// MarkListingSold is a conditional update that succeeds only while the
	// listing is still on_market. The loser of a concurrent purchase race
	// receives ErrListingAlreadySold.
	MarkListingSold(ctx context.Context, listingID uuid.UUID) error
	// IncrementListingFailureCount bumps the failure counter and, when the
	// post-increment count reaches pullThreshold, transitions the listing to
	// pulled in the same write. The two changes are never observably separate.
	// pulled is true only when this call caused the transition; attempts
	// against a listing no longer on the market leave the counter untouched.
	IncrementListingFailureCount(ctx context.Context, listingID uuid.UUID, pullThreshold int) (count int, pulled bool, err error)
	IncrementListingReports(ctx context.Context, listingID uuid.UUID) error

	// Transaction ledger
	CreateTransaction(ctx context.Context, tx *domain.Transaction) error
	FindTransactionByReference(ctx context.Context, txReference string) (*domain.Transaction, error)
	FindTransactionsByAccount(ctx context.Context, accountID string, opts domain.TransactionListOptions) ([]domain.Transaction, error)
	UpdateTransactionStatus(ctx context.Context, transactionID uuid.UUID, status domain.TransactionStatus) error
	// ListPendingTransferTransactions surfaces rows parked for manual
	// reconciliation after a post-commit transfer failure.
	ListPendingTransferTransactions(ctx context.Context) ([]domain.Transaction, error)

	// Mystery boxes
	CreateMysteryBoxPurchase(ctx context.Context, purchase *domain.MysteryBoxPurchase) error
	FindMysteryBoxPurchasesByBuyer(ctx context.Context, buyerID string) ([]domain.MysteryBoxPurchase, error)

	// ExecuteAtomicTrade applies the given operations as a single unit: all
	// become visible together or none do. The first failing operation aborts
	// the whole batch with its error.
	ExecuteAtomicTrade(ctx context.Context, ops []TradeOperation) error
}

// TradeOperation is one step of an atomic trade commit.
type TradeOperation interface {
	isTradeOperation()
}

// MarkListingSoldOp transitions a listing to sold, guarded by the same
// compare-and-swap as Repository.MarkListingSold.
type MarkListingSoldOp struct {
	ListingID uuid.UUID
}

func (MarkListingSoldOp) isTradeOperation() {}

// RecordTransactionOp appends a transaction record, subject to the
// tx_reference uniqueness constraint.
type RecordTransactionOp struct {
	Transaction *domain.Transaction
}

func (RecordTransactionOp) isTradeOperation() {}

// listing cursors are an opaque base64 "sortValue|id" tuple; both
// implementations share the codec so cursors stay portable across backends.

func encodeListingCursor(sortValue string, id uuid.UUID) string {
	return base64.RawURLEncoding.EncodeToString([]byte(sortValue + "|" + id.String()))
}

func decodeListingCursor(cursor string) (sortValue string, id uuid.UUID, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("invalid cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return "", uuid.Nil, errors.New("invalid cursor: missing separator")
	}
	id, err = uuid.Parse(parts[1])
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("invalid cursor: %w", err)
	}
	return parts[0], id, nil
}

// normalizeListingQuery applies the limit cap and the default sort.
func normalizeListingQuery(opts domain.ListingQueryOptions) domain.ListingQueryOptions {
	if opts.Limit <= 0 || opts.Limit > domain.MaxListingPageSize {
		opts.Limit = domain.MaxListingPageSize
	}
	switch opts.SortBy {
	case domain.ListingSortNewest, domain.ListingSortPriceLow, domain.ListingSortPriceHigh:
	default:
		opts.SortBy = domain.ListingSortNewest
	}
	return opts
}
