/**
 * @description
 * In-memory implementation of the `Repository` interface. It backs the
 * simulated payment mode and the test suite. A single mutex serializes all
 * mutations, which makes the compare-and-swap listing transition and the
 * atomic trade batch trivially correct; every read and write works on copies
 * so callers never alias internal state.
 */

package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/solbay/market-service/internal/domain"
)

// MemoryRepository is a mutex-guarded, map-backed Repository.
type MemoryRepository struct {
	mu sync.Mutex

	listings     map[uuid.UUID]*domain.Listing
	transactions []domain.Transaction
	txByRef      map[string]uuid.UUID
	boxPurchases []domain.MysteryBoxPurchase

	now func() time.Time
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		listings: make(map[uuid.UUID]*domain.Listing),
		txByRef:  make(map[string]uuid.UUID),
		now:      time.Now,
	}
}

func (r *MemoryRepository) CreateListing(ctx context.Context, listing *domain.Listing) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if listing.ID == uuid.Nil {
		listing.ID = uuid.New()
	}
	if listing.State == "" {
		listing.State = domain.ListingStateInReview
	}
	now := r.now()
	if listing.CreatedAt.IsZero() {
		listing.CreatedAt = now
	}
	listing.UpdatedAt = now

	stored := *listing
	r.listings[listing.ID] = &stored
	return nil
}

func (r *MemoryRepository) GetListing(ctx context.Context, listingID uuid.UUID) (*domain.Listing, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.listings[listingID]
	if !ok {
		return nil, ErrListingNotFound
	}
	copied := *stored
	return &copied, nil
}

func (r *MemoryRepository) ListListings(ctx context.Context, opts domain.ListingQueryOptions) ([]domain.Listing, string, error) {
	opts = normalizeListingQuery(opts)

	r.mu.Lock()
	snapshot := make([]domain.Listing, 0, len(r.listings))
	for _, l := range r.listings {
		snapshot = append(snapshot, *l)
	}
	r.mu.Unlock()

	sortListings(snapshot, opts.SortBy)

	start := 0
	if opts.Cursor != "" {
		_, cursorID, err := decodeListingCursor(opts.Cursor)
		if err != nil {
			return nil, "", err
		}
		for i, l := range snapshot {
			if l.ID == cursorID {
				start = i + 1
				break
			}
		}
	}

	end := start + opts.Limit
	if end > len(snapshot) {
		end = len(snapshot)
	}
	page := snapshot[start:end]

	nextCursor := ""
	if end < len(snapshot) && len(page) > 0 {
		last := page[len(page)-1]
		nextCursor = encodeListingCursor(listingSortValue(last, opts.SortBy), last.ID)
	}
	return page, nextCursor, nil
}

func (r *MemoryRepository) ApproveListing(ctx context.Context, listingID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.listings[listingID]
	if !ok {
		return ErrListingNotFound
	}
	if stored.State != domain.ListingStateInReview {
		return ErrListingNotInReview
	}
	stored.Approved = true
	stored.State = domain.ListingStateOnMarket
	stored.UpdatedAt = r.now()
	return nil
}

func (r *MemoryRepository) CancelListing(ctx context.Context, listingID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.listings[listingID]
	if !ok {
		return ErrListingNotFound
	}
	if stored.State != domain.ListingStateOnMarket {
		return ErrListingNotOnMarket
	}
	stored.State = domain.ListingStatePulled
	stored.UpdatedAt = r.now()
	return nil
}

func (r *MemoryRepository) RepublishListing(ctx context.Context, listingID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.listings[listingID]
	if !ok {
		return ErrListingNotFound
	}
	if stored.State != domain.ListingStatePulled {
		return ErrListingNotPulled
	}
	stored.State = domain.ListingStateOnMarket
	stored.FailedPurchaseCount = 0
	stored.LastFailureAt = nil
	stored.UpdatedAt = r.now()
	return nil
}

func (r *MemoryRepository) SetListingPinned(ctx context.Context, listingID uuid.UUID, pinned bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.listings[listingID]
	if !ok {
		return ErrListingNotFound
	}
	stored.Pinned = pinned
	stored.UpdatedAt = r.now()
	return nil
}

func (r *MemoryRepository) MarkListingSold(ctx context.Context, listingID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.markListingSoldLocked(listingID)
}

func (r *MemoryRepository) markListingSoldLocked(listingID uuid.UUID) error {
	stored, ok := r.listings[listingID]
	if !ok {
		return ErrListingNotFound
	}
	switch stored.State {
	case domain.ListingStateOnMarket:
		stored.State = domain.ListingStateSold
		stored.UpdatedAt = r.now()
		return nil
	case domain.ListingStateSold:
		return ErrListingAlreadySold
	default:
		return ErrListingNotOnMarket
	}
}

func (r *MemoryRepository) IncrementListingFailureCount(ctx context.Context, listingID uuid.UUID, pullThreshold int) (int, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.listings[listingID]
	if !ok {
		return 0, false, ErrListingNotFound
	}
	// Pulled and sold listings accept no further purchase attempts, so the
	// counter stays where it is and no pull is reported.
	if stored.State != domain.ListingStateOnMarket {
		return stored.FailedPurchaseCount, false, nil
	}

	now := r.now()
	stored.FailedPurchaseCount++
	stored.LastFailureAt = &now
	stored.UpdatedAt = now
	if pullThreshold > 0 && stored.FailedPurchaseCount >= pullThreshold {
		stored.State = domain.ListingStatePulled
		return stored.FailedPurchaseCount, true, nil
	}
	return stored.FailedPurchaseCount, false, nil
}

func (r *MemoryRepository) IncrementListingReports(ctx context.Context, listingID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.listings[listingID]
	if !ok {
		return ErrListingNotFound
	}
	stored.ReportsCount++
	stored.UpdatedAt = r.now()
	return nil
}

func (r *MemoryRepository) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createTransactionLocked(tx)
}

func (r *MemoryRepository) createTransactionLocked(tx *domain.Transaction) error {
	if _, exists := r.txByRef[tx.TxReference]; exists {
		return ErrDuplicateTransactionReference
	}
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = r.now()
	}
	r.transactions = append(r.transactions, *tx)
	r.txByRef[tx.TxReference] = tx.ID
	return nil
}

func (r *MemoryRepository) FindTransactionByReference(ctx context.Context, txReference string) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.txByRef[txReference]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	for i := range r.transactions {
		if r.transactions[i].ID == id {
			copied := r.transactions[i]
			return &copied, nil
		}
	}
	return nil, ErrTransactionNotFound
}

func (r *MemoryRepository) FindTransactionsByAccount(ctx context.Context, accountID string, opts domain.TransactionListOptions) ([]domain.Transaction, error) {
	r.mu.Lock()
	matched := make([]domain.Transaction, 0)
	for _, tx := range r.transactions {
		if tx.BuyerID == accountID || tx.SellerID == accountID {
			matched = append(matched, tx)
		}
	}
	r.mu.Unlock()

	sortTransactions(matched, opts.SortOrder)
	return paginateTransactions(matched, opts), nil
}

func (r *MemoryRepository) UpdateTransactionStatus(ctx context.Context, transactionID uuid.UUID, status domain.TransactionStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.transactions {
		if r.transactions[i].ID == transactionID {
			r.transactions[i].Status = status
			return nil
		}
	}
	return ErrTransactionNotFound
}

func (r *MemoryRepository) ListPendingTransferTransactions(ctx context.Context) ([]domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pending := make([]domain.Transaction, 0)
	for _, tx := range r.transactions {
		if tx.Status == domain.TransactionStatusPendingTransfer {
			pending = append(pending, tx)
		}
	}
	return pending, nil
}

func (r *MemoryRepository) CreateMysteryBoxPurchase(ctx context.Context, purchase *domain.MysteryBoxPurchase) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if purchase.ID == uuid.Nil {
		purchase.ID = uuid.New()
	}
	if purchase.CreatedAt.IsZero() {
		purchase.CreatedAt = r.now()
	}
	r.boxPurchases = append(r.boxPurchases, *purchase)
	return nil
}

func (r *MemoryRepository) FindMysteryBoxPurchasesByBuyer(ctx context.Context, buyerID string) ([]domain.MysteryBoxPurchase, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	matched := make([]domain.MysteryBoxPurchase, 0)
	for _, p := range r.boxPurchases {
		if p.BuyerID == buyerID {
			matched = append(matched, p)
		}
	}
	return matched, nil
}

// ExecuteAtomicTrade validates every operation before applying any, so a
// failing batch leaves no partial writes behind.
func (r *MemoryRepository) ExecuteAtomicTrade(ctx context.Context, ops []TradeOperation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seenRefs := make(map[string]struct{})
	for _, op := range ops {
		switch o := op.(type) {
		case MarkListingSoldOp:
			stored, ok := r.listings[o.ListingID]
			if !ok {
				return ErrListingNotFound
			}
			if stored.State == domain.ListingStateSold {
				return ErrListingAlreadySold
			}
			if stored.State != domain.ListingStateOnMarket {
				return ErrListingNotOnMarket
			}
		case RecordTransactionOp:
			if _, exists := r.txByRef[o.Transaction.TxReference]; exists {
				return ErrDuplicateTransactionReference
			}
			if _, dup := seenRefs[o.Transaction.TxReference]; dup {
				return ErrDuplicateTransactionReference
			}
			seenRefs[o.Transaction.TxReference] = struct{}{}
		default:
			return fmt.Errorf("unknown trade operation %T", op)
		}
	}

	for _, op := range ops {
		switch o := op.(type) {
		case MarkListingSoldOp:
			if err := r.markListingSoldLocked(o.ListingID); err != nil {
				return err
			}
		case RecordTransactionOp:
			if err := r.createTransactionLocked(o.Transaction); err != nil {
				return err
			}
		}
	}
	return nil
}

func sortListings(listings []domain.Listing, sortBy domain.ListingSortOrder) {
	sort.SliceStable(listings, func(i, j int) bool {
		a, b := listings[i], listings[j]
		switch sortBy {
		case domain.ListingSortPriceLow:
			if a.Price != b.Price {
				return a.Price < b.Price
			}
		case domain.ListingSortPriceHigh:
			if a.Price != b.Price {
				return a.Price > b.Price
			}
		default: // newest
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.After(b.CreatedAt)
			}
		}
		return a.ID.String() < b.ID.String()
	})
}

func listingSortValue(l domain.Listing, sortBy domain.ListingSortOrder) string {
	switch sortBy {
	case domain.ListingSortPriceLow, domain.ListingSortPriceHigh:
		return strconv.FormatInt(l.Price, 10)
	default:
		return strconv.FormatInt(l.CreatedAt.UnixNano(), 10)
	}
}

func sortTransactions(txs []domain.Transaction, order domain.SortOrder) {
	sort.SliceStable(txs, func(i, j int) bool {
		if order == domain.SortAscending {
			return txs[i].CreatedAt.Before(txs[j].CreatedAt)
		}
		return txs[i].CreatedAt.After(txs[j].CreatedAt)
	})
}

func paginateTransactions(txs []domain.Transaction, opts domain.TransactionListOptions) []domain.Transaction {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	page := opts.Page
	if page <= 0 {
		page = 1
	}
	start := (page - 1) * limit
	if start >= len(txs) {
		return []domain.Transaction{}
	}
	end := start + limit
	if end > len(txs) {
		end = len(txs)
	}
	return txs[start:end]
}
