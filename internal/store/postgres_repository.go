/**
 * @description
 * PostgreSQL implementation of the `Repository` interface. It contains the
 * SQL for the listings, transactions and mystery_box_purchases tables, the
 * conditional sold-transition update, and the transactional atomic trade.
 *
 * @dependencies
 * - context, errors, fmt, strconv, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/solbay/market-service/internal/domain"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const listingColumns = `id, seller_id, item_id, title, description, price, state, approved, pinned, failed_purchase_count, last_failure_at, reports_count, created_at, updated_at`

func scanListing(row pgx.Row) (*domain.Listing, error) {
	var l domain.Listing
	err := row.Scan(
		&l.ID, &l.SellerID, &l.ItemID, &l.Title, &l.Description, &l.Price,
		&l.State, &l.Approved, &l.Pinned, &l.FailedPurchaseCount,
		&l.LastFailureAt, &l.ReportsCount, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrListingNotFound
		}
		return nil, err
	}
	return &l, nil
}

func (r *PostgresRepository) CreateListing(ctx context.Context, listing *domain.Listing) error {
	if listing.ID == uuid.Nil {
		listing.ID = uuid.New()
	}
	if listing.State == "" {
		listing.State = domain.ListingStateInReview
	}
	query := `
		INSERT INTO listings (id, seller_id, item_id, title, description, price, state, approved, pinned, failed_purchase_count, reports_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, 0, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	return r.db.QueryRow(ctx, query,
		listing.ID, listing.SellerID, listing.ItemID, listing.Title, listing.Description,
		listing.Price, listing.State, listing.Approved, listing.Pinned,
	).Scan(&listing.CreatedAt, &listing.UpdatedAt)
}

func (r *PostgresRepository) GetListing(ctx context.Context, listingID uuid.UUID) (*domain.Listing, error) {
	query := `SELECT ` + listingColumns + ` FROM listings WHERE id = $1`
	return scanListing(r.db.QueryRow(ctx, query, listingID))
}

func (r *PostgresRepository) ListListings(ctx context.Context, opts domain.ListingQueryOptions) ([]domain.Listing, string, error) {
	opts = normalizeListingQuery(opts)

	var (
		order   string
		keyset  string
		args    []interface{}
		argBase = 1
	)
	switch opts.SortBy {
	case domain.ListingSortPriceLow:
		order = "price ASC, id ASC"
		keyset = "(price > $%d OR (price = $%d AND id > $%d))"
	case domain.ListingSortPriceHigh:
		order = "price DESC, id ASC"
		keyset = "(price < $%d OR (price = $%d AND id > $%d))"
	default:
		order = "created_at DESC, id ASC"
		keyset = "(created_at < $%d OR (created_at = $%d AND id > $%d))"
	}

	where := ""
	if opts.Cursor != "" {
		sortValue, cursorID, err := decodeListingCursor(opts.Cursor)
		if err != nil {
			return nil, "", err
		}
		raw, err := strconv.ParseInt(sortValue, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
		var sortArg interface{} = raw
		if opts.SortBy == domain.ListingSortNewest || opts.SortBy == "" {
			sortArg = time.Unix(0, raw).UTC()
		}
		where = " WHERE " + fmt.Sprintf(keyset, argBase, argBase, argBase+1)
		args = append(args, sortArg, cursorID)
		argBase += 2
	}

	query := fmt.Sprintf(
		`SELECT `+listingColumns+` FROM listings%s ORDER BY %s LIMIT $%d`,
		where, order, argBase,
	)
	args = append(args, opts.Limit+1)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	listings := make([]domain.Listing, 0, opts.Limit)
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, "", err
		}
		listings = append(listings, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	nextCursor := ""
	if len(listings) > opts.Limit {
		listings = listings[:opts.Limit]
		last := listings[len(listings)-1]
		nextCursor = encodeListingCursor(listingSortValue(last, opts.SortBy), last.ID)
	}
	return listings, nextCursor, nil
}

func (r *PostgresRepository) ApproveListing(ctx context.Context, listingID uuid.UUID) error {
	query := `
		UPDATE listings
		SET approved = TRUE, state = $2, updated_at = NOW()
		WHERE id = $1 AND state = $3
	`
	tag, err := r.db.Exec(ctx, query, listingID, domain.ListingStateOnMarket, domain.ListingStateInReview)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.classifyListingStateConflict(ctx, listingID, ErrListingNotInReview)
	}
	return nil
}

func (r *PostgresRepository) CancelListing(ctx context.Context, listingID uuid.UUID) error {
	query := `
		UPDATE listings
		SET state = $2, updated_at = NOW()
		WHERE id = $1 AND state = $3
	`
	tag, err := r.db.Exec(ctx, query, listingID, domain.ListingStatePulled, domain.ListingStateOnMarket)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.classifyListingStateConflict(ctx, listingID, ErrListingNotOnMarket)
	}
	return nil
}

func (r *PostgresRepository) RepublishListing(ctx context.Context, listingID uuid.UUID) error {
	query := `
		UPDATE listings
		SET state = $2, failed_purchase_count = 0, last_failure_at = NULL, updated_at = NOW()
		WHERE id = $1 AND state = $3
	`
	tag, err := r.db.Exec(ctx, query, listingID, domain.ListingStateOnMarket, domain.ListingStatePulled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.classifyListingStateConflict(ctx, listingID, ErrListingNotPulled)
	}
	return nil
}

func (r *PostgresRepository) SetListingPinned(ctx context.Context, listingID uuid.UUID, pinned bool) error {
	tag, err := r.db.Exec(ctx, `UPDATE listings SET pinned = $2, updated_at = NOW() WHERE id = $1`, listingID, pinned)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrListingNotFound
	}
	return nil
}

// MarkListingSold is the compare-and-swap guarding against double sale: the
// update succeeds only while the row is still on_market.
func (r *PostgresRepository) MarkListingSold(ctx context.Context, listingID uuid.UUID) error {
	return r.markListingSoldExec(ctx, r.db, listingID)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *PostgresRepository) markListingSoldExec(ctx context.Context, db execer, listingID uuid.UUID) error {
	query := `
		UPDATE listings
		SET state = $2, updated_at = NOW()
		WHERE id = $1 AND state = $3
	`
	tag, err := db.Exec(ctx, query, listingID, domain.ListingStateSold, domain.ListingStateOnMarket)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var state domain.ListingState
	err = db.QueryRow(ctx, `SELECT state FROM listings WHERE id = $1`, listingID).Scan(&state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrListingNotFound
		}
		return err
	}
	if state == domain.ListingStateSold {
		return ErrListingAlreadySold
	}
	return ErrListingNotOnMarket
}

// IncrementListingFailureCount performs the increment and the conditional
// pull transition in a single UPDATE, so a concurrent reader can never see
// the counter past the threshold with the listing still on the market.
func (r *PostgresRepository) IncrementListingFailureCount(ctx context.Context, listingID uuid.UUID, pullThreshold int) (int, bool, error) {
	query := `
		UPDATE listings
		SET
			failed_purchase_count = failed_purchase_count + 1,
			last_failure_at = NOW(),
			updated_at = NOW(),
			state = CASE
				WHEN $2 > 0 AND failed_purchase_count + 1 >= $2 THEN $3::text
				ELSE state
			END
		WHERE id = $1 AND state = $4
		RETURNING failed_purchase_count, state
	`
	var (
		count int
		state domain.ListingState
	)
	err := r.db.QueryRow(ctx, query, listingID, pullThreshold, domain.ListingStatePulled, domain.ListingStateOnMarket).Scan(&count, &state)
	if err == nil {
		return count, state == domain.ListingStatePulled, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, err
	}

	// Not on the market: no increment happened, so no pull is reported.
	err = r.db.QueryRow(ctx, `SELECT failed_purchase_count FROM listings WHERE id = $1`, listingID).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, ErrListingNotFound
		}
		return 0, false, err
	}
	return count, false, nil
}

func (r *PostgresRepository) IncrementListingReports(ctx context.Context, listingID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `UPDATE listings SET reports_count = reports_count + 1, updated_at = NOW() WHERE id = $1`, listingID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrListingNotFound
	}
	return nil
}

func (r *PostgresRepository) classifyListingStateConflict(ctx context.Context, listingID uuid.UUID, conflictErr error) error {
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM listings WHERE id = $1)`, listingID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrListingNotFound
	}
	return conflictErr
}

const transactionColumns = `id, listing_id, kind, buyer_id, seller_id, amount, tx_reference, status, created_at`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var tx domain.Transaction
	err := row.Scan(&tx.ID, &tx.ListingID, &tx.Kind, &tx.BuyerID, &tx.SellerID, &tx.Amount, &tx.TxReference, &tx.Status, &tx.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &tx, nil
}

func (r *PostgresRepository) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	return r.createTransactionExec(ctx, r.db, tx)
}

func (r *PostgresRepository) createTransactionExec(ctx context.Context, db execer, tx *domain.Transaction) error {
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	query := `
		INSERT INTO transactions (id, listing_id, kind, buyer_id, seller_id, amount, tx_reference, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		RETURNING created_at
	`
	err := db.QueryRow(ctx, query,
		tx.ID, tx.ListingID, tx.Kind, tx.BuyerID, tx.SellerID, tx.Amount, tx.TxReference, tx.Status,
	).Scan(&tx.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateTransactionReference
		}
		return err
	}
	return nil
}

func (r *PostgresRepository) FindTransactionByReference(ctx context.Context, txReference string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE tx_reference = $1`
	return scanTransaction(r.db.QueryRow(ctx, query, txReference))
}

func (r *PostgresRepository) FindTransactionsByAccount(ctx context.Context, accountID string, opts domain.TransactionListOptions) ([]domain.Transaction, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	page := opts.Page
	if page <= 0 {
		page = 1
	}
	direction := "DESC"
	if opts.SortOrder == domain.SortAscending {
		direction = "ASC"
	}

	query := fmt.Sprintf(`
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at %s, id ASC
		LIMIT $2 OFFSET $3
	`, direction)

	rows, err := r.db.Query(ctx, query, accountID, limit, (page-1)*limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txs := make([]domain.Transaction, 0, limit)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *tx)
	}
	return txs, rows.Err()
}

func (r *PostgresRepository) UpdateTransactionStatus(ctx context.Context, transactionID uuid.UUID, status domain.TransactionStatus) error {
	tag, err := r.db.Exec(ctx, `UPDATE transactions SET status = $2 WHERE id = $1`, transactionID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (r *PostgresRepository) ListPendingTransferTransactions(ctx context.Context) ([]domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE status = $1 ORDER BY created_at ASC`
	rows, err := r.db.Query(ctx, query, domain.TransactionStatusPendingTransfer)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txs := make([]domain.Transaction, 0)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *tx)
	}
	return txs, rows.Err()
}

func (r *PostgresRepository) CreateMysteryBoxPurchase(ctx context.Context, purchase *domain.MysteryBoxPurchase) error {
	if purchase.ID == uuid.Nil {
		purchase.ID = uuid.New()
	}
	query := `
		INSERT INTO mystery_box_purchases (id, tier_id, buyer_id, price_usdc, tx_reference, item_id, item_name, item_rarity, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		RETURNING created_at
	`
	return r.db.QueryRow(ctx, query,
		purchase.ID, purchase.TierID, purchase.BuyerID, purchase.PriceUSDC,
		purchase.TxReference, purchase.GeneratedItem.ID, purchase.GeneratedItem.Name, purchase.GeneratedItem.Rarity,
	).Scan(&purchase.CreatedAt)
}

func (r *PostgresRepository) FindMysteryBoxPurchasesByBuyer(ctx context.Context, buyerID string) ([]domain.MysteryBoxPurchase, error) {
	query := `
		SELECT id, tier_id, buyer_id, price_usdc, tx_reference, item_id, item_name, item_rarity, created_at
		FROM mystery_box_purchases
		WHERE buyer_id = $1
		ORDER BY created_at ASC
	`
	rows, err := r.db.Query(ctx, query, buyerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	purchases := make([]domain.MysteryBoxPurchase, 0)
	for rows.Next() {
		var p domain.MysteryBoxPurchase
		err := rows.Scan(&p.ID, &p.TierID, &p.BuyerID, &p.PriceUSDC, &p.TxReference,
			&p.GeneratedItem.ID, &p.GeneratedItem.Name, &p.GeneratedItem.Rarity, &p.CreatedAt)
		if err != nil {
			return nil, err
		}
		purchases = append(purchases, p)
	}
	return purchases, rows.Err()
}

// ExecuteAtomicTrade runs the operations inside one database transaction.
func (r *PostgresRepository) ExecuteAtomicTrade(ctx context.Context, ops []TradeOperation) error {
	dbTx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin trade transaction: %w", err)
	}
	defer dbTx.Rollback(ctx)

	for _, op := range ops {
		switch o := op.(type) {
		case MarkListingSoldOp:
			if err := r.markListingSoldExec(ctx, dbTx, o.ListingID); err != nil {
				return err
			}
		case RecordTransactionOp:
			if err := r.createTransactionExec(ctx, dbTx, o.Transaction); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown trade operation %T", op)
		}
	}

	return dbTx.Commit(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
