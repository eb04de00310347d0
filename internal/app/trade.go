/**
 * @description
 * The trade executor commits verified payments. A listing purchase marks the
 * listing sold and records the transaction in one atomic unit, so a buyer is
 * never charged for an item someone else already bought. Item movement runs
 * after the commit; when it fails the transaction is parked in
 * pending_transfer and a reconciliation event is published instead of
 * attempting automatic compensation.
 *
 * @dependencies
 * - internal/domain, internal/store, internal/items: models, atomic commit, item system.
 * - internal/metrics, pkg/rabbitmq: trade counters and post-commit events.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/solbay/market-service/internal/domain"
	"github.com/solbay/market-service/internal/items"
	"github.com/solbay/market-service/internal/metrics"
	"github.com/solbay/market-service/internal/store"
	"github.com/solbay/market-service/pkg/rabbitmq"
)

// TradeExecutor turns a settled payment into marketplace state changes.
type TradeExecutor struct {
	repo          store.Repository
	items         items.Adapter
	eventProducer rabbitmq.Publisher

	now func() time.Time
}

func NewTradeExecutor(repo store.Repository, itemAdapter items.Adapter, producer rabbitmq.Publisher) *TradeExecutor {
	return &TradeExecutor{
		repo:          repo,
		items:         itemAdapter,
		eventProducer: producer,
		now:           time.Now,
	}
}

// ExecuteListingTrade commits a verified listing purchase. The sold transition
// and the transaction record land atomically. A settlement reference that was
// already credited fails the whole batch with
// store.ErrDuplicateTransactionReference so a payment is never delivered
// against twice, and the loser of a concurrent purchase race gets
// store.ErrListingAlreadySold.
func (t *TradeExecutor) ExecuteListingTrade(ctx context.Context, listing *domain.Listing, buyerID, txReference string) (*domain.Transaction, error) {
	tx := &domain.Transaction{
		ID:          uuid.New(),
		ListingID:   &listing.ID,
		Kind:        domain.TransactionKindListing,
		BuyerID:     buyerID,
		SellerID:    listing.SellerID,
		Amount:      listing.Price,
		TxReference: txReference,
		Status:      domain.TransactionStatusSuccess,
		CreatedAt:   t.now(),
	}

	ops := []store.TradeOperation{
		store.MarkListingSoldOp{ListingID: listing.ID},
		store.RecordTransactionOp{Transaction: tx},
	}
	if err := t.repo.ExecuteAtomicTrade(ctx, ops); err != nil {
		if errors.Is(err, store.ErrDuplicateTransactionReference) {
			log.Printf("level=warn component=trade_executor op=listing_trade listing=%s buyer=%s tx_reference=%s msg=\"settlement reference already credited\"", listing.ID, buyerID, txReference)
		}
		return nil, err
	}
	metrics.TradesCommitted.WithLabelValues(string(domain.TransactionKindListing)).Inc()
	log.Printf("level=info component=trade_executor op=listing_trade listing=%s buyer=%s amount=%d tx_reference=%s", listing.ID, buyerID, listing.Price, txReference)

	if err := t.items.TransferItem(ctx, listing.ItemID, listing.SellerID, buyerID); err != nil {
		return t.parkForReconciliation(ctx, tx, fmt.Sprintf("item transfer failed: %v", err))
	}

	t.publishTradeCompleted(ctx, tx)
	return tx, nil
}

// ExecuteMysteryBoxTrade commits a verified mystery box purchase: record the
// transaction, generate the item, grant it, then persist the purchase record.
// Generation or grant failure after the commit parks the transaction for
// reconciliation.
func (t *TradeExecutor) ExecuteMysteryBoxTrade(ctx context.Context, buyerID string, tier *domain.MysteryBoxTier, txReference string) (*domain.Transaction, *domain.GeneratedItem, error) {
	tx := &domain.Transaction{
		ID:          uuid.New(),
		Kind:        domain.TransactionKindMysteryBox,
		BuyerID:     buyerID,
		Amount:      tier.PriceSmallestUnits(),
		TxReference: txReference,
		Status:      domain.TransactionStatusSuccess,
		CreatedAt:   t.now(),
	}

	ops := []store.TradeOperation{store.RecordTransactionOp{Transaction: tx}}
	if err := t.repo.ExecuteAtomicTrade(ctx, ops); err != nil {
		if errors.Is(err, store.ErrDuplicateTransactionReference) {
			log.Printf("level=warn component=trade_executor op=mystery_box_trade buyer=%s tier=%s tx_reference=%s msg=\"settlement reference already credited\"", buyerID, tier.ID, txReference)
		}
		return nil, nil, err
	}
	metrics.TradesCommitted.WithLabelValues(string(domain.TransactionKindMysteryBox)).Inc()

	item, err := t.items.GenerateRandomItem(ctx, tier.ID, tier.RarityWeights)
	if err != nil {
		parked, _ := t.parkForReconciliation(ctx, tx, fmt.Sprintf("item generation failed: %v", err))
		return parked, nil, fmt.Errorf("failed to generate item: %w", err)
	}
	if err := t.items.GrantItemToUser(ctx, buyerID, item); err != nil {
		parked, _ := t.parkForReconciliation(ctx, tx, fmt.Sprintf("item grant failed: %v", err))
		return parked, nil, fmt.Errorf("failed to grant item: %w", err)
	}

	purchase := &domain.MysteryBoxPurchase{
		ID:            uuid.New(),
		TierID:        tier.ID,
		BuyerID:       buyerID,
		PriceUSDC:     tier.PriceUSDC,
		TxReference:   txReference,
		GeneratedItem: *item,
		CreatedAt:     t.now(),
	}
	if err := t.repo.CreateMysteryBoxPurchase(ctx, purchase); err != nil {
		log.Printf("level=error component=trade_executor op=mystery_box_trade buyer=%s tier=%s msg=\"failed to persist purchase record\" err=%v", buyerID, tier.ID, err)
	}

	log.Printf("level=info component=trade_executor op=mystery_box_trade buyer=%s tier=%s rarity=%s tx_reference=%s", buyerID, tier.ID, item.Rarity, txReference)
	t.publishTradeCompleted(ctx, tx)
	return tx, item, nil
}

// parkForReconciliation marks a committed transaction pending_transfer and
// publishes the reconciliation event. The payment stays recorded; operators
// resolve the item side manually.
func (t *TradeExecutor) parkForReconciliation(ctx context.Context, tx *domain.Transaction, reason string) (*domain.Transaction, error) {
	if err := t.repo.UpdateTransactionStatus(ctx, tx.ID, domain.TransactionStatusPendingTransfer); err != nil {
		log.Printf("level=error component=trade_executor op=reconcile transaction=%s msg=\"failed to mark transaction pending_transfer\" err=%v", tx.ID, err)
	} else {
		tx.Status = domain.TransactionStatusPendingTransfer
	}
	metrics.ReconcileRequired.Inc()
	log.Printf("level=error component=trade_executor op=reconcile transaction=%s tx_reference=%s reason=%q", tx.ID, tx.TxReference, reason)

	event := rabbitmq.TradeReconcileEvent{
		TransactionID: tx.ID,
		ListingID:     tx.ListingID,
		BuyerID:       tx.BuyerID,
		TxReference:   tx.TxReference,
		Reason:        reason,
		Timestamp:     t.now().UTC(),
	}
	if err := t.eventProducer.Publish(ctx, rabbitmq.MarketEventsExchange, rabbitmq.RoutingKeyTradeReconcile, event); err != nil {
		log.Printf("level=error component=trade_executor op=reconcile transaction=%s msg=\"failed to publish reconcile event\" err=%v", tx.ID, err)
	}
	return tx, nil
}

func (t *TradeExecutor) publishTradeCompleted(ctx context.Context, tx *domain.Transaction) {
	event := rabbitmq.TradeCompletedEvent{
		TransactionID: tx.ID,
		ListingID:     tx.ListingID,
		Kind:          string(tx.Kind),
		BuyerID:       tx.BuyerID,
		Amount:        tx.Amount,
		TxReference:   tx.TxReference,
		Timestamp:     t.now().UTC(),
	}
	if err := t.eventProducer.Publish(ctx, rabbitmq.MarketEventsExchange, rabbitmq.RoutingKeyTradeCompleted, event); err != nil {
		log.Printf("level=warn component=trade_executor op=publish transaction=%s msg=\"failed to publish trade completed event\" err=%v", tx.ID, err)
	}
}
