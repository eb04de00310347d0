/**
 * @description
 * This file defines the `Adapter` interface for the external item system:
 * ownership validation, lock/unlock around trades, ownership transfer, random
 * item generation for mystery boxes, and grants. The engine only ever talks
 * to items through this boundary; pkg/itemclient provides the HTTP
 * implementation and MemoryAdapter backs the simulated mode and tests.
 */

package items

import (
	"context"

	"github.com/solbay/market-service/internal/domain"
)

// Adapter is the collaborator interface for the external item system.
type Adapter interface {
	ValidateItemExists(ctx context.Context, itemID string) (bool, error)
	ValidateItemOwnership(ctx context.Context, itemID, ownerID string) (bool, error)

	// LockItem prevents concurrent mutation of an item while a trade is in
	// flight; UnlockItem releases it. Locks are advisory on the item system
	// side and must always be released, including on failed trades.
	LockItem(ctx context.Context, itemID string) error
	UnlockItem(ctx context.Context, itemID string) error

	TransferItem(ctx context.Context, itemID, fromID, toID string) error

	GenerateRandomItem(ctx context.Context, tierID string, weights []domain.RarityWeight) (*domain.GeneratedItem, error)
	GrantItemToUser(ctx context.Context, userID string, item *domain.GeneratedItem) error

	SerializeItem(item *domain.GeneratedItem) (string, error)
	DeserializeItem(data string) (*domain.GeneratedItem, error)
}
