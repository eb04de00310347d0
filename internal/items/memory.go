/**
 * @description
 * In-memory implementation of the item system adapter, used by the simulated
 * payment mode and the test suite. Item state lives in maps behind a mutex;
 * generation draws rarities with the same weighted walk the mystery box
 * manager uses, from an injected random source so tests stay deterministic.
 */

package items

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/solbay/market-service/internal/domain"
)

var (
	ErrItemNotFound = errors.New("item not found")
	ErrItemLocked   = errors.New("item is locked")
)

type ownedItem struct {
	owner  string
	locked bool
}

// MemoryAdapter is a mutex-guarded, map-backed item system.
type MemoryAdapter struct {
	mu      sync.Mutex
	items   map[string]*ownedItem
	granted map[string][]domain.GeneratedItem
	rng     *rand.Rand
	nextID  int
}

// NewMemoryAdapter creates an empty in-memory item system. The random source
// drives mystery box item generation.
func NewMemoryAdapter(rng *rand.Rand) *MemoryAdapter {
	return &MemoryAdapter{
		items:   make(map[string]*ownedItem),
		granted: make(map[string][]domain.GeneratedItem),
		rng:     rng,
	}
}

// Seed registers an item with an owner, for test and simulation setup.
func (a *MemoryAdapter) Seed(itemID, ownerID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.items[itemID] = &ownedItem{owner: ownerID}
}

func (a *MemoryAdapter) ValidateItemExists(ctx context.Context, itemID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.items[itemID]
	return ok, nil
}

func (a *MemoryAdapter) ValidateItemOwnership(ctx context.Context, itemID, ownerID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	item, ok := a.items[itemID]
	if !ok {
		return false, nil
	}
	return item.owner == ownerID, nil
}

func (a *MemoryAdapter) LockItem(ctx context.Context, itemID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	item, ok := a.items[itemID]
	if !ok {
		return ErrItemNotFound
	}
	if item.locked {
		return ErrItemLocked
	}
	item.locked = true
	return nil
}

func (a *MemoryAdapter) UnlockItem(ctx context.Context, itemID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	item, ok := a.items[itemID]
	if !ok {
		return ErrItemNotFound
	}
	item.locked = false
	return nil
}

func (a *MemoryAdapter) TransferItem(ctx context.Context, itemID, fromID, toID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	item, ok := a.items[itemID]
	if !ok {
		return ErrItemNotFound
	}
	if item.owner != fromID {
		return fmt.Errorf("item %s is not owned by %s", itemID, fromID)
	}
	item.owner = toID
	item.locked = false
	return nil
}

func (a *MemoryAdapter) GenerateRandomItem(ctx context.Context, tierID string, weights []domain.RarityWeight) (*domain.GeneratedItem, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rarity, err := domain.SelectRarity(weights, a.rng)
	if err != nil {
		return nil, err
	}
	a.nextID++
	return &domain.GeneratedItem{
		ID:     fmt.Sprintf("item-%s-%d", tierID, a.nextID),
		Name:   fmt.Sprintf("%s %s item", rarity, tierID),
		Rarity: rarity,
	}, nil
}

func (a *MemoryAdapter) GrantItemToUser(ctx context.Context, userID string, item *domain.GeneratedItem) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.items[item.ID] = &ownedItem{owner: userID}
	a.granted[userID] = append(a.granted[userID], *item)
	return nil
}

// GrantedItems returns the items granted to a user, in grant order.
func (a *MemoryAdapter) GrantedItems(userID string) []domain.GeneratedItem {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.GeneratedItem, len(a.granted[userID]))
	copy(out, a.granted[userID])
	return out
}

func (a *MemoryAdapter) SerializeItem(item *domain.GeneratedItem) (string, error) {
	raw, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("failed to serialize item: %w", err)
	}
	return string(raw), nil
}

func (a *MemoryAdapter) DeserializeItem(data string) (*domain.GeneratedItem, error) {
	var item domain.GeneratedItem
	if err := json.Unmarshal([]byte(data), &item); err != nil {
		return nil, fmt.Errorf("failed to deserialize item: %w", err)
	}
	return &item, nil
}
