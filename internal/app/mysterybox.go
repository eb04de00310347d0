/**
 * @description
 * Mystery box tier registry. Tiers are configured at startup and held in
 * insertion order so listings of the catalog are stable; validation rejects
 * distributions no draw can be made from before they ever reach a purchase.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/solbay/market-service/internal/domain"
	"github.com/solbay/market-service/internal/store"
)

// ErrTierNotFound is returned for purchases against an unknown tier.
var ErrTierNotFound = errors.New("mystery box tier not found")

// MysteryBoxManager owns the tier catalog.
type MysteryBoxManager struct {
	repo store.Repository

	mu    sync.RWMutex
	order []string
	tiers map[string]domain.MysteryBoxTier
}

func NewMysteryBoxManager(repo store.Repository) *MysteryBoxManager {
	return &MysteryBoxManager{
		repo:  repo,
		tiers: make(map[string]domain.MysteryBoxTier),
	}
}

// AddTier registers a tier. The rarity distribution is validated here so a
// bad configuration fails at startup rather than at purchase time.
func (m *MysteryBoxManager) AddTier(tier domain.MysteryBoxTier) error {
	if strings.TrimSpace(tier.ID) == "" {
		return errors.New("mystery box tier id is required")
	}
	if strings.TrimSpace(tier.Name) == "" {
		return errors.New("mystery box tier name is required")
	}
	if tier.PriceUSDC.Sign() <= 0 {
		return errors.New("mystery box tier price must be greater than 0")
	}
	if len(tier.RarityWeights) == 0 {
		return errors.New("mystery box tier requires at least one rarity weight")
	}
	var total int64
	for _, w := range tier.RarityWeights {
		if w.Weight < 0 {
			return fmt.Errorf("rarity weight for %q must not be negative", w.Rarity)
		}
		total += w.Weight
	}
	if total <= 0 {
		return domain.ErrZeroRarityWeights
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tiers[tier.ID]; exists {
		return fmt.Errorf("mystery box tier %q already registered", tier.ID)
	}
	m.order = append(m.order, tier.ID)
	m.tiers[tier.ID] = tier
	return nil
}

// GetTier looks a tier up by id.
func (m *MysteryBoxManager) GetTier(tierID string) (*domain.MysteryBoxTier, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tier, ok := m.tiers[tierID]
	if !ok {
		return nil, ErrTierNotFound
	}
	return &tier, nil
}

// ListTiers returns the catalog in registration order.
func (m *MysteryBoxManager) ListTiers() []domain.MysteryBoxTier {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.MysteryBoxTier, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.tiers[id])
	}
	return out
}

// PurchaseHistory returns a buyer's completed box purchases.
func (m *MysteryBoxManager) PurchaseHistory(ctx context.Context, buyerID string) ([]domain.MysteryBoxPurchase, error) {
	return m.repo.FindMysteryBoxPurchasesByBuyer(ctx, buyerID)
}
