/**
 * @description
 * Domain models for mystery box tiers and purchases. A tier's rarity weights
 * are kept as an ordered slice of (rarity, weight) pairs rather than a map:
 * weighted selection walks the entries in the order the caller supplied them,
 * which keeps the draw deterministic under a seeded random source.
 */

package domain

import (
	"errors"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RarityWeight is one entry of a tier's rarity distribution. Weights are
// relative, non-negative integers; at least one entry must be positive.
type RarityWeight struct {
	Rarity string `json:"rarity"`
	Weight int64  `json:"weight"`
}

// MysteryBoxTier describes a purchasable box: its price in display USDC and
// the rarity distribution of the item it generates.
type MysteryBoxTier struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	PriceUSDC     decimal.Decimal `json:"price_usdc"`
	RarityWeights []RarityWeight  `json:"rarity_weights"`
}

// usdcDecimals is the USDC mint precision on the ledger.
const usdcDecimals = 6

// PriceSmallestUnits converts the tier's display price into smallest
// currency units, truncating any precision beyond the mint's decimals.
func (t *MysteryBoxTier) PriceSmallestUnits() int64 {
	return t.PriceUSDC.Shift(usdcDecimals).Truncate(0).IntPart()
}

// ErrZeroRarityWeights rejects a distribution no draw can be made from.
var ErrZeroRarityWeights = errors.New("total rarity weight must be greater than 0")

// SelectRarity draws one rarity label from a weighted distribution. The walk
// visits entries in slice order and returns the first label whose running sum
// exceeds the draw, so a fixed random source always yields the same label.
func SelectRarity(weights []RarityWeight, rng *rand.Rand) (string, error) {
	var total int64
	for _, w := range weights {
		if w.Weight < 0 {
			return "", errors.New("rarity weights must not be negative")
		}
		total += w.Weight
	}
	if total <= 0 {
		return "", ErrZeroRarityWeights
	}

	draw := rng.Int63n(total)
	var running int64
	for _, w := range weights {
		running += w.Weight
		if running > draw {
			return w.Rarity, nil
		}
	}
	// Unreachable: running always reaches total, which exceeds any draw.
	return weights[len(weights)-1].Rarity, nil
}

// GeneratedItem is the item produced by the external item generator for a
// mystery box purchase.
type GeneratedItem struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Rarity string `json:"rarity"`
}

// MysteryBoxPurchase is the record of a completed box purchase. It is created
// only after both item generation and the grant to the buyer succeeded.
type MysteryBoxPurchase struct {
	ID            uuid.UUID       `json:"id"`
	TierID        string          `json:"tier_id"`
	BuyerID       string          `json:"buyer_id"`
	PriceUSDC     decimal.Decimal `json:"price_usdc"`
	TxReference   string          `json:"tx_reference"`
	GeneratedItem GeneratedItem   `json:"generated_item"`
	CreatedAt     time.Time       `json:"created_at"`
}
