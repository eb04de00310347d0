package domain

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
)

func TestSelectRarityZeroTotalWeight(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	testCases := []struct {
		name    string
		weights []RarityWeight
	}{
		{name: "all zero", weights: []RarityWeight{{Rarity: "common", Weight: 0}, {Rarity: "rare", Weight: 0}}},
		{name: "empty", weights: nil},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := SelectRarity(tc.weights, rng)
			if !errors.Is(err, ErrZeroRarityWeights) {
				t.Errorf("expected ErrZeroRarityWeights, got %v", err)
			}
		})
	}
}

func TestSelectRarityRejectsNegativeWeight(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	_, err := SelectRarity([]RarityWeight{{Rarity: "common", Weight: -1}, {Rarity: "rare", Weight: 5}}, rng)
	if err == nil {
		t.Fatal("expected error for negative weight")
	}
}

func TestSelectRarityZeroWeightEntryNeverDrawn(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	weights := []RarityWeight{
		{Rarity: "common", Weight: 100},
		{Rarity: "rare", Weight: 0},
	}

	for i := 0; i < 1000; i++ {
		rarity, err := SelectRarity(weights, rng)
		if err != nil {
			t.Fatalf("draw %d returned error: %v", i, err)
		}
		if rarity != "common" {
			t.Fatalf("draw %d selected %q despite zero weight", i, rarity)
		}
	}
}

func TestSelectRarityDeterministicUnderFixedSeed(t *testing.T) {
	weights := []RarityWeight{
		{Rarity: "common", Weight: 70},
		{Rarity: "rare", Weight: 25},
		{Rarity: "epic", Weight: 5},
	}

	draw := func() []string {
		rng := rand.New(rand.NewSource(7))
		out := make([]string, 0, 20)
		for i := 0; i < 20; i++ {
			rarity, err := SelectRarity(weights, rng)
			if err != nil {
				t.Fatalf("draw returned error: %v", err)
			}
			out = append(out, rarity)
		}
		return out
	}

	first := draw()
	second := draw()
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("draw %d differs: %q vs %q", i, first[i], second[i])
		}
	}
}

func TestPriceSmallestUnits(t *testing.T) {
	testCases := []struct {
		price string
		want  int64
	}{
		{price: "1", want: 1000000},
		{price: "0.5", want: 500000},
		{price: "2.499999", want: 2499999},
		// Precision beyond the mint's six decimals truncates.
		{price: "0.0000019", want: 1},
	}
	for _, tc := range testCases {
		t.Run(tc.price, func(t *testing.T) {
			tier := MysteryBoxTier{PriceUSDC: decimal.RequireFromString(tc.price)}
			if got := tier.PriceSmallestUnits(); got != tc.want {
				t.Errorf("PriceSmallestUnits() = %d, want %d", got, tc.want)
			}
		})
	}
}
