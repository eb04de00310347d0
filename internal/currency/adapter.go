/**
 * @description
 * The currency adapter is the engine's polymorphic payment backend: one
 * capability set with a simulated implementation for development/tests and a
 * ledger-backed implementation for production. Callers never branch on the
 * mode; the factory is the only place that knows which variant exists.
 *
 * @dependencies
 * - internal/domain, internal/store, internal/x402: models, bookkeeping, protocol.
 */

package currency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/solbay/market-service/internal/domain"
	"github.com/solbay/market-service/internal/store"
	"github.com/solbay/market-service/internal/x402"
)

// ErrDirectMutationUnsupported is returned by Deduct/Add on the ledger-backed
// adapter: balances are owned by the external ledger, not by this system.
var ErrDirectMutationUnsupported = errors.New("not supported in production mode")

// Mode selects the payment backend.
type Mode string

const (
	ModeSimulated Mode = "simulated"
	ModeSolana    Mode = "solana"
)

// PurchaseParams describes the purchase a challenge should be issued for.
// Amount is in smallest currency units.
type PurchaseParams struct {
	Resource    string
	Description string
	Amount      int64
	Buyer       string
}

// PurchaseInitiation is the outcome of initiating a purchase: either an
// immediately settled payment (simulated mode) or a 402-style challenge.
type PurchaseInitiation struct {
	Settled         bool
	TxReference     string
	PaymentRequired *x402.PaymentRequiredResponse
}

// VerifyPurchaseParams carries the payment proof attached to a purchase retry.
type VerifyPurchaseParams struct {
	PaymentHeader string
	Amount        int64
	Buyer         string
}

// PurchaseResult is the adapter-level verification outcome.
type PurchaseResult struct {
	Success     bool
	TxReference string
	Error       string
}

// Adapter is the capability set both payment backends implement identically
// from the caller's perspective.
type Adapter interface {
	// GetBalance never propagates transport errors: reads are fail-soft and
	// degrade to the last observed value, then to zero.
	GetBalance(ctx context.Context, accountID string) domain.CurrencyBalance

	// InitiatePurchase is cheap and non-blocking.
	InitiatePurchase(ctx context.Context, params PurchaseParams) (*PurchaseInitiation, error)

	// PaymentChallenge builds the 402 envelope for a purchase. Requirements
	// are regenerated per call and never persisted.
	PaymentChallenge(params PurchaseParams) *x402.PaymentRequiredResponse

	// VerifyPurchase blocks up to the facilitator's poll budget.
	VerifyPurchase(ctx context.Context, params VerifyPurchaseParams) (*PurchaseResult, error)

	// Deduct and Add mutate balances directly; only the simulated backend
	// supports them, as test scaffolding.
	Deduct(ctx context.Context, accountID string, amount int64) error
	Add(ctx context.Context, accountID string, amount int64) error

	// RecordTransaction appends to the transaction ledger and invalidates
	// the affected accounts' balance cache entries.
	RecordTransaction(ctx context.Context, tx *domain.Transaction) error

	// InvalidateBalance drops any cached balance for the account so the next
	// read reflects a trade that just settled.
	InvalidateBalance(accountID string)

	// GetTransactions returns stable, timestamp-sorted history with offset
	// pagination; unknown accounts yield an empty list, never an error.
	GetTransactions(ctx context.Context, accountID string, opts domain.TransactionListOptions) ([]domain.Transaction, error)
}

// Config carries the settings shared by both adapter variants.
type Config struct {
	Network        string
	Asset          string
	MerchantWallet string
	BalanceTTL     time.Duration
	// AutoSettle makes the simulated adapter settle purchases at initiation
	// instead of issuing a challenge.
	AutoSettle bool
}

// Deps carries the collaborators the factory wires into an adapter.
type Deps struct {
	Repo        store.Repository
	Ledger      x402.LedgerClient
	Facilitator *x402.Facilitator
}

// NewAdapter constructs the payment backend for the given mode. This factory
// is the single place mode is branched on.
func NewAdapter(mode Mode, cfg Config, deps Deps) (Adapter, error) {
	switch mode {
	case ModeSimulated:
		return NewSimulatedAdapter(cfg, deps.Repo), nil
	case ModeSolana:
		if deps.Ledger == nil || deps.Facilitator == nil {
			return nil, errors.New("solana mode requires a ledger client and facilitator")
		}
		return NewSolanaAdapter(cfg, deps.Repo, deps.Ledger, deps.Facilitator), nil
	default:
		return nil, fmt.Errorf("unknown currency mode %q", mode)
	}
}

// buildChallenge assembles the 402 payment-required envelope for a purchase.
// Requirements are regenerated per request and never persisted.
func buildChallenge(cfg Config, params PurchaseParams) *x402.PaymentRequiredResponse {
	return &x402.PaymentRequiredResponse{
		X402Version: x402.ProtocolVersion,
		Accepts: []x402.PaymentRequirements{
			{
				Scheme:            x402.SchemeExact,
				Network:           cfg.Network,
				MaxAmountRequired: strconv.FormatInt(params.Amount, 10),
				Resource:          params.Resource,
				Description:       params.Description,
				MimeType:          "application/json",
				PayTo:             cfg.MerchantWallet,
				MaxTimeoutSeconds: 60,
				Asset:             cfg.Asset,
			},
		},
		Error: "Payment required",
	}
}
