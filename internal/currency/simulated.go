/**
 * @description
 * Simulated payment adapter for development and tests. Balances live in a
 * mutex-guarded map, purchases settle deterministically with synthetic
 * references, and the direct mutation operations work so test scaffolding
 * can set up funds.
 */

package currency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/solbay/market-service/internal/domain"
	"github.com/solbay/market-service/internal/store"
	"github.com/solbay/market-service/internal/x402"
)

// ErrInsufficientSimulatedFunds is returned by Deduct when the simulated
// balance cannot cover the amount.
var ErrInsufficientSimulatedFunds = errors.New("insufficient simulated funds")

// SimulatedAdapter implements Adapter against in-process state.
type SimulatedAdapter struct {
	cfg  Config
	repo store.Repository

	mu       sync.Mutex
	balances map[string]int64
	seq      atomic.Int64

	now func() time.Time
}

// NewSimulatedAdapter creates a simulated adapter with empty balances.
func NewSimulatedAdapter(cfg Config, repo store.Repository) *SimulatedAdapter {
	return &SimulatedAdapter{
		cfg:      cfg,
		repo:     repo,
		balances: make(map[string]int64),
		now:      time.Now,
	}
}

// GetBalance returns the in-process balance; unknown accounts read as zero.
func (a *SimulatedAdapter) GetBalance(ctx context.Context, accountID string) domain.CurrencyBalance {
	a.mu.Lock()
	defer a.mu.Unlock()
	return domain.CurrencyBalance{Amount: a.balances[accountID], ObservedAt: a.now()}
}

// InitiatePurchase either settles immediately with a synthetic reference
// (AutoSettle) or issues the same challenge shape the production adapter
// would, so client flows can be exercised end to end.
func (a *SimulatedAdapter) InitiatePurchase(ctx context.Context, params PurchaseParams) (*PurchaseInitiation, error) {
	if a.cfg.AutoSettle {
		return &PurchaseInitiation{
			Settled:     true,
			TxReference: a.nextReference(),
		}, nil
	}
	return &PurchaseInitiation{
		Settled:         false,
		PaymentRequired: a.PaymentChallenge(params),
	}, nil
}

func (a *SimulatedAdapter) PaymentChallenge(params PurchaseParams) *x402.PaymentRequiredResponse {
	return buildChallenge(a.cfg, params)
}

// VerifyPurchase always succeeds in simulated mode, minting a synthetic
// reference so downstream idempotency bookkeeping still exercises real paths.
func (a *SimulatedAdapter) VerifyPurchase(ctx context.Context, params VerifyPurchaseParams) (*PurchaseResult, error) {
	return &PurchaseResult{
		Success:     true,
		TxReference: a.nextReference(),
	}, nil
}

func (a *SimulatedAdapter) Deduct(ctx context.Context, accountID string, amount int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.balances[accountID] < amount {
		return ErrInsufficientSimulatedFunds
	}
	a.balances[accountID] -= amount
	return nil
}

func (a *SimulatedAdapter) Add(ctx context.Context, accountID string, amount int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.balances[accountID] += amount
	return nil
}

func (a *SimulatedAdapter) RecordTransaction(ctx context.Context, tx *domain.Transaction) error {
	return a.repo.CreateTransaction(ctx, tx)
}

// InvalidateBalance is a no-op: simulated balances are never cached.
func (a *SimulatedAdapter) InvalidateBalance(accountID string) {}

func (a *SimulatedAdapter) GetTransactions(ctx context.Context, accountID string, opts domain.TransactionListOptions) ([]domain.Transaction, error) {
	return a.repo.FindTransactionsByAccount(ctx, accountID, opts)
}

func (a *SimulatedAdapter) nextReference() string {
	return fmt.Sprintf("sim-tx-%d", a.seq.Add(1))
}
