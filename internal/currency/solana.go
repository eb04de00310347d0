/**
 * @description
 * Ledger-backed payment adapter. Balances are read from the external ledger
 * through a short-TTL cache; purchases are settled by verifying a payment
 * proof through the facilitator. Direct balance mutation is impossible by
 * design: the ledger is the source of truth for funds.
 */

package currency

import (
	"context"
	"log"
	"time"

	"github.com/solbay/market-service/internal/domain"
	"github.com/solbay/market-service/internal/store"
	"github.com/solbay/market-service/internal/x402"
)

// SolanaAdapter implements Adapter against an external ledger.
type SolanaAdapter struct {
	cfg         Config
	repo        store.Repository
	ledger      x402.LedgerClient
	facilitator *x402.Facilitator
	balances    *balanceCache

	now func() time.Time
}

// NewSolanaAdapter creates a ledger-backed adapter.
func NewSolanaAdapter(cfg Config, repo store.Repository, ledger x402.LedgerClient, facilitator *x402.Facilitator) *SolanaAdapter {
	if cfg.BalanceTTL <= 0 {
		cfg.BalanceTTL = 30 * time.Second
	}
	return &SolanaAdapter{
		cfg:         cfg,
		repo:        repo,
		ledger:      ledger,
		facilitator: facilitator,
		balances:    newBalanceCache(cfg.BalanceTTL),
		now:         time.Now,
	}
}

// GetBalance reads the account's token balance through the TTL cache. Ledger
// failures degrade to the last observed value, then to zero; the transport
// error is logged and swallowed.
func (a *SolanaAdapter) GetBalance(ctx context.Context, accountID string) domain.CurrencyBalance {
	if bal, ok := a.balances.get(accountID); ok {
		return bal
	}

	amount, err := a.ledger.GetTokenBalance(ctx, accountID, a.cfg.Asset)
	if err != nil {
		log.Printf("level=warn component=currency_adapter mode=solana op=get_balance account=%s msg=\"ledger query failed; serving degraded balance\" err=%v", accountID, err)
		if bal, ok := a.balances.stale(accountID); ok {
			return bal
		}
		return domain.CurrencyBalance{Amount: 0, ObservedAt: a.now()}
	}

	bal := domain.CurrencyBalance{Amount: amount, ObservedAt: a.now()}
	a.balances.set(accountID, bal)
	return bal
}

// InitiatePurchase issues a payment challenge. Nothing is persisted; the
// requirements are regenerated on every call.
func (a *SolanaAdapter) InitiatePurchase(ctx context.Context, params PurchaseParams) (*PurchaseInitiation, error) {
	return &PurchaseInitiation{
		Settled:         false,
		PaymentRequired: a.PaymentChallenge(params),
	}, nil
}

func (a *SolanaAdapter) PaymentChallenge(params PurchaseParams) *x402.PaymentRequiredResponse {
	return buildChallenge(a.cfg, params)
}

// VerifyPurchase runs the full verification pipeline on the payment proof,
// including the bounded settlement poll.
func (a *SolanaAdapter) VerifyPurchase(ctx context.Context, params VerifyPurchaseParams) (*PurchaseResult, error) {
	result := a.facilitator.VerifyPayment(ctx, params.PaymentHeader, params.Amount, a.cfg.MerchantWallet, a.cfg.Network)
	return &PurchaseResult{
		Success:     result.Success,
		TxReference: result.TxReference,
		Error:       result.Error,
	}, nil
}

// Deduct is not supported: the ledger owns balances.
func (a *SolanaAdapter) Deduct(ctx context.Context, accountID string, amount int64) error {
	return ErrDirectMutationUnsupported
}

// Add is not supported: the ledger owns balances.
func (a *SolanaAdapter) Add(ctx context.Context, accountID string, amount int64) error {
	return ErrDirectMutationUnsupported
}

// RecordTransaction appends the transaction and invalidates both parties'
// cached balances so the next read reflects the settled trade.
func (a *SolanaAdapter) RecordTransaction(ctx context.Context, tx *domain.Transaction) error {
	if err := a.repo.CreateTransaction(ctx, tx); err != nil {
		return err
	}
	a.balances.invalidate(tx.BuyerID)
	if tx.SellerID != "" {
		a.balances.invalidate(tx.SellerID)
	}
	return nil
}

func (a *SolanaAdapter) InvalidateBalance(accountID string) {
	a.balances.invalidate(accountID)
}

func (a *SolanaAdapter) GetTransactions(ctx context.Context, accountID string, opts domain.TransactionListOptions) ([]domain.Transaction, error) {
	return a.repo.FindTransactionsByAccount(ctx, accountID, opts)
}
