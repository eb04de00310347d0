package currency

import (
	"sync"
	"time"

	cache "github.com/Code-Hex/go-generics-cache"

	"github.com/solbay/market-service/internal/domain"
	"github.com/solbay/market-service/internal/metrics"
)

// balanceCache caches ledger balance reads for a short TTL and keeps a
// separate, non-expiring record of the last observed value per account so
// reads can degrade gracefully when the ledger is unreachable.
type balanceCache struct {
	ttl   time.Duration
	fresh *cache.Cache[string, domain.CurrencyBalance]

	mu        sync.Mutex
	lastKnown map[string]domain.CurrencyBalance
}

func newBalanceCache(ttl time.Duration) *balanceCache {
	return &balanceCache{
		ttl:       ttl,
		fresh:     cache.New[string, domain.CurrencyBalance](),
		lastKnown: make(map[string]domain.CurrencyBalance),
	}
}

// get returns the cached balance when it is still within the TTL.
func (b *balanceCache) get(accountID string) (domain.CurrencyBalance, bool) {
	bal, ok := b.fresh.Get(accountID)
	if ok {
		metrics.BalanceCacheRequests.WithLabelValues("hit").Inc()
	} else {
		metrics.BalanceCacheRequests.WithLabelValues("miss").Inc()
	}
	return bal, ok
}

// set records a fresh observation.
func (b *balanceCache) set(accountID string, bal domain.CurrencyBalance) {
	b.fresh.Set(accountID, bal, cache.WithExpiration(b.ttl))
	b.mu.Lock()
	b.lastKnown[accountID] = bal
	b.mu.Unlock()
}

// stale returns the last observed balance regardless of age. Used when a
// ledger query fails after a cache miss.
func (b *balanceCache) stale(accountID string) (domain.CurrencyBalance, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bal, ok := b.lastKnown[accountID]
	if ok {
		metrics.BalanceCacheRequests.WithLabelValues("stale").Inc()
	}
	return bal, ok
}

// invalidate drops the account's cached entry so the next read hits the
// ledger. Called after a trade touches the account.
func (b *balanceCache) invalidate(accountID string) {
	b.fresh.Delete(accountID)
}
