/**
 * @description
 * Prometheus instrumentation for the payment and trade pipeline. Collectors
 * are registered with promauto at package load and exported for the packages
 * that record them; the /metrics endpoint is wired in internal/api.
 */

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PaymentVerifications counts verifyPayment outcomes, labelled by the
	// short error kind ("ok", "invalid_encoding", "insufficient_amount", ...).
	PaymentVerifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_verifications_total",
		Help: "Payment verification attempts by outcome.",
	}, []string{"result"})

	// SettlementPollAttempts observes how many ledger lookups a successful
	// confirmation needed.
	SettlementPollAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "settlement_poll_attempts",
		Help:    "Ledger lookups performed before a settlement was confirmed.",
		Buckets: prometheus.LinearBuckets(1, 1, 10),
	})

	// BalanceCacheRequests counts balance reads by cache result.
	BalanceCacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "balance_cache_requests_total",
		Help: "Balance lookups by cache result (hit, miss, stale).",
	}, []string{"result"})

	// TradesCommitted counts successful atomic trade commits by kind.
	TradesCommitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trades_committed_total",
		Help: "Atomic trade commits by purchase kind.",
	}, []string{"kind"})

	// ListingsAutoPulled counts listings pulled by the failure-count policy.
	ListingsAutoPulled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "listings_auto_pulled_total",
		Help: "Listings removed from sale after repeated failed purchases.",
	})

	// ReconcileRequired counts post-commit transfer failures that were parked
	// for manual reconciliation.
	ReconcileRequired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconcile_required_total",
		Help: "Trades whose item transfer failed after the payment was recorded.",
	})
)
