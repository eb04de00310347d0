/**
 * @description
 * The payment facilitator verifies an x402 payment proof against stated
 * requirements and confirms settlement on the external ledger. Verification
 * is a strict, ordered pipeline: each check short-circuits with its own
 * error string so a client always learns the first thing wrong with its
 * payment, and a test can assert the evaluation order.
 *
 * The only blocking step is settlement confirmation, a bounded fixed-interval
 * poll against the ledger (worst case MaxPollAttempts * PollInterval).
 * Callers that need a tighter budget cancel through the context.
 *
 * @dependencies
 * - math/big: arbitrary-precision comparison of smallest-unit amounts.
 * - github.com/avast/retry-go: the bounded fixed-delay poll loop.
 * - internal/metrics: verification outcome counters.
 */

package x402

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/avast/retry-go"

	"github.com/solbay/market-service/internal/metrics"
)

// SignatureStatus is the ledger's view of one settlement reference.
type SignatureStatus struct {
	Settled bool
	Errored bool
}

// LedgerClient is the read-only ledger surface the facilitator and the
// currency adapter consume. Implementations: pkg/solanaclient for the real
// chain, stubs in tests.
type LedgerClient interface {
	// GetTransactionBySignature looks up a settlement reference. A lookup
	// error means "not observable yet", not "definitively absent": the
	// ledger is eventually consistent.
	GetTransactionBySignature(ctx context.Context, signature string) (*SignatureStatus, error)

	// GetTokenBalance returns the summed balance of all token accounts the
	// owner holds for the given asset, in smallest units.
	GetTokenBalance(ctx context.Context, owner, asset string) (int64, error)
}

// FacilitatorConfig carries the per-deployment verification parameters.
// Poll bounds are configuration, not constants, so tests can shrink the
// budget to milliseconds.
type FacilitatorConfig struct {
	Network         string
	Asset           string // token identifier expected for Network
	MaxPollAttempts uint
	PollInterval    time.Duration
}

// Facilitator verifies payment payloads. It holds no mutable state and is
// safe for concurrent use; callers persist VerificationResults if needed.
type Facilitator struct {
	cfg    FacilitatorConfig
	ledger LedgerClient
}

// NewFacilitator creates a facilitator for one network/asset pair.
func NewFacilitator(cfg FacilitatorConfig, ledger LedgerClient) *Facilitator {
	if cfg.MaxPollAttempts == 0 {
		cfg.MaxPollAttempts = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Facilitator{cfg: cfg, ledger: ledger}
}

// errSettlementPending is the internal marker for "keep polling".
var errSettlementPending = errors.New("settlement pending")

// VerifyPayment runs the ordered verification pipeline against a raw payment
// header. expectedAmount is in smallest currency units. The result carries
// either Success with the settlement reference, or the error string of the
// first failed check.
func (f *Facilitator) VerifyPayment(ctx context.Context, paymentHeader string, expectedAmount int64, expectedRecipient, network string) VerificationResult {
	// 1. Transport decoding.
	payload, err := DecodePaymentHeader(paymentHeader)
	if err != nil {
		return f.failure(network, "invalid_encoding", fmt.Sprintf("invalid encoding: %v", err))
	}

	// 2. Structural shape.
	if !payload.StructurallyValid() {
		return f.failure(network, "invalid_structure", "invalid payload structure")
	}

	// 3. Protocol version.
	if payload.X402Version != ProtocolVersion {
		return f.failure(network, "unsupported_version", fmt.Sprintf("unsupported version: %d", payload.X402Version))
	}

	// 4. Scheme.
	if payload.Scheme != SchemeExact {
		return f.failure(network, "unsupported_scheme", fmt.Sprintf("unsupported scheme: %q", payload.Scheme))
	}

	// 5. Network.
	if payload.Network != network {
		return f.failure(network, "network_mismatch", fmt.Sprintf("network mismatch: payment is for %q, expected %q", payload.Network, network))
	}

	// 6. Amount. Wire amounts are string-encoded integers; compare with
	// big.Int so oversized values cannot overflow. Overpayment is accepted.
	paid, ok := new(big.Int).SetString(strings.TrimSpace(payload.Payload.Amount), 10)
	if !ok {
		return f.failure(network, "invalid_structure", fmt.Sprintf("invalid payload structure: amount %q is not an integer", payload.Payload.Amount))
	}
	expected := big.NewInt(expectedAmount)
	if paid.Cmp(expected) < 0 {
		return f.failure(network, "insufficient_amount",
			fmt.Sprintf("insufficient amount: payment of %s is less than required %s", paid.String(), expected.String()))
	}

	// 7. Recipient. Addresses compare case-insensitively.
	if !strings.EqualFold(payload.Payload.To, expectedRecipient) {
		return f.failure(network, "recipient_mismatch", fmt.Sprintf("recipient mismatch: paid to %q, expected %q", payload.Payload.To, expectedRecipient))
	}

	// 8. Asset.
	if payload.Payload.Mint != f.cfg.Asset {
		return f.failure(network, "asset_mismatch", fmt.Sprintf("asset mismatch: paid in %q, expected %q", payload.Payload.Mint, f.cfg.Asset))
	}

	// 9. On-chain confirmation.
	if err := f.awaitSettlement(ctx, payload.Payload.Signature); err != nil {
		return f.failure(network, "settlement_not_found",
			fmt.Sprintf("settlement not found: signature %s was not confirmed within %d attempts", payload.Payload.Signature, f.cfg.MaxPollAttempts))
	}

	metrics.PaymentVerifications.WithLabelValues("ok").Inc()
	return VerificationResult{
		Success:     true,
		TxReference: payload.Payload.Signature,
		NetworkID:   network,
	}
}

// awaitSettlement polls the ledger for the signature until it reports a
// settled, non-errored record or the attempt budget is exhausted. Transient
// lookup errors count as "not yet settled" and consume an attempt.
func (f *Facilitator) awaitSettlement(ctx context.Context, signature string) error {
	attempts := 0
	err := retry.Do(
		func() error {
			attempts++
			status, err := f.ledger.GetTransactionBySignature(ctx, signature)
			if err != nil {
				return errSettlementPending
			}
			if status == nil || !status.Settled || status.Errored {
				return errSettlementPending
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(f.cfg.MaxPollAttempts),
		retry.Delay(f.cfg.PollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		log.Printf("level=warn component=facilitator msg=\"settlement not confirmed\" signature=%s attempts=%d", signature, attempts)
		return err
	}
	metrics.SettlementPollAttempts.Observe(float64(attempts))
	return nil
}

func (f *Facilitator) failure(network, kind, message string) VerificationResult {
	metrics.PaymentVerifications.WithLabelValues(kind).Inc()
	return VerificationResult{
		Success:   false,
		NetworkID: network,
		Error:     message,
	}
}
