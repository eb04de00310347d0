/**
 * @description
 * Codec for the opaque x402 payment proof header. The header is the base64
 * encoding of a JSON PaymentPayload. Decoding never panics on malformed
 * input; every failure is reported through ErrInvalidEncoding so callers can
 * distinguish "the client sent garbage" from deeper protocol violations.
 *
 * @dependencies
 * - encoding/base64, encoding/json, errors, fmt, strings: Standard Go libraries.
 */

package x402

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidEncoding marks a payment header that could not be decoded into a
// PaymentPayload at all (bad base64, bad JSON, or an empty header).
var ErrInvalidEncoding = errors.New("invalid encoding")

// DecodePaymentHeader decodes the opaque payment proof header into a
// PaymentPayload. It performs transport-level decoding only; use
// (*PaymentPayload).StructurallyValid and the facilitator's ordered checks
// for protocol validation.
func DecodePaymentHeader(header string) (*PaymentPayload, error) {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty payment header", ErrInvalidEncoding)
	}

	raw, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}

	var payload PaymentPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}

	return &payload, nil
}

// EncodePaymentHeader is the inverse of DecodePaymentHeader. Production
// clients build their own headers; this exists for symmetric round-trip
// testing and the simulated payment mode.
func EncodePaymentHeader(payload *PaymentPayload) (string, error) {
	if payload == nil {
		return "", fmt.Errorf("%w: nil payload", ErrInvalidEncoding)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// StructurallyValid reports whether the payload carries every field a
// verification needs: a non-empty settlement signature and complete transfer
// details. Version and scheme conformance are checked separately so the
// facilitator can report them as distinct protocol errors.
func (p *PaymentPayload) StructurallyValid() bool {
	if p == nil {
		return false
	}
	if strings.TrimSpace(p.Payload.Signature) == "" {
		return false
	}
	if strings.TrimSpace(p.Payload.From) == "" || strings.TrimSpace(p.Payload.To) == "" {
		return false
	}
	if strings.TrimSpace(p.Payload.Amount) == "" {
		return false
	}
	return true
}
