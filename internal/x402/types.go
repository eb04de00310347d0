/**
 * @description
 * Wire types for the x402 "pay-then-deliver" micropayment protocol. Field
 * names follow the protocol exactly; changing them breaks compatibility with
 * clients and facilitators that speak x402.
 *
 * @notes
 * - Amounts travel as strings holding integers in the smallest currency unit
 *   (e.g. 10 USDC at six decimals is "10000000"). String encoding avoids
 *   precision loss in JSON number handling.
 */

package x402

// ProtocolVersion is the single x402 protocol version this service speaks.
const ProtocolVersion = 1

// SchemeExact is the only supported payment scheme: the client pays at least
// the exact amount stated in the requirements.
const SchemeExact = "exact"

// PaymentRequirements tells a client what payment would satisfy a request.
// It is regenerated per request and never persisted.
type PaymentRequirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Resource          string `json:"resource"`
	Description       string `json:"description"`
	MimeType          string `json:"mimeType"`
	PayTo             string `json:"payTo"`
	MaxTimeoutSeconds int64  `json:"maxTimeoutSeconds"`
	Asset             string `json:"asset"`
}

// PaymentRequiredResponse is the envelope returned with a 402 status. Accepts
// lists every requirement set the resource can be unlocked with.
type PaymentRequiredResponse struct {
	X402Version int                   `json:"x402Version"`
	Accepts     []PaymentRequirements `json:"accepts"`
	Error       string                `json:"error,omitempty"`
}

// TransferDetails carries the on-chain transfer a client claims to have made.
// Signature is the ledger's unique settlement reference.
type TransferDetails struct {
	Signature string `json:"signature"`
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    string `json:"amount"`
	Mint      string `json:"mint"`
}

// PaymentPayload is the decoded form of the opaque payment proof header.
type PaymentPayload struct {
	X402Version int             `json:"x402Version"`
	Scheme      string          `json:"scheme"`
	Network     string          `json:"network"`
	Payload     TransferDetails `json:"payload"`
}

// VerificationResult is the outcome of one verification attempt. It is
// produced exactly once per attempt and never mutated after return.
type VerificationResult struct {
	Success     bool   `json:"success"`
	TxReference string `json:"tx_reference,omitempty"`
	NetworkID   string `json:"network_id"`
	Error       string `json:"error,omitempty"`
}
