/**
 * @description
 * This package provides a minimal client for the Solana JSON-RPC API,
 * covering the two reads the payment engine needs: settlement lookup by
 * signature and token balance queries. It encapsulates request construction,
 * response parsing, and error envelope handling.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 * - internal/x402: the SignatureStatus shape consumed by the facilitator.
 */
package solanaclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/solbay/market-service/internal/x402"
)

// ErrSignatureNotFound means the ledger has no record of the signature yet.
// The ledger is eventually consistent, so this is usually transient.
var ErrSignatureNotFound = errors.New("signature not found")

// Client is a client for a Solana JSON-RPC endpoint.
type Client struct {
	RPCURL     string
	HTTPClient *http.Client
}

// NewClient creates a new Solana RPC client.
func NewClient(rpcURL string) *Client {
	return &Client{
		RPCURL: rpcURL,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("solana rpc error %d: %s", e.Code, e.Message)
}

type signatureStatusesResponse struct {
	Result struct {
		Value []*struct {
			ConfirmationStatus string          `json:"confirmationStatus"`
			Err                json.RawMessage `json:"err"`
		} `json:"value"`
	} `json:"result"`
	Error *rpcError `json:"error"`
}

// GetTransactionBySignature looks up a settlement signature. A missing record
// surfaces as ErrSignatureNotFound, which callers treat as "not yet settled".
func (c *Client) GetTransactionBySignature(ctx context.Context, signature string) (*x402.SignatureStatus, error) {
	body, err := c.call(ctx, "getSignatureStatuses", []interface{}{
		[]string{signature},
		map[string]interface{}{"searchTransactionHistory": true},
	})
	if err != nil {
		return nil, err
	}

	var resp signatureStatusesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode signature status response: %w", err)
	}
	if resp.Error != nil {
		log.Printf("level=warn component=solana_client op=get_signature_status signature=%s code=%d msg=%q", signature, resp.Error.Code, resp.Error.Message)
		return nil, resp.Error
	}
	if len(resp.Result.Value) == 0 || resp.Result.Value[0] == nil {
		return nil, ErrSignatureNotFound
	}

	entry := resp.Result.Value[0]
	settled := entry.ConfirmationStatus == "confirmed" || entry.ConfirmationStatus == "finalized"
	errored := len(entry.Err) > 0 && string(entry.Err) != "null"
	return &x402.SignatureStatus{Settled: settled, Errored: errored}, nil
}

type tokenAccountsResponse struct {
	Result struct {
		Value []struct {
			Account struct {
				Data struct {
					Parsed struct {
						Info struct {
							TokenAmount struct {
								Amount string `json:"amount"`
							} `json:"tokenAmount"`
						} `json:"info"`
					} `json:"parsed"`
				} `json:"data"`
			} `json:"account"`
		} `json:"value"`
	} `json:"result"`
	Error *rpcError `json:"error"`
}

// GetTokenBalance sums the balances of every token account the owner holds
// for the given mint, in smallest units.
func (c *Client) GetTokenBalance(ctx context.Context, owner, mint string) (int64, error) {
	body, err := c.call(ctx, "getTokenAccountsByOwner", []interface{}{
		owner,
		map[string]interface{}{"mint": mint},
		map[string]interface{}{"encoding": "jsonParsed"},
	})
	if err != nil {
		return 0, err
	}

	var resp tokenAccountsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("failed to decode token accounts response: %w", err)
	}
	if resp.Error != nil {
		log.Printf("level=warn component=solana_client op=get_token_balance owner=%s code=%d msg=%q", owner, resp.Error.Code, resp.Error.Message)
		return 0, resp.Error
	}

	var total int64
	for _, entry := range resp.Result.Value {
		amount := entry.Account.Data.Parsed.Info.TokenAmount.Amount
		if amount == "" {
			continue
		}
		parsed, err := strconv.ParseInt(amount, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("failed to parse token amount %q: %w", amount, err)
		}
		total += parsed
	}
	return total, nil
}

func (c *Client) call(ctx context.Context, method string, params []interface{}) ([]byte, error) {
	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.RPCURL, bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute rpc request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read rpc response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("level=warn component=solana_client op=%s status=%d msg=\"non-2xx rpc response\"", method, resp.StatusCode)
		return nil, fmt.Errorf("rpc endpoint returned status %d", resp.StatusCode)
	}
	return body, nil
}
