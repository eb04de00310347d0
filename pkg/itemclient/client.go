/**
 * @description
 * This package provides a client for the external item system's internal
 * API: ownership checks, lock/transfer around trades, random generation for
 * mystery boxes, and grants. Requests authenticate with a shared internal
 * API key header. The client implements the items.Adapter interface.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 * - internal/domain, internal/items: domain models and the adapter contract.
 */
package itemclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/solbay/market-service/internal/domain"
)

// Client is a client for the item system's internal API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new item system client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

type existsResponse struct {
	Exists bool `json:"exists"`
}

type ownershipResponse struct {
	Owned bool `json:"owned"`
}

type transferRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type generateRequest struct {
	TierID  string                `json:"tier_id"`
	Weights []domain.RarityWeight `json:"weights"`
}

type grantRequest struct {
	Item domain.GeneratedItem `json:"item"`
}

func (c *Client) ValidateItemExists(ctx context.Context, itemID string) (bool, error) {
	var resp existsResponse
	err := c.do(ctx, "GET", "/internal/items/"+url.PathEscape(itemID)+"/exists", nil, &resp)
	if err != nil {
		return false, err
	}
	return resp.Exists, nil
}

func (c *Client) ValidateItemOwnership(ctx context.Context, itemID, ownerID string) (bool, error) {
	var resp ownershipResponse
	path := "/internal/items/" + url.PathEscape(itemID) + "/ownership?owner=" + url.QueryEscape(ownerID)
	if err := c.do(ctx, "GET", path, nil, &resp); err != nil {
		return false, err
	}
	return resp.Owned, nil
}

func (c *Client) LockItem(ctx context.Context, itemID string) error {
	return c.do(ctx, "POST", "/internal/items/"+url.PathEscape(itemID)+"/lock", nil, nil)
}

func (c *Client) UnlockItem(ctx context.Context, itemID string) error {
	return c.do(ctx, "POST", "/internal/items/"+url.PathEscape(itemID)+"/unlock", nil, nil)
}

func (c *Client) TransferItem(ctx context.Context, itemID, fromID, toID string) error {
	return c.do(ctx, "POST", "/internal/items/"+url.PathEscape(itemID)+"/transfer", transferRequest{From: fromID, To: toID}, nil)
}

func (c *Client) GenerateRandomItem(ctx context.Context, tierID string, weights []domain.RarityWeight) (*domain.GeneratedItem, error) {
	var item domain.GeneratedItem
	err := c.do(ctx, "POST", "/internal/items/generate", generateRequest{TierID: tierID, Weights: weights}, &item)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (c *Client) GrantItemToUser(ctx context.Context, userID string, item *domain.GeneratedItem) error {
	return c.do(ctx, "POST", "/internal/users/"+url.PathEscape(userID)+"/grants", grantRequest{Item: *item}, nil)
}

func (c *Client) SerializeItem(item *domain.GeneratedItem) (string, error) {
	raw, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("failed to serialize item: %w", err)
	}
	return string(raw), nil
}

func (c *Client) DeserializeItem(data string) (*domain.GeneratedItem, error) {
	var item domain.GeneratedItem
	if err := json.Unmarshal([]byte(data), &item); err != nil {
		return nil, fmt.Errorf("failed to deserialize item: %w", err)
	}
	return &item, nil
}

// do executes one authenticated request and decodes the JSON response into
// out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, payload, out interface{}) error {
	var reqBody io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Internal-API-Key", c.APIKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp errorResponse
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
			log.Printf("level=warn component=item_client op=%s path=%s status=%d msg=%q", method, path, resp.StatusCode, errResp.Error)
			return fmt.Errorf("item service error: %s", errResp.Error)
		}
		log.Printf("level=warn component=item_client op=%s path=%s status=%d msg=\"non-2xx response\"", method, path, resp.StatusCode)
		return fmt.Errorf("item service returned status %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
