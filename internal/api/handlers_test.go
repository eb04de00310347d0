package api

import (
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/solbay/market-service/internal/app"
	"github.com/solbay/market-service/internal/currency"
	"github.com/solbay/market-service/internal/domain"
	"github.com/solbay/market-service/internal/items"
	"github.com/solbay/market-service/internal/store"
	"github.com/solbay/market-service/internal/x402"
	"github.com/solbay/market-service/pkg/rabbitmq"
)

const testInternalKey = "internal-secret"

type apiFixture struct {
	repo    *store.MemoryRepository
	items   *items.MemoryAdapter
	server  *httptest.Server
	service *app.Service
}

// newAPIFixture wires the full router against in-memory collaborators and the
// simulated payment backend.
func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	repo := store.NewMemoryRepository()
	itemAdapter := items.NewMemoryAdapter(rand.New(rand.NewSource(1)))
	publisher := &rabbitmq.EventProducerFallback{}

	currencyAdapter := currency.NewSimulatedAdapter(currency.Config{
		Network:        "solana",
		Asset:          "usdc-mint",
		MerchantWallet: "merchant-wallet",
	}, repo)

	listings := app.NewListingManager(repo, itemAdapter, publisher, 3)
	boxes := app.NewMysteryBoxManager(repo)
	trades := app.NewTradeExecutor(repo, itemAdapter, publisher)
	service := app.NewService(repo, currencyAdapter, listings, boxes, trades, nil, app.ServiceConfig{})

	handlers := NewMarketHandlers(service)
	server := httptest.NewServer(MarketRoutes(handlers, testInternalKey))
	t.Cleanup(server.Close)

	return &apiFixture{repo: repo, items: itemAdapter, server: server, service: service}
}

func (f *apiFixture) request(t *testing.T, method, path, accountID, body string, headers map[string]string) *http.Response {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if accountID != "" {
		req.Header.Set(AccountHeader, accountID)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *apiFixture) onMarketListing(t *testing.T, sellerID, itemID string, price int64) *domain.Listing {
	t.Helper()
	f.items.Seed(itemID, sellerID)

	resp := f.request(t, http.MethodPost, "/listings", sellerID,
		`{"item_id":"`+itemID+`","title":"Test item","price":`+jsonInt(price)+`}`, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create listing status = %d, want 201", resp.StatusCode)
	}
	var listing domain.Listing
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		t.Fatalf("failed to decode listing: %v", err)
	}

	approve := f.request(t, http.MethodPost, "/internal/listings/"+listing.ID.String()+"/approve", "",
		"", map[string]string{InternalKeyHeader: testInternalKey})
	if approve.StatusCode != http.StatusNoContent {
		t.Fatalf("approve status = %d, want 204", approve.StatusCode)
	}
	return &listing
}

func jsonInt(v int64) string {
	raw, _ := json.Marshal(v)
	return string(raw)
}

func TestPurchaseWithoutPaymentReturns402(t *testing.T) {
	f := newAPIFixture(t)
	listing := f.onMarketListing(t, "seller", "item-1", 1000000)

	resp := f.request(t, http.MethodPost, "/listings/"+listing.ID.String()+"/purchase", "buyer", "", nil)
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", resp.StatusCode)
	}

	var challenge x402.PaymentRequiredResponse
	if err := json.NewDecoder(resp.Body).Decode(&challenge); err != nil {
		t.Fatalf("failed to decode challenge: %v", err)
	}
	if challenge.X402Version != x402.ProtocolVersion {
		t.Errorf("x402Version = %d, want %d", challenge.X402Version, x402.ProtocolVersion)
	}
	if len(challenge.Accepts) != 1 {
		t.Fatalf("accepts has %d entries, want 1", len(challenge.Accepts))
	}
	req := challenge.Accepts[0]
	if req.Scheme != x402.SchemeExact || req.MaxAmountRequired != "1000000" || req.PayTo != "merchant-wallet" {
		t.Errorf("requirements = %+v", req)
	}
}

func TestPurchaseWithPaymentDelivers(t *testing.T) {
	f := newAPIFixture(t)
	listing := f.onMarketListing(t, "seller", "item-1", 1000000)

	resp := f.request(t, http.MethodPost, "/listings/"+listing.ID.String()+"/purchase", "buyer",
		"", map[string]string{PaymentHeader: "simulated-proof"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		Transaction *domain.Transaction `json:"transaction"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Transaction == nil || body.Transaction.Status != domain.TransactionStatusSuccess {
		t.Fatalf("transaction = %+v, want committed success", body.Transaction)
	}

	// A second purchase of the same listing loses the race.
	again := f.request(t, http.MethodPost, "/listings/"+listing.ID.String()+"/purchase", "other-buyer",
		"", map[string]string{PaymentHeader: "simulated-proof"})
	if again.StatusCode != http.StatusConflict {
		t.Errorf("second purchase status = %d, want 409", again.StatusCode)
	}
}

func TestPurchaseRejections(t *testing.T) {
	f := newAPIFixture(t)
	listing := f.onMarketListing(t, "seller", "item-1", 100)

	t.Run("self purchase", func(t *testing.T) {
		resp := f.request(t, http.MethodPost, "/listings/"+listing.ID.String()+"/purchase", "seller", "", nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("unknown listing", func(t *testing.T) {
		resp := f.request(t, http.MethodPost, "/listings/00000000-0000-0000-0000-000000000001/purchase", "buyer", "", nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want 404", resp.StatusCode)
		}
	})

	t.Run("malformed listing id", func(t *testing.T) {
		resp := f.request(t, http.MethodPost, "/listings/not-a-uuid/purchase", "buyer", "", nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})
}

func TestAccountHeaderRequired(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.request(t, http.MethodGet, "/wallet/balance", "", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestInternalKeyGuardsAdminRoutes(t *testing.T) {
	f := newAPIFixture(t)
	listing := f.onMarketListing(t, "seller", "item-1", 100)
	path := "/internal/listings/" + listing.ID.String() + "/pin"

	t.Run("missing key", func(t *testing.T) {
		resp := f.request(t, http.MethodPost, path, "", `{"pinned":true}`, nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", resp.StatusCode)
		}
	})

	t.Run("wrong key", func(t *testing.T) {
		resp := f.request(t, http.MethodPost, path, "", `{"pinned":true}`,
			map[string]string{InternalKeyHeader: "wrong"})
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", resp.StatusCode)
		}
	})

	t.Run("correct key", func(t *testing.T) {
		resp := f.request(t, http.MethodPost, path, "", `{"pinned":true}`,
			map[string]string{InternalKeyHeader: testInternalKey})
		if resp.StatusCode != http.StatusNoContent {
			t.Errorf("status = %d, want 204", resp.StatusCode)
		}
	})
}

func TestRepublishIsInternalOnly(t *testing.T) {
	f := newAPIFixture(t)
	listing := f.onMarketListing(t, "seller", "item-1", 100)

	cancel := f.request(t, http.MethodPost, "/listings/"+listing.ID.String()+"/cancel", "seller", "", nil)
	if cancel.StatusCode != http.StatusNoContent {
		t.Fatalf("cancel status = %d, want 204", cancel.StatusCode)
	}

	t.Run("no seller-facing route", func(t *testing.T) {
		resp := f.request(t, http.MethodPost, "/listings/"+listing.ID.String()+"/republish", "seller", "", nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want 404", resp.StatusCode)
		}
	})

	t.Run("internal route requires the key", func(t *testing.T) {
		resp := f.request(t, http.MethodPost, "/internal/listings/"+listing.ID.String()+"/republish", "", "", nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", resp.StatusCode)
		}
	})

	t.Run("admin republish returns the listing to market", func(t *testing.T) {
		resp := f.request(t, http.MethodPost, "/internal/listings/"+listing.ID.String()+"/republish", "",
			"", map[string]string{InternalKeyHeader: testInternalKey})
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("status = %d, want 204", resp.StatusCode)
		}

		get := f.request(t, http.MethodGet, "/listings/"+listing.ID.String(), "buyer", "", nil)
		var got domain.Listing
		if err := json.NewDecoder(get.Body).Decode(&got); err != nil {
			t.Fatalf("failed to decode listing: %v", err)
		}
		if got.State != domain.ListingStateOnMarket {
			t.Errorf("state = %q, want %q", got.State, domain.ListingStateOnMarket)
		}
	})
}

func TestGetBalanceResponseShape(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.request(t, http.MethodGet, "/wallet/balance", "buyer", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		Amount     int64  `json:"amount"`
		ObservedAt string `json:"observed_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Amount != 0 {
		t.Errorf("amount = %d, want 0 for an unknown account", body.Amount)
	}
	if _, err := time.Parse(time.RFC3339, body.ObservedAt); err != nil {
		t.Errorf("observed_at %q is not RFC3339: %v", body.ObservedAt, err)
	}
}

func TestListListings(t *testing.T) {
	f := newAPIFixture(t)
	f.onMarketListing(t, "seller", "item-1", 100)
	f.onMarketListing(t, "seller", "item-2", 200)

	resp := f.request(t, http.MethodGet, "/listings?limit=1&sort=price_low", "buyer", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		Listings   []domain.Listing `json:"listings"`
		NextCursor string           `json:"next_cursor"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(body.Listings) != 1 || body.Listings[0].Price != 100 {
		t.Errorf("listings = %+v, want one cheapest listing", body.Listings)
	}
	if body.NextCursor == "" {
		t.Error("expected a next cursor with another page remaining")
	}
}
