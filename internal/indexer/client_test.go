package indexer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

const (
	testMarketID = "0x3a85e619751152991742810df6ec69ce473daef99e28a64ab2340d7b7ccfee49"
	badMarketID  = "0xdeadbeef"
	testLoan     = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	testColl     = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
	testOracle   = "0x2a01EB9496094dA03c4E364Def50f5aD1280AD72"
	testIrm      = "0x870aC11D48B15DB9a138Cf899d20F13F79Ba00BC"
)

func marketsPayload(uniqueKey string) string {
	return `{"data":{"markets":{"items":[{
		"uniqueKey":"` + uniqueKey + `",
		"lltv":"860000000000000000",
		"irmAddress":"` + testIrm + `",
		"oracleAddress":"` + testOracle + `",
		"loanAsset":{"address":"` + testLoan + `","symbol":"USDC","decimals":6,"priceUsd":1.0},
		"collateralAsset":{"address":"` + testColl + `","symbol":"WETH","decimals":18,"priceUsd":2500.0},
		"state":{"supplyAssets":"123456789","supplyAssetsUsd":123.45,"supplyApy":0.0412}
	}]}}}`
}

func gqlServer(t *testing.T, respond func(query string) string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req gqlRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write([]byte(respond(req.Query))); err != nil {
			t.Fatalf("write response: %v", err)
		}
	}))
}

func TestMarkets(t *testing.T) {
	srv := gqlServer(t, func(string) string { return marketsPayload(testMarketID) })
	defer srv.Close()

	c := New(srv.URL, "", 1, time.Second, zap.NewNop())
	snaps, err := c.Markets(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("expected 1 market, got %d", len(snaps))
	}
	s := snaps[0]
	if s.Descriptor.ID != common.HexToHash(testMarketID) {
		t.Fatalf("unexpected market id %s", s.Descriptor.ID.Hex())
	}
	if s.Descriptor.LoanAsset.Symbol != "USDC" || s.Descriptor.LoanAsset.Decimals != 6 {
		t.Fatalf("unexpected loan asset %+v", s.Descriptor.LoanAsset)
	}
	if s.TotalSupply.Raw().Uint64() != 123456789 {
		t.Fatalf("unexpected supply %s", s.TotalSupply.Raw())
	}
	if s.SupplyAPY != 0.0412 {
		t.Fatalf("unexpected apy %v", s.SupplyAPY)
	}
}

func TestMarketsDropsMalformed(t *testing.T) {
	srv := gqlServer(t, func(string) string { return marketsPayload(badMarketID) })
	defer srv.Close()

	c := New(srv.URL, "", 1, time.Second, zap.NewNop())
	snaps, err := c.Markets(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(snaps) != 0 {
		t.Fatalf("expected malformed market dropped, got %d", len(snaps))
	}
}

func TestMarketsGraphQLError(t *testing.T) {
	srv := gqlServer(t, func(string) string {
		return `{"errors":[{"message":"rate limited"}]}`
	})
	defer srv.Close()

	c := New(srv.URL, "", 1, time.Second, zap.NewNop())
	if _, err := c.Markets(context.Background()); err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("expected graphql error surfaced, got %v", err)
	}
}

func TestUserPositions(t *testing.T) {
	srv := gqlServer(t, func(string) string {
		return `{"data":{"userByAddress":{"marketPositions":[
			{"supplyShares":"980000","supplyAssets":"1000000","market":{"uniqueKey":"` + testMarketID + `","loanAsset":{"address":"` + testLoan + `","symbol":"USDC","decimals":6}}},
			{"supplyShares":"0","supplyAssets":"0","market":{"uniqueKey":"` + testMarketID + `","loanAsset":{"address":"` + testLoan + `","symbol":"USDC","decimals":6}}}
		]}}}`
	})
	defer srv.Close()

	c := New(srv.URL, "", 1, time.Second, zap.NewNop())
	positions, err := c.UserPositions(context.Background(), common.HexToAddress(testLoan))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("expected zero-supply position filtered, got %d", len(positions))
	}
	if positions[0].SuppliedAssets.Raw().Uint64() != 1000000 {
		t.Fatalf("unexpected supplied assets %s", positions[0].SuppliedAssets.Raw())
	}
	if positions[0].SuppliedShares.Raw().Uint64() != 980000 {
		t.Fatalf("unexpected supplied shares %s", positions[0].SuppliedShares.Raw())
	}
}

func TestUserPositionsUnknownUser(t *testing.T) {
	srv := gqlServer(t, func(string) string {
		return `{"data":{"userByAddress":null}}`
	})
	defer srv.Close()

	c := New(srv.URL, "", 1, time.Second, zap.NewNop())
	positions, err := c.UserPositions(context.Background(), common.HexToAddress(testLoan))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(positions) != 0 {
		t.Fatalf("expected no positions for unknown user")
	}
}

func TestAuthorizedUsers(t *testing.T) {
	srv := gqlServer(t, func(query string) string {
		if !strings.Contains(query, "GetAuthorizedUsers") {
			t.Fatalf("unexpected query: %s", query)
		}
		return `{"data":{"users":[
			{"id":"` + testLoan + `","marketCaps":[{"marketId":"` + testMarketID + `","cap":"50000"}]},
			{"id":"not-an-address","marketCaps":[]}
		]}}`
	})
	defer srv.Close()

	c := NewSubgraph(srv.URL, time.Second, zap.NewNop())
	users, err := c.AuthorizedUsers(context.Background(), common.HexToAddress(testColl))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("expected malformed user dropped, got %d", len(users))
	}
	u := users[0]
	if u.User != common.HexToAddress(testLoan) {
		t.Fatalf("unexpected user %s", u.User.Hex())
	}
	if len(u.Caps) != 1 || u.Caps[0].CapUSD != 50000 {
		t.Fatalf("unexpected caps %+v", u.Caps)
	}
	if u.Caps[0].MarketID != common.HexToHash(testMarketID) {
		t.Fatalf("unexpected cap market %s", u.Caps[0].MarketID.Hex())
	}
}

func TestHTTPErrorSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL, "", 1, time.Second, zap.NewNop())
	if _, err := c.Markets(context.Background()); err == nil || !strings.Contains(err.Error(), "http 502") {
		t.Fatalf("expected http error surfaced, got %v", err)
	}
}
