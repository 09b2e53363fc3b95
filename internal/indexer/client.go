package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"morpho-rebalancer/internal/market"
)

// ErrGraphQL wraps errors the endpoint returned inside a 200 response.
var ErrGraphQL = errors.New("graphql query failed")

// Client reads market state and user positions from the Morpho GraphQL
// API.
type Client struct {
	endpoint string
	apiKey   string
	chainID  int
	http     *http.Client
	log      *zap.Logger
}

func New(endpoint, apiKey string, chainID int, timeout time.Duration, log *zap.Logger) *Client {
	return &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		chainID:  chainID,
		http:     &http.Client{Timeout: timeout},
		log:      log,
	}
}

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type gqlError struct {
	Message string `json:"message"`
}

func gqlPost(ctx context.Context, httpc *http.Client, endpoint, apiKey, query string, variables map[string]any, out any) error {
	payload, err := json.Marshal(gqlRequest{Query: query, Variables: variables})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}
	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []gqlError      `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return err
	}
	if len(envelope.Errors) > 0 {
		return fmt.Errorf("%w: %s", ErrGraphQL, envelope.Errors[0].Message)
	}
	if envelope.Data == nil {
		return fmt.Errorf("%w: empty data", ErrGraphQL)
	}
	return json.Unmarshal(envelope.Data, out)
}

// Markets fetches all markets on the configured chain. Markets whose
// payload fails validation are logged and dropped rather than failing
// the whole fetch.
func (c *Client) Markets(ctx context.Context) ([]market.Snapshot, error) {
	variables := map[string]any{
		"first": 1000,
		"where": map[string]any{"chainId_in": []int{c.chainID}},
	}
	var data struct {
		Markets struct {
			Items []wireMarket `json:"items"`
		} `json:"markets"`
	}
	if err := gqlPost(ctx, c.http, c.endpoint, c.apiKey, getMarketsQuery, variables, &data); err != nil {
		return nil, fmt.Errorf("fetch markets: %w", err)
	}
	snapshots := make([]market.Snapshot, 0, len(data.Markets.Items))
	for _, item := range data.Markets.Items {
		snap, err := item.toSnapshot()
		if err != nil {
			c.log.Warn("dropping malformed market", zap.String("market", item.UniqueKey), zap.Error(err))
			continue
		}
		snapshots = append(snapshots, snap)
	}
	c.log.Debug("fetched markets", zap.Int("count", len(snapshots)))
	return snapshots, nil
}

// UserPositions fetches one user's supply positions. A user unknown to
// the API yields an empty slice, not an error.
func (c *Client) UserPositions(ctx context.Context, user common.Address) ([]market.Position, error) {
	variables := map[string]any{
		"address": user.Hex(),
		"chainId": c.chainID,
	}
	var data struct {
		UserByAddress *struct {
			MarketPositions []wirePosition `json:"marketPositions"`
		} `json:"userByAddress"`
	}
	if err := gqlPost(ctx, c.http, c.endpoint, c.apiKey, getUserMarketPositionsQuery, variables, &data); err != nil {
		return nil, fmt.Errorf("fetch positions for %s: %w", user.Hex(), err)
	}
	if data.UserByAddress == nil {
		return nil, nil
	}
	positions := make([]market.Position, 0, len(data.UserByAddress.MarketPositions))
	for _, item := range data.UserByAddress.MarketPositions {
		pos, err := item.toPosition()
		if err != nil {
			c.log.Warn("dropping malformed position",
				zap.String("user", user.Hex()),
				zap.String("market", item.Market.UniqueKey),
				zap.Error(err))
			continue
		}
		if pos.SuppliedAssets.IsZero() {
			continue
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

// SubgraphClient reads rebalancer authorizations and per-market caps
// from the authorization subgraph.
type SubgraphClient struct {
	endpoint string
	http     *http.Client
	log      *zap.Logger
}

func NewSubgraph(endpoint string, timeout time.Duration, log *zap.Logger) *SubgraphClient {
	return &SubgraphClient{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
		log:      log,
	}
}

// AuthorizedUsers lists users who granted the given rebalancer address,
// along with the market caps they configured. Users whose records fail
// to parse are dropped with a warning.
func (c *SubgraphClient) AuthorizedUsers(ctx context.Context, rebalancer common.Address) ([]market.UserAuthorization, error) {
	// Subgraph entity ids are lowercase hex.
	variables := map[string]any{"rebalancer": strings.ToLower(rebalancer.Hex())}
	var data struct {
		Users []wireUser `json:"users"`
	}
	if err := gqlPost(ctx, c.http, c.endpoint, "", getAuthorizedUsersQuery, variables, &data); err != nil {
		return nil, fmt.Errorf("fetch authorized users: %w", err)
	}
	users := make([]market.UserAuthorization, 0, len(data.Users))
	for _, item := range data.Users {
		auth, err := item.toAuthorization()
		if err != nil {
			c.log.Warn("dropping malformed authorization", zap.String("user", item.ID), zap.Error(err))
			continue
		}
		users = append(users, auth)
	}
	return users, nil
}
