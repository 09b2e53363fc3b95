package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"morpho-rebalancer/internal/amount"
	"morpho-rebalancer/internal/chain"
	"morpho-rebalancer/internal/config"
	"morpho-rebalancer/internal/indexer"
	"morpho-rebalancer/internal/logging"
	"morpho-rebalancer/internal/market"
	"morpho-rebalancer/internal/strategy"
)

// verify computes reallocation plans for authorized users and prints
// them as JSON without sending anything on chain.

const defaultVerifyEnvFile = ".env"

type planOutput struct {
	User    string       `json:"user"`
	Token   string       `json:"token"`
	Actions []actionJSON `json:"actions"`
}

type actionJSON struct {
	MarketID string `json:"market_id"`
	Kind     string `json:"kind"`
	Assets   string `json:"assets"`
	Shares   string `json:"shares"`
}

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	userFlag := flag.String("user", "", "restrict to one user address")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall deadline")
	flag.Parse()

	if err := config.LoadEnv(defaultVerifyEnvFile); err != nil {
		fatal(err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	cfg.Strategy.DryRun = true
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	api := indexer.New(cfg.Indexer.APIEndpoint, cfg.Indexer.APIKey, cfg.Indexer.ChainID, cfg.Indexer.Timeout, log)
	subgraph := indexer.NewSubgraph(cfg.Indexer.SubgraphEndpoint, cfg.Indexer.Timeout, log)
	chainClient, err := chain.NewClient(ctx,
		cfg.Chain.RPCURL,
		common.HexToAddress(cfg.Chain.MorphoAddress),
		common.HexToAddress(cfg.Chain.AgentAddress),
		cfg.Chain.PrivateKey,
		cfg.Chain.CallTimeout,
		log)
	if err != nil {
		fatal(err)
	}
	defer chainClient.Close()

	users, err := subgraph.AuthorizedUsers(ctx, chainClient.SenderAddress())
	if err != nil {
		fatal(err)
	}
	if *userFlag != "" {
		if !common.IsHexAddress(*userFlag) {
			fatal(errors.New("user flag must be a hex address"))
		}
		target := common.HexToAddress(*userFlag)
		filtered := users[:0]
		for _, u := range users {
			if u.User == target {
				filtered = append(filtered, u)
			}
		}
		users = filtered
		if len(users) == 0 {
			users = []market.UserAuthorization{{User: target}}
		}
	}

	markets, err := api.Markets(ctx)
	if err != nil {
		fatal(err)
	}
	byID := market.SnapshotsByID(markets)

	var output []planOutput
	for _, user := range users {
		positions, err := api.UserPositions(ctx, user.User)
		if err != nil {
			fatal(err)
		}
		if len(positions) == 0 {
			continue
		}
		engine := strategy.NewMaxAPY(
			&liquidityOracle{client: chainClient, byID: byID},
			cfg.Strategy.MaxMarketImpactRatio,
			log)
		plan, err := engine.CalculateReallocation(ctx, positions, market.CapsByMarket(user.Caps), markets)
		if err != nil {
			fatal(err)
		}
		if plan.Empty() {
			continue
		}
		output = append(output, plansFor(user.User, plan, byID)...)
	}

	pretty, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		fatal(err)
	}
	fmt.Printf("%s\n", pretty)
}

func plansFor(user common.Address, plan strategy.Plan, byID map[common.Hash]market.Snapshot) []planOutput {
	byToken := make(map[common.Address]*planOutput)
	var order []common.Address
	for _, action := range plan.Actions {
		snap, ok := byID[action.MarketID]
		if !ok {
			continue
		}
		token := snap.Descriptor.LoanAsset.Address
		out, seen := byToken[token]
		if !seen {
			out = &planOutput{User: user.Hex(), Token: token.Hex()}
			byToken[token] = out
			order = append(order, token)
		}
		out.Actions = append(out.Actions, actionJSON{
			MarketID: action.MarketID.Hex(),
			Kind:     string(action.Kind),
			Assets:   action.Amount.Raw().String(),
			Shares:   action.Shares.Raw().String(),
		})
	}
	result := make([]planOutput, 0, len(order))
	for _, token := range order {
		result = append(result, *byToken[token])
	}
	return result
}

type liquidityOracle struct {
	client *chain.Client
	byID   map[common.Hash]market.Snapshot
}

func (o *liquidityOracle) AvailableLiquidity(ctx context.Context, marketID common.Hash) (amount.Amount, error) {
	snap, ok := o.byID[marketID]
	if !ok {
		return amount.Amount{}, fmt.Errorf("unknown market %s", marketID.Hex())
	}
	raw, err := o.client.MarketLiquidity(ctx, marketID)
	if err != nil {
		return amount.Amount{}, err
	}
	return amount.FromRaw(raw, snap.Descriptor.LoanAsset.Decimals)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
