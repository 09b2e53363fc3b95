package strategy

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"morpho-rebalancer/internal/amount"
	"morpho-rebalancer/internal/market"
)

// AssetGroup collects a user's positions that share a loan asset.
type AssetGroup struct {
	Asset         market.Asset
	TotalSupplied amount.Amount
	Members       []market.Position
}

// GroupByLoanAsset buckets positions by their market's loan asset and
// sums supplied balances per bucket. Positions whose market is missing
// from the snapshot set are logged and skipped; a stale indexer entry
// must not abort the whole run. Group order follows first appearance in
// the position list.
func GroupByLoanAsset(positions []market.Position, marketsByID map[common.Hash]market.Snapshot, log *zap.Logger) ([]AssetGroup, error) {
	var groups []AssetGroup
	index := make(map[common.Address]int)
	for _, pos := range positions {
		snap, ok := marketsByID[pos.MarketID]
		if !ok {
			log.Warn("position references unknown market, skipping",
				zap.String("market_id", pos.MarketID.Hex()))
			continue
		}
		asset := snap.Descriptor.LoanAsset
		i, seen := index[asset.Address]
		if !seen {
			groups = append(groups, AssetGroup{
				Asset:         asset,
				TotalSupplied: amount.Zero(asset.Decimals),
			})
			i = len(groups) - 1
			index[asset.Address] = i
		}
		total, err := groups[i].TotalSupplied.Add(pos.SuppliedAssets)
		if err != nil {
			return nil, fmt.Errorf("accumulate %s position in market %s: %w",
				asset.Symbol, pos.MarketID.Hex(), err)
		}
		groups[i].TotalSupplied = total
		groups[i].Members = append(groups[i].Members, pos)
	}
	return groups, nil
}
