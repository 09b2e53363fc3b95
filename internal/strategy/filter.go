package strategy

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"morpho-rebalancer/internal/market"
)

// AvailableMarkets returns the markets lending the given asset, best
// supply APY first. The sort is stable so ties keep fetch order and
// runs stay reproducible.
func AvailableMarkets(assetAddress common.Address, markets []market.Snapshot) []market.Snapshot {
	var out []market.Snapshot
	for _, m := range markets {
		if m.Descriptor.LoanAsset.Address == assetAddress {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SupplyAPY > out[j].SupplyAPY
	})
	return out
}

// CappedMarkets restricts AvailableMarkets to markets the user has set
// a cap on. An asset can trade in many markets the user never
// authorized; only capped ones are eligible reallocation targets.
func CappedMarkets(assetAddress common.Address, markets []market.Snapshot, caps map[common.Hash]market.Cap) []market.Snapshot {
	var out []market.Snapshot
	for _, m := range AvailableMarkets(assetAddress, markets) {
		if _, ok := caps[m.Descriptor.ID]; ok {
			out = append(out, m)
		}
	}
	return out
}
