package chain

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"morpho-rebalancer/internal/market"
	"morpho-rebalancer/internal/strategy"
)

// ErrEmptySide means the plan had only withdrawals or only supplies;
// the on-chain rebalance call needs both arrays populated, so handing
// it a one-sided plan is a caller bug.
var ErrEmptySide = errors.New("rebalance requires at least one source and one destination market")

// MaxUint256 is the "supply everything withdrawn" sentinel the
// rebalance contract understands.
var MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// MarketParams mirrors the on-chain MarketParams struct.
type MarketParams struct {
	LoanToken       common.Address
	CollateralToken common.Address
	Oracle          common.Address
	Irm             common.Address
	Lltv            *big.Int
}

// MarketAllocation is one (marketParams, assets, shares) tuple of the
// rebalance call.
type MarketAllocation struct {
	MarketParams MarketParams
	Assets       *big.Int
	Shares       *big.Int
}

func marketParamsFor(d market.Descriptor) MarketParams {
	return MarketParams{
		LoanToken:       d.LoanAsset.Address,
		CollateralToken: d.CollateralAsset.Address,
		Oracle:          d.OracleAddress,
		Irm:             d.IrmAddress,
		Lltv:            new(big.Int).Set(d.Lltv),
	}
}

// ComposeRebalanceParams turns a plan's actions into the two ordered
// tuple arrays the rebalance entry point takes. Actions whose market is
// missing from the snapshot set are logged and dropped. The last
// destination tuple's asset amount is overwritten with MaxUint256 so
// every withdrawn wei ends up supplied, absorbing integer-truncation
// remainders instead of stranding them in the contract.
func ComposeRebalanceParams(
	actions []strategy.MarketAction,
	marketsByID map[common.Hash]market.Snapshot,
	log *zap.Logger,
) (from, to []MarketAllocation, err error) {
	for _, action := range actions {
		snap, ok := marketsByID[action.MarketID]
		if !ok {
			log.Warn("action references unknown market, dropping",
				zap.String("market_id", action.MarketID.Hex()),
				zap.String("kind", string(action.Kind)))
			continue
		}
		alloc := MarketAllocation{
			MarketParams: marketParamsFor(snap.Descriptor),
			Assets:       action.Amount.Raw(),
			Shares:       action.Shares.Raw(),
		}
		switch action.Kind {
		case strategy.ActionWithdraw:
			from = append(from, alloc)
		case strategy.ActionSupply:
			to = append(to, alloc)
		}
	}
	if len(from) == 0 || len(to) == 0 {
		return nil, nil, ErrEmptySide
	}
	to[len(to)-1].Assets = new(big.Int).Set(MaxUint256)
	return from, to, nil
}
