package alerts

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"morpho-rebalancer/internal/market"
	"morpho-rebalancer/internal/strategy"
)

const explorerTxURL = "https://etherscan.io/tx/"

// NotifyReallocation reports an executed plan for one user. Failures
// are logged, never propagated; alerting must not fail the run.
func (t *Telegram) NotifyReallocation(ctx context.Context, user common.Address, actions []strategy.MarketAction, marketsByID map[common.Hash]market.Snapshot, txHash common.Hash) {
	if !t.enabled {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Reallocation executed for %s\n\n", user.Hex())
	for _, action := range actions {
		kind := "Supply"
		if action.Kind == strategy.ActionWithdraw {
			kind = "Withdraw"
		}
		value := action.Amount.String()
		if action.FullExit() {
			value = action.Shares.String() + " shares"
		}
		if snap, ok := marketsByID[action.MarketID]; ok {
			fmt.Fprintf(&b, "- %s %s %s in %s (APY %.2f%%)\n",
				kind, value, snap.Descriptor.LoanAsset.Symbol,
				action.MarketID.Hex()[:10], snap.SupplyAPY*100)
		} else {
			fmt.Fprintf(&b, "- %s %s in %s\n", kind, value, action.MarketID.Hex()[:10])
		}
	}
	fmt.Fprintf(&b, "\n%s%s", explorerTxURL, txHash.Hex())
	if err := t.Send(ctx, b.String()); err != nil {
		t.log.Warn("reallocation notification failed", zap.Error(err))
	}
}

// NotifyRun reports the outcome of a full pass over all users.
func (t *Telegram) NotifyRun(ctx context.Context, reallocations, errors int) {
	if !t.enabled {
		return
	}
	msg := fmt.Sprintf("Rebalance run completed with %d reallocations and %d errors", reallocations, errors)
	if err := t.Send(ctx, msg); err != nil {
		t.log.Warn("run notification failed", zap.Error(err))
	}
}
