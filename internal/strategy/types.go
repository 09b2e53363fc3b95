package strategy

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"morpho-rebalancer/internal/amount"
	"morpho-rebalancer/internal/market"
)

type ActionKind string

const (
	ActionWithdraw ActionKind = "withdraw"
	ActionSupply   ActionKind = "supply"
)

// MarketAction is one withdraw or supply leg of a reallocation. A
// withdraw with Shares set and a zero Amount means a share-denominated
// full-position exit; otherwise Amount carries the asset-denominated
// request.
type MarketAction struct {
	MarketID  common.Hash
	Kind      ActionKind
	Amount    amount.Amount
	Shares    amount.Amount
	Source    *market.Position
	TargetCap *market.Cap
}

// FullExit reports whether the action is a share-denominated withdrawal.
func (a MarketAction) FullExit() bool {
	return a.Kind == ActionWithdraw && a.Amount.IsZero() && !a.Shares.IsZero()
}

// Plan is the ordered action list a strategy produces. Withdrawals come
// before supplies so each side can be consumed independently.
type Plan struct {
	Actions []MarketAction
}

func (p Plan) Empty() bool {
	return len(p.Actions) == 0
}

func (p Plan) Withdrawals() []MarketAction {
	return p.filter(ActionWithdraw)
}

func (p Plan) Supplies() []MarketAction {
	return p.filter(ActionSupply)
}

func (p Plan) filter(kind ActionKind) []MarketAction {
	var out []MarketAction
	for _, a := range p.Actions {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

// LiquidityOracle reports a market's currently withdrawable liquidity
// (total supplied minus total borrowed). Implementations typically wrap
// a read-only contract call; the engine only sees this capability.
type LiquidityOracle interface {
	AvailableLiquidity(ctx context.Context, marketID common.Hash) (amount.Amount, error)
}

// ReallocationStrategy computes a plan from a user's positions, the
// caps they authorized, and the current market universe. Markets are
// passed in fetch order; implementations must not mutate any input.
type ReallocationStrategy interface {
	CalculateReallocation(
		ctx context.Context,
		positions []market.Position,
		caps map[common.Hash]market.Cap,
		markets []market.Snapshot,
	) (Plan, error)
}
