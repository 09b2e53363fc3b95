package strategy

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"morpho-rebalancer/internal/amount"
	"morpho-rebalancer/internal/market"
)

// DefaultMaxMarketImpactRatio bounds how much of a target market's
// total supply one run may route into it.
const DefaultMaxMarketImpactRatio = 0.05

// The ratio is carried as parts-per-million so impact caps stay integer
// arithmetic end to end.
const ratioDenominator = 1_000_000

// MaxAPYStrategy moves capital greedily toward the highest-APY market
// the user has authorized, bounded by the impact ratio and the source
// market's live liquidity. Single pass per position, first reachable
// improvement wins; it deliberately does not search for a globally
// optimal split.
type MaxAPYStrategy struct {
	oracle   LiquidityOracle
	ratioPPM uint64
	log      *zap.Logger
}

func NewMaxAPY(oracle LiquidityOracle, maxMarketImpactRatio float64, log *zap.Logger) *MaxAPYStrategy {
	if maxMarketImpactRatio <= 0 || maxMarketImpactRatio > 1 {
		maxMarketImpactRatio = DefaultMaxMarketImpactRatio
	}
	return &MaxAPYStrategy{
		oracle:   oracle,
		ratioPPM: uint64(maxMarketImpactRatio*ratioDenominator + 0.5),
		log:      log,
	}
}

func (s *MaxAPYStrategy) CalculateReallocation(
	ctx context.Context,
	positions []market.Position,
	caps map[common.Hash]market.Cap,
	markets []market.Snapshot,
) (Plan, error) {
	byID := market.SnapshotsByID(markets)
	groups, err := GroupByLoanAsset(positions, byID, s.log)
	if err != nil {
		return Plan{}, err
	}

	builder := newPlanBuilder()
	// Cumulative amount routed into each candidate this invocation.
	// Fresh per call; concurrent invocations for different users each
	// get their own.
	planned := make(map[common.Hash]amount.Amount)

	for _, group := range groups {
		candidates := CappedMarkets(group.Asset.Address, markets, caps)
		if len(candidates) == 0 {
			continue
		}
		for _, pos := range group.Members {
			if pos.SuppliedAssets.IsZero() {
				continue
			}
			currentAPY := 0.0
			if snap, ok := byID[pos.MarketID]; ok {
				currentAPY = snap.SupplyAPY
			}
			if err := s.routePosition(ctx, pos, currentAPY, group.Asset, candidates, caps, planned, builder); err != nil {
				return Plan{}, err
			}
		}
	}
	return builder.plan(), nil
}

func (s *MaxAPYStrategy) routePosition(
	ctx context.Context,
	pos market.Position,
	currentAPY float64,
	asset market.Asset,
	candidates []market.Snapshot,
	caps map[common.Hash]market.Cap,
	planned map[common.Hash]amount.Amount,
	builder *planBuilder,
) error {
	liquidityKnown := false
	var sourceLiquidity amount.Amount
	for _, cand := range candidates {
		if currentAPY >= cand.SupplyAPY {
			// Candidates are APY-descending, nothing better follows.
			return nil
		}
		if cand.Descriptor.ID == pos.MarketID {
			continue
		}
		maxAllocation, err := cand.TotalSupply.MulDiv(s.ratioPPM, ratioDenominator)
		if err != nil {
			return err
		}
		already, ok := planned[cand.Descriptor.ID]
		if !ok {
			already = amount.Zero(maxAllocation.Decimals())
		}
		cmp, err := already.Cmp(maxAllocation)
		if err != nil {
			return err
		}
		if cmp >= 0 {
			// Target saturated for this run.
			continue
		}
		remaining, err := maxAllocation.Sub(already)
		if err != nil {
			return err
		}
		if !liquidityKnown {
			sourceLiquidity = s.sourceLiquidity(ctx, pos.MarketID, asset.Decimals)
			liquidityKnown = true
		}
		move, err := amount.Min(pos.SuppliedAssets, remaining)
		if err != nil {
			return err
		}
		move, err = amount.Min(move, sourceLiquidity)
		if err != nil {
			return err
		}
		if move.IsZero() {
			continue
		}
		fullExit := move.Equal(pos.SuppliedAssets)
		if err := builder.addWithdraw(pos, move, fullExit, asset.Decimals); err != nil {
			return err
		}
		cap := caps[cand.Descriptor.ID]
		if err := builder.addSupply(cand.Descriptor.ID, move, cap); err != nil {
			return err
		}
		updated, err := already.Add(move)
		if err != nil {
			return err
		}
		planned[cand.Descriptor.ID] = updated
		s.log.Debug("planned move",
			zap.String("from", pos.MarketID.Hex()),
			zap.String("to", cand.Descriptor.ID.Hex()),
			zap.String("amount", move.String()),
			zap.Bool("full_exit", fullExit))
		// Greedy: first reachable improvement wins.
		return nil
	}
	return nil
}

// sourceLiquidity degrades an oracle failure to zero so the engine can
// never over-withdraw and always terminates.
func (s *MaxAPYStrategy) sourceLiquidity(ctx context.Context, marketID common.Hash, decimals int) amount.Amount {
	liq, err := s.oracle.AvailableLiquidity(ctx, marketID)
	if err != nil {
		s.log.Warn("liquidity read failed, assuming zero",
			zap.String("market_id", marketID.Hex()), zap.Error(err))
		return amount.Zero(decimals)
	}
	if liq.Decimals() != decimals {
		s.log.Warn("liquidity decimals mismatch, assuming zero",
			zap.String("market_id", marketID.Hex()),
			zap.Int("got", liq.Decimals()), zap.Int("want", decimals))
		return amount.Zero(decimals)
	}
	return liq
}

// planBuilder merges moves into one withdraw per source market and one
// supply per target market, keeping first-seen order.
type planBuilder struct {
	withdrawOrder []common.Hash
	withdraws     map[common.Hash]*MarketAction
	supplyOrder   []common.Hash
	supplies      map[common.Hash]*MarketAction
}

func newPlanBuilder() *planBuilder {
	return &planBuilder{
		withdraws: make(map[common.Hash]*MarketAction),
		supplies:  make(map[common.Hash]*MarketAction),
	}
}

func (b *planBuilder) addWithdraw(pos market.Position, move amount.Amount, fullExit bool, decimals int) error {
	assets := move
	shares := amount.Zero(pos.SuppliedShares.Decimals())
	if fullExit {
		// Share-denominated exit avoids rounding dust from the
		// assets-per-share rate at full withdrawal.
		assets = amount.Zero(decimals)
		shares = pos.SuppliedShares
	}
	existing, ok := b.withdraws[pos.MarketID]
	if !ok {
		src := pos
		b.withdraws[pos.MarketID] = &MarketAction{
			MarketID: pos.MarketID,
			Kind:     ActionWithdraw,
			Amount:   assets,
			Shares:   shares,
			Source:   &src,
		}
		b.withdrawOrder = append(b.withdrawOrder, pos.MarketID)
		return nil
	}
	sum, err := existing.Amount.Add(assets)
	if err != nil {
		return err
	}
	existing.Amount = sum
	sumShares, err := existing.Shares.Add(shares)
	if err != nil {
		return err
	}
	existing.Shares = sumShares
	return nil
}

func (b *planBuilder) addSupply(marketID common.Hash, move amount.Amount, cap market.Cap) error {
	existing, ok := b.supplies[marketID]
	if !ok {
		capCopy := cap
		b.supplies[marketID] = &MarketAction{
			MarketID:  marketID,
			Kind:      ActionSupply,
			Amount:    move,
			Shares:    amount.Zero(move.Decimals()),
			TargetCap: &capCopy,
		}
		b.supplyOrder = append(b.supplyOrder, marketID)
		return nil
	}
	sum, err := existing.Amount.Add(move)
	if err != nil {
		return err
	}
	existing.Amount = sum
	return nil
}

func (b *planBuilder) plan() Plan {
	var actions []MarketAction
	for _, id := range b.withdrawOrder {
		actions = append(actions, *b.withdraws[id])
	}
	for _, id := range b.supplyOrder {
		actions = append(actions, *b.supplies[id])
	}
	return Plan{Actions: actions}
}
