package app

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"morpho-rebalancer/internal/amount"
	"morpho-rebalancer/internal/market"
	"morpho-rebalancer/internal/state"
	"morpho-rebalancer/internal/state/sqlite"
	"morpho-rebalancer/internal/strategy"
)

func marketID(b byte) common.Hash {
	var h common.Hash
	h[0] = b
	return h
}

func tokenAddr(b byte) common.Address {
	var a common.Address
	a[0] = b
	return a
}

func snapshotFor(t *testing.T, id byte, token byte, decimals int) market.Snapshot {
	t.Helper()
	supply, err := amount.FromUint64(1_000_000, decimals)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return market.Snapshot{
		Descriptor: market.Descriptor{
			ID:              marketID(id),
			LoanAsset:       market.Asset{Address: tokenAddr(token), Symbol: "TOK", Decimals: decimals},
			CollateralAsset: market.Asset{Address: tokenAddr(0xEE), Symbol: "COL", Decimals: 18},
			OracleAddress:   tokenAddr(0xCC),
			IrmAddress:      tokenAddr(0xDD),
			Lltv:            big.NewInt(1),
		},
		TotalSupply: supply,
	}
}

func planAction(t *testing.T, id byte, kind strategy.ActionKind, assets uint64) strategy.MarketAction {
	t.Helper()
	a, err := amount.FromUint64(assets, 6)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return strategy.MarketAction{MarketID: marketID(id), Kind: kind, Amount: a, Shares: amount.Zero(6)}
}

func TestSplitByLoanAsset(t *testing.T) {
	byID := map[common.Hash]market.Snapshot{
		marketID(1): snapshotFor(t, 1, 0xA1, 6),
		marketID(2): snapshotFor(t, 2, 0xA1, 6),
		marketID(3): snapshotFor(t, 3, 0xB2, 18),
		marketID(4): snapshotFor(t, 4, 0xB2, 18),
	}
	actions := []strategy.MarketAction{
		planAction(t, 1, strategy.ActionWithdraw, 100),
		planAction(t, 3, strategy.ActionWithdraw, 200),
		planAction(t, 2, strategy.ActionSupply, 100),
		planAction(t, 4, strategy.ActionSupply, 200),
	}
	batches := splitByLoanAsset(actions, byID)
	if len(batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(batches))
	}
	if batches[0].token != tokenAddr(0xA1) || batches[1].token != tokenAddr(0xB2) {
		t.Fatalf("unexpected batch order: %s %s", batches[0].token.Hex(), batches[1].token.Hex())
	}
	first := batches[0].actions
	if len(first) != 2 || first[0].Kind != strategy.ActionWithdraw || first[1].Kind != strategy.ActionSupply {
		t.Fatalf("expected withdraw before supply in batch, got %+v", first)
	}
}

func TestSplitByLoanAssetDropsUnknownMarkets(t *testing.T) {
	byID := map[common.Hash]market.Snapshot{
		marketID(1): snapshotFor(t, 1, 0xA1, 6),
	}
	actions := []strategy.MarketAction{
		planAction(t, 1, strategy.ActionWithdraw, 100),
		planAction(t, 9, strategy.ActionSupply, 100),
	}
	batches := splitByLoanAsset(actions, byID)
	if len(batches) != 1 || len(batches[0].actions) != 1 {
		t.Fatalf("expected unknown market excluded, got %+v", batches)
	}
}

type stubLiquidityReader struct {
	liquidity map[common.Hash]*big.Int
	err       error
}

func (s *stubLiquidityReader) MarketLiquidity(ctx context.Context, id common.Hash) (*big.Int, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.liquidity[id], nil
}

func TestLiquidityOracleUsesLoanDecimals(t *testing.T) {
	markets := []market.Snapshot{snapshotFor(t, 1, 0xA1, 6)}
	reader := &stubLiquidityReader{liquidity: map[common.Hash]*big.Int{marketID(1): big.NewInt(42)}}
	oracle := newLiquidityOracle(reader, markets)

	liq, err := oracle.AvailableLiquidity(context.Background(), marketID(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if liq.Decimals() != 6 || liq.Raw().Int64() != 42 {
		t.Fatalf("unexpected liquidity %s (decimals %d)", liq.Raw(), liq.Decimals())
	}
}

func TestLiquidityOracleUnknownMarket(t *testing.T) {
	oracle := newLiquidityOracle(&stubLiquidityReader{}, nil)
	if _, err := oracle.AvailableLiquidity(context.Background(), marketID(1)); err == nil {
		t.Fatalf("expected error for unknown market")
	}
}

func TestLiquidityOraclePropagatesReadErrors(t *testing.T) {
	markets := []market.Snapshot{snapshotFor(t, 1, 0xA1, 6)}
	reader := &stubLiquidityReader{err: errors.New("rpc down")}
	oracle := newLiquidityOracle(reader, markets)
	if _, err := oracle.AvailableLiquidity(context.Background(), marketID(1)); err == nil {
		t.Fatalf("expected error propagated")
	}
}

func TestOperatorLastPlan(t *testing.T) {
	store, err := sqlite.New(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer store.Close()
	a := &App{store: store, log: zap.NewNop()}
	op := newOperator(a)

	user := common.HexToAddress("0x1111111111111111111111111111111111111111")
	record := state.PlanRecord{
		User:         user.Hex(),
		TxHash:       common.Hash{0xAB}.Hex(),
		ExecutedAtMS: 1700000000000,
		Actions: []state.PlanActionRecord{
			{MarketID: marketID(1).Hex(), Kind: "withdraw", Assets: "100", Shares: "0"},
			{MarketID: marketID(2).Hex(), Kind: "supply", Assets: "100", Shares: "0"},
		},
	}
	if err := state.SavePlanRecord(context.Background(), store, record); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reply := op.lastPlan(context.Background(), []string{"/last", user.Hex()})
	if !strings.Contains(reply, record.TxHash) || !strings.Contains(reply, "withdraw") {
		t.Fatalf("unexpected reply %q", reply)
	}

	reply = op.lastPlan(context.Background(), []string{"/last", "not-an-address"})
	if !strings.HasPrefix(reply, "Usage:") {
		t.Fatalf("expected usage reply, got %q", reply)
	}

	other := common.HexToAddress("0x2222222222222222222222222222222222222222")
	reply = op.lastPlan(context.Background(), []string{"/last", other.Hex()})
	if !strings.HasPrefix(reply, "No executed plan") {
		t.Fatalf("expected missing-record reply, got %q", reply)
	}
}

func TestStatusReflectsPause(t *testing.T) {
	a := &App{}
	if got := a.status(); got == "" {
		t.Fatalf("expected status text")
	}
	a.paused.Store(true)
	if got := a.status(); got != "Bot paused, no completed run yet" {
		t.Fatalf("unexpected status %q", got)
	}
}
