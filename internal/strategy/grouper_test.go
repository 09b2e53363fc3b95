package strategy

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"morpho-rebalancer/internal/market"
)

func TestGroupByLoanAsset(t *testing.T) {
	markets := []market.Snapshot{
		testSnapshot(t, 1, 0.02, 50_000),
		testSnapshot(t, 2, 0.05, 100_000),
	}
	byID := market.SnapshotsByID(markets)
	positions := []market.Position{
		testPosition(t, 1, 600, 580),
		testPosition(t, 2, 400, 390),
	}

	groups, err := GroupByLoanAsset(positions, byID, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("expected one group for shared loan asset, got %d", len(groups))
	}
	g := groups[0]
	if g.Asset.Address != testAsset().Address {
		t.Fatalf("unexpected group asset %s", g.Asset.Address.Hex())
	}
	if g.TotalSupplied.Raw().Uint64() != 1000 {
		t.Fatalf("expected total 1000, got %s", g.TotalSupplied.Raw())
	}
	if len(g.Members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(g.Members))
	}
}

func TestGroupSkipsUnknownMarkets(t *testing.T) {
	markets := []market.Snapshot{testSnapshot(t, 1, 0.02, 50_000)}
	byID := market.SnapshotsByID(markets)
	positions := []market.Position{
		testPosition(t, 1, 600, 580),
		testPosition(t, 7, 999, 990),
	}

	groups, err := GroupByLoanAsset(positions, byID, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(groups) != 1 || len(groups[0].Members) != 1 {
		t.Fatalf("expected stale position to be skipped")
	}
}

func TestGroupEmptyInputs(t *testing.T) {
	groups, err := GroupByLoanAsset(nil, map[common.Hash]market.Snapshot{}, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(groups) != 0 {
		t.Fatalf("expected no groups, got %d", len(groups))
	}
}
