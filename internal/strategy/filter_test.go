package strategy

import (
	"testing"

	"morpho-rebalancer/internal/market"
)

func TestAvailableMarketsSortedByAPY(t *testing.T) {
	markets := []market.Snapshot{
		testSnapshot(t, 1, 0.02, 50_000),
		testSnapshot(t, 2, 0.05, 100_000),
		testSnapshot(t, 3, 0.03, 80_000),
	}
	got := AvailableMarkets(testAsset().Address, markets)
	if len(got) != 3 {
		t.Fatalf("expected 3 markets, got %d", len(got))
	}
	if got[0].Descriptor.ID != marketID(2) || got[1].Descriptor.ID != marketID(3) || got[2].Descriptor.ID != marketID(1) {
		t.Fatalf("unexpected order: %s %s %s",
			got[0].Descriptor.ID.Hex(), got[1].Descriptor.ID.Hex(), got[2].Descriptor.ID.Hex())
	}
}

func TestAvailableMarketsStableOnTies(t *testing.T) {
	markets := []market.Snapshot{
		testSnapshot(t, 1, 0.04, 50_000),
		testSnapshot(t, 2, 0.04, 100_000),
		testSnapshot(t, 3, 0.04, 80_000),
	}
	got := AvailableMarkets(testAsset().Address, markets)
	for i, id := range []byte{1, 2, 3} {
		if got[i].Descriptor.ID != marketID(id) {
			t.Fatalf("tie broke fetch order at %d", i)
		}
	}
}

func TestAvailableMarketsFiltersAsset(t *testing.T) {
	other := testSnapshot(t, 4, 0.09, 10_000)
	other.Descriptor.LoanAsset.Address = assetAddr(0x99)
	markets := []market.Snapshot{testSnapshot(t, 1, 0.02, 50_000), other}
	got := AvailableMarkets(testAsset().Address, markets)
	if len(got) != 1 || got[0].Descriptor.ID != marketID(1) {
		t.Fatalf("expected only the matching-asset market")
	}
}

func TestCappedMarkets(t *testing.T) {
	markets := []market.Snapshot{
		testSnapshot(t, 1, 0.02, 50_000),
		testSnapshot(t, 2, 0.05, 100_000),
		testSnapshot(t, 3, 0.03, 80_000),
	}
	got := CappedMarkets(testAsset().Address, markets, capsOn(2))
	if len(got) != 1 || got[0].Descriptor.ID != marketID(2) {
		t.Fatalf("expected only capped market M2")
	}
}
