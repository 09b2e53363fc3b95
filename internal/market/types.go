package market

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"morpho-rebalancer/internal/amount"
)

var ErrInvalidSnapshot = errors.New("invalid market snapshot")

// Asset identifies an ERC20 token a market lends or collateralizes.
type Asset struct {
	Address  common.Address
	Symbol   string
	Decimals int
	PriceUSD float64
}

func (a Asset) Validate() error {
	if a.Address == (common.Address{}) {
		return fmt.Errorf("asset %s has zero address: %w", a.Symbol, ErrInvalidSnapshot)
	}
	if a.Decimals < 0 || a.Decimals > amount.MaxDecimals {
		return fmt.Errorf("asset %s decimals %d: %w", a.Symbol, a.Decimals, ErrInvalidSnapshot)
	}
	return nil
}

// Descriptor holds the immutable parameters that identify a Morpho Blue
// market on chain. ID is the market's uniqueKey.
type Descriptor struct {
	ID              common.Hash
	LoanAsset       Asset
	CollateralAsset Asset
	OracleAddress   common.Address
	IrmAddress      common.Address
	Lltv            *big.Int
}

func (d Descriptor) Validate() error {
	if d.ID == (common.Hash{}) {
		return fmt.Errorf("market has zero id: %w", ErrInvalidSnapshot)
	}
	if err := d.LoanAsset.Validate(); err != nil {
		return fmt.Errorf("market %s loan asset: %w", d.ID.Hex(), err)
	}
	if err := d.CollateralAsset.Validate(); err != nil {
		return fmt.Errorf("market %s collateral asset: %w", d.ID.Hex(), err)
	}
	if d.Lltv == nil || d.Lltv.Sign() < 0 {
		return fmt.Errorf("market %s has invalid lltv: %w", d.ID.Hex(), ErrInvalidSnapshot)
	}
	return nil
}

// Snapshot is the point-in-time state of a market used for ranking and
// impact-limit computation. Snapshots are replaced each run, never
// mutated.
type Snapshot struct {
	Descriptor     Descriptor
	TotalSupply    amount.Amount
	TotalSupplyUSD float64
	SupplyAPY      float64
}

func (s Snapshot) Validate() error {
	if err := s.Descriptor.Validate(); err != nil {
		return err
	}
	if s.TotalSupply.Decimals() != s.Descriptor.LoanAsset.Decimals {
		return fmt.Errorf("market %s total supply decimals %d != loan asset decimals %d: %w",
			s.Descriptor.ID.Hex(), s.TotalSupply.Decimals(), s.Descriptor.LoanAsset.Decimals, ErrInvalidSnapshot)
	}
	return nil
}

// Position is one user's supply stake in one market.
type Position struct {
	MarketID       common.Hash
	SuppliedAssets amount.Amount
	SuppliedShares amount.Amount
}

// Cap is a user-authorized allocation ceiling for one market. Its
// presence is what makes the market an eligible reallocation target.
type Cap struct {
	MarketID common.Hash
	CapUSD   float64
}

// UserAuthorization ties a user to the caps they granted the rebalancer.
type UserAuthorization struct {
	User common.Address
	Caps []Cap
}

// CapsByMarket indexes caps for the engine's eligibility lookups.
func CapsByMarket(caps []Cap) map[common.Hash]Cap {
	out := make(map[common.Hash]Cap, len(caps))
	for _, c := range caps {
		out[c.MarketID] = c
	}
	return out
}

// SnapshotsByID indexes snapshots by market id. Fetch order is kept in
// the source slice; the map is for lookups only.
func SnapshotsByID(snapshots []Snapshot) map[common.Hash]Snapshot {
	out := make(map[common.Hash]Snapshot, len(snapshots))
	for _, s := range snapshots {
		out[s.Descriptor.ID] = s
	}
	return out
}
