package indexer

import (
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"morpho-rebalancer/internal/amount"
	"morpho-rebalancer/internal/market"
)

type wireAsset struct {
	Address  string   `json:"address"`
	Symbol   string   `json:"symbol"`
	Decimals int      `json:"decimals"`
	PriceUsd *float64 `json:"priceUsd"`
}

type wireMarketState struct {
	SupplyAssets    string  `json:"supplyAssets"`
	SupplyAssetsUsd float64 `json:"supplyAssetsUsd"`
	SupplyApy       float64 `json:"supplyApy"`
}

type wireMarket struct {
	UniqueKey       string          `json:"uniqueKey"`
	Lltv            string          `json:"lltv"`
	IrmAddress      string          `json:"irmAddress"`
	OracleAddress   string          `json:"oracleAddress"`
	LoanAsset       wireAsset       `json:"loanAsset"`
	CollateralAsset *wireAsset      `json:"collateralAsset"`
	State           wireMarketState `json:"state"`
}

type wirePosition struct {
	SupplyShares string `json:"supplyShares"`
	SupplyAssets string `json:"supplyAssets"`
	Market       struct {
		UniqueKey string    `json:"uniqueKey"`
		LoanAsset wireAsset `json:"loanAsset"`
	} `json:"market"`
}

type wireCap struct {
	MarketID string `json:"marketId"`
	Cap      string `json:"cap"`
}

type wireUser struct {
	ID         string    `json:"id"`
	MarketCaps []wireCap `json:"marketCaps"`
}

func parseHash(s string) (common.Hash, error) {
	if len(s) != 66 || s[:2] != "0x" {
		return common.Hash{}, fmt.Errorf("malformed market id %q", s)
	}
	return common.HexToHash(s), nil
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("malformed address %q", s)
	}
	return common.HexToAddress(s), nil
}

func parseRawAmount(s string, decimals int) (amount.Amount, error) {
	raw, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return amount.Amount{}, fmt.Errorf("malformed raw amount %q", s)
	}
	return amount.FromRaw(raw, decimals)
}

func (w wireAsset) toAsset() (market.Asset, error) {
	addr, err := parseAddress(w.Address)
	if err != nil {
		return market.Asset{}, err
	}
	asset := market.Asset{
		Address:  addr,
		Symbol:   w.Symbol,
		Decimals: w.Decimals,
	}
	if w.PriceUsd != nil {
		asset.PriceUSD = *w.PriceUsd
	}
	return asset, asset.Validate()
}

func (w wireMarket) toSnapshot() (market.Snapshot, error) {
	id, err := parseHash(w.UniqueKey)
	if err != nil {
		return market.Snapshot{}, err
	}
	loan, err := w.LoanAsset.toAsset()
	if err != nil {
		return market.Snapshot{}, fmt.Errorf("loan asset: %w", err)
	}
	if w.CollateralAsset == nil {
		return market.Snapshot{}, fmt.Errorf("market %s has no collateral asset", w.UniqueKey)
	}
	collateral, err := w.CollateralAsset.toAsset()
	if err != nil {
		return market.Snapshot{}, fmt.Errorf("collateral asset: %w", err)
	}
	oracle, err := parseAddress(w.OracleAddress)
	if err != nil {
		return market.Snapshot{}, fmt.Errorf("oracle: %w", err)
	}
	irm, err := parseAddress(w.IrmAddress)
	if err != nil {
		return market.Snapshot{}, fmt.Errorf("irm: %w", err)
	}
	lltv, ok := new(big.Int).SetString(w.Lltv, 10)
	if !ok {
		return market.Snapshot{}, fmt.Errorf("malformed lltv %q", w.Lltv)
	}
	supply, err := parseRawAmount(w.State.SupplyAssets, loan.Decimals)
	if err != nil {
		return market.Snapshot{}, fmt.Errorf("supply assets: %w", err)
	}
	snap := market.Snapshot{
		Descriptor: market.Descriptor{
			ID:              id,
			LoanAsset:       loan,
			CollateralAsset: collateral,
			OracleAddress:   oracle,
			IrmAddress:      irm,
			Lltv:            lltv,
		},
		TotalSupply:    supply,
		TotalSupplyUSD: w.State.SupplyAssetsUsd,
		SupplyAPY:      w.State.SupplyApy,
	}
	return snap, snap.Validate()
}

func (w wirePosition) toPosition() (market.Position, error) {
	id, err := parseHash(w.Market.UniqueKey)
	if err != nil {
		return market.Position{}, err
	}
	decimals := w.Market.LoanAsset.Decimals
	assets, err := parseRawAmount(w.SupplyAssets, decimals)
	if err != nil {
		return market.Position{}, fmt.Errorf("supply assets: %w", err)
	}
	shares, err := parseRawAmount(w.SupplyShares, decimals)
	if err != nil {
		return market.Position{}, fmt.Errorf("supply shares: %w", err)
	}
	return market.Position{
		MarketID:       id,
		SuppliedAssets: assets,
		SuppliedShares: shares,
	}, nil
}

func (w wireUser) toAuthorization() (market.UserAuthorization, error) {
	addr, err := parseAddress(w.ID)
	if err != nil {
		return market.UserAuthorization{}, err
	}
	caps := make([]market.Cap, 0, len(w.MarketCaps))
	for _, c := range w.MarketCaps {
		id, err := parseHash(c.MarketID)
		if err != nil {
			return market.UserAuthorization{}, err
		}
		capUSD, err := strconv.ParseFloat(c.Cap, 64)
		if err != nil {
			return market.UserAuthorization{}, fmt.Errorf("malformed cap %q: %w", c.Cap, err)
		}
		caps = append(caps, market.Cap{MarketID: id, CapUSD: capUSD})
	}
	return market.UserAuthorization{User: addr, Caps: caps}, nil
}
