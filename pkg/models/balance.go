package models

import (
	"github.com/shopspring/decimal"
)

// VenueBalance is implemented by exactly one balance type per venue.
type VenueBalance interface {
	Venue() Venue
	AssetSymbol() string
	// Quantity is the amount that counts as held for valuation; it may be negative.
	Quantity() decimal.Decimal
	// Liability is the borrowed amount owed back to the venue.
	Liability() decimal.Decimal
}

type SpotBalance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

func (b SpotBalance) Venue() Venue { return VenueSpot }
func (b SpotBalance) AssetSymbol() string { return b.Asset }
func (b SpotBalance) Quantity() decimal.Decimal { return b.Free.Add(b.Locked) }
func (b SpotBalance) Liability() decimal.Decimal { return decimal.Zero }

type MarginBalance struct {
	Asset    string          `json:"asset"`
	Free     decimal.Decimal `json:"free"`
	Locked   decimal.Decimal `json:"locked"`
	Borrowed decimal.Decimal `json:"borrowed"`
	Interest decimal.Decimal `json:"interest"`
	NetAsset decimal.Decimal `json:"netAsset"`
}

func (b MarginBalance) Venue() Venue { return VenueMargin }
func (b MarginBalance) AssetSymbol() string { return b.Asset }
func (b MarginBalance) Quantity() decimal.Decimal { return b.NetAsset }

// Liability falls back to the negative net asset when the venue reports a
// short position without a borrowed figure.
func (b MarginBalance) Liability() decimal.Decimal {
	if b.Borrowed.IsPositive() {
		return b.Borrowed
	}
	if b.NetAsset.IsNegative() {
		return b.NetAsset.Neg()
	}
	return decimal.Zero
}

type FuturesBalance struct {
	Asset            string          `json:"asset"`
	WalletBalance    decimal.Decimal `json:"walletBalance"`
	UnrealizedProfit decimal.Decimal `json:"unrealizedProfit"`
	MarginBalance    decimal.Decimal `json:"marginBalance"`
	MaintMargin      decimal.Decimal `json:"maintMargin"`
	InitialMargin    decimal.Decimal `json:"initialMargin"`
}

func (b FuturesBalance) Venue() Venue { return VenueFutures }
func (b FuturesBalance) AssetSymbol() string { return b.Asset }
func (b FuturesBalance) Quantity() decimal.Decimal { return b.WalletBalance.Add(b.UnrealizedProfit) }
func (b FuturesBalance) Liability() decimal.Decimal { return decimal.Zero }

type FuturesPosition struct {
	Symbol           string          `json:"symbol"`
	Asset            string          `json:"asset"`
	PositionAmt      decimal.Decimal `json:"positionAmt"`
	EntryPrice       decimal.Decimal `json:"entryPrice"`
	UnrealizedProfit decimal.Decimal `json:"unrealizedProfit"`
}

type StrategyBalance struct {
	StrategyID   string          `json:"strategyId"`
	StrategyName string          `json:"strategyName"`
	Type         string          `json:"type"`
	Symbol       string          `json:"symbol"`
	Asset        string          `json:"asset"`
	Free         decimal.Decimal `json:"free"`
	Locked       decimal.Decimal `json:"locked"`
	Total        decimal.Decimal `json:"total"`
	PnL          decimal.Decimal `json:"pnl"`
	ROI          decimal.Decimal `json:"roi"`
}

func (b StrategyBalance) Venue() Venue { return VenueStrategy }
func (b StrategyBalance) AssetSymbol() string { return b.Asset }
func (b StrategyBalance) Quantity() decimal.Decimal { return b.Total }
func (b StrategyBalance) Liability() decimal.Decimal { return decimal.Zero }
