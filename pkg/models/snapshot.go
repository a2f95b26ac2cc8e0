package models

import (
	"github.com/shopspring/decimal"
)

type SpotAccount struct {
	Balances []SpotBalance `json:"balances"`
	CanTrade bool          `json:"canTrade"`
}

// MarginAccount aggregates pass through from the venue verbatim and default to "0".
type MarginAccount struct {
	Balances            []MarginBalance `json:"balances"`
	Level               string          `json:"level"`
	TotalAssetOfBTC     string          `json:"totalAssetOfBtc"`
	TotalLiabilityOfBTC string          `json:"totalLiabilityOfBtc"`
	TotalNetAssetOfBTC  string          `json:"totalNetAssetOfBtc"`
	MarginRatio         string          `json:"marginRatio"`
}

type FuturesAccount struct {
	Balances              []FuturesBalance  `json:"balances"`
	Positions             []FuturesPosition `json:"positions"`
	TotalWalletBalance    string            `json:"totalWalletBalance"`
	TotalUnrealizedProfit string            `json:"totalUnrealizedProfit"`
	TotalMarginBalance    string            `json:"totalMarginBalance"`
}

type StrategyAccount struct {
	Balances []StrategyBalance `json:"balances"`
}

func EmptySpotAccount() SpotAccount {
	return SpotAccount{Balances: []SpotBalance{}}
}

func EmptyMarginAccount() MarginAccount {
	return MarginAccount{
		Balances:            []MarginBalance{},
		Level:               "0",
		TotalAssetOfBTC:     "0",
		TotalLiabilityOfBTC: "0",
		TotalNetAssetOfBTC:  "0",
		MarginRatio:         "0",
	}
}

func EmptyFuturesAccount() FuturesAccount {
	return FuturesAccount{
		Balances:              []FuturesBalance{},
		Positions:             []FuturesPosition{},
		TotalWalletBalance:    "0",
		TotalUnrealizedProfit: "0",
		TotalMarginBalance:    "0",
	}
}

func EmptyStrategyAccount() StrategyAccount {
	return StrategyAccount{Balances: []StrategyBalance{}}
}

// AssetValuation is the merged, priced view of one normalized asset.
type AssetValuation struct {
	Asset          string          `json:"asset"`
	Price          decimal.Decimal `json:"price"`
	Spot           decimal.Decimal `json:"spot"`
	MarginNet      decimal.Decimal `json:"marginNet"`
	MarginBorrowed decimal.Decimal `json:"marginBorrowed"`
	Futures        decimal.Decimal `json:"futures"`
	Strategy       decimal.Decimal `json:"strategy"`
	HasPosition    bool            `json:"hasPosition"`
	TotalValue     decimal.Decimal `json:"totalValue"`
	Liabilities    decimal.Decimal `json:"liabilities"`
	NetValue       decimal.Decimal `json:"netValue"`
}

// AccountSnapshot invariant: NetValue == TotalValue - TotalLiabilities.
type AccountSnapshot struct {
	Spot             SpotAccount               `json:"spot"`
	Margin           MarginAccount             `json:"margin"`
	Futures          FuturesAccount            `json:"futures"`
	Strategy         StrategyAccount           `json:"tradingBot"`
	Assets           []string                  `json:"assets"`
	MergedByAsset    map[string]AssetValuation `json:"mergedByAsset"`
	TotalValue       decimal.Decimal           `json:"totalValue"`
	TotalLiabilities decimal.Decimal           `json:"totalLiabilities"`
	NetValue         decimal.Decimal           `json:"netValue"`
	UpdateTime       int64                     `json:"updateTime"`
	Partial          bool                      `json:"partial"`
	VenueErrors      map[Venue]string          `json:"venueErrors,omitempty"`
	PriceError       string                    `json:"priceError,omitempty"`
}

// SnapshotRecord is a stored point in an owner's history.
type SnapshotRecord struct {
	OwnerID  string          `json:"ownerId"`
	Snapshot AccountSnapshot `json:"snapshot"`
}
