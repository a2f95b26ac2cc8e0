package models

import (
	"github.com/shopspring/decimal"
)

// Venue is one account surface on the exchange.
type Venue string

const (
	VenueSpot     Venue = "spot"
	VenueMargin   Venue = "margin"
	VenueFutures  Venue = "futures"
	VenueStrategy Venue = "strategy"
)

var Venues = []Venue{VenueSpot, VenueMargin, VenueFutures, VenueStrategy}

// Trade is one execution received from the stream.
type Trade struct {
	Symbol    string
	Price     decimal.Decimal
	Timestamp int64
}

// PriceTick is derived from the previous tick for the same symbol; the first
// tick for a symbol carries zero change.
type PriceTick struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp int64           `json:"timestamp"`
	ChangeAbs decimal.Decimal `json:"changeAbs"`
	ChangePct decimal.Decimal `json:"changePct"`
}
