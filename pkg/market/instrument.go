package market

import "fmt"

// Status is the trading status of an instrument
type Status int8

const (
	Active Status = iota // accepting new wagers
	Paused               // ticking, but admission is closed
)

func (s Status) String() string {
	switch s {
	case Active:
		return "Active"
	case Paused:
		return "Paused"
	default:
		return "Unknown"
	}
}

// ParseStatus accepts "active"/"paused" in any case
func ParseStatus(s string) (Status, error) {
	switch s {
	case "active", "Active", "ACTIVE":
		return Active, nil
	case "paused", "Paused", "PAUSED":
		return Paused, nil
	}
	return 0, fmt.Errorf("unknown instrument status %q", s)
}

// Instrument is the static description of a simulated market
type Instrument struct {
	Symbol     string // e.g., "BTC-USDT"
	BaseAsset  string // e.g., "BTC"
	QuoteAsset string // e.g., "USDT"

	// BasePrice seeds the random walk
	BasePrice float64

	// PriceDecimals is the precision used when a price is captured on an order.
	// Settlement compares prices at this precision, so equality is well defined.
	PriceDecimals int32

	Status Status
}

// Validate checks the instrument can be simulated
func (i Instrument) Validate() error {
	if i.Symbol == "" {
		return fmt.Errorf("instrument symbol is empty")
	}
	if i.BasePrice <= 0 {
		return fmt.Errorf("instrument %s: base price must be positive, got %v", i.Symbol, i.BasePrice)
	}
	if i.PriceDecimals < 0 || i.PriceDecimals > 8 {
		return fmt.Errorf("instrument %s: price decimals out of range: %d", i.Symbol, i.PriceDecimals)
	}
	return nil
}

// Ticker is a snapshot of simulated market state for one instrument.
// Invariants: Bid < Price < Ask and Low24h <= Price <= High24h.
type Ticker struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	Change24h float64 `json:"change24h"` // percent vs opening price
	High24h   float64 `json:"high24h"`
	Low24h    float64 `json:"low24h"`
	Volume24h float64 `json:"volume24h"`
	Seq       uint64  `json:"seq"`       // per-instrument tick counter
	Timestamp int64   `json:"timestamp"` // Unix milliseconds
}
