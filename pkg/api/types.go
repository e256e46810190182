package api

import (
	"time"

	"github.com/uhyunpark/hyperbinary/pkg/account"
	"github.com/uhyunpark/hyperbinary/pkg/ledger"
	"github.com/uhyunpark/hyperbinary/pkg/market"
	"github.com/uhyunpark/hyperbinary/pkg/order"
	"github.com/uhyunpark/hyperbinary/pkg/trading"
)

// API request/response types for REST endpoints and WebSocket messages.
// Money is rendered as decimal strings in asset units ("50.00"); prices as
// decimal strings at the instrument's precision.

// ==============================
// REST Response Types
// ==============================

// MarketInfo represents an instrument and its latest ticker
type MarketInfo struct {
	Symbol        string         `json:"symbol"`     // e.g., "BTC-USDT"
	BaseAsset     string         `json:"baseAsset"`  // e.g., "BTC"
	QuoteAsset    string         `json:"quoteAsset"` // e.g., "USDT"
	Status        string         `json:"status"`     // "Active", "Paused"
	PriceDecimals int32          `json:"priceDecimals"`
	Ticker        *market.Ticker `json:"ticker,omitempty"`
}

// OrderInfo represents a wager
type OrderInfo struct {
	ID         string `json:"id"`
	Symbol     string `json:"symbol"`
	Direction  string `json:"direction"` // "UP" or "DOWN"
	Asset      string `json:"asset"`
	Stake      string `json:"stake"`
	EntryPrice string `json:"entryPrice"`
	ExitPrice  string `json:"exitPrice,omitempty"`
	PayoutBps  int64  `json:"payoutBps"`
	Status     string `json:"status"` // ACTIVE, WON, LOST, DRAW, VOID
	PnL        string `json:"pnl"`
	CreatedAt  int64  `json:"createdAt"` // Unix milliseconds
	ExpiryAt   int64  `json:"expiryAt"`
	SettledAt  int64  `json:"settledAt,omitempty"`
}

// BalanceInfo represents one asset balance
type BalanceInfo struct {
	Asset     string `json:"asset"`
	Available string `json:"available"`
	Locked    string `json:"locked"`
	Total     string `json:"total"`
}

// AccountInfo represents the account's control flags
type AccountInfo struct {
	AccountID      string `json:"accountId"`
	TradingEnabled bool   `json:"tradingEnabled"`
	Blocked        bool   `json:"blocked"`
	PayoutBps      int64  `json:"payoutBps,omitempty"`
}

// SnapshotResponse is the full state a client reconciles against
type SnapshotResponse struct {
	Account    AccountInfo   `json:"account"`
	Balances   []BalanceInfo `json:"balances"`
	OpenOrders []OrderInfo   `json:"openOrders"`
	Timestamp  int64         `json:"timestamp"`
}

// ErrorResponse carries a stable reason code plus detail
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ==============================
// Request Types
// ==============================

// PlaceOrderRequest is the body of POST /api/v1/orders
type PlaceOrderRequest struct {
	Symbol    string `json:"symbol"`
	Direction string `json:"direction"`
	Stake     string `json:"stake"`    // e.g. "50.00"
	ExpiryMs  int64  `json:"expiryMs"` // duration from now

	// Optional client view, checked by the anti-tamper guard
	ClaimedPrice   string `json:"claimedPrice,omitempty"`
	ClaimedBalance string `json:"claimedBalance,omitempty"`
}

type DepositRequest struct {
	Amount string `json:"amount"` // asset units
}

type FlagRequest struct {
	Value bool `json:"value"`
}

type MarketStatusRequest struct {
	Status string `json:"status"` // "active" or "paused"
}

// ==============================
// WebSocket Types
// ==============================

// WSMessage is every server → client frame
type WSMessage struct {
	Type      string `json:"type"` // event name, e.g. "market.tick"
	Seq       uint64 `json:"seq,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// WSRequest is a client → server frame
type WSRequest struct {
	Op string `json:"op"` // "snapshot" or "ping"
}

// ==============================
// Conversions
// ==============================

func toOrderInfo(o *order.Order) OrderInfo {
	info := OrderInfo{
		ID:         o.ID,
		Symbol:     o.Symbol,
		Direction:  string(o.Direction),
		Asset:      o.Asset,
		Stake:      trading.FormatMinor(o.Stake),
		EntryPrice: o.EntryPrice.String(),
		PayoutBps:  o.PayoutBps,
		Status:     string(o.Status),
		PnL:        trading.FormatMinor(o.PnL),
		CreatedAt:  o.CreatedAt.UnixMilli(),
		ExpiryAt:   o.ExpiryAt.UnixMilli(),
	}
	if o.ExitPrice.Valid {
		info.ExitPrice = o.ExitPrice.Decimal.String()
	}
	if !o.SettledAt.IsZero() {
		info.SettledAt = o.SettledAt.UnixMilli()
	}
	return info
}

func toOrderInfos(orders []*order.Order) []OrderInfo {
	out := make([]OrderInfo, 0, len(orders))
	for _, o := range orders {
		out = append(out, toOrderInfo(o))
	}
	return out
}

func toBalanceInfos(bals []ledger.Balance) []BalanceInfo {
	out := make([]BalanceInfo, 0, len(bals))
	for _, b := range bals {
		out = append(out, BalanceInfo{
			Asset:     b.Asset,
			Available: trading.FormatMinor(b.Available),
			Locked:    trading.FormatMinor(b.Locked),
			Total:     trading.FormatMinor(b.Total()),
		})
	}
	return out
}

func toAccountInfo(s account.State) AccountInfo {
	return AccountInfo{
		AccountID:      s.AccountID,
		TradingEnabled: s.TradingEnabled,
		Blocked:        s.Blocked,
		PayoutBps:      s.PayoutBps,
	}
}

func toMarketInfo(inst market.Instrument, t *market.Ticker) MarketInfo {
	return MarketInfo{
		Symbol:        inst.Symbol,
		BaseAsset:     inst.BaseAsset,
		QuoteAsset:    inst.QuoteAsset,
		Status:        inst.Status.String(),
		PriceDecimals: inst.PriceDecimals,
		Ticker:        t,
	}
}

func toSnapshot(s *trading.Snapshot) SnapshotResponse {
	return SnapshotResponse{
		Account:    toAccountInfo(s.Account),
		Balances:   toBalanceInfos(s.Balances),
		OpenOrders: toOrderInfos(s.OpenOrders),
		Timestamp:  s.At.UnixMilli(),
	}
}

// presentEvent converts domain payloads to their wire shape
func presentEvent(payload any) any {
	switch p := payload.(type) {
	case *order.Order:
		return toOrderInfo(p)
	case []ledger.Balance:
		return toBalanceInfos(p)
	case account.State:
		return toAccountInfo(p)
	}
	return payload
}

func nowMillis() int64 { return time.Now().UnixMilli() }
