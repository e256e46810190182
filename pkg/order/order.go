package order

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound  = errors.New("order_not_found")
	ErrNotActive = errors.New("order_not_active")
	ErrExists    = errors.New("order_exists")
)

// Direction of a binary wager
type Direction string

const (
	Up   Direction = "UP"
	Down Direction = "DOWN"
)

// ParseDirection accepts "up"/"down" in any case
func ParseDirection(s string) (Direction, error) {
	switch Direction(strings.ToUpper(strings.TrimSpace(s))) {
	case Up:
		return Up, nil
	case Down:
		return Down, nil
	}
	return "", fmt.Errorf("unknown direction %q", s)
}

// Status represents the lifecycle state of an order
type Status string

const (
	Active Status = "ACTIVE"
	Won    Status = "WON"
	Lost   Status = "LOST"
	Draw   Status = "DRAW"
	// Void is a terminal refund without a market outcome (account voided by
	// operator, or no live price at expiry)
	Void Status = "VOID"
)

// IsTerminal returns true once the order can no longer change
func (s Status) IsTerminal() bool {
	switch s {
	case Won, Lost, Draw, Void:
		return true
	}
	return false
}

// Order is a single timed up/down wager.
// Created ACTIVE by admission (stake already debited), then moved exactly
// once to a terminal status by settlement.
type Order struct {
	ID        string    `json:"id"`
	AccountID string    `json:"accountId"`
	Symbol    string    `json:"symbol"`
	Asset     string    `json:"asset"` // stake/payout asset
	Direction Direction `json:"direction"`

	Stake int64 `json:"stake"` // minor units

	// Server price at admission, rounded to the instrument's precision
	EntryPrice decimal.Decimal     `json:"entryPrice"`
	ExitPrice  decimal.NullDecimal `json:"exitPrice"`

	// PayoutBps is snapshotted from the account/venue at admission
	PayoutBps int64 `json:"payoutBps"`

	Status Status `json:"status"`
	PnL    int64  `json:"pnl"`

	CreatedAt time.Time `json:"createdAt"`
	ExpiryAt  time.Time `json:"expiryAt"`
	SettledAt time.Time `json:"settledAt,omitzero"`
}

// Clone returns a copy safe to hand outside a repository
func (o *Order) Clone() *Order {
	cp := *o
	return &cp
}

// Result is the outcome written by settlement
type Result struct {
	Status    Status
	ExitPrice decimal.Decimal
	PnL       int64
	SettledAt time.Time
}

// Apply moves an ACTIVE order to a terminal status
func (o *Order) Apply(r Result) error {
	if o.Status != Active {
		return fmt.Errorf("order %s is %s: %w", o.ID, o.Status, ErrNotActive)
	}
	if !r.Status.IsTerminal() {
		return fmt.Errorf("order %s: %s is not a terminal status", o.ID, r.Status)
	}
	o.Status = r.Status
	o.ExitPrice = decimal.NewNullDecimal(r.ExitPrice)
	o.PnL = r.PnL
	o.SettledAt = r.SettledAt
	return nil
}

// Repository is the persistence boundary for orders.
// Settle must be a compare-and-set: it only succeeds on an ACTIVE order.
type Repository interface {
	Create(o *Order) error
	Get(id string) (*Order, error)
	Settle(id string, r Result) (*Order, error)
	Delete(id string) (*Order, error)
	ListActive() ([]*Order, error)
	ListByAccount(accountID string, activeOnly bool) ([]*Order, error)
}
