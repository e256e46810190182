// Package ledger holds per-account, per-asset balances split into an
// available and a locked bucket.
//
// Every mutation is serialised on its (account, asset) cell. Mutations on
// different cells never wait on each other. A mutation that would drive a
// bucket negative fails with ErrInsufficientFunds and leaves the cell as it was.
package ledger

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/uhyunpark/hyperbinary/pkg/account"
)

var (
	ErrInsufficientFunds = errors.New("insufficient_funds")
	ErrInvalidAmount     = errors.New("invalid_amount")
)

// Bucket selects which half of a balance a mutation touches
type Bucket int8

const (
	Available Bucket = iota
	Locked
)

func (b Bucket) String() string {
	switch b {
	case Available:
		return "available"
	case Locked:
		return "locked"
	default:
		return "unknown"
	}
}

// Balance of one asset for one account (all values in minor units: 100 = 1.00)
type Balance struct {
	AccountID string `json:"accountId"`
	Asset     string `json:"asset"`
	Available int64  `json:"available"`
	Locked    int64  `json:"locked"`
}

// Total returns available + locked
func (b Balance) Total() int64 { return b.Available + b.Locked }

func (b *Balance) bucket(k Bucket) *int64 {
	if k == Locked {
		return &b.Locked
	}
	return &b.Available
}

// Store persists balances. SaveBalance with a non-empty ref must record the
// ref atomically with the balance, so HasRef can make credits idempotent.
type Store interface {
	LoadBalance(accountID, asset string) (Balance, bool, error)
	SaveBalance(b Balance, ref string) error
	HasRef(ref string) (bool, error)
	ListBalances(accountID string) ([]Balance, error)
}

type cellKey struct {
	account string
	asset   string
}

type cell struct {
	mu     sync.Mutex
	bal    Balance
	loaded bool
}

// Ledger is safe for concurrent use
type Ledger struct {
	mu    sync.Mutex // guards the cells map only, never held during a mutation
	cells map[cellKey]*cell
	store Store
	log   *zap.SugaredLogger
}

func New(store Store, log *zap.SugaredLogger) *Ledger {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Ledger{
		cells: make(map[cellKey]*cell),
		store: store,
		log:   log,
	}
}

func (l *Ledger) cell(accountID, asset string) *cell {
	k := cellKey{accountID, asset}
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.cells[k]
	if !ok {
		c = &cell{bal: Balance{AccountID: accountID, Asset: asset}}
		l.cells[k] = c
	}
	return c
}

// load fills the cell from the store on first use (caller holds c.mu)
func (l *Ledger) load(c *cell) error {
	if c.loaded {
		return nil
	}
	b, ok, err := l.store.LoadBalance(c.bal.AccountID, c.bal.Asset)
	if err != nil {
		return fmt.Errorf("load balance %s/%s: %w", c.bal.AccountID, c.bal.Asset, err)
	}
	if ok {
		c.bal = b
	}
	c.loaded = true
	return nil
}

// mutate runs fn on a copy of the cell's balance and commits it only if the
// result is non-negative and the store accepted it (caller holds c.mu)
func (l *Ledger) mutate(c *cell, ref string, fn func(b *Balance)) (Balance, error) {
	if err := account.ValidateID(c.bal.AccountID); err != nil {
		return c.bal, err
	}
	if err := l.load(c); err != nil {
		return Balance{}, err
	}
	next := c.bal
	fn(&next)
	if next.Available < 0 || next.Locked < 0 {
		return c.bal, fmt.Errorf("%s/%s: available=%d locked=%d: %w",
			c.bal.AccountID, c.bal.Asset, c.bal.Available, c.bal.Locked, ErrInsufficientFunds)
	}
	if err := l.store.SaveBalance(next, ref); err != nil {
		return c.bal, fmt.Errorf("save balance %s/%s: %w", c.bal.AccountID, c.bal.Asset, err)
	}
	c.bal = next
	return next, nil
}

// Adjust adds delta (positive or negative) to one bucket
func (l *Ledger) Adjust(accountID, asset string, delta int64, bucket Bucket) (Balance, error) {
	c := l.cell(accountID, asset)
	c.mu.Lock()
	defer c.mu.Unlock()

	return l.mutate(c, "", func(b *Balance) {
		*b.bucket(bucket) += delta
	})
}

// Transfer moves amount between buckets of the same balance.
// Total holding is unchanged.
func (l *Ledger) Transfer(accountID, asset string, amount int64, from, to Bucket) (Balance, error) {
	if amount <= 0 {
		return Balance{}, fmt.Errorf("transfer amount must be positive: %d: %w", amount, ErrInvalidAmount)
	}
	if from == to {
		return Balance{}, fmt.Errorf("transfer within %s bucket: %w", from, ErrInvalidAmount)
	}

	c := l.cell(accountID, asset)
	c.mu.Lock()
	defer c.mu.Unlock()

	return l.mutate(c, "", func(b *Balance) {
		*b.bucket(from) -= amount
		*b.bucket(to) += amount
	})
}

// Deposit credits available (operator or bridge funding)
func (l *Ledger) Deposit(accountID, asset string, amount int64) (Balance, error) {
	if amount <= 0 {
		return Balance{}, fmt.Errorf("deposit amount must be positive: %d: %w", amount, ErrInvalidAmount)
	}
	return l.Adjust(accountID, asset, amount, Available)
}

// Credit adds amount to available exactly once per ref.
// Returns applied=false (and no error) when ref was already credited.
func (l *Ledger) Credit(accountID, asset string, amount int64, ref string) (Balance, bool, error) {
	if amount <= 0 {
		return Balance{}, false, fmt.Errorf("credit amount must be positive: %d: %w", amount, ErrInvalidAmount)
	}
	if ref == "" {
		return Balance{}, false, fmt.Errorf("credit requires a ref: %w", ErrInvalidAmount)
	}

	c := l.cell(accountID, asset)
	c.mu.Lock()
	defer c.mu.Unlock()

	// A ref is always credited to the same cell, so the cell lock covers the check
	seen, err := l.store.HasRef(ref)
	if err != nil {
		return Balance{}, false, fmt.Errorf("check credit ref %s: %w", ref, err)
	}
	if seen {
		if err := l.load(c); err != nil {
			return Balance{}, false, err
		}
		l.log.Debugw("credit_already_applied", "account", accountID, "asset", asset, "ref", ref)
		return c.bal, false, nil
	}

	b, err := l.mutate(c, ref, func(b *Balance) {
		b.Available += amount
	})
	if err != nil {
		return b, false, err
	}
	return b, true, nil
}

// Credited reports whether a Credit with ref has been applied
func (l *Ledger) Credited(ref string) (bool, error) {
	seen, err := l.store.HasRef(ref)
	if err != nil {
		return false, fmt.Errorf("check credit ref %s: %w", ref, err)
	}
	return seen, nil
}

// Balance returns the current balance of one asset (zero if never funded)
func (l *Ledger) Balance(accountID, asset string) (Balance, error) {
	c := l.cell(accountID, asset)
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := l.load(c); err != nil {
		return Balance{}, err
	}
	return c.bal, nil
}

// Balances returns every persisted balance of an account
func (l *Ledger) Balances(accountID string) ([]Balance, error) {
	if err := account.ValidateID(accountID); err != nil {
		return nil, err
	}
	bals, err := l.store.ListBalances(accountID)
	if err != nil {
		return nil, fmt.Errorf("list balances %s: %w", accountID, err)
	}
	return bals, nil
}
