package account

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrInvalidID rejects account IDs that cannot be used as storage key segments
var ErrInvalidID = errors.New("invalid_account_id")

// ValidateID checks that id is non-empty and free of the ':' key separator.
// A ':' would let one account's keys fall under another account's prefix.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("account id is empty: %w", ErrInvalidID)
	}
	if strings.ContainsRune(id, ':') {
		return fmt.Errorf("account id %q contains ':': %w", id, ErrInvalidID)
	}
	return nil
}

// State is the account-level control surface read at admission time.
// It is written only by the operator console and copied onto each order
// when it is admitted, so later flag changes never alter an order in flight.
type State struct {
	AccountID      string    `json:"accountId"`
	TradingEnabled bool      `json:"tradingEnabled"`
	Blocked        bool      `json:"blocked"`
	PayoutBps      int64     `json:"payoutBps,omitempty"` // 0 = venue default
	UpdatedAt      time.Time `json:"updatedAt"`
}

// CanTrade returns true if new wagers may be admitted
func (s State) CanTrade() bool {
	return s.TradingEnabled && !s.Blocked
}

// Store persists account state
type Store interface {
	LoadState(accountID string) (State, bool, error)
	SaveState(s State) error
}

// ChangeHook observes a committed state change
type ChangeHook func(prev, next State)

// Directory manages account state in a thread-safe manner
// Uses in-memory cache + Store persistence for durability
type Directory struct {
	mu     sync.RWMutex
	states map[string]State
	store  Store
	hooks  []ChangeHook
	log    *zap.SugaredLogger
	now    func() time.Time
}

func NewDirectory(store Store, log *zap.SugaredLogger) *Directory {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Directory{
		states: make(map[string]State),
		store:  store,
		log:    log,
		now:    time.Now,
	}
}

// OnChange registers a hook called after every committed change.
// Hooks run outside the directory lock.
func (d *Directory) OnChange(h ChangeHook) {
	d.mu.Lock()
	d.hooks = append(d.hooks, h)
	d.mu.Unlock()
}

func defaultState(accountID string) State {
	return State{AccountID: accountID, TradingEnabled: true}
}

// GetAccountState returns the current state, loading it from the store on a cache miss.
// Unknown accounts get the default state (trading enabled, not blocked).
func (d *Directory) GetAccountState(accountID string) (State, error) {
	d.mu.RLock()
	s, ok := d.states[accountID]
	d.mu.RUnlock()
	if ok {
		return s, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.getLocked(accountID)
}

// getLocked is an internal helper that gets state (assumes lock is held)
func (d *Directory) getLocked(accountID string) (State, error) {
	if s, ok := d.states[accountID]; ok {
		return s, nil
	}
	s, ok, err := d.store.LoadState(accountID)
	if err != nil {
		return State{}, fmt.Errorf("load account %s: %w", accountID, err)
	}
	if !ok {
		s = defaultState(accountID)
	}
	d.states[accountID] = s
	return s, nil
}

func (d *Directory) update(accountID string, fn func(s *State) error) (State, error) {
	if err := ValidateID(accountID); err != nil {
		return State{}, err
	}

	d.mu.Lock()
	prev, err := d.getLocked(accountID)
	if err != nil {
		d.mu.Unlock()
		return State{}, err
	}
	next := prev
	if err := fn(&next); err != nil {
		d.mu.Unlock()
		return prev, err
	}
	next.UpdatedAt = d.now()
	if err := d.store.SaveState(next); err != nil {
		d.mu.Unlock()
		return prev, fmt.Errorf("save account %s: %w", accountID, err)
	}
	d.states[accountID] = next
	hooks := append([]ChangeHook(nil), d.hooks...)
	d.mu.Unlock()

	d.log.Infow("account_state_changed",
		"account", accountID,
		"trading_enabled", next.TradingEnabled,
		"blocked", next.Blocked,
		"payout_bps", next.PayoutBps)

	for _, h := range hooks {
		h(prev, next)
	}
	return next, nil
}

func (d *Directory) SetTradingEnabled(accountID string, enabled bool) (State, error) {
	return d.update(accountID, func(s *State) error {
		s.TradingEnabled = enabled
		return nil
	})
}

func (d *Directory) SetBlocked(accountID string, blocked bool) (State, error) {
	return d.update(accountID, func(s *State) error {
		s.Blocked = blocked
		return nil
	})
}

// SetPayoutBps overrides the win payout rate for one account (0 restores the default)
func (d *Directory) SetPayoutBps(accountID string, bps int64) (State, error) {
	return d.update(accountID, func(s *State) error {
		if bps < 0 || bps > 10000 {
			return fmt.Errorf("payout bps out of range [0, 10000]: %d", bps)
		}
		s.PayoutBps = bps
		return nil
	})
}

// MemStore is an in-memory Store
type MemStore struct {
	mu     sync.RWMutex
	states map[string]State
}

func NewMemStore() *MemStore {
	return &MemStore{states: make(map[string]State)}
}

func (m *MemStore) LoadState(accountID string) (State, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[accountID]
	return s, ok, nil
}

func (m *MemStore) SaveState(s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[s.AccountID] = s
	return nil
}

var _ Store = (*MemStore)(nil)
