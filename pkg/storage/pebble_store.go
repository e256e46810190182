// Package storage provides Pebble-backed persistence for account state,
// ledger balances and orders. One PebbleStore satisfies account.Store,
// ledger.Store and order.Repository so a single database holds the venue.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/hyperbinary/pkg/account"
	"github.com/uhyunpark/hyperbinary/pkg/ledger"
	"github.com/uhyunpark/hyperbinary/pkg/order"
)

type PebbleStore struct {
	db *pebble.DB

	// orderMu serialises order read-modify-write so Settle is a compare-and-set
	orderMu sync.Mutex
}

// NewPebbleStore opens a Pebble database at the given path
func NewPebbleStore(path string) (*PebbleStore, error) {
	opts := &pebble.Options{
		Cache:                    pebble.NewCache(64 << 20), // 64MB cache
		MemTableSize:             32 << 20,                  // 32MB memtable
		MaxConcurrentCompactions: func() int { return 2 },
		MaxOpenFiles:             1000,
		BytesPerSync:             512 << 10,
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// getJSON loads and decodes a key; returns false if the key doesn't exist
func (s *PebbleStore) getJSON(key []byte, v any) (bool, error) {
	data, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer closer.Close()
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

// scan decodes every value under prefix, skipping entries that fail to decode
func scan[T any](s *PebbleStore, prefix []byte) ([]T, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []T
	for iter.First(); iter.Valid(); iter.Next() {
		var v T
		if err := json.Unmarshal(iter.Value(), &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, iter.Error()
}

// ============================================================================
// account.Store
// ============================================================================

func (s *PebbleStore) LoadState(accountID string) (account.State, bool, error) {
	var st account.State
	ok, err := s.getJSON(accountKey(accountID), &st)
	if err != nil {
		return account.State{}, false, fmt.Errorf("failed to get account: %w", err)
	}
	return st, ok, nil
}

func (s *PebbleStore) SaveState(st account.State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}
	if err := s.db.Set(accountKey(st.AccountID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// ============================================================================
// ledger.Store
// ============================================================================

func (s *PebbleStore) LoadBalance(accountID, asset string) (ledger.Balance, bool, error) {
	var b ledger.Balance
	ok, err := s.getJSON(balanceKey(accountID, asset), &b)
	if err != nil {
		return ledger.Balance{}, false, fmt.Errorf("failed to get balance: %w", err)
	}
	return b, ok, nil
}

// SaveBalance writes the balance and, if ref is set, the credit marker in one batch
func (s *PebbleStore) SaveBalance(b ledger.Balance, ref string) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal balance: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(balanceKey(b.AccountID, b.Asset), data, nil); err != nil {
		return err
	}
	if ref != "" {
		if err := batch.Set(refKey(ref), []byte{1}, nil); err != nil {
			return err
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to save balance: %w", err)
	}
	return nil
}

func (s *PebbleStore) HasRef(ref string) (bool, error) {
	_, closer, err := s.db.Get(refKey(ref))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get ref: %w", err)
	}
	closer.Close()
	return true, nil
}

func (s *PebbleStore) ListBalances(accountID string) ([]ledger.Balance, error) {
	return scan[ledger.Balance](s, balancePrefix(accountID))
}

// ============================================================================
// order.Repository
// ============================================================================

func (s *PebbleStore) Create(o *order.Order) error {
	s.orderMu.Lock()
	defer s.orderMu.Unlock()

	var existing order.Order
	ok, err := s.getJSON(orderKey(o.ID), &existing)
	if err != nil {
		return fmt.Errorf("failed to get order: %w", err)
	}
	if ok {
		return fmt.Errorf("order %s: %w", o.ID, order.ErrExists)
	}
	return s.writeOrder(o)
}

func (s *PebbleStore) writeOrder(o *order.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(orderKey(o.ID), data, nil); err != nil {
		return err
	}
	if err := batch.Set(accountOrderKey(o.AccountID, o.ID), nil, nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

func (s *PebbleStore) Get(id string) (*order.Order, error) {
	var o order.Order
	ok, err := s.getJSON(orderKey(id), &o)
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, order.ErrNotFound)
	}
	return &o, nil
}

func (s *PebbleStore) Settle(id string, r order.Result) (*order.Order, error) {
	s.orderMu.Lock()
	defer s.orderMu.Unlock()

	o, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if err := o.Apply(r); err != nil {
		return nil, err
	}
	if err := s.writeOrder(o); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *PebbleStore) Delete(id string) (*order.Order, error) {
	s.orderMu.Lock()
	defer s.orderMu.Unlock()

	o, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete(orderKey(id), nil); err != nil {
		return nil, err
	}
	if err := batch.Delete(accountOrderKey(o.AccountID, id), nil); err != nil {
		return nil, err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return nil, fmt.Errorf("failed to delete order: %w", err)
	}
	return o, nil
}

func (s *PebbleStore) ListActive() ([]*order.Order, error) {
	all, err := scan[order.Order](s, orderPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to scan orders: %w", err)
	}
	var out []*order.Order
	for i := range all {
		if all[i].Status == order.Active {
			out = append(out, &all[i])
		}
	}
	order.SortByExpiry(out)
	return out, nil
}

func (s *PebbleStore) ListByAccount(accountID string, activeOnly bool) ([]*order.Order, error) {
	prefix := accountOrderPrefix(accountID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	var ids []string
	for iter.First(); iter.Valid(); iter.Next() {
		ids = append(ids, strings.TrimPrefix(string(iter.Key()), string(prefix)))
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	sort.Strings(ids)

	var out []*order.Order
	for _, id := range ids {
		o, err := s.Get(id)
		if errors.Is(err, order.ErrNotFound) {
			continue // index raced a delete
		}
		if err != nil {
			return nil, err
		}
		if activeOnly && o.Status != order.Active {
			continue
		}
		out = append(out, o)
	}
	order.SortByExpiry(out)
	return out, nil
}

var (
	_ account.Store    = (*PebbleStore)(nil)
	_ ledger.Store     = (*PebbleStore)(nil)
	_ order.Repository = (*PebbleStore)(nil)
)
