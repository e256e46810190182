package ledger

import (
	"sort"
	"sync"
)

// MemStore is an in-memory Store for tests and ephemeral runs
type MemStore struct {
	mu       sync.RWMutex
	balances map[cellKey]Balance
	refs     map[string]struct{}

	failSaves int // next N SaveBalance calls fail
}

func NewMemStore() *MemStore {
	return &MemStore{
		balances: make(map[cellKey]Balance),
		refs:     make(map[string]struct{}),
	}
}

func (s *MemStore) LoadBalance(accountID, asset string) (Balance, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.balances[cellKey{accountID, asset}]
	return b, ok, nil
}

func (s *MemStore) SaveBalance(b Balance, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSaves > 0 {
		s.failSaves--
		return errStoreUnavailable
	}
	s.balances[cellKey{b.AccountID, b.Asset}] = b
	if ref != "" {
		s.refs[ref] = struct{}{}
	}
	return nil
}

func (s *MemStore) HasRef(ref string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.refs[ref]
	return ok, nil
}

func (s *MemStore) ListBalances(accountID string) ([]Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Balance
	for k, b := range s.balances {
		if k.account == accountID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

// FailNextSaves makes the next n SaveBalance calls fail
func (s *MemStore) FailNextSaves(n int) {
	s.mu.Lock()
	s.failSaves = n
	s.mu.Unlock()
}

type storeError string

func (e storeError) Error() string { return string(e) }

const errStoreUnavailable = storeError("store unavailable")

var _ Store = (*MemStore)(nil)
