package order

import (
	"fmt"
	"sort"
	"sync"
)

// MemRepository is an in-memory Repository
type MemRepository struct {
	mu     sync.RWMutex
	orders map[string]*Order

	failSettles int
}

func NewMemRepository() *MemRepository {
	return &MemRepository{orders: make(map[string]*Order)}
}

func (r *MemRepository) Create(o *Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.orders[o.ID]; exists {
		return fmt.Errorf("order %s: %w", o.ID, ErrExists)
	}
	r.orders[o.ID] = o.Clone()
	return nil
}

func (r *MemRepository) Get(id string) (*Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return o.Clone(), nil
}

func (r *MemRepository) Settle(id string, res Result) (*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSettles > 0 {
		r.failSettles--
		return nil, fmt.Errorf("settle %s: repository unavailable", id)
	}
	o, ok := r.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	next := o.Clone()
	if err := next.Apply(res); err != nil {
		return nil, err
	}
	r.orders[id] = next
	return next.Clone(), nil
}

func (r *MemRepository) Delete(id string) (*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	delete(r.orders, id)
	return o, nil
}

func (r *MemRepository) ListActive() ([]*Order, error) {
	return r.list(func(o *Order) bool { return o.Status == Active }), nil
}

func (r *MemRepository) ListByAccount(accountID string, activeOnly bool) ([]*Order, error) {
	return r.list(func(o *Order) bool {
		return o.AccountID == accountID && (!activeOnly || o.Status == Active)
	}), nil
}

func (r *MemRepository) list(keep func(*Order) bool) []*Order {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Order
	for _, o := range r.orders {
		if keep(o) {
			out = append(out, o.Clone())
		}
	}
	SortByExpiry(out)
	return out
}

// FailNextSettles makes the next n Settle calls fail without applying
func (r *MemRepository) FailNextSettles(n int) {
	r.mu.Lock()
	r.failSettles = n
	r.mu.Unlock()
}

// SortByExpiry orders by expiry, then ID
func SortByExpiry(orders []*Order) {
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].ExpiryAt.Equal(orders[j].ExpiryAt) {
			return orders[i].ExpiryAt.Before(orders[j].ExpiryAt)
		}
		return orders[i].ID < orders[j].ID
	})
}

var _ Repository = (*MemRepository)(nil)
