package trading

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperbinary/pkg/order"
	"github.com/uhyunpark/hyperbinary/pkg/util"
)

// timerEntry is one armed settlement. Ordered by expiry, then order ID,
// so Min() is always the next settlement due.
type timerEntry struct {
	At      time.Time
	OrderID string
}

func timerLess(a, b timerEntry) bool {
	if !a.At.Equal(b.At) {
		return a.At.Before(b.At)
	}
	return a.OrderID < b.OrderID
}

// Scheduler fires settlements at expiry. One goroutine sleeps until the
// earliest armed expiry; due settlements run on a bounded worker pool.
type Scheduler struct {
	mu    sync.Mutex
	queue *btree.BTreeG[timerEntry]
	index map[string]timerEntry // order_id → entry
	wake  chan struct{}

	settler *Settler
	repo    order.Repository
	clock   util.Clock
	log     *zap.SugaredLogger

	workers chan struct{}
	wg      sync.WaitGroup
}

func NewScheduler(settler *Settler, repo order.Repository, workers int, clock util.Clock, log *zap.SugaredLogger) *Scheduler {
	const degree = 32
	if workers <= 0 {
		workers = 16
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Scheduler{
		queue:   btree.NewG[timerEntry](degree, timerLess),
		index:   make(map[string]timerEntry),
		wake:    make(chan struct{}, 1),
		settler: settler,
		repo:    repo,
		clock:   clock,
		log:     log,
		workers: make(chan struct{}, workers),
	}
}

// Arm schedules settlement of orderID at expiry (re-arming replaces the old entry)
func (s *Scheduler) Arm(orderID string, at time.Time) {
	s.mu.Lock()
	if old, ok := s.index[orderID]; ok {
		s.queue.Delete(old)
	}
	e := timerEntry{At: at, OrderID: orderID}
	s.queue.ReplaceOrInsert(e)
	s.index[orderID] = e
	head, _ := s.queue.Min()
	s.mu.Unlock()

	if head.OrderID == orderID {
		s.poke()
	}
}

// Disarm removes an armed settlement; no-op if it already fired
func (s *Scheduler) Disarm(orderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.index[orderID]; ok {
		s.queue.Delete(e)
		delete(s.index, orderID)
	}
}

// Armed returns the number of settlements waiting to fire
func (s *Scheduler) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run fires due settlements until ctx is cancelled, then waits for
// in-flight settlements to finish
func (s *Scheduler) Run(ctx context.Context) {
	defer s.wg.Wait()
	for {
		var timer <-chan time.Time
		s.mu.Lock()
		head, ok := s.queue.Min()
		s.mu.Unlock()
		if ok {
			timer = s.clock.After(head.At.Sub(s.clock.Now()))
		}

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer:
			s.fireDue(ctx)
		}
	}
}

// fireDue pops every entry due by now and hands it to a worker
func (s *Scheduler) fireDue(ctx context.Context) {
	now := s.clock.Now()
	var due []string

	s.mu.Lock()
	for {
		head, ok := s.queue.Min()
		if !ok || head.At.After(now) {
			break
		}
		s.queue.DeleteMin()
		delete(s.index, head.OrderID)
		due = append(due, head.OrderID)
	}
	s.mu.Unlock()

	for _, id := range due {
		select {
		case s.workers <- struct{}{}:
		case <-ctx.Done():
			return
		}
		s.wg.Add(1)
		go func(id string) {
			defer s.wg.Done()
			defer func() { <-s.workers }()
			s.settleOne(ctx, id)
		}(id)
	}
}

func (s *Scheduler) settleOne(ctx context.Context, orderID string) {
	_, err := s.settler.Settle(ctx, orderID)
	switch {
	case err == nil, errors.Is(err, ErrDoubleSettlement), errors.Is(err, order.ErrNotFound):
	case errors.Is(err, ErrNotExpired):
		// clock skew between the queue and the order record; try again at expiry
		if o, gerr := s.repo.Get(orderID); gerr == nil {
			s.Arm(orderID, o.ExpiryAt)
		}
	default:
		s.log.Errorw("scheduled_settlement_failed", "order", orderID, "err", err)
	}
}

// Sweep settles every ACTIVE order already past expiry, plus any settlement
// whose outcome was decided but never persisted. Returns how many settled.
func (s *Scheduler) Sweep(ctx context.Context) int {
	now := s.clock.Now()
	active, err := s.repo.ListActive()
	if err != nil {
		s.log.Errorw("sweep_list_failed", "err", err)
		return 0
	}

	ids := s.settler.Pending()
	for _, o := range active {
		if o.ExpiryAt.After(now) {
			break // sorted by expiry
		}
		ids = append(ids, o.ID)
	}

	settled := 0
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] || ctx.Err() != nil {
			continue
		}
		seen[id] = true
		if _, err := s.settler.Settle(ctx, id); err == nil {
			settled++
			s.Disarm(id)
		} else if !errors.Is(err, ErrDoubleSettlement) && !errors.Is(err, order.ErrNotFound) {
			s.log.Warnw("sweep_settlement_failed", "order", id, "err", err)
		}
	}
	if settled > 0 {
		s.log.Infow("sweep_settled", "count", settled)
	}
	return settled
}

// Recover re-arms every ACTIVE order found in the repository.
// Orders already past expiry fire on the next Run iteration.
func (s *Scheduler) Recover() (int, error) {
	active, err := s.repo.ListActive()
	if err != nil {
		return 0, err
	}
	for _, o := range active {
		s.Arm(o.ID, o.ExpiryAt)
	}
	s.log.Infow("settlements_recovered", "count", len(active))
	return len(active), nil
}
