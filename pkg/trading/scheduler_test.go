package trading

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hyperbinary/params"
	"github.com/uhyunpark/hyperbinary/pkg/order"
)

func TestTimerOrdering(t *testing.T) {
	base := time.Now()
	a := timerEntry{At: base, OrderID: "b"}
	b := timerEntry{At: base, OrderID: "a"}
	c := timerEntry{At: base.Add(-time.Second), OrderID: "z"}

	if !timerLess(c, a) || !timerLess(b, a) || timerLess(a, b) {
		t.Error("entries must order by expiry, then order id")
	}
}

func TestSchedulerArmDisarm(t *testing.T) {
	h := newHarness(t, nil)
	s := h.eng.scheduler
	now := h.clock.Now()

	s.Arm("o1", now.Add(3*time.Second))
	s.Arm("o2", now.Add(time.Second))
	s.Arm("o1", now.Add(5*time.Second)) // re-arm replaces
	if s.Armed() != 2 {
		t.Fatalf("armed = %d, want 2", s.Armed())
	}
	head, _ := s.queue.Min()
	if head.OrderID != "o2" {
		t.Errorf("head = %s, want o2", head.OrderID)
	}

	s.Disarm("o2")
	s.Disarm("missing")
	if s.Armed() != 1 {
		t.Errorf("armed = %d, want 1", s.Armed())
	}
}

func TestSchedulerFiresAtExpiry(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(t, alice, 10_000)
	h.setPrice(t, 65000)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := h.eng.Start(ctx); err != nil {
		t.Fatal(err)
	}

	o, err := h.place(alice, "DOWN", "50")
	if err != nil {
		t.Fatal(err)
	}
	h.setPrice(t, 64000)

	waitFor(t, "timer armed", func() bool { return h.clock.Waiters() >= 1 })
	h.clock.Advance(4 * time.Second)

	// not yet due
	time.Sleep(10 * time.Millisecond)
	if got, _ := h.repo.Get(o.ID); got.Status != order.Active {
		t.Fatalf("settled before expiry: %s", got.Status)
	}

	settled := func() bool {
		got, _ := h.repo.Get(o.ID)
		return got.Status != order.Active
	}
	deadline := time.Now().Add(3 * time.Second)
	for !settled() {
		if time.Now().After(deadline) {
			t.Fatal("timer never fired")
		}
		h.clock.Advance(time.Second)
		time.Sleep(2 * time.Millisecond)
	}

	got, _ := h.repo.Get(o.ID)
	if got.Status != order.Won {
		t.Errorf("status = %s, want WON", got.Status)
	}
	waitFor(t, "credit", func() bool { return h.available(t, alice) == 14_000 })

	cancel()
	h.eng.Wait()
}

func TestSchedulerWakesForEarlierOrder(t *testing.T) {
	h := newHarness(t, func(c *params.Trading) { c.MaxExpiry = time.Hour })
	h.fund(t, alice, 10_000)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.eng.Start(ctx)

	late, _ := h.eng.PlaceOrder(ctx, PlaceRequest{AccountID: alice, Symbol: btc, Direction: "UP", Stake: "10", ExpiryMs: 3_600_000})
	early, _ := h.place(alice, "UP", "10")

	// the early order must not wait behind the hour-long one
	deadline := time.Now().Add(3 * time.Second)
	for {
		got, _ := h.repo.Get(early.ID)
		if got.Status != order.Active {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("early order never settled")
		}
		h.clock.Advance(time.Second)
		time.Sleep(2 * time.Millisecond)
	}
	if got, _ := h.repo.Get(late.ID); got.Status != order.Active {
		t.Errorf("late order settled early: %s", got.Status)
	}
}

// Orders left ACTIVE by a previous process are settled on start-up
func TestRecoverSettlesOverdueOrders(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(t, alice, 5_000) // stakes already debited by the previous process
	h.setPrice(t, 65100)

	now := h.clock.Now()
	for i, id := range []string{"old-1", "old-2"} {
		o := &order.Order{
			ID:         id,
			AccountID:  alice,
			Symbol:     btc,
			Asset:      usdt,
			Direction:  order.Up,
			Stake:      2_500,
			EntryPrice: decimal.RequireFromString("65000"),
			PayoutBps:  8000,
			Status:     order.Active,
			CreatedAt:  now.Add(-time.Minute),
			ExpiryAt:   now.Add(-time.Duration(i+1) * time.Second),
		}
		if err := h.repo.Create(o); err != nil {
			t.Fatal(err)
		}
	}
	future := &order.Order{
		ID: "future", AccountID: alice, Symbol: btc, Asset: usdt, Direction: order.Up,
		Stake: 100, EntryPrice: decimal.RequireFromString("65000"), PayoutBps: 8000,
		Status: order.Active, CreatedAt: now, ExpiryAt: now.Add(time.Hour),
	}
	h.repo.Create(future)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := h.eng.Start(ctx); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "overdue orders settled", func() bool {
		active, _ := h.repo.ListActive()
		return len(active) == 1 && active[0].ID == "future"
	})
	// 5000 + 2 × (2500 + 2000)
	waitFor(t, "credits", func() bool { return h.available(t, alice) == 14_000 })
	if h.eng.Armed() != 1 {
		t.Errorf("armed = %d, want 1", h.eng.Armed())
	}
}

func TestSweepSettlesMissedTimers(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(t, alice, 10_000)
	h.setPrice(t, 65000)
	for i := 0; i < 3; i++ {
		if _, err := h.place(alice, "UP", "10"); err != nil {
			t.Fatal(err)
		}
	}
	h.clock.Advance(5 * time.Second)

	if n := h.eng.Sweep(context.Background()); n != 3 {
		t.Errorf("sweep settled %d, want 3", n)
	}
	if n := h.eng.Sweep(context.Background()); n != 0 {
		t.Errorf("second sweep settled %d, want 0", n)
	}
	if h.eng.Armed() != 0 {
		t.Errorf("armed = %d after sweep", h.eng.Armed())
	}
}

func TestKeyedMutexReleasesKeys(t *testing.T) {
	k := newKeyedMutex()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("order")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Errorf("counter = %d", counter)
	}
	if k.size() != 0 {
		t.Errorf("keys left = %d", k.size())
	}
}
