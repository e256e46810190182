package events

import (
	"sync"
	"testing"
)

func drain(sub *Subscription) []Event {
	var out []Event
	for {
		select {
		case ev := <-sub.C():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestBusRouting(t *testing.T) {
	bus := NewBus()
	alice := bus.Subscribe(Filter{AccountID: "alice"}, 16)
	bob := bus.Subscribe(Filter{AccountID: "bob"}, 16)
	anon := bus.Subscribe(Filter{}, 16)
	hub := bus.Subscribe(Filter{All: true}, 16)

	bus.Publish(Global(), MarketTick, "tick-1")
	bus.Publish(Account("alice"), OrderAdmitted, "a-1")
	bus.Publish(Account("bob"), OrderAdmitted, "b-1")

	tests := []struct {
		name string
		sub  *Subscription
		want []string
	}{
		{"alice sees global and own", alice, []string{"tick-1", "a-1"}},
		{"bob sees global and own", bob, []string{"tick-1", "b-1"}},
		{"unbound session sees only global", anon, []string{"tick-1"}},
		{"hub sees everything", hub, []string{"tick-1", "a-1", "b-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := drain(tt.sub)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d events, want %d", len(got), len(tt.want))
			}
			for i, ev := range got {
				if ev.Payload != tt.want[i] {
					t.Errorf("event[%d] = %v, want %v", i, ev.Payload, tt.want[i])
				}
			}
		})
	}
}

func TestBusPerAccountOrdering(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(Filter{AccountID: "alice"}, 10000)

	// Concurrent tick publishers must not reorder alice's events
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				bus.Publish(Global(), MarketTick, -1)
			}
		}()
	}
	for i := 0; i < 500; i++ {
		bus.Publish(Account("alice"), OrderSettled, i)
	}
	wg.Wait()

	next := 0
	var lastSeq uint64
	for _, ev := range drain(sub) {
		if ev.Seq <= lastSeq {
			t.Fatalf("sequence went backwards: %d after %d", ev.Seq, lastSeq)
		}
		lastSeq = ev.Seq
		if ev.Name != OrderSettled {
			continue
		}
		if ev.Payload != next {
			t.Fatalf("account event out of order: got %v, want %d", ev.Payload, next)
		}
		next++
	}
	if next != 500 {
		t.Errorf("received %d account events, want 500", next)
	}
}

func TestBusDropsWhenFull(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(Filter{}, 2)

	for i := 0; i < 5; i++ {
		bus.Publish(Global(), MarketTick, i)
	}

	if got := len(drain(sub)); got != 2 {
		t.Errorf("buffered = %d, want 2", got)
	}
	if sub.Dropped() != 3 {
		t.Errorf("dropped = %d, want 3", sub.Dropped())
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(Filter{}, 1)
	sub.Unsubscribe()
	sub.Unsubscribe() // idempotent

	if _, ok := <-sub.C(); ok {
		t.Error("expected closed channel")
	}
	if bus.Len() != 0 {
		t.Errorf("Len = %d, want 0", bus.Len())
	}
	// Publishing after unsubscribe must not panic
	bus.Publish(Global(), MarketTick, nil)
}
