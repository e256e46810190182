// Package events is the outbound event stream of the trading core.
//
// The core publishes to a Publisher and never waits on consumers. Bus is the
// in-process implementation: it stamps every event with a sequence number and
// fans it out to subscribers without blocking. A subscriber that falls behind
// loses events (at-most-once delivery) and is expected to reconcile with a
// snapshot read.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event names
const (
	MarketTick      = "market.tick"
	OrderAdmitted   = "order.admitted"
	OrderSettled    = "order.settled"
	OrderDeleted    = "order.deleted"
	BalanceSnapshot = "balance.snapshot"
	AccountUpdated  = "account.updated"
)

// Scope selects the sessions an event is routed to.
// The zero value is the global scope (every session).
type Scope struct {
	AccountID string
}

func Global() Scope { return Scope{} }

func Account(id string) Scope { return Scope{AccountID: id} }

func (s Scope) IsGlobal() bool { return s.AccountID == "" }

type Event struct {
	Seq     uint64
	Scope   Scope
	Name    string
	Payload any
	At      time.Time
}

type Publisher interface {
	Publish(scope Scope, name string, payload any)
}

// Nop discards everything
type Nop struct{}

func (Nop) Publish(Scope, string, any) {}

// Filter decides which events a subscription receives
type Filter struct {
	// All receives every event regardless of scope (used by transport hubs)
	All bool
	// AccountID receives global events plus events scoped to this account.
	// Empty means global events only.
	AccountID string
}

func (f Filter) matches(s Scope) bool {
	if f.All || s.IsGlobal() {
		return true
	}
	return f.AccountID != "" && f.AccountID == s.AccountID
}

type Subscription struct {
	id      uint64
	filter  Filter
	ch      chan Event
	dropped atomic.Int64
	bus     *Bus
}

// C returns the delivery channel. It is closed by Unsubscribe.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped returns how many events were discarded because the buffer was full
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

func (s *Subscription) Unsubscribe() { s.bus.unsubscribe(s) }

// Bus is a non-blocking fan-out. Publish holds the bus lock while enqueuing,
// so events for one account reach every subscriber in publication order.
type Bus struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	seq    uint64
	now    func() time.Time
}

func NewBus() *Bus {
	return &Bus{
		subs: make(map[uint64]*Subscription),
		now:  time.Now,
	}
}

// Subscribe registers a subscription with the given buffer size
func (b *Bus) Subscribe(f Filter, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		filter: f,
		ch:     make(chan Event, buffer),
		bus:    b,
	}
	b.subs[sub.id] = sub
	return sub
}

func (b *Bus) unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s.id]; ok {
		delete(b.subs, s.id)
		close(s.ch)
	}
}

func (b *Bus) Publish(scope Scope, name string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	ev := Event{Seq: b.seq, Scope: scope, Name: name, Payload: payload, At: b.now()}
	for _, sub := range b.subs {
		if !sub.filter.matches(scope) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Len returns the number of live subscriptions
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

var _ Publisher = (*Bus)(nil)
