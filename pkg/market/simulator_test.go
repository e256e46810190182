package market

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/uhyunpark/hyperbinary/pkg/events"
)

func newTestSimulator(t *testing.T, pub events.Publisher) *Simulator {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Seed = 42
	sim := NewSimulator(cfg, pub, nil)
	for _, inst := range []Instrument{
		{Symbol: "BTC-USDT", BaseAsset: "BTC", QuoteAsset: "USDT", BasePrice: 65000, PriceDecimals: 2},
		{Symbol: "ETH-USDT", BaseAsset: "ETH", QuoteAsset: "USDT", BasePrice: 3200, PriceDecimals: 2},
	} {
		if err := sim.Register(inst); err != nil {
			t.Fatalf("register %s: %v", inst.Symbol, err)
		}
	}
	return sim
}

func TestRegister(t *testing.T) {
	sim := newTestSimulator(t, nil)

	if err := sim.Register(Instrument{Symbol: "BTC-USDT", BasePrice: 1}); err == nil {
		t.Error("expected duplicate registration to fail")
	}
	if err := sim.Register(Instrument{Symbol: "BAD", BasePrice: 0}); err == nil {
		t.Error("expected zero base price to fail")
	}

	list := sim.List()
	if len(list) != 2 || list[0].Symbol != "BTC-USDT" || list[1].Symbol != "ETH-USDT" {
		t.Errorf("List() = %+v", list)
	}

	price, ok := sim.CurrentPrice("BTC-USDT")
	if !ok || price != 65000 {
		t.Errorf("CurrentPrice = %v, %v; want 65000, true", price, ok)
	}
}

func TestUnknownSymbolReturnsZero(t *testing.T) {
	sim := newTestSimulator(t, nil)

	price, ok := sim.CurrentPrice("DOGE-USDT")
	if ok || price != 0 {
		t.Errorf("CurrentPrice(unknown) = %v, %v; want 0, false", price, ok)
	}
	if _, err := sim.Instrument("DOGE-USDT"); err == nil {
		t.Error("expected error for unknown instrument")
	}
}

func TestTickInvariants(t *testing.T) {
	sim := newTestSimulator(t, nil)

	prevHigh := map[string]float64{}
	prevLow := map[string]float64{}
	for i := 0; i < 2000; i++ {
		for sym, tk := range sim.Tick() {
			if !(tk.Bid < tk.Price && tk.Price < tk.Ask) {
				t.Fatalf("tick %d %s: bid/price/ask out of order: %v %v %v", i, sym, tk.Bid, tk.Price, tk.Ask)
			}
			if !(tk.Low24h <= tk.Price && tk.Price <= tk.High24h) {
				t.Fatalf("tick %d %s: price %v outside [%v, %v]", i, sym, tk.Price, tk.Low24h, tk.High24h)
			}
			if tk.High24h < prevHigh[sym] {
				t.Fatalf("tick %d %s: high narrowed %v -> %v", i, sym, prevHigh[sym], tk.High24h)
			}
			if prevLow[sym] != 0 && tk.Low24h > prevLow[sym] {
				t.Fatalf("tick %d %s: low narrowed %v -> %v", i, sym, prevLow[sym], tk.Low24h)
			}
			prevHigh[sym] = tk.High24h
			prevLow[sym] = tk.Low24h
		}
	}
}

func TestTickStepIsBounded(t *testing.T) {
	sim := newTestSimulator(t, nil)
	maxStep := DefaultConfig().MaxStep

	prev, _ := sim.CurrentPrice("ETH-USDT")
	for i := 0; i < 500; i++ {
		next := sim.Tick()["ETH-USDT"].Price
		change := math.Abs(next/prev - 1)
		if change > maxStep+1e-12 {
			t.Fatalf("step %d moved %.6f, max %.6f", i, change, maxStep)
		}
		prev = next
	}
}

func TestTickBroadcastsIdenticalSnapshot(t *testing.T) {
	bus := events.NewBus()
	a := bus.Subscribe(events.Filter{AccountID: "alice"}, 8)
	b := bus.Subscribe(events.Filter{AccountID: "bob"}, 8)
	sim := newTestSimulator(t, bus)

	out := sim.Tick()

	evA := <-a.C()
	evB := <-b.C()
	if evA.Seq != evB.Seq {
		t.Fatalf("sessions saw different events: %d vs %d", evA.Seq, evB.Seq)
	}
	batch, ok := evA.Payload.([]Ticker)
	if !ok {
		t.Fatalf("payload type %T", evA.Payload)
	}
	if len(batch) != 2 {
		t.Fatalf("batch len = %d, want 2", len(batch))
	}
	for _, tk := range batch {
		if out[tk.Symbol] != tk {
			t.Errorf("broadcast %s = %+v, returned %+v", tk.Symbol, tk, out[tk.Symbol])
		}
	}
}

func TestBrokenInstrumentDoesNotBlockOthers(t *testing.T) {
	sim := newTestSimulator(t, nil)

	// Corrupt one instrument's state directly
	sim.mu.Lock()
	sim.states["BTC-USDT"].ticker.Price = math.NaN()
	sim.mu.Unlock()

	ethBefore, _ := sim.CurrentPrice("ETH-USDT")
	out := sim.Tick()

	if out["ETH-USDT"].Seq != 1 {
		t.Errorf("ETH did not tick")
	}
	if out["ETH-USDT"].Price == ethBefore {
		t.Log("ETH price unchanged (possible but unlikely)")
	}
	if btc := out["BTC-USDT"].Price; btc != 65000 {
		t.Errorf("BTC should reset to base price, got %v", btc)
	}
}

func TestSetPrice(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(events.Filter{}, 4)
	sim := newTestSimulator(t, bus)

	tk, err := sim.SetPrice("BTC-USDT", 65100)
	if err != nil {
		t.Fatal(err)
	}
	if tk.Price != 65100 || tk.High24h != 65100 {
		t.Errorf("ticker = %+v", tk)
	}
	if got, _ := sim.CurrentPrice("BTC-USDT"); got != 65100 {
		t.Errorf("CurrentPrice = %v", got)
	}

	ev := <-sub.C()
	if ev.Name != events.MarketTick {
		t.Errorf("event = %s, want %s", ev.Name, events.MarketTick)
	}

	if _, err := sim.SetPrice("BTC-USDT", -1); err == nil {
		t.Error("expected negative price to fail")
	}
	if _, err := sim.SetPrice("NOPE", 1); err == nil {
		t.Error("expected unknown symbol to fail")
	}
}

func TestUpdateStatus(t *testing.T) {
	sim := newTestSimulator(t, nil)

	if err := sim.UpdateStatus("ETH-USDT", Paused); err != nil {
		t.Fatal(err)
	}
	inst, _ := sim.Instrument("ETH-USDT")
	if inst.Status != Paused {
		t.Errorf("status = %s, want Paused", inst.Status)
	}
	if err := sim.UpdateStatus("NOPE", Paused); err == nil {
		t.Error("expected error for unknown symbol")
	}

	s, err := ParseStatus("active")
	if err != nil || s != Active {
		t.Errorf("ParseStatus(active) = %v, %v", s, err)
	}
	if _, err := ParseStatus("halted"); err == nil {
		t.Error("expected parse error")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinInterval = time.Millisecond
	cfg.MaxInterval = 2 * time.Millisecond
	cfg.Seed = 7
	sim := NewSimulator(cfg, nil, nil)
	if err := sim.Register(Instrument{Symbol: "BTC-USDT", BasePrice: 100, PriceDecimals: 2}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sim.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		tk, _ := sim.Ticker("BTC-USDT")
		if tk.Seq >= 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("simulator did not tick")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
