package market

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/hyperbinary/pkg/events"
)

// Config controls the random walk and tick cadence
type Config struct {
	MinInterval time.Duration
	MaxInterval time.Duration

	SpreadFraction float64 // spread = price × SpreadFraction
	Volatility     float64 // gaussian noise scale per tick
	MaxStep        float64 // |noise| is clamped to this
	MoodStep       float64 // gaussian step of the market mood walk
	DriftScale     float64 // how much mood (in [-1, 1]) biases each tick

	Seed int64 // 0 = seeded from the wall clock
}

func DefaultConfig() Config {
	return Config{
		MinInterval:    700 * time.Millisecond,
		MaxInterval:    1200 * time.Millisecond,
		SpreadFraction: 0.0002,
		Volatility:     0.0006,
		MaxStep:        0.005,
		MoodStep:       0.05,
		DriftScale:     0.0002,
	}
}

type instrumentState struct {
	ticker Ticker
	open   float64 // reference for Change24h
	mood   float64 // drifting bias, always in [-1, 1]
}

// Simulator is the single source of truth for synthetic prices.
// All reads return value copies; nothing outside the simulator holds a
// reference to its state.
type Simulator struct {
	mu          sync.RWMutex
	cfg         Config
	rng         *rand.Rand
	instruments map[string]*Instrument
	states      map[string]*instrumentState
	symbols     []string // sorted, for deterministic tick order

	pub events.Publisher
	log *zap.SugaredLogger
	now func() time.Time
}

// NewSimulator creates a simulator with no instruments
func NewSimulator(cfg Config, pub events.Publisher, log *zap.SugaredLogger) *Simulator {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultConfig().MinInterval
	}
	if cfg.MaxInterval < cfg.MinInterval {
		cfg.MaxInterval = cfg.MinInterval
	}
	if cfg.SpreadFraction <= 0 {
		cfg.SpreadFraction = DefaultConfig().SpreadFraction
	}
	if cfg.MaxStep <= 0 || cfg.MaxStep >= 1 {
		cfg.MaxStep = DefaultConfig().MaxStep
	}
	seed := uint64(cfg.Seed)
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	if pub == nil {
		pub = events.Nop{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Simulator{
		cfg:         cfg,
		rng:         rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		instruments: make(map[string]*Instrument),
		states:      make(map[string]*instrumentState),
		pub:         pub,
		log:         log,
		now:         time.Now,
	}
}

// Register adds an instrument and seeds its ticker at the base price
// Returns error if an instrument with the same symbol already exists
func (s *Simulator) Register(inst Instrument) error {
	if err := inst.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instruments[inst.Symbol]; exists {
		return fmt.Errorf("instrument %s already registered", inst.Symbol)
	}

	cp := inst
	s.instruments[inst.Symbol] = &cp

	st := &instrumentState{open: inst.BasePrice}
	st.ticker = Ticker{
		Symbol:    inst.Symbol,
		High24h:   inst.BasePrice,
		Low24h:    inst.BasePrice,
		Timestamp: s.now().UnixMilli(),
	}
	s.applyPrice(st, inst.BasePrice)
	s.states[inst.Symbol] = st

	s.symbols = append(s.symbols, inst.Symbol)
	sort.Strings(s.symbols)
	return nil
}

// Instrument retrieves an instrument by symbol
func (s *Simulator) Instrument(symbol string) (Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instruments[symbol]
	if !ok {
		return Instrument{}, fmt.Errorf("instrument %s not found", symbol)
	}
	return *inst, nil
}

// List returns all registered instruments sorted by symbol
func (s *Simulator) List() []Instrument {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Instrument, 0, len(s.symbols))
	for _, sym := range s.symbols {
		out = append(out, *s.instruments[sym])
	}
	return out
}

// UpdateStatus pauses or resumes admission on an instrument.
// The price keeps ticking either way so every session sees a continuous feed.
func (s *Simulator) UpdateStatus(symbol string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instruments[symbol]
	if !ok {
		return fmt.Errorf("instrument %s not found", symbol)
	}
	inst.Status = status
	return nil
}

// CurrentPrice returns the latest price, or (0, false) for an unknown symbol
func (s *Simulator) CurrentPrice(symbol string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.states[symbol]
	if !ok {
		return 0, false
	}
	return st.ticker.Price, true
}

func (s *Simulator) Ticker(symbol string) (Ticker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.states[symbol]
	if !ok {
		return Ticker{}, false
	}
	return st.ticker, true
}

// Snapshot returns a copy of every ticker
func (s *Simulator) Snapshot() map[string]Ticker {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Ticker, len(s.states))
	for sym, st := range s.states {
		out[sym] = st.ticker
	}
	return out
}

// SetPrice moves an instrument to an explicit price (restore from storage,
// operator correction). The change is broadcast on the global scope like any
// other tick, so all sessions keep seeing one price sequence.
func (s *Simulator) SetPrice(symbol string, price float64) (Ticker, error) {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return Ticker{}, fmt.Errorf("invalid price %v", price)
	}

	s.mu.Lock()
	st, ok := s.states[symbol]
	if !ok {
		s.mu.Unlock()
		return Ticker{}, fmt.Errorf("instrument %s not found", symbol)
	}
	s.applyPrice(st, price)
	st.ticker.Seq++
	st.ticker.Timestamp = s.now().UnixMilli()
	t := st.ticker
	s.mu.Unlock()

	s.pub.Publish(events.Global(), events.MarketTick, []Ticker{t})
	return t, nil
}

// Tick advances every instrument by one step and broadcasts the result.
// A failure in one instrument is logged and does not hold back the others.
func (s *Simulator) Tick() map[string]Ticker {
	s.mu.Lock()
	ts := s.now().UnixMilli()
	out := make(map[string]Ticker, len(s.states))
	batch := make([]Ticker, 0, len(s.states))
	for _, sym := range s.symbols {
		st := s.states[sym]
		if err := s.step(st); err != nil {
			s.log.Warnw("tick_failed", "symbol", sym, "err", err)
			// Reset to the opening price so the instrument recovers next tick
			s.applyPrice(st, s.instruments[sym].BasePrice)
			st.mood = 0
		}
		st.ticker.Seq++
		st.ticker.Timestamp = ts
		out[sym] = st.ticker
		batch = append(batch, st.ticker)
	}
	s.mu.Unlock()

	s.pub.Publish(events.Global(), events.MarketTick, batch)
	return out
}

// step applies one random-walk increment (caller holds s.mu)
func (s *Simulator) step(st *instrumentState) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in step: %v", r)
		}
	}()

	st.mood = clamp(st.mood+s.rng.NormFloat64()*s.cfg.MoodStep, -1, 1)

	noise := st.mood*s.cfg.DriftScale + s.rng.NormFloat64()*s.cfg.Volatility
	noise = clamp(noise, -s.cfg.MaxStep, s.cfg.MaxStep)

	next := st.ticker.Price * (1 + noise)
	if next <= 0 || math.IsNaN(next) || math.IsInf(next, 0) {
		return fmt.Errorf("non-finite price %v from %v", next, st.ticker.Price)
	}
	s.applyPrice(st, next)
	st.ticker.Volume24h += s.rng.Float64() * 10
	return nil
}

// applyPrice sets price and recomputes derived fields (caller holds s.mu)
func (s *Simulator) applyPrice(st *instrumentState, price float64) {
	spread := price * s.cfg.SpreadFraction
	t := &st.ticker
	t.Price = price
	t.Bid = price - spread/2
	t.Ask = price + spread/2
	if price > t.High24h {
		t.High24h = price
	}
	if t.Low24h == 0 || price < t.Low24h {
		t.Low24h = price
	}
	if st.open > 0 {
		t.Change24h = (price - st.open) / st.open * 100
	}
}

// Run ticks on a jittered interval until ctx is cancelled
func (s *Simulator) Run(ctx context.Context) {
	s.log.Infow("simulator_started",
		"instruments", len(s.List()),
		"min_interval_ms", s.cfg.MinInterval.Milliseconds(),
		"max_interval_ms", s.cfg.MaxInterval.Milliseconds())

	timer := time.NewTimer(s.nextInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("simulator_stopped")
			return
		case <-timer.C:
			s.Tick()
			timer.Reset(s.nextInterval())
		}
	}
}

func (s *Simulator) nextInterval() time.Duration {
	span := s.cfg.MaxInterval - s.cfg.MinInterval
	if span <= 0 {
		return s.cfg.MinInterval
	}
	s.mu.Lock()
	jitter := time.Duration(s.rng.Int64N(int64(span) + 1))
	s.mu.Unlock()
	return s.cfg.MinInterval + jitter
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
