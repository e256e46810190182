// Package trading is the wagering core: admission, the anti-tamper guard,
// fair outcome resolution, and the settlement scheduler, behind one Engine.
package trading

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperbinary/params"
	"github.com/uhyunpark/hyperbinary/pkg/account"
	"github.com/uhyunpark/hyperbinary/pkg/events"
	"github.com/uhyunpark/hyperbinary/pkg/ledger"
	"github.com/uhyunpark/hyperbinary/pkg/notify"
	"github.com/uhyunpark/hyperbinary/pkg/order"
	"github.com/uhyunpark/hyperbinary/pkg/util"
)

// Deps are the collaborators the engine is wired to
type Deps struct {
	Market   PriceSource
	Ledger   *ledger.Ledger
	Accounts *account.Directory
	Orders   order.Repository

	Publisher events.Publisher // optional
	Alerts    notify.Notifier  // optional
	Journal   Journal          // optional
	Clock     util.Clock       // optional
	NewID     func() string    // optional, defaults to uuid v4
	Log       *zap.SugaredLogger
}

// Engine is the facade used by the API layer
type Engine struct {
	cfg params.Trading

	ledger    *ledger.Ledger
	accounts  *account.Directory
	orders    order.Repository
	admission *Admission
	settler   *Settler
	scheduler *Scheduler
	pub       events.Publisher
	clock     util.Clock
	log       *zap.SugaredLogger

	ctxMu sync.Mutex
	ctx   context.Context // cancelled on shutdown; used by account hooks
	wg    sync.WaitGroup
}

// Snapshot is the full per-account state a client reconciles against
type Snapshot struct {
	Account    account.State    `json:"account"`
	Balances   []ledger.Balance `json:"balances"`
	OpenOrders []*order.Order   `json:"openOrders"`
	At         time.Time        `json:"at"`
}

func NewEngine(cfg params.Trading, d Deps) *Engine {
	if d.Publisher == nil {
		d.Publisher = events.Nop{}
	}
	if d.Alerts == nil {
		d.Alerts = notify.Nop{}
	}
	if d.Clock == nil {
		d.Clock = util.RealClock{}
	}
	if d.NewID == nil {
		d.NewID = func() string { return uuid.NewString() }
	}
	if d.Log == nil {
		d.Log = zap.NewNop().Sugar()
	}

	settler := NewSettler(SettlerConfig{MaxAttempts: cfg.SettleMaxAttempts, RetryBase: cfg.SettleRetryBase},
		d.Orders, d.Ledger, d.Market, d.Publisher, d.Alerts, d.Journal, d.Clock, d.Log.Named("settle"))
	scheduler := NewScheduler(settler, d.Orders, cfg.SettleWorkers, d.Clock, d.Log.Named("scheduler"))

	e := &Engine{
		cfg:       cfg,
		ledger:    d.Ledger,
		accounts:  d.Accounts,
		orders:    d.Orders,
		settler:   settler,
		scheduler: scheduler,
		pub:       d.Publisher,
		clock:     d.Clock,
		log:       d.Log,
		ctx:       context.Background(),
	}
	e.admission = &Admission{
		cfg:      cfg,
		accounts: d.Accounts,
		market:   d.Market,
		guard:    NewGuard(cfg.BalanceTolerance, cfg.PriceHintTolerance, d.Alerts, d.Log.Named("guard")),
		ledger:   d.Ledger,
		repo:     d.Orders,
		arm:      scheduler.Arm,
		pub:      d.Publisher,
		alerts:   d.Alerts,
		clock:    d.Clock,
		newID:    d.NewID,
		log:      d.Log.Named("admission"),
	}
	d.Accounts.OnChange(e.onAccountChange)
	return e
}

// Start recovers armed settlements and launches the scheduler and the sweep
// loop. They stop when ctx is cancelled; Wait blocks until they have.
func (e *Engine) Start(ctx context.Context) error {
	e.ctxMu.Lock()
	e.ctx = ctx
	e.ctxMu.Unlock()

	n, err := e.scheduler.Recover()
	if err != nil {
		return fmt.Errorf("recover settlements: %w", err)
	}
	e.log.Infow("engine_started", "recovered", n, "sweep_interval", e.cfg.SweepInterval)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.scheduler.Run(ctx)
	}()

	if e.cfg.SweepInterval > 0 {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			ticker := time.NewTicker(e.cfg.SweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					e.scheduler.Sweep(ctx)
				}
			}
		}()
	}
	return nil
}

func (e *Engine) Wait() { e.wg.Wait() }

func (e *Engine) baseContext() context.Context {
	e.ctxMu.Lock()
	defer e.ctxMu.Unlock()
	return e.ctx
}

// PlaceOrder admits a wager for an authenticated account
func (e *Engine) PlaceOrder(ctx context.Context, req PlaceRequest) (*order.Order, error) {
	o, err := e.admission.Place(ctx, req)
	if err != nil {
		e.log.Debugw("order_rejected", "account", req.AccountID, "symbol", req.Symbol, "reason", Reason(err))
		return nil, err
	}
	return o, nil
}

// GetSnapshot returns balances and open orders. Safe to call repeatedly.
func (e *Engine) GetSnapshot(accountID string) (*Snapshot, error) {
	st, err := e.accounts.GetAccountState(accountID)
	if err != nil {
		return nil, err
	}
	bals, err := e.ledger.Balances(accountID)
	if err != nil {
		return nil, err
	}
	open, err := e.orders.ListByAccount(accountID, true)
	if err != nil {
		return nil, fmt.Errorf("list open orders: %w", err)
	}
	if bals == nil {
		bals = []ledger.Balance{}
	}
	if open == nil {
		open = []*order.Order{}
	}
	return &Snapshot{Account: st, Balances: bals, OpenOrders: open, At: e.clock.Now()}, nil
}

// GetOrder returns an order owned by accountID (ErrNotFound otherwise)
func (e *Engine) GetOrder(accountID, orderID string) (*order.Order, error) {
	o, err := e.orders.Get(orderID)
	if err != nil {
		return nil, err
	}
	if o.AccountID != accountID {
		return nil, fmt.Errorf("order %s: %w", orderID, order.ErrNotFound)
	}
	return o, nil
}

// ListOrders returns an account's order history
func (e *Engine) ListOrders(accountID string, activeOnly bool) ([]*order.Order, error) {
	return e.orders.ListByAccount(accountID, activeOnly)
}

// SettleOrder is a late-settlement trigger for an expired order
func (e *Engine) SettleOrder(ctx context.Context, orderID string) (*order.Order, error) {
	o, err := e.settler.Settle(ctx, orderID)
	if err == nil {
		e.scheduler.Disarm(orderID)
	}
	return o, err
}

// Sweep settles everything overdue now
func (e *Engine) Sweep(ctx context.Context) int {
	return e.scheduler.Sweep(ctx)
}

// DeleteOrder is an operator deletion. The stake of an ACTIVE order is
// refunded when RefundOnDelete is set.
func (e *Engine) DeleteOrder(ctx context.Context, orderID string) (*order.Order, error) {
	e.scheduler.Disarm(orderID)
	o, err := e.settler.Delete(ctx, orderID, e.cfg.RefundOnDelete)
	if err != nil {
		// the record survives a failed refund; keep its timer
		if cur, gerr := e.orders.Get(orderID); gerr == nil && cur.Status == order.Active {
			e.scheduler.Arm(cur.ID, cur.ExpiryAt)
		}
		return nil, err
	}
	return o, nil
}

// Deposit credits an account's settlement asset (operator funding)
func (e *Engine) Deposit(accountID string, amount int64) (ledger.Balance, error) {
	b, err := e.ledger.Deposit(accountID, e.cfg.Asset, amount)
	if err != nil {
		return b, err
	}
	e.log.Infow("deposit", "account", accountID, "asset", e.cfg.Asset, "amount", amount)
	e.pub.Publish(events.Account(accountID), events.BalanceSnapshot, []ledger.Balance{b})
	return b, nil
}

func (e *Engine) SetTradingEnabled(accountID string, enabled bool) (account.State, error) {
	return e.accounts.SetTradingEnabled(accountID, enabled)
}

func (e *Engine) SetBlocked(accountID string, blocked bool) (account.State, error) {
	return e.accounts.SetBlocked(accountID, blocked)
}

// Armed returns the number of scheduled settlements
func (e *Engine) Armed() int { return e.scheduler.Armed() }

// onAccountChange publishes the new flags and, when VoidOnBlock is set,
// voids the account's ACTIVE orders as it becomes blocked
func (e *Engine) onAccountChange(prev, next account.State) {
	e.pub.Publish(events.Account(next.AccountID), events.AccountUpdated, next)

	if !e.cfg.VoidOnBlock || prev.Blocked || !next.Blocked {
		return
	}
	open, err := e.orders.ListByAccount(next.AccountID, true)
	if err != nil {
		e.log.Errorw("void_on_block_list_failed", "account", next.AccountID, "err", err)
		return
	}
	ctx := e.baseContext()
	for _, o := range open {
		e.scheduler.Disarm(o.ID)
		if _, err := e.settler.Void(ctx, o.ID); err != nil && !errors.Is(err, ErrDoubleSettlement) {
			e.log.Errorw("void_on_block_failed", "order", o.ID, "account", next.AccountID, "err", err)
			e.scheduler.Arm(o.ID, o.ExpiryAt)
		}
	}
	e.log.Infow("orders_voided_on_block", "account", next.AccountID, "count", len(open))
}
