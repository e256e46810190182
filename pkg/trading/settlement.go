package trading

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/hyperbinary/pkg/events"
	"github.com/uhyunpark/hyperbinary/pkg/ledger"
	"github.com/uhyunpark/hyperbinary/pkg/market"
	"github.com/uhyunpark/hyperbinary/pkg/notify"
	"github.com/uhyunpark/hyperbinary/pkg/order"
	"github.com/uhyunpark/hyperbinary/pkg/util"
)

// PriceSource is the read side of the market simulator
type PriceSource interface {
	CurrentPrice(symbol string) (float64, bool)
	Instrument(symbol string) (market.Instrument, error)
}

// Journal records money-moving events for audit
type Journal interface {
	Append(kind string, v any) error
}

type nopJournal struct{}

func (nopJournal) Append(string, any) error { return nil }

// Settler owns the guarded ACTIVE → terminal transition.
//
// Every trigger (timer, sweep, void, admin) goes through settle, which holds a
// per-order lock, re-reads the order and only proceeds while it is ACTIVE. The
// first computed outcome is kept in pending until both the order write and the
// ledger credit have landed, so a retry never recomputes the exit price.
type Settler struct {
	repo    order.Repository
	ledger  *ledger.Ledger
	prices  PriceSource
	pub     events.Publisher
	alerts  notify.Notifier
	journal Journal
	clock   util.Clock
	log     *zap.SugaredLogger

	locks *keyedMutex

	pendingMu sync.Mutex
	pending   map[string]order.Result

	maxAttempts int
	retryBase   time.Duration
}

type SettlerConfig struct {
	MaxAttempts int
	RetryBase   time.Duration
}

func NewSettler(cfg SettlerConfig, repo order.Repository, l *ledger.Ledger, prices PriceSource,
	pub events.Publisher, alerts notify.Notifier, journal Journal, clock util.Clock, log *zap.SugaredLogger) *Settler {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 200 * time.Millisecond
	}
	if pub == nil {
		pub = events.Nop{}
	}
	if alerts == nil {
		alerts = notify.Nop{}
	}
	if journal == nil {
		journal = nopJournal{}
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Settler{
		repo:        repo,
		ledger:      l,
		prices:      prices,
		pub:         pub,
		alerts:      alerts,
		journal:     journal,
		clock:       clock,
		log:         log,
		locks:       newKeyedMutex(),
		pending:     make(map[string]order.Result),
		maxAttempts: cfg.MaxAttempts,
		retryBase:   cfg.RetryBase,
	}
}

// Settle resolves an expired order against the live price.
// Returns ErrDoubleSettlement if another trigger already settled it.
func (s *Settler) Settle(ctx context.Context, orderID string) (*order.Order, error) {
	return s.settle(ctx, orderID, s.resolve, false)
}

// Void refunds an ACTIVE order without a market outcome, regardless of expiry
func (s *Settler) Void(ctx context.Context, orderID string) (*order.Order, error) {
	return s.settle(ctx, orderID, func(o *order.Order) order.Result {
		return order.Result{Status: order.Void, ExitPrice: o.EntryPrice, SettledAt: s.clock.Now()}
	}, true)
}

func (s *Settler) settle(ctx context.Context, orderID string, decide func(*order.Order) order.Result, early bool) (*order.Order, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	o, err := s.repo.Get(orderID)
	if err != nil {
		return nil, err
	}

	res, resumed := s.pendingResult(orderID)
	if o.Status != order.Active && !resumed {
		s.log.Debugw("double_settlement_attempt", "order", orderID, "status", o.Status)
		return o, fmt.Errorf("order %s already %s: %w", orderID, o.Status, ErrDoubleSettlement)
	}
	if !resumed {
		// a delete that refunded the stake but could not remove the record
		if refunded, err := s.ledger.Credited(deleteRef(orderID)); err != nil {
			return nil, err
		} else if refunded {
			if _, err := s.repo.Delete(orderID); err != nil {
				return nil, err
			}
			s.log.Infow("order_delete_completed", "order", orderID, "account", o.AccountID)
			return nil, fmt.Errorf("order %s was deleted: %w", orderID, order.ErrNotFound)
		}
		if !early && s.clock.Now().Before(o.ExpiryAt) {
			return o, fmt.Errorf("order %s expires at %s: %w", orderID, o.ExpiryAt, ErrNotExpired)
		}
		res = decide(o)
		s.setPending(orderID, res)
	}

	var settled *order.Order
	for attempt := 1; ; attempt++ {
		settled, err = s.commit(o, res)
		if err == nil {
			break
		}
		if attempt >= s.maxAttempts {
			s.log.Errorw("settlement_failed", "order", orderID, "attempts", attempt, "err", err)
			s.alerts.Notify(notify.Alert{
				Kind:      notify.KindSettlementFailed,
				AccountID: o.AccountID,
				Message:   "settlement could not be persisted, will retry on sweep",
				Fields:    map[string]string{"order": orderID, "status": string(res.Status), "error": err.Error()},
			})
			return nil, err
		}

		delay := s.retryBase << (attempt - 1)
		s.log.Warnw("settlement_retry", "order", orderID, "attempt", attempt, "delay", delay, "err", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.clock.After(delay):
		}
	}
	s.clearPending(orderID)

	s.log.Infow("order_settled",
		"order", settled.ID,
		"account", settled.AccountID,
		"symbol", settled.Symbol,
		"status", settled.Status,
		"entry", settled.EntryPrice.String(),
		"exit", res.ExitPrice.String(),
		"pnl", settled.PnL,
	)
	s.record("order_settled", settled.ID, settled)
	s.pub.Publish(events.Account(settled.AccountID), events.OrderSettled, settled)
	s.publishBalances(settled.AccountID)
	return settled, nil
}

// commit writes the result and credits the ledger. Both halves are
// idempotent, so commit can be repeated with the same result.
func (s *Settler) commit(o *order.Order, res order.Result) (*order.Order, error) {
	settled, err := s.repo.Settle(o.ID, res)
	if errors.Is(err, order.ErrNotActive) {
		// an earlier attempt's write landed before its credit failed
		settled, err = s.repo.Get(o.ID)
	}
	if err != nil {
		return nil, err
	}

	_, credit := Payout(settled.Stake, settled.Status, settled.PayoutBps)
	if credit > 0 {
		if _, _, err := s.ledger.Credit(settled.AccountID, settled.Asset, credit, settleRef(settled.ID)); err != nil {
			return nil, err
		}
	}
	return settled, nil
}

// resolve computes the fair outcome from the live price
func (s *Settler) resolve(o *order.Order) order.Result {
	now := s.clock.Now()

	inst, err := s.prices.Instrument(o.Symbol)
	live, ok := s.prices.CurrentPrice(o.Symbol)
	if err != nil || !ok || live <= 0 {
		s.log.Warnw("settlement_price_unavailable", "order", o.ID, "symbol", o.Symbol)
		return order.Result{Status: order.Void, ExitPrice: o.EntryPrice, SettledAt: now}
	}

	exit := roundPrice(live, inst.PriceDecimals)
	status := ResolveExit(o.Direction, o.EntryPrice, exit)
	pnl, _ := Payout(o.Stake, status, o.PayoutBps)
	return order.Result{Status: status, ExitPrice: exit, PnL: pnl, SettledAt: now}
}

// Delete removes an order on operator request. With refund set, the stake of
// an ACTIVE order is returned to available.
func (s *Settler) Delete(ctx context.Context, orderID string, refund bool) (*order.Order, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	o, err := s.repo.Get(orderID)
	if err != nil {
		return nil, err
	}
	// finish a half-written settlement first so its credit is not lost
	if res, ok := s.pendingResult(orderID); ok {
		if o, err = s.commit(o, res); err != nil {
			return nil, fmt.Errorf("finish pending settlement of %s: %w", orderID, err)
		}
		s.clearPending(orderID)
	}

	// refund before removing the record so a failed credit can be retried
	refunded := false
	if refund && o.Status == order.Active {
		if _, _, err := s.ledger.Credit(o.AccountID, o.Asset, o.Stake, deleteRef(o.ID)); err != nil {
			s.log.Errorw("delete_refund_failed", "order", orderID, "account", o.AccountID, "stake", o.Stake, "err", err)
			return nil, fmt.Errorf("refund order %s: %w", orderID, err)
		}
		refunded = true
	}
	if _, err := s.repo.Delete(orderID); err != nil {
		return nil, err
	}

	s.log.Infow("order_deleted", "order", orderID, "account", o.AccountID, "status", o.Status, "refunded", refunded)
	s.record("order_deleted", o.ID, map[string]any{"order": o, "refunded": refunded})
	s.pub.Publish(events.Account(o.AccountID), events.OrderDeleted, map[string]any{"id": o.ID, "refunded": refunded})
	s.publishBalances(o.AccountID)
	return o, nil
}

func (s *Settler) record(kind, orderID string, v any) {
	if err := s.journal.Append(kind, v); err != nil {
		s.log.Errorw("journal_append_failed", "kind", kind, "order", orderID, "err", err)
	}
}

// Pending returns the IDs of settlements whose outcome is decided but not yet persisted
func (s *Settler) Pending() []string {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	return ids
}

func (s *Settler) pendingResult(id string) (order.Result, bool) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	r, ok := s.pending[id]
	return r, ok
}

func (s *Settler) setPending(id string, r order.Result) {
	s.pendingMu.Lock()
	s.pending[id] = r
	s.pendingMu.Unlock()
}

func (s *Settler) clearPending(id string) {
	s.pendingMu.Lock()
	delete(s.pending, id)
	s.pendingMu.Unlock()
}

func (s *Settler) publishBalances(accountID string) {
	bals, err := s.ledger.Balances(accountID)
	if err != nil {
		s.log.Warnw("balance_snapshot_failed", "account", accountID, "err", err)
		return
	}
	s.pub.Publish(events.Account(accountID), events.BalanceSnapshot, bals)
}

func settleRef(orderID string) string { return "settle:" + orderID }
func deleteRef(orderID string) string { return "delete:" + orderID }

