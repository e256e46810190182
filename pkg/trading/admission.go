package trading

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperbinary/params"
	"github.com/uhyunpark/hyperbinary/pkg/account"
	"github.com/uhyunpark/hyperbinary/pkg/events"
	"github.com/uhyunpark/hyperbinary/pkg/ledger"
	"github.com/uhyunpark/hyperbinary/pkg/market"
	"github.com/uhyunpark/hyperbinary/pkg/notify"
	"github.com/uhyunpark/hyperbinary/pkg/order"
	"github.com/uhyunpark/hyperbinary/pkg/util"
)

// minorExp is the number of decimals in one minor unit (cents)
const minorExp = 2

// PlaceRequest is a wager as submitted by an authenticated client.
// AccountID comes from the identity boundary, never from the payload.
type PlaceRequest struct {
	AccountID string
	Symbol    string
	Direction string
	Stake     string // decimal, asset units (e.g. "50.00")
	ExpiryMs  int64

	ClaimedPrice   string // optional
	ClaimedBalance string // optional
}

// Admission validates and books new wagers
type Admission struct {
	cfg      params.Trading
	accounts *account.Directory
	market   PriceSource
	guard    *Guard
	ledger   *ledger.Ledger
	repo     order.Repository
	arm      func(orderID string, at time.Time)
	pub      events.Publisher
	alerts   notify.Notifier
	clock    util.Clock
	newID    func() string
	log      *zap.SugaredLogger
}

// Place runs the admission checks in order: account restrictions, request
// validation, the anti-tamper guard, then the stake debit. Nothing is
// written unless every step passes.
func (a *Admission) Place(ctx context.Context, req PlaceRequest) (*order.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 1. account flags
	st, err := a.accounts.GetAccountState(req.AccountID)
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", req.AccountID, err)
	}
	if st.Blocked {
		return nil, fmt.Errorf("account %s is blocked: %w", req.AccountID, ErrAccountRestricted)
	}
	if !st.TradingEnabled {
		return nil, fmt.Errorf("account %s has trading disabled: %w", req.AccountID, ErrAccountRestricted)
	}

	// 2. request validation
	inst, err := a.market.Instrument(req.Symbol)
	if err != nil {
		return nil, invalid(CodeUnknownSymbol, "%s", req.Symbol)
	}
	if inst.Status != market.Active {
		return nil, invalid(CodeInstrumentPaused, "%s", req.Symbol)
	}
	dir, err := order.ParseDirection(req.Direction)
	if err != nil {
		return nil, invalid(CodeInvalidDirection, "%q", req.Direction)
	}
	expiry := time.Duration(req.ExpiryMs) * time.Millisecond
	if expiry < a.cfg.MinExpiry || expiry > a.cfg.MaxExpiry {
		return nil, invalid(CodeInvalidExpiry, "%s not in [%s, %s]", expiry, a.cfg.MinExpiry, a.cfg.MaxExpiry)
	}
	stake, err := ParseStake(req.Stake)
	if err != nil {
		return nil, err
	}
	if stake < a.cfg.MinStake || stake > a.cfg.MaxStake {
		return nil, invalid(CodeStakeOutOfRange, "%d not in [%d, %d]", stake, a.cfg.MinStake, a.cfg.MaxStake)
	}
	claims, err := ParseClaims(req.ClaimedPrice, req.ClaimedBalance)
	if err != nil {
		return nil, err
	}

	// 3. server price is the entry; client claims are checked, never used
	live, ok := a.market.CurrentPrice(inst.Symbol)
	if !ok || live <= 0 {
		return nil, invalid(CodePriceUnavailable, "%s", inst.Symbol)
	}
	entry := roundPrice(live, inst.PriceDecimals)

	var available int64
	if claims.Balance.Valid {
		bal, err := a.ledger.Balance(req.AccountID, a.cfg.Asset)
		if err != nil {
			return nil, err
		}
		available = bal.Available
	}
	if err := a.guard.Check(req.AccountID, inst.Symbol, entry, available, claims); err != nil {
		return nil, err
	}

	// 4. debit
	if _, err := a.ledger.Adjust(req.AccountID, a.cfg.Asset, -stake, ledger.Available); err != nil {
		return nil, fmt.Errorf("debit stake: %w", err)
	}

	payout := st.PayoutBps
	if payout <= 0 {
		payout = a.cfg.PayoutBps
	}
	now := a.clock.Now()
	o := &order.Order{
		ID:         a.newID(),
		AccountID:  req.AccountID,
		Symbol:     inst.Symbol,
		Asset:      a.cfg.Asset,
		Direction:  dir,
		Stake:      stake,
		EntryPrice: entry,
		PayoutBps:  payout,
		Status:     order.Active,
		CreatedAt:  now,
		ExpiryAt:   now.Add(expiry),
	}
	if err := a.repo.Create(o); err != nil {
		a.rollbackDebit(req.AccountID, stake, err)
		return nil, fmt.Errorf("create order: %w", err)
	}

	a.arm(o.ID, o.ExpiryAt)

	a.log.Infow("order_admitted",
		"order", o.ID,
		"account", o.AccountID,
		"symbol", o.Symbol,
		"direction", o.Direction,
		"stake", o.Stake,
		"entry", o.EntryPrice.String(),
		"expiry_at", o.ExpiryAt,
	)
	// REST placements carry no websocket session, so all of the account's sessions get it
	a.pub.Publish(events.Account(o.AccountID), events.OrderAdmitted, o.Clone())
	if bals, err := a.ledger.Balances(o.AccountID); err == nil {
		a.pub.Publish(events.Account(o.AccountID), events.BalanceSnapshot, bals)
	}
	return o, nil
}

// rollbackDebit returns a stake whose order could not be stored
func (a *Admission) rollbackDebit(accountID string, stake int64, cause error) {
	if _, err := a.ledger.Adjust(accountID, a.cfg.Asset, stake, ledger.Available); err != nil {
		a.log.Errorw("admission_rollback_failed", "account", accountID, "stake", stake, "cause", cause, "err", err)
		a.alerts.Notify(notify.Alert{
			Kind:      notify.KindSettlementFailed,
			AccountID: accountID,
			Message:   "stake debited but order not stored; manual refund required",
			Fields:    map[string]string{"stake": fmt.Sprint(stake), "error": err.Error()},
		})
		return
	}
	a.log.Warnw("admission_rolled_back", "account", accountID, "stake", stake, "cause", cause)
}

// ParseStake converts a decimal amount in asset units to minor units,
// rejecting anything finer than one cent
func ParseStake(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, invalid(CodeInvalidStake, "%q", s)
	}
	if !d.IsPositive() {
		return 0, invalid(CodeInvalidStake, "%s must be positive", s)
	}
	if !d.Equal(d.Truncate(minorExp)) {
		return 0, invalid(CodeStakePrecision, "%s has more than %d decimals", s, minorExp)
	}
	minor := d.Shift(minorExp)
	if !minor.IsInteger() || minor.GreaterThan(decimal.NewFromInt(1<<53)) {
		return 0, invalid(CodeInvalidStake, "%s out of range", s)
	}
	return minor.IntPart(), nil
}

// FormatMinor renders minor units as a decimal string in asset units
func FormatMinor(v int64) string {
	return decimal.New(v, -minorExp).StringFixed(minorExp)
}
