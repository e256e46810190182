package trading

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperbinary/pkg/notify"
)

// Claims is what the client says it saw when it placed the order.
// Neither value is ever used for settlement math.
type Claims struct {
	Price   decimal.NullDecimal // last price shown to the client
	Balance decimal.NullDecimal // available balance shown to the client, in asset units
}

// ParseClaims parses optional decimal strings; empty means "not sent"
func ParseClaims(price, balance string) (Claims, error) {
	var c Claims
	if price != "" {
		p, err := decimal.NewFromString(price)
		if err != nil {
			return Claims{}, invalid(CodeInvalidClaim, "claimed price %q", price)
		}
		c.Price = decimal.NewNullDecimal(p)
	}
	if balance != "" {
		b, err := decimal.NewFromString(balance)
		if err != nil {
			return Claims{}, invalid(CodeInvalidClaim, "claimed balance %q", balance)
		}
		c.Balance = decimal.NewNullDecimal(b)
	}
	return c, nil
}

// Guard reconciles client claims with server state
type Guard struct {
	balanceTolerance decimal.Decimal
	priceTolerance   decimal.Decimal
	alerts           notify.Notifier
	log              *zap.SugaredLogger
}

func NewGuard(balanceTolerance, priceTolerance float64, alerts notify.Notifier, log *zap.SugaredLogger) *Guard {
	if alerts == nil {
		alerts = notify.Nop{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Guard{
		balanceTolerance: decimal.NewFromFloat(balanceTolerance),
		priceTolerance:   decimal.NewFromFloat(priceTolerance),
		alerts:           alerts,
		log:              log,
	}
}

// Check validates claims against the server price and the available balance
// (minor units). A balance mismatch denies the order and alerts the operator.
// A price mismatch is only logged.
func (g *Guard) Check(accountID, symbol string, serverPrice decimal.Decimal, available int64, c Claims) error {
	if c.Price.Valid && serverPrice.IsPositive() {
		skew := c.Price.Decimal.Sub(serverPrice).Abs().Div(serverPrice)
		if skew.GreaterThan(g.priceTolerance) {
			g.log.Warnw("price_hint_skew",
				"account", accountID,
				"symbol", symbol,
				"claimed", c.Price.Decimal.String(),
				"server", serverPrice.String(),
			)
		}
	}

	if !c.Balance.Valid {
		return nil
	}
	server := decimal.New(available, -minorExp)
	diff := c.Balance.Decimal.Sub(server).Abs()
	if diff.LessThanOrEqual(server.Mul(g.balanceTolerance)) {
		return nil
	}

	g.log.Warnw("tamper_suspected",
		"account", accountID,
		"symbol", symbol,
		"claimed_balance", c.Balance.Decimal.String(),
		"server_balance", server.String(),
	)
	g.alerts.Notify(notify.Alert{
		Kind:      notify.KindTamperSuspected,
		AccountID: accountID,
		Message:   "claimed balance does not match ledger",
		Fields: map[string]string{
			"symbol":  symbol,
			"claimed": c.Balance.Decimal.String(),
			"server":  server.String(),
		},
		At: time.Now(),
	})
	return fmt.Errorf("claimed balance %s vs available %s: %w", c.Balance.Decimal, server, ErrTamperSuspected)
}
