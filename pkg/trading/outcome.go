package trading

import (
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hyperbinary/pkg/order"
)

const bpsDenominator = 10_000

// ResolveExit decides a wager from the entry and exit prices.
// UP wins on a strictly higher exit, DOWN on a strictly lower one, and an
// exact match is a DRAW for either direction.
func ResolveExit(dir order.Direction, entry, exit decimal.Decimal) order.Status {
	switch cmp := exit.Cmp(entry); {
	case cmp == 0:
		return order.Draw
	case dir == order.Up && cmp > 0, dir == order.Down && cmp < 0:
		return order.Won
	default:
		return order.Lost
	}
}

// Payout returns the pnl and the amount credited back to available.
//
//	WON:  pnl = stake*rate,  credit = stake + stake*rate
//	LOST: pnl = -stake,      credit = 0 (stake was debited at admission)
//	DRAW: pnl = 0,           credit = stake
//	VOID: pnl = 0,           credit = stake
func Payout(stake int64, status order.Status, payoutBps int64) (pnl, credit int64) {
	switch status {
	case order.Won:
		win := stake * payoutBps / bpsDenominator
		return win, stake + win
	case order.Lost:
		return -stake, 0
	case order.Draw, order.Void:
		return 0, stake
	}
	return 0, 0
}

// roundPrice captures a feed price at the instrument's precision
func roundPrice(p float64, decimals int32) decimal.Decimal {
	return decimal.NewFromFloat(p).Round(decimals)
}
