package trading

import (
	"errors"
	"fmt"

	"github.com/uhyunpark/hyperbinary/pkg/account"
	"github.com/uhyunpark/hyperbinary/pkg/ledger"
	"github.com/uhyunpark/hyperbinary/pkg/order"
)

var (
	// ErrAccountRestricted: account is blocked or trading is disabled
	ErrAccountRestricted = errors.New("account_restricted")

	// ErrTamperSuspected: client-claimed state disagrees with the server.
	// The request is denied and an operator alert is raised.
	ErrTamperSuspected = errors.New("tamper_suspected")

	// ErrDoubleSettlement is returned to internal callers when a settlement
	// trigger finds the order already terminal. It is never shown to users.
	ErrDoubleSettlement = errors.New("double_settlement_attempt")

	// ErrNotExpired: a settlement was requested before the order's expiry
	ErrNotExpired = errors.New("order_not_expired")
)

// Validation reason codes
const (
	CodeUnknownSymbol    = "unknown_symbol"
	CodeInstrumentPaused = "instrument_paused"
	CodeInvalidDirection = "invalid_direction"
	CodeInvalidExpiry    = "invalid_expiry"
	CodeInvalidStake     = "invalid_stake"
	CodeStakePrecision   = "stake_precision"
	CodeStakeOutOfRange  = "stake_out_of_range"
	CodeInvalidClaim     = "invalid_claim"
	CodePriceUnavailable = "price_unavailable"
	CodeInvalidRequest   = "invalid_request"
)

// ValidationError is a user-correctable rejection with a stable code
type ValidationError struct {
	Code string
	Msg  string
}

func (e *ValidationError) Error() string {
	if e.Msg == "" {
		return e.Code
	}
	return e.Code + ": " + e.Msg
}

func invalid(code, format string, args ...any) error {
	return &ValidationError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Reason maps an error to the stable code returned to clients
func Reason(err error) string {
	var ve *ValidationError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ve):
		return ve.Code
	case errors.Is(err, ErrAccountRestricted):
		return ErrAccountRestricted.Error()
	case errors.Is(err, ErrTamperSuspected):
		return ErrTamperSuspected.Error()
	case errors.Is(err, account.ErrInvalidID):
		return CodeInvalidRequest
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return ledger.ErrInsufficientFunds.Error()
	case errors.Is(err, ledger.ErrInvalidAmount):
		return ledger.ErrInvalidAmount.Error()
	case errors.Is(err, order.ErrNotFound):
		return order.ErrNotFound.Error()
	case errors.Is(err, order.ErrNotActive):
		return order.ErrNotActive.Error()
	case errors.Is(err, ErrNotExpired):
		return ErrNotExpired.Error()
	}
	return "internal_error"
}
