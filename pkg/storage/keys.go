package storage

import (
	"fmt"
)

// Key schema for Pebble storage
//
//   acct:<accountID>               → account.State
//   bal:<accountID>:<asset>        → ledger.Balance
//   ref:<ref>                      → credit marker (idempotent ledger credits)
//   ord:<orderID>                  → order.Order
//   aord:<accountID>:<orderID>     → index entry (empty value)
//
// Account IDs and assets must not contain ':'. account.ValidateID guards every
// ledger and directory write.

const (
	prefixAccount    = "acct:"
	prefixBalance    = "bal:"
	prefixRef        = "ref:"
	prefixOrder      = "ord:"
	prefixAcctOrders = "aord:"
)

func accountKey(accountID string) []byte {
	return []byte(prefixAccount + accountID)
}

// balanceKey returns the key for a balance
// Format: "bal:{account}:{asset}"
func balanceKey(accountID, asset string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixBalance, accountID, asset))
}

// balancePrefix returns the prefix for all balances of an account
func balancePrefix(accountID string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixBalance, accountID))
}

func refKey(ref string) []byte {
	return []byte(prefixRef + ref)
}

func orderKey(orderID string) []byte {
	return []byte(prefixOrder + orderID)
}

func orderPrefix() []byte {
	return []byte(prefixOrder)
}

// accountOrderKey returns the secondary index key
// Format: "aord:{account}:{orderID}"
func accountOrderKey(accountID, orderID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixAcctOrders, accountID, orderID))
}

func accountOrderPrefix(accountID string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixAcctOrders, accountID))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
