package account

import (
	"errors"
	"testing"
)

func TestUnknownAccountGetsDefaults(t *testing.T) {
	d := NewDirectory(NewMemStore(), nil)

	s, err := d.GetAccountState("alice")
	if err != nil {
		t.Fatal(err)
	}
	if !s.TradingEnabled || s.Blocked || !s.CanTrade() {
		t.Errorf("default state = %+v, want trading enabled and not blocked", s)
	}
	if s.AccountID != "alice" {
		t.Errorf("AccountID = %q", s.AccountID)
	}
}

func TestFlagsAndHooks(t *testing.T) {
	store := NewMemStore()
	d := NewDirectory(store, nil)

	var seen []State
	d.OnChange(func(prev, next State) {
		seen = append(seen, next)
	})

	if _, err := d.SetBlocked("alice", true); err != nil {
		t.Fatal(err)
	}
	s, _ := d.GetAccountState("alice")
	if !s.Blocked || s.CanTrade() {
		t.Errorf("state = %+v, want blocked", s)
	}

	if _, err := d.SetTradingEnabled("alice", false); err != nil {
		t.Fatal(err)
	}
	if _, err := d.SetBlocked("alice", false); err != nil {
		t.Fatal(err)
	}
	s, _ = d.GetAccountState("alice")
	if s.CanTrade() {
		t.Error("trading disabled account must not trade")
	}

	if len(seen) != 3 {
		t.Fatalf("hook calls = %d, want 3", len(seen))
	}

	// Persisted: a fresh directory over the same store sees the flags
	d2 := NewDirectory(store, nil)
	s2, _ := d2.GetAccountState("alice")
	if s2.TradingEnabled || s2.Blocked {
		t.Errorf("reloaded state = %+v", s2)
	}
}

func TestSetPayoutBpsRange(t *testing.T) {
	d := NewDirectory(NewMemStore(), nil)

	if _, err := d.SetPayoutBps("alice", 9000); err != nil {
		t.Fatal(err)
	}
	if _, err := d.SetPayoutBps("alice", 10001); err == nil {
		t.Error("expected out-of-range payout to fail")
	}
	s, _ := d.GetAccountState("alice")
	if s.PayoutBps != 9000 {
		t.Errorf("PayoutBps = %d, want 9000 (rejected update must not apply)", s.PayoutBps)
	}

	if _, err := d.SetBlocked("", true); err == nil {
		t.Error("expected empty account id to fail")
	}
}

func TestValidateID(t *testing.T) {
	tests := []struct {
		id string
		ok bool
	}{
		{"alice", true},
		{"0x8ba1f109551bd432803012645ac136ddd64dba72", true},
		{"", false},
		{"alice:x", false},
		{":", false},
	}
	for _, tt := range tests {
		err := ValidateID(tt.id)
		if (err == nil) != tt.ok {
			t.Errorf("ValidateID(%q) = %v, want ok=%v", tt.id, err, tt.ok)
		}
		if err != nil && !errors.Is(err, ErrInvalidID) {
			t.Errorf("ValidateID(%q) = %v, want ErrInvalidID", tt.id, err)
		}
	}

	d := NewDirectory(NewMemStore(), nil)
	if _, err := d.SetTradingEnabled("alice:x", false); !errors.Is(err, ErrInvalidID) {
		t.Errorf("SetTradingEnabled(alice:x) err = %v, want ErrInvalidID", err)
	}
}
