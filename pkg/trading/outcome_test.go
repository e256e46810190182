package trading

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/uhyunpark/hyperbinary/pkg/order"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestResolveExit(t *testing.T) {
	tests := []struct {
		name  string
		dir   order.Direction
		entry string
		exit  string
		want  order.Status
	}{
		{"up wins on rise", order.Up, "65000.00", "65100.00", order.Won},
		{"up loses on fall", order.Up, "65000.00", "64900.00", order.Lost},
		{"down wins on fall", order.Down, "65000.00", "64999.99", order.Won},
		{"down loses on rise", order.Down, "65000.00", "65000.01", order.Lost},
		{"up draw", order.Up, "65000.00", "65000", order.Draw},
		{"down draw", order.Down, "3200.5", "3200.50", order.Draw},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveExit(tt.dir, dec(tt.entry), dec(tt.exit)); got != tt.want {
				t.Errorf("ResolveExit = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestPayout(t *testing.T) {
	tests := []struct {
		status     order.Status
		wantPnL    int64
		wantCredit int64
	}{
		{order.Won, 4000, 9000},
		{order.Lost, -5000, 0},
		{order.Draw, 0, 5000},
		{order.Void, 0, 5000},
	}
	for _, tt := range tests {
		pnl, credit := Payout(5000, tt.status, 8000)
		if pnl != tt.wantPnL || credit != tt.wantCredit {
			t.Errorf("Payout(%s) = (%d, %d), want (%d, %d)", tt.status, pnl, credit, tt.wantPnL, tt.wantCredit)
		}
	}
}

func TestParseStake(t *testing.T) {
	tests := []struct {
		in       string
		want     int64
		wantCode string
	}{
		{"50", 5000, ""},
		{"50.5", 5050, ""},
		{"0.01", 1, ""},
		{"12.340", 1234, ""},
		{"1.001", 0, CodeStakePrecision},
		{"0", 0, CodeInvalidStake},
		{"-5", 0, CodeInvalidStake},
		{"abc", 0, CodeInvalidStake},
		{"", 0, CodeInvalidStake},
	}
	for _, tt := range tests {
		got, err := ParseStake(tt.in)
		if tt.wantCode == "" {
			if err != nil || got != tt.want {
				t.Errorf("ParseStake(%q) = %d, %v; want %d", tt.in, got, err, tt.want)
			}
			continue
		}
		var ve *ValidationError
		if !errors.As(err, &ve) || ve.Code != tt.wantCode {
			t.Errorf("ParseStake(%q) err = %v, want code %s", tt.in, err, tt.wantCode)
		}
	}
}

func TestFormatMinor(t *testing.T) {
	if got := FormatMinor(14000); got != "140.00" {
		t.Errorf("FormatMinor(14000) = %s", got)
	}
	if got := FormatMinor(5); got != "0.05" {
		t.Errorf("FormatMinor(5) = %s", got)
	}
}

// Over any entry/exit pair the outcome matches the price comparison and the
// credit never exceeds stake × (1 + rate)
func TestProperty_OutcomeConsistent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		entry := decimal.New(rapid.Int64Range(1, 10_000_000).Draw(t, "entry"), -2)
		exit := decimal.New(rapid.Int64Range(1, 10_000_000).Draw(t, "exit"), -2)
		dir := rapid.SampledFrom([]order.Direction{order.Up, order.Down}).Draw(t, "dir")
		stake := rapid.Int64Range(1, 1_000_000).Draw(t, "stake")
		bps := rapid.Int64Range(0, 10_000).Draw(t, "bps")

		status := ResolveExit(dir, entry, exit)
		switch {
		case entry.Equal(exit):
			if status != order.Draw {
				t.Fatalf("equal prices gave %s", status)
			}
		case (dir == order.Up) == exit.GreaterThan(entry):
			if status != order.Won {
				t.Fatalf("%s %s→%s gave %s", dir, entry, exit, status)
			}
		default:
			if status != order.Lost {
				t.Fatalf("%s %s→%s gave %s", dir, entry, exit, status)
			}
		}

		pnl, credit := Payout(stake, status, bps)
		if credit < 0 || credit > stake+stake*bps/bpsDenominator {
			t.Fatalf("credit %d out of range for stake %d", credit, stake)
		}
		if credit-stake != pnl && status != order.Lost {
			t.Fatalf("pnl %d inconsistent with credit %d", pnl, credit)
		}
	})
}
