package currency

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestLimitsFor(t *testing.T) {
	cases := []struct {
		code      string
		min, max  int64
		supported bool
	}{
		{"NOK", 50, 10_000_000, true},
		{"SEK", 50, 10_000_000, true},
		{"DKK", 35, 7_000_000, true},
		{"EUR", 5, 1_000_000, true},
		{"USD", 5, 1_000_000, true},
		{"JPY", 5, 1_000_000, false}, // falls back to USD bounds
		{"XXX", 5, 1_000_000, false},
	}
	for _, c := range cases {
		l, ok := LimitsFor(c.code)
		if ok != c.supported {
			t.Errorf("LimitsFor(%s) supported = %v, want %v", c.code, ok, c.supported)
		}
		if !l.Min.Equal(decimal.NewFromInt(c.min)) || !l.Max.Equal(decimal.NewFromInt(c.max)) {
			t.Errorf("LimitsFor(%s) = [%s, %s], want [%d, %d]", c.code, l.Min, l.Max, c.min, c.max)
		}
	}
}

func TestRoundMinor(t *testing.T) {
	amt := decimal.RequireFromString("123.456")

	if got := RoundMinor(amt, "NOK"); got.String() != "123.46" {
		t.Errorf("NOK rounding = %s", got)
	}
	if got := RoundMinor(amt, "JPY"); got.String() != "123" {
		t.Errorf("JPY rounding = %s", got)
	}
	if got := RoundMinor(amt, "ISK"); got.String() != "123" {
		t.Errorf("ISK rounding = %s", got)
	}
	// Unknown currencies get two places.
	if got := RoundMinor(amt, "ZZZ"); got.String() != "123.46" {
		t.Errorf("fallback rounding = %s", got)
	}
}
