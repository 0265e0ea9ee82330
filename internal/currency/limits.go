package currency

import "github.com/shopspring/decimal"

// Limits bounds the settleable net amount for one currency.
type Limits struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

// settlementLimits maps currency codes to per-batch net amount bounds, in
// major units. Currencies in the Nordic corridors plus EUR/USD; anything
// else falls back to the USD bounds.
var settlementLimits = map[string]Limits{
	"NOK": {Min: decimal.NewFromInt(50), Max: decimal.NewFromInt(10_000_000)},
	"SEK": {Min: decimal.NewFromInt(50), Max: decimal.NewFromInt(10_000_000)},
	"DKK": {Min: decimal.NewFromInt(35), Max: decimal.NewFromInt(7_000_000)},
	"EUR": {Min: decimal.NewFromInt(5), Max: decimal.NewFromInt(1_000_000)},
	"USD": {Min: decimal.NewFromInt(5), Max: decimal.NewFromInt(1_000_000)},
}

// LimitsFor returns the settlement bounds for a currency and whether the
// currency is explicitly supported.
func LimitsFor(code string) (Limits, bool) {
	l, ok := settlementLimits[code]
	if !ok {
		return settlementLimits["USD"], false
	}
	return l, true
}

// minorUnits maps currency codes to decimal places. Defaults to 2.
var minorUnits = map[string]int32{
	"JPY": 0,
	"ISK": 0,
}

// RoundMinor rounds an amount to the currency's minor unit.
func RoundMinor(amount decimal.Decimal, code string) decimal.Decimal {
	places, ok := minorUnits[code]
	if !ok {
		places = 2
	}
	return amount.Round(places)
}
