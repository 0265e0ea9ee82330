package validation

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nordpay/settlements/internal/config"
	"github.com/nordpay/settlements/internal/currency"
	"github.com/nordpay/settlements/internal/domain"
)

// Validator is the stateless rule engine. Callers fetch the data a rule set
// needs (merchant record, failure stats, trailing average) and pass it in;
// the validator never touches storage.
type Validator struct {
	cfg *config.Config
	now func() time.Time
}

func New(cfg *config.Config) *Validator {
	return &Validator{cfg: cfg, now: time.Now}
}

// WithClock fixes the validator's notion of now. Tests only.
func (v *Validator) WithClock(now func() time.Time) *Validator {
	v.now = now
	return v
}

// CheckMerchant applies the eligibility rules: the merchant must be active
// and verified; recent onboarding and elevated failure history warn or block.
func (v *Validator) CheckMerchant(m *domain.Merchant, failedBatches, totalBatches int) *Result {
	res := NewResult()

	if !m.Active {
		res.AddError("merchant", "merchant is not active")
	}
	if !m.Verified {
		res.AddError("merchant", "merchant is not verified")
	}

	onboardingAge := v.now().Sub(m.OnboardedAt)
	if onboardingAge < time.Duration(v.cfg.RecentOnboardingDays)*24*time.Hour {
		res.AddWarning("merchant", fmt.Sprintf(
			"merchant onboarded %.0f days ago, under the %d-day review window",
			onboardingAge.Hours()/24, v.cfg.RecentOnboardingDays,
		))
	}

	if failedBatches >= v.cfg.FailureCountCeiling {
		res.AddError("failure_history", fmt.Sprintf(
			"%d failed settlements in the last %d days (ceiling %d)",
			failedBatches, v.cfg.FailureWindowDays, v.cfg.FailureCountCeiling,
		))
	} else if totalBatches > 0 {
		rate := float64(failedBatches) / float64(totalBatches)
		if rate > v.cfg.FailureRateCeiling {
			res.AddError("failure_history", fmt.Sprintf(
				"settlement failure rate %.0f%% exceeds ceiling %.0f%%",
				rate*100, v.cfg.FailureRateCeiling*100,
			))
		}
	}

	return res
}

// CheckRequest validates the shape of a settlement window.
func (v *Validator) CheckRequest(from, to time.Time) *Result {
	res := NewResult()

	if !to.After(from) {
		res.AddError("date_range", "date range is empty")
		return res
	}
	if to.After(v.now()) {
		res.AddError("date_range", "range end is in the future")
	}
	if span := to.Sub(from); span > time.Duration(v.cfg.MaxDateRangeDays)*24*time.Hour {
		res.AddError("date_range", fmt.Sprintf(
			"range spans %.0f days, over the %d-day ceiling",
			span.Hours()/24, v.cfg.MaxDateRangeDays,
		))
	}
	return res
}

// CheckAmount applies currency bounds as hard errors and the suspicious
// amount heuristics as warnings. trailingAvg is the merchant's 30-day
// average batch net, zero when there is no history.
func (v *Validator) CheckAmount(net decimal.Decimal, curr string, trailingAvg decimal.Decimal) *Result {
	res := NewResult()

	limits, supported := currency.LimitsFor(curr)
	if !supported {
		res.AddWarning("currency", fmt.Sprintf("currency %s not explicitly supported, using fallback bounds", curr))
	}
	if net.LessThan(limits.Min) {
		res.AddError("amount", fmt.Sprintf("net %s %s below the %s minimum %s",
			net.StringFixed(2), curr, curr, limits.Min.StringFixed(2)))
	}
	if net.GreaterThan(limits.Max) {
		res.AddError("amount", fmt.Sprintf("net %s %s above the %s maximum %s",
			net.StringFixed(2), curr, curr, limits.Max.StringFixed(2)))
	}

	// Signals, not blocks: round multiples of 1000 above the floor, or far
	// above the merchant's own trailing average.
	thousand := decimal.NewFromInt(1000)
	if net.GreaterThanOrEqual(v.cfg.SuspiciousRoundFloor) && net.Mod(thousand).IsZero() {
		res.AddWarning("amount", fmt.Sprintf("suspiciously round amount %s %s", net.StringFixed(2), curr))
	}
	if trailingAvg.IsPositive() {
		factor := decimal.NewFromInt(int64(v.cfg.SuspiciousAvgFactor))
		if net.GreaterThan(trailingAvg.Mul(factor)) {
			res.AddWarning("amount", fmt.Sprintf(
				"amount %s is over %dx the merchant's trailing 30-day average %s",
				net.StringFixed(2), v.cfg.SuspiciousAvgFactor, trailingAvg.StringFixed(2),
			))
		}
	}
	return res
}

// CheckProcessing applies the business rules that gate a batch's entry into
// processing: settlement age, weekend/holiday policy, fee variance against
// the merchant's commission rate, and the reconciliation identity. The
// reconciliation check is a hard error and runs before every transition to
// completed.
func (v *Validator) CheckProcessing(b *domain.SettlementBatch, items []domain.SettlementLineItem, m *domain.Merchant) *Result {
	res := NewResult()

	age := v.now().Sub(b.SettlementDate)
	if age > time.Duration(v.cfg.MaxSettlementAgeDays)*24*time.Hour {
		res.AddError("settlement_date", fmt.Sprintf(
			"settlement date is %.0f days old, over the %d-day ceiling",
			age.Hours()/24, v.cfg.MaxSettlementAgeDays,
		))
	}

	if !v.cfg.AllowWeekendRuns && !IsBusinessDay(b.SettlementDate) {
		res.AddWarning("settlement_date", fmt.Sprintf(
			"settlement date %s is a weekend or holiday", b.SettlementDate.Format("2006-01-02"),
		))
	}

	// Fee variance against gross x commission rate. Warning only; negotiated
	// rates legitimately diverge.
	expectedFees := b.GrossAmount.Mul(m.CommissionRate)
	if expectedFees.IsPositive() {
		variance := b.TotalFees.Sub(expectedFees).Abs().Div(expectedFees)
		tolerance := decimal.NewFromFloat(v.cfg.FeeVarianceTolerance)
		if variance.GreaterThan(tolerance) {
			res.AddWarning("fees", fmt.Sprintf(
				"stored fees %s diverge %.1f%% from expected %s (rate %s)",
				b.TotalFees.StringFixed(2), variance.InexactFloat64()*100,
				expectedFees.StringFixed(2), m.CommissionRate.String(),
			))
		}
	}

	res.Merge(v.CheckReconciliation(b, items))
	return res
}

// CheckReconciliation verifies the batch totals against its line items,
// exactly. A mismatch is never corrected here; it blocks the batch and is
// surfaced for manual review.
func (v *Validator) CheckReconciliation(b *domain.SettlementBatch, items []domain.SettlementLineItem) *Result {
	res := NewResult()

	var gross, fees, net decimal.Decimal
	for i := range items {
		gross = gross.Add(items[i].Amount)
		fees = fees.Add(items[i].Fee)
		net = net.Add(items[i].NetAmount)
	}

	if !b.GrossAmount.Equal(gross) {
		res.AddError("reconciliation", fmt.Sprintf(
			"stored gross %s != line item sum %s", b.GrossAmount.String(), gross.String()))
	}
	if !b.TotalFees.Equal(fees) {
		res.AddError("reconciliation", fmt.Sprintf(
			"stored fees %s != line item sum %s", b.TotalFees.String(), fees.String()))
	}
	if !b.NetAmount.Equal(net) {
		res.AddError("reconciliation", fmt.Sprintf(
			"stored net %s != line item sum %s", b.NetAmount.String(), net.String()))
	}
	if !b.NetAmount.Equal(b.GrossAmount.Sub(b.TotalFees)) {
		res.AddError("reconciliation", fmt.Sprintf(
			"net %s != gross %s - fees %s",
			b.NetAmount.String(), b.GrossAmount.String(), b.TotalFees.String()))
	}
	if b.TransactionCount != len(items) {
		res.AddError("reconciliation", fmt.Sprintf(
			"transaction count %d != %d line items", b.TransactionCount, len(items)))
	}
	return res
}
