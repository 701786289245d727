package finance

import (
	"math"

	"gothamvending/backend/internal/domain"
)

// MonthlyCommission computes the commission owed to a location owner for one
// period. Callers supply gross already restricted to the desired window;
// "monthly" is a trailing 30-day approximation upstream, not a calendar
// month.
//
// The none model is an explicit early return: a location without a
// commission model owes nothing even when a stray minimum value exists on
// the row. Do not fold it into the max below.
func MonthlyCommission(policy domain.CommissionPolicy, grossCentsForPeriod int64) int64 {
	if policy.Model == domain.CommissionModelNone || policy.Model == "" {
		return 0
	}

	gross := clampNonNegative(grossCentsForPeriod)

	var percentComponent int64
	if policy.Model == domain.CommissionModelPercentGross || policy.Model == domain.CommissionModelHybrid {
		percentComponent = int64(math.Round(float64(gross) * float64(policy.PercentBps) / 10000))
	}

	var flatComponent int64
	if policy.Model == domain.CommissionModelFlatMonth || policy.Model == domain.CommissionModelHybrid {
		flatComponent = policy.FlatMonthlyCents
	}

	commission := percentComponent + flatComponent
	if commission < policy.MinMonthlyCents {
		commission = policy.MinMonthlyCents
	}
	return commission
}
