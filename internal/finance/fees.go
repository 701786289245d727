package finance

import (
	"math"

	"gothamvending/backend/internal/domain"
)

// FeeForLine computes the processor fee for one sale line. A nil rule means
// the machine has no processor assigned and pays no fee.
//
// The percentage component is rounded per unit before multiplying by the
// quantity, and the final fee is floored at zero. Rounding granularity
// changes totals at scale, so this is a fixed contract: per-unit rounding,
// not per-line.
func FeeForLine(unitPriceCents int64, quantity int64, rule *domain.FeeRule) int64 {
	if rule == nil {
		return 0
	}

	price := clampNonNegative(unitPriceCents)
	qty := clampNonNegative(quantity)

	pctPerUnit := int64(math.Round(float64(price) * float64(rule.PercentBps) / 10000))
	perUnit := pctPerUnit + rule.FixedCents

	fee := qty * perUnit
	if fee < 0 {
		return 0
	}
	return fee
}

// NetForLine produces the full gross/cogs/fee/net breakdown for one sale
// line. Net may be negative; only the fee is floored.
func NetForLine(quantity, unitPriceCents, unitCostCents int64, rule *domain.FeeRule) domain.NetSummary {
	qty := clampNonNegative(quantity)
	price := clampNonNegative(unitPriceCents)
	cost := clampNonNegative(unitCostCents)

	grossCents := qty * price
	cogsCents := qty * cost
	feeCents := FeeForLine(price, qty, rule)

	return finishSummary(grossCents, cogsCents, feeCents)
}

// finishSummary derives net, display dollars and margin percentages from the
// accumulated cents. Margins are guarded to 0 when gross is 0.
func finishSummary(grossCents, cogsCents, feeCents int64) domain.NetSummary {
	netCents := grossCents - cogsCents - feeCents

	summary := domain.NetSummary{
		GrossCents: grossCents,
		CogsCents:  cogsCents,
		FeeCents:   feeCents,
		NetCents:   netCents,
		Gross:      float64(grossCents) / 100,
		Cogs:       float64(cogsCents) / 100,
		Fees:       float64(feeCents) / 100,
		Net:        float64(netCents) / 100,
	}

	if grossCents != 0 {
		summary.MarginPct = SafeFloat(float64(grossCents-cogsCents)/float64(grossCents)*100, 0)
		summary.NetMarginPct = SafeFloat(float64(netCents)/float64(grossCents)*100, 0)
	}

	return summary
}

// FeeFunc resolves the fee for one sale line of a machine. AggregateWithFees
// takes it as a parameter so report code can plug in either a loaded rule
// cache or a stub.
type FeeFunc func(machineID string, unitPriceCents, quantity int64) int64

// AggregateWithFees folds sale rows into one net summary. Accumulation is
// commutative, so row order never changes the totals. Machines the fee
// function does not know about contribute zero fees.
func AggregateWithFees(rows []domain.SaleLine, feeFor FeeFunc) domain.NetSummary {
	var grossCents, cogsCents, feeCents int64

	for _, row := range rows {
		qty := clampNonNegative(row.Quantity)
		price := clampNonNegative(row.UnitPriceCents)
		cost := clampNonNegative(row.UnitCostCents)

		grossCents += qty * price
		cogsCents += qty * cost
		if feeFor != nil {
			feeCents += feeFor(row.MachineID, price, qty)
		}
	}

	return finishSummary(grossCents, cogsCents, feeCents)
}
