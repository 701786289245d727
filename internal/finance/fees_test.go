package finance

import (
	"math"
	"math/rand"
	"testing"

	"gothamvending/backend/internal/domain"
)

func TestFeeForLineNoRuleIsZero(t *testing.T) {
	if fee := FeeForLine(250, 3, nil); fee != 0 {
		t.Fatalf("expected zero fee without a rule, got %d", fee)
	}
}

func TestFeeForLineRoundsPerUnit(t *testing.T) {
	rule := &domain.FeeRule{ProcessorID: "proc-1", PercentBps: 290, FixedCents: 10}

	// 250 * 290 / 10000 = 7.25 -> rounds to 7 per unit, +10 fixed = 17.
	fee := FeeForLine(250, 3, rule)
	if fee != 51 {
		t.Fatalf("expected per-unit rounding (3 * 17 = 51), got %d", fee)
	}

	// Per-line rounding would give round(21.75) + 30 = 52.
	if fee == 52 {
		t.Fatalf("fee was rounded per line, not per unit")
	}
}

func TestFeeForLineFloorsAtZero(t *testing.T) {
	rule := &domain.FeeRule{ProcessorID: "proc-1", PercentBps: 0, FixedCents: -500}
	if fee := FeeForLine(100, 2, rule); fee != 0 {
		t.Fatalf("expected fee floored at zero, got %d", fee)
	}
}

func TestFeeForLineCoercesNegativeInputs(t *testing.T) {
	rule := &domain.FeeRule{ProcessorID: "proc-1", PercentBps: 290, FixedCents: 10}
	if fee := FeeForLine(-250, 3, rule); fee != 30 {
		t.Fatalf("expected negative price coerced to zero (3 * 10 fixed), got %d", fee)
	}
	if fee := FeeForLine(250, -3, rule); fee != 0 {
		t.Fatalf("expected negative quantity coerced to zero, got %d", fee)
	}
}

func TestNetForLineIdentity(t *testing.T) {
	rule := &domain.FeeRule{ProcessorID: "proc-1", PercentBps: 290, FixedCents: 10}

	cases := []struct {
		qty, price, cost int64
	}{
		{0, 0, 0},
		{1, 250, 100},
		{7, 199, 250}, // cost above price, net goes negative
		{1000, 325, 140},
	}

	for _, tc := range cases {
		summary := NetForLine(tc.qty, tc.price, tc.cost, rule)
		if summary.NetCents != summary.GrossCents-summary.CogsCents-summary.FeeCents {
			t.Fatalf("net identity broken for qty=%d price=%d cost=%d: %+v", tc.qty, tc.price, tc.cost, summary)
		}
	}
}

func TestNetForLineZeroGrossGuardsMargins(t *testing.T) {
	summary := NetForLine(0, 500, 100, nil)
	if summary.MarginPct != 0 || summary.NetMarginPct != 0 {
		t.Fatalf("expected zero margins on zero gross, got %+v", summary)
	}
}

func TestNetForLineDollarFieldsMirrorCents(t *testing.T) {
	summary := NetForLine(4, 325, 140, nil)
	if summary.GrossCents != 1300 || summary.Gross != 13.00 {
		t.Fatalf("unexpected gross: %+v", summary)
	}
	if summary.Net != float64(summary.NetCents)/100 {
		t.Fatalf("net dollars diverged from cents: %+v", summary)
	}
}

func TestAggregateWithFeesOrderIndependent(t *testing.T) {
	rules := map[string]*domain.FeeRule{
		"vm-1": {ProcessorID: "proc-1", PercentBps: 290, FixedCents: 10},
		"vm-2": {ProcessorID: "proc-2", PercentBps: 150, FixedCents: 0},
	}
	feeFor := func(machineID string, price, qty int64) int64 {
		return FeeForLine(price, qty, rules[machineID])
	}

	rows := []domain.SaleLine{
		{MachineID: "vm-1", Quantity: 3, UnitPriceCents: 250, UnitCostCents: 95},
		{MachineID: "vm-2", Quantity: 1, UnitPriceCents: 175, UnitCostCents: 60},
		{MachineID: "vm-1", Quantity: 12, UnitPriceCents: 325, UnitCostCents: 140},
		{MachineID: "vm-3", Quantity: 5, UnitPriceCents: 200, UnitCostCents: 80}, // no rule
		{MachineID: "vm-2", Quantity: 8, UnitPriceCents: 150, UnitCostCents: 55},
	}

	want := AggregateWithFees(rows, feeFor)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 10; i++ {
		shuffled := make([]domain.SaleLine, len(rows))
		copy(shuffled, rows)
		rng.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})

		got := AggregateWithFees(shuffled, feeFor)
		if got != want {
			t.Fatalf("aggregation changed with row order: want %+v got %+v", want, got)
		}
	}

	if want.NetCents != want.GrossCents-want.CogsCents-want.FeeCents {
		t.Fatalf("aggregate net identity broken: %+v", want)
	}
}

func TestAggregateWithFeesNilFeeFunc(t *testing.T) {
	rows := []domain.SaleLine{
		{MachineID: "vm-1", Quantity: 2, UnitPriceCents: 300, UnitCostCents: 120},
	}
	summary := AggregateWithFees(rows, nil)
	if summary.FeeCents != 0 || summary.GrossCents != 600 {
		t.Fatalf("expected zero fees with nil fee func, got %+v", summary)
	}
}

func TestSafeFloat(t *testing.T) {
	if v := SafeFloat(math.NaN(), 0); v != 0 {
		t.Fatalf("NaN should coerce to fallback, got %f", v)
	}
	if v := SafeFloat(math.Inf(1), 0); v != 0 {
		t.Fatalf("+Inf should coerce to fallback, got %f", v)
	}
	if v := SafeFloat(2.9, 0); v != 2.9 {
		t.Fatalf("finite value should pass through, got %f", v)
	}
}

func TestSafeCents(t *testing.T) {
	if v := SafeCents(math.NaN()); v != 0 {
		t.Fatalf("NaN cents should coerce to zero, got %d", v)
	}
	if v := SafeCents(-120); v != 0 {
		t.Fatalf("negative cents should floor at zero, got %d", v)
	}
	if v := SafeCents(10.5); v != 11 {
		t.Fatalf("cents should round, got %d", v)
	}
}
