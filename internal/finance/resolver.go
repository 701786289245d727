package finance

import (
	"math"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"gothamvending/backend/internal/domain"
)

// BuildRuleCache resolves the effective fee rule for every mapped machine.
// Each fee field falls back independently: mapping override, then the
// processor's default, then zero. Percent values are plain percentages
// (2.9 = 2.9%) and fixed fees are dollars; both are converted to integer
// bps/cents here so everything downstream stays in integer math.
//
// Machines with no mapping are simply absent from the result, which the
// resolver treats as "no rule" (zero fee).
func BuildRuleCache(mappings []domain.MachineProcessorMapping, processors []domain.PaymentProcessor) map[string]*domain.FeeRule {
	byID := make(map[string]domain.PaymentProcessor, len(processors))
	for _, p := range processors {
		byID[p.ID] = p
	}

	rules := make(map[string]*domain.FeeRule, len(mappings))
	for _, m := range mappings {
		if m.MachineID == "" {
			continue
		}
		processor := byID[m.ProcessorID]

		percent := resolveFee(m.PercentFee, processor.DefaultPercentFee)
		fixed := resolveFee(m.FixedFee, processor.DefaultFixedFee)

		rules[m.MachineID] = &domain.FeeRule{
			ProcessorID: m.ProcessorID,
			PercentBps:  int64(math.Round(SafeFloat(percent, 0) * 100)),
			FixedCents:  int64(math.Round(SafeFloat(fixed, 0) * 100)),
		}
	}
	return rules
}

func resolveFee(override, fallback *float64) float64 {
	if override != nil {
		return *override
	}
	if fallback != nil {
		return *fallback
	}
	return 0
}

// Resolver holds the resolved fee rules behind a TTL cache. The rule set is
// replaced wholesale by Load and read-only afterwards; a partially failed
// load never corrupts entries already being served.
type Resolver struct {
	rules *gocache.Cache
}

const rulesKey = "fee-rules"

// NewResolver creates an empty resolver. FeeFor is safe to call before the
// first Load and returns zero fees until rules arrive; report callers may
// race the initial fetch and must not fail because of it.
func NewResolver(ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	return &Resolver{rules: gocache.New(ttl, 2*ttl)}
}

// Load replaces the cached rule set.
func (r *Resolver) Load(mappings []domain.MachineProcessorMapping, processors []domain.PaymentProcessor) int {
	built := BuildRuleCache(mappings, processors)
	r.rules.Set(rulesKey, built, gocache.DefaultExpiration)
	return len(built)
}

// RuleFor returns the effective rule for a machine, or nil when the machine
// is unmapped or the cache is empty/expired.
func (r *Resolver) RuleFor(machineID string) *domain.FeeRule {
	cached, found := r.rules.Get(rulesKey)
	if !found {
		return nil
	}
	rules, ok := cached.(map[string]*domain.FeeRule)
	if !ok {
		return nil
	}
	return rules[machineID]
}

// FeeFor computes the fee for one sale line of a machine.
func (r *Resolver) FeeFor(machineID string, unitPriceCents, quantity int64) int64 {
	return FeeForLine(unitPriceCents, quantity, r.RuleFor(machineID))
}

// Loaded reports whether a rule set is currently cached.
func (r *Resolver) Loaded() bool {
	_, found := r.rules.Get(rulesKey)
	return found
}
