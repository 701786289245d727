package finance

import (
	"math"
	"time"

	"gothamvending/backend/internal/domain"
)

// thirtyDayMonth is the fixed "premium month" used for proration. The
// dashboard treats 30 days as one month rather than doing calendar-month
// math, and report values must match it.
const thirtyDayMonth = 30.0

// unassignedLocationKey pools machines with no location into one bucket so
// location-level division never silently drops them.
const unassignedLocationKey = ""

// policyAllocations is one policy's allocation rows indexed by level. Only
// the first allocation per (level, target) is honored.
type policyAllocations struct {
	global     *domain.InsuranceAllocation
	byLocation map[string]*domain.InsuranceAllocation
	byMachine  map[string]*domain.InsuranceAllocation
}

// AllocateInsurance computes each machine's prorated share of the supplied
// policies over the scope window. Resolution per machine is strict priority:
// a machine-level allocation, else a location-level allocation for the
// machine's location divided evenly across that location's machines, else a
// global allocation divided evenly across all machines, else zero.
//
// The location/global divisor counts every machine in the bucket, including
// machines claimed by their own override. That can over-recover the premium
// when overrides are present; it matches the behavior the existing dashboard
// reports, so it stays until the business confirms the intended split.
func AllocateInsurance(machines []domain.Machine, policies []domain.InsurancePolicy, allocations []domain.InsuranceAllocation, start, end time.Time) map[string]int64 {
	shares := make(map[string]int64, len(machines))
	for _, m := range machines {
		shares[m.ID] = 0
	}
	if len(machines) == 0 {
		return shares
	}

	machinesByLocation := make(map[string]int, len(machines))
	for _, m := range machines {
		machinesByLocation[locationKey(m.LocationID)]++
	}

	allocsByPolicy := indexAllocations(allocations)

	for _, policy := range policies {
		if policy.MonthlyPremiumCents <= 0 {
			continue
		}
		fraction := monthFraction(policy.CoverageStart, policy.CoverageEnd, start, end)
		if fraction <= 0 {
			continue
		}

		allocs, ok := allocsByPolicy[policy.ID]
		if !ok {
			continue
		}

		for _, machine := range machines {
			base := resolveShare(machine, policy, allocs, machinesByLocation, len(machines))
			if base == 0 {
				continue
			}
			shares[machine.ID] += int64(math.Round(base * fraction))
		}
	}

	return shares
}

// resolveShare returns one machine's unprorated share of a policy's monthly
// premium, in cents (as a float so even division survives until the final
// rounding).
func resolveShare(machine domain.Machine, policy domain.InsurancePolicy, allocs policyAllocations, machinesByLocation map[string]int, totalMachines int) float64 {
	if alloc := allocs.byMachine[machine.ID]; alloc != nil {
		return allocationBase(policy, alloc)
	}

	key := locationKey(machine.LocationID)
	if alloc := allocs.byLocation[key]; alloc != nil {
		count := machinesByLocation[key]
		if count < 1 {
			count = 1
		}
		return allocationBase(policy, alloc) / float64(count)
	}

	if allocs.global != nil {
		count := totalMachines
		if count < 1 {
			count = 1
		}
		return allocationBase(policy, allocs.global) / float64(count)
	}

	return 0
}

// allocationBase is the monthly amount an allocation row attributes, before
// any per-machine division or proration. Flat beats percentage.
func allocationBase(policy domain.InsurancePolicy, alloc *domain.InsuranceAllocation) float64 {
	if alloc.FlatMonthlyCents != nil {
		return float64(clampNonNegative(*alloc.FlatMonthlyCents))
	}
	if alloc.AllocatedPctBps != nil {
		return math.Round(float64(policy.MonthlyPremiumCents) * float64(clampNonNegative(*alloc.AllocatedPctBps)) / 10000)
	}
	return 0
}

// monthFraction converts the overlap between a policy's coverage and the
// scope window into fractions of a 30-day premium month. Zero means no
// overlap. Any genuine overlap counts as at least one day.
func monthFraction(coverageStart, coverageEnd, scopeStart, scopeEnd time.Time) float64 {
	overlapStart := coverageStart
	if scopeStart.After(overlapStart) {
		overlapStart = scopeStart
	}
	overlapEnd := coverageEnd
	if scopeEnd.Before(overlapEnd) {
		overlapEnd = scopeEnd
	}
	if overlapEnd.Before(overlapStart) {
		return 0
	}

	days := int64(math.Round(overlapEnd.Sub(overlapStart).Hours()/24)) + 1
	if days < 1 {
		days = 1
	}
	return float64(days) / thirtyDayMonth
}

func indexAllocations(allocations []domain.InsuranceAllocation) map[string]policyAllocations {
	indexed := make(map[string]policyAllocations)
	for i := range allocations {
		alloc := &allocations[i]
		if alloc.PolicyID == "" {
			continue
		}

		entry, ok := indexed[alloc.PolicyID]
		if !ok {
			entry = policyAllocations{
				byLocation: make(map[string]*domain.InsuranceAllocation),
				byMachine:  make(map[string]*domain.InsuranceAllocation),
			}
		}

		switch alloc.Level {
		case domain.AllocationLevelMachine:
			if alloc.MachineID != "" && entry.byMachine[alloc.MachineID] == nil {
				entry.byMachine[alloc.MachineID] = alloc
			}
		case domain.AllocationLevelLocation:
			key := locationKey(alloc.LocationID)
			if entry.byLocation[key] == nil {
				entry.byLocation[key] = alloc
			}
		case domain.AllocationLevelGlobal:
			if entry.global == nil {
				entry.global = alloc
			}
		}

		indexed[alloc.PolicyID] = entry
	}
	return indexed
}

func locationKey(locationID string) string {
	if locationID == "" {
		return unassignedLocationKey
	}
	return locationID
}
