package finance

import "math"

// SafeFloat returns fallback for NaN and infinities. Report inputs arrive
// from upstream imports that occasionally carry garbage numerics; the
// dashboard policy is to coerce rather than fail, so the coercion lives here
// as a named, testable utility instead of being scattered inline.
func SafeFloat(v float64, fallback float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fallback
	}
	return v
}

// SafeCents converts a float amount already denominated in cents to int64,
// coercing non-finite and negative values to 0.
func SafeCents(v float64) int64 {
	v = SafeFloat(v, 0)
	if v < 0 {
		return 0
	}
	return int64(math.Round(v))
}

// clampNonNegative floors integer money and quantity inputs at zero.
func clampNonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
