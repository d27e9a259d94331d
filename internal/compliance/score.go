// Package compliance computes a host's compliance rate from its number of
// active rules and unresolved violations.
package compliance

import "math"

// Score returns max(0, (activeRules-unresolved)/activeRules*100) rounded to
// two decimals. A host with no active rules is fully compliant.
func Score(activeRules, unresolved int) float64 {
	if activeRules <= 0 {
		return 100
	}
	if unresolved < 0 {
		unresolved = 0
	}
	rate := float64(activeRules-unresolved) / float64(activeRules) * 100
	if rate < 0 {
		rate = 0
	}
	return math.Round(rate*100) / 100
}
