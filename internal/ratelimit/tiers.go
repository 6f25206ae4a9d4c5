// Package ratelimit implements per-key rate limiting with in-process token
// buckets across three axes: requests per minute, tokens per minute, and
// requests per day. Buckets refill lazily on access; admission checks all
// three axes atomically under one lock.
package ratelimit

// Tier bundles the three per-key limits. Zero on any axis means unlimited.
type Tier struct {
	Name string
	RPM  int
	TPM  int
	RPD  int
}

// Standard usage tiers.
var tiers = map[string]Tier{
	"free":   {Name: "free", RPM: 3, TPM: 40_000, RPD: 200},
	"tier-1": {Name: "tier-1", RPM: 10, TPM: 200_000, RPD: 1_000},
	"tier-2": {Name: "tier-2", RPM: 50, TPM: 500_000, RPD: 5_000},
	"tier-3": {Name: "tier-3", RPM: 200, TPM: 1_000_000, RPD: 10_000},
	"tier-4": {Name: "tier-4", RPM: 500, TPM: 2_000_000, RPD: 50_000},
	"tier-5": {Name: "tier-5", RPM: 10_000, TPM: 10_000_000, RPD: 100_000},
}

// TierByName resolves a tier name; unknown names fall back to tier-1.
func TierByName(name string) Tier {
	if t, ok := tiers[name]; ok {
		return t
	}
	return tiers["tier-1"]
}

// TierNames lists the known tier names.
func TierNames() []string {
	return []string{"free", "tier-1", "tier-2", "tier-3", "tier-4", "tier-5"}
}
