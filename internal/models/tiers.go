package models

// Tier names
const (
	TierFree       = "free"
	TierPro        = "pro"
	TierEnterprise = "enterprise"
)

// TierDefaults bundles the limits and capability set a tier grants.
type TierDefaults struct {
	Name               string
	RateLimitPerMinute int
	DailyLimit         int
	Scopes             []string
}

var tierCatalog = map[string]TierDefaults{
	TierFree: {
		Name:               TierFree,
		RateLimitPerMinute: 60,
		DailyLimit:         1_000,
		Scopes:             []string{"market:read"},
	},
	TierPro: {
		Name:               TierPro,
		RateLimitPerMinute: 300,
		DailyLimit:         100_000,
		Scopes:             []string{"market:read", "alerts:read", "alerts:write", "portfolio:read"},
	},
	TierEnterprise: {
		Name:               TierEnterprise,
		RateLimitPerMinute: 1_000,
		DailyLimit:         1_000_000,
		Scopes: []string{
			"market:read", "alerts:read", "alerts:write",
			"portfolio:read", "portfolio:write", "trading:execute",
		},
	},
}

// DefaultsForTier returns the catalog entry for a tier, falling back to
// free for unknown names so a bad subscription record can never widen
// access.
func DefaultsForTier(tier string) TierDefaults {
	if d, ok := tierCatalog[tier]; ok {
		return d
	}
	return tierCatalog[TierFree]
}

// IsKnownTier reports whether the name is in the catalog.
func IsKnownTier(tier string) bool {
	_, ok := tierCatalog[tier]
	return ok
}

// TierRank orders tiers for comparisons (higher = more access).
func TierRank(tier string) int {
	switch tier {
	case TierEnterprise:
		return 2
	case TierPro:
		return 1
	default:
		return 0
	}
}

// legacyScopeNames maps pre-versioned capability names to the current
// resource:action format. Kept as a permanent read-time shim rather than
// a one-off data migration, so legacy rows never need a write on the
// verification path.
var legacyScopeNames = map[string]string{
	"market":    "market:read",
	"alerts":    "alerts:read",
	"portfolio": "portfolio:read",
	"trading":   "trading:execute",
}

// MigrateScopes translates any legacy scope strings in order, leaving
// already-versioned scopes untouched.
func MigrateScopes(scopes []string) []string {
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if mapped, ok := legacyScopeNames[s]; ok {
			out = append(out, mapped)
			continue
		}
		out = append(out, s)
	}
	return out
}

// HasScope reports whether the scope list grants the required scope.
func HasScope(scopes []string, required string) bool {
	for _, s := range scopes {
		if s == required || s == "*" {
			return true
		}
	}
	return false
}
