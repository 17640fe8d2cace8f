// Package quota enforces per-user monthly evaluation limits. Usage is
// accounted in calendar-month windows anchored to UTC; subscription tiers
// decide the cap of each window and which optional features a user may
// exercise.
package quota

import (
	"fmt"
	"strings"
)

// Tier is a subscription level. Every tier carries a monthly evaluation cap
// and a feature set.
type Tier string

const (
	TierFree       Tier = "free"
	TierStarter    Tier = "starter"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// UnboundedCap marks a tier with no monthly evaluation limit.
const UnboundedCap int64 = -1

var tierCaps = map[Tier]int64{
	TierFree:       4,
	TierStarter:    5,
	TierPro:        6,
	TierEnterprise: UnboundedCap,
}

// ParseTier normalizes and validates a tier name.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := tierCaps[t]; !ok {
		return "", fmt.Errorf("unknown subscription tier %q", s)
	}
	return t, nil
}

// Valid reports whether the tier is a known subscription level.
func (t Tier) Valid() bool {
	_, ok := tierCaps[t]
	return ok
}

// Cap returns the tier's monthly evaluation limit, UnboundedCap for tiers
// without one. Unknown tiers fall back to the free cap.
func (t Tier) Cap() int64 {
	if cap, ok := tierCaps[t]; ok {
		return cap
	}
	return tierCaps[TierFree]
}

// Unbounded reports whether the tier has no monthly limit.
func (t Tier) Unbounded() bool {
	return t.Cap() == UnboundedCap
}

// Feature names an optional capability gated by subscription tier.
type Feature string

const (
	FeatureEvaluations      Feature = "evaluations"
	FeatureDetailedFeedback Feature = "detailed-feedback"
	FeatureCacheWarming     Feature = "cache-warming"
	FeaturePriorityQueue    Feature = "priority-queue"
)

// featureTiers maps each feature to the tiers allowed to use it.
var featureTiers = map[Feature]map[Tier]bool{
	FeatureEvaluations: {
		TierFree: true, TierStarter: true, TierPro: true, TierEnterprise: true,
	},
	FeatureDetailedFeedback: {
		TierStarter: true, TierPro: true, TierEnterprise: true,
	},
	FeatureCacheWarming: {
		TierPro: true, TierEnterprise: true,
	},
	FeaturePriorityQueue: {
		TierEnterprise: true,
	},
}

// TierAllows reports whether the tier may use the feature. Unknown features
// are denied for every tier.
func TierAllows(f Feature, t Tier) bool {
	return featureTiers[f][t]
}
