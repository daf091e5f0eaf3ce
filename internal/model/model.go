// Package model defines the shared vocabulary used by every component of
// the key lifecycle core: tiers, priorities, and the fixed budget matrix
// that ties them together (spec.md §3, §4.2).
package model

import "github.com/aqmlabs/aqm-core/internal/errs"

// Tier denotes cryptographic strength and byte cost of a coin.
type Tier string

const (
	TierGold   Tier = "GOLD"
	TierSilver Tier = "SILVER"
	TierBronze Tier = "BRONZE"
)

// ParseTier validates a tier string, returning errs.ErrInvalidTier on an
// unknown value.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierGold, TierSilver, TierBronze:
		return Tier(s), nil
	default:
		return "", errs.ErrInvalidTier
	}
}

// FallbackOrder returns the fixed downward-only fallback chain for a desired
// tier: the tier itself first, then progressively weaker tiers. select_coin
// tries these in order and never falls back upward (spec.md §4.2, P5).
func FallbackOrder(desired Tier) []Tier {
	switch desired {
	case TierGold:
		return []Tier{TierGold, TierSilver, TierBronze}
	case TierSilver:
		return []Tier{TierSilver, TierBronze}
	case TierBronze:
		return []Tier{TierBronze}
	default:
		return nil
	}
}

// Priority is the per-contact classification that determines budget caps.
type Priority string

const (
	PriorityBestie   Priority = "BESTIE"
	PriorityMate     Priority = "MATE"
	PriorityStranger Priority = "STRANGER"
)

// ParsePriority validates a priority string, returning
// errs.ErrInvalidPriority on an unknown value.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case PriorityBestie, PriorityMate, PriorityStranger:
		return Priority(s), nil
	default:
		return "", errs.ErrInvalidPriority
	}
}

// BudgetMatrix is the fixed priority×tier cap table from spec.md §4.2. A cap
// of 0 means the (priority, tier) cell never accepts a cached key.
type BudgetMatrix map[Priority]map[Tier]int

// DefaultBudget is the cap table defined by spec.md §4.2. Cells not
// overridden through config.InventoryConfig.Budget keep these values. It is
// exposed as a value (not a package-global singleton) so tests and the
// Inventory component can both depend on the same table by injection.
func DefaultBudget() BudgetMatrix {
	return BudgetMatrix{
		PriorityBestie: {
			TierGold:   5,
			TierSilver: 4,
			TierBronze: 1,
		},
		PriorityMate: {
			TierGold:   0,
			TierSilver: 6,
			TierBronze: 4,
		},
		PriorityStranger: {
			TierGold:   0,
			TierSilver: 0,
			TierBronze: 0,
		},
	}
}

// Cap returns the budget cap for a (priority, tier) cell, or 0 if unknown.
func (m BudgetMatrix) Cap(p Priority, t Tier) int {
	byTier, ok := m[p]
	if !ok {
		return 0
	}
	return byTier[t]
}

// TierSizeBytes is the fixed per-tier size estimate used for storage
// reports (spec.md §6, "tier_sizes_bytes"). Values are illustrative byte
// costs of a public key + signature + bookkeeping overhead at each tier.
var TierSizeBytes = map[Tier]int{
	TierGold:   1568,
	TierSilver: 800,
	TierBronze: 288,
}
