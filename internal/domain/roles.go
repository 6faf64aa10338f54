package domain

import "strings"

// RoleTier is the closed enumeration of approval authority levels. Tiers form a
// total order; authorisation checks compare tiers with AtLeast instead of
// scattered string equality.
type RoleTier string

const (
	// TierRequester is the base tier every authenticated user holds.
	TierRequester RoleTier = "requester"
	// TierOperations accepts approved orders into fulfilment.
	TierOperations RoleTier = "operations"
	// TierSupervisor clears orders in the lowest manual-approval band.
	TierSupervisor RoleTier = "supervisor"
	// TierProcurement clears mid-band orders.
	TierProcurement RoleTier = "procurement"
	// TierExecutive clears the highest band and mid-pipeline review holds.
	TierExecutive RoleTier = "executive"
	// TierAdmin may override any transition.
	TierAdmin RoleTier = "admin"
)

var tierRank = map[RoleTier]int{
	TierRequester:   0,
	TierOperations:  1,
	TierSupervisor:  2,
	TierProcurement: 3,
	TierExecutive:   4,
	TierAdmin:       5,
}

// Known reports whether the tier is part of the closed enumeration.
func (t RoleTier) Known() bool {
	_, ok := tierRank[t]
	return ok
}

// AtLeast reports whether the tier ranks at or above the required tier.
// Unknown tiers never satisfy any requirement.
func (t RoleTier) AtLeast(required RoleTier) bool {
	rank, ok := tierRank[t]
	if !ok {
		return false
	}
	requiredRank, ok := tierRank[required]
	if !ok {
		return false
	}
	return rank >= requiredRank
}

// ParseRoleTier normalises a raw tier string, reporting whether it is known.
func ParseRoleTier(raw string) (RoleTier, bool) {
	tier := RoleTier(strings.ToLower(strings.TrimSpace(raw)))
	if !tier.Known() {
		return "", false
	}
	return tier, true
}
