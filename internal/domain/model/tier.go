package model

import (
	"strings"

	"entitlement-service/internal/domain"
)

// Tier is an ordered subscription level.
type Tier string

const (
	TierFree    Tier = "free" // implicit tier of a user without a subscription
	TierBasic   Tier = "basic"
	TierPremium Tier = "premium"
	TierElite   Tier = "elite"
)

var tierRank = map[Tier]int{
	TierFree:    0,
	TierBasic:   1,
	TierPremium: 2,
	TierElite:   3,
}

// Rank returns the position of the tier in the ordering; unknown tiers rank as free.
func (t Tier) Rank() int { return tierRank[t] }

// AtLeast reports whether t grants everything other grants.
func (t Tier) AtLeast(other Tier) bool { return t.Rank() >= other.Rank() }

// Purchasable reports whether the tier can be bought as a subscription.
func (t Tier) Purchasable() bool {
	return t == TierBasic || t == TierPremium || t == TierElite
}

// ParseTier normalizes s and rejects anything outside the purchasable set.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Purchasable() {
		return "", domain.ErrInvalidArgument
	}
	return t, nil
}
