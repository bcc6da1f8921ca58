// Package entitlement answers access questions from a user's current
// subscription and purchase records. Everything here is pure: callers load the
// records, pass a clock reading, and nothing is cached or mutated.
package entitlement

import (
	"time"

	"entitlement-service/internal/domain/model"
)

// IsSubscriptionActive is true iff the subscription is active and any scheduled
// cancellation has not taken effect yet.
func IsSubscriptionActive(sub *model.Subscription, now time.Time) bool {
	if sub == nil || sub.Status != model.SubscriptionStatusActive {
		return false
	}
	return sub.CancelAt == nil || now.Before(*sub.CancelAt)
}

// IsAccessActive extends IsSubscriptionActive with past_due: a single failed
// charge does not cut access, it only raises the payment-problem flag.
func IsAccessActive(sub *model.Subscription, now time.Time) bool {
	if IsSubscriptionActive(sub, now) {
		return true
	}
	if sub == nil || sub.Status != model.SubscriptionStatusPastDue {
		return false
	}
	return sub.CancelAt == nil || now.Before(*sub.CancelAt)
}

// PaymentProblem reports whether the client should show the payment banner.
func PaymentProblem(sub *model.Subscription) bool {
	return sub != nil && sub.Status == model.SubscriptionStatusPastDue
}

// EffectiveTier is the tier the user may use right now; free without a live subscription.
func EffectiveTier(sub *model.Subscription, now time.Time) model.Tier {
	if !IsAccessActive(sub, now) {
		return model.TierFree
	}
	return sub.Tier
}

// HasAccess compares the user's effective tier against required.
func HasAccess(sub *model.Subscription, required model.Tier, now time.Time) bool {
	return EffectiveTier(sub, now).AtLeast(required)
}

// OwnsProgram reports whether purchases contain a completed, unexpired purchase of programID.
func OwnsProgram(purchases []*model.Purchase, programID string, now time.Time) bool {
	for _, p := range purchases {
		if p.ProgramID == programID && p.Owns(now) {
			return true
		}
	}
	return false
}

// CanAccessProgram checks both paths: ownership through a purchase, and the
// subscription tier independently satisfying the program's required tier.
func CanAccessProgram(purchases []*model.Purchase, sub *model.Subscription, program *model.Program, now time.Time) bool {
	if program.IsZero() {
		return false
	}
	if OwnsProgram(purchases, program.ID, now) {
		return true
	}
	if program.RequiredTier == nil {
		return false
	}
	return HasAccess(sub, *program.RequiredTier, now)
}

// Entitlements is the summary served to clients.
type Entitlements struct {
	UserID         string     `json:"user_id"`
	Tier           model.Tier `json:"tier"`
	Status         string     `json:"status,omitempty"`
	AccessActive   bool       `json:"access_active"`
	PaymentProblem bool       `json:"payment_problem"`
	CancelAt       *time.Time `json:"cancel_at,omitempty"`
	PeriodEnd      *time.Time `json:"current_period_end,omitempty"`
	OwnedPrograms  []string   `json:"owned_programs"`
}

func Evaluate(userID string, sub *model.Subscription, purchases []*model.Purchase, now time.Time) Entitlements {
	e := Entitlements{
		UserID:         userID,
		Tier:           EffectiveTier(sub, now),
		AccessActive:   IsAccessActive(sub, now),
		PaymentProblem: PaymentProblem(sub),
		OwnedPrograms:  []string{},
	}
	if sub != nil {
		e.Status = string(sub.Status)
		e.CancelAt = sub.CancelAt
		end := sub.CurrentPeriodEnd
		e.PeriodEnd = &end
	}
	seen := map[string]bool{}
	for _, p := range purchases {
		if p.Owns(now) && !seen[p.ProgramID] {
			seen[p.ProgramID] = true
			e.OwnedPrograms = append(e.OwnedPrograms, p.ProgramID)
		}
	}
	return e
}
