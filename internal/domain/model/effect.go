package model

import (
	"math"
	"time"

	"github.com/oklog/ulid/v2"
)

type EffectKind string

const (
	EffectAchievementCheck         EffectKind = "achievement_check"
	EffectEnrollmentIncrement      EffectKind = "enrollment_increment"
	EffectPurchaseNotification     EffectKind = "purchase_notification"
	EffectSubscriptionNotification EffectKind = "subscription_notification"
)

type EffectStatus string

const (
	EffectStatusPending EffectStatus = "pending"
	EffectStatusDone    EffectStatus = "done"
	EffectStatusDead    EffectStatus = "dead" // gave up after max attempts
)

// Effect is an outbox row: a follow-up action produced by a committed
// transition. The ID is handed to consumers as their idempotency key.
type Effect struct {
	ID            string
	Kind          EffectKind
	UserID        string
	SubjectID     string // purchase, program or subscription id depending on Kind
	Payload       map[string]string
	Status        EffectStatus
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
}

func NewEffect(kind EffectKind, userID, subjectID string, payload map[string]string, now time.Time) *Effect {
	return &Effect{
		ID:            ulid.Make().String(),
		Kind:          kind,
		UserID:        userID,
		SubjectID:     subjectID,
		Payload:       payload,
		Status:        EffectStatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
}

// PurchaseCompletedEffects are enqueued exactly once, by whichever channel
// moved the purchase to completed.
func PurchaseCompletedEffects(p *Purchase, now time.Time) []*Effect {
	return []*Effect{
		NewEffect(EffectEnrollmentIncrement, p.UserID, p.ProgramID, map[string]string{"purchase_id": p.ID}, now),
		NewEffect(EffectAchievementCheck, p.UserID, p.ID, map[string]string{"trigger": "purchase_completed", "program_id": p.ProgramID}, now),
		NewEffect(EffectPurchaseNotification, p.UserID, p.ID, map[string]string{"status": string(p.Status), "program_id": p.ProgramID}, now),
	}
}

// PurchaseRefundedEffects notify the owner that the refund went through.
func PurchaseRefundedEffects(p *Purchase, now time.Time) []*Effect {
	return []*Effect{
		NewEffect(EffectPurchaseNotification, p.UserID, p.ID, map[string]string{"status": string(p.Status), "program_id": p.ProgramID}, now),
	}
}

// SubscriptionEffects are enqueued after a subscription transition was applied.
func SubscriptionEffects(s *Subscription, change string, now time.Time) []*Effect {
	out := []*Effect{
		NewEffect(EffectSubscriptionNotification, s.UserID, s.ID, map[string]string{
			"change": change,
			"tier":   string(s.Tier),
			"status": string(s.Status),
		}, now),
	}
	if change == "created" || change == "tier_changed" {
		out = append(out, NewEffect(EffectAchievementCheck, s.UserID, s.ID, map[string]string{
			"trigger": "subscription_" + change,
			"tier":    string(s.Tier),
		}, now))
	}
	return out
}

// Backoff returns the delay before the next attempt: base * 2^(attempts-1), capped.
func Backoff(attempts int, base, max time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(attempts-1)))
	if d <= 0 || d > max {
		return max
	}
	return d
}
