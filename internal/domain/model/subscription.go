package model

import (
	"fmt"
	"time"

	"entitlement-service/internal/domain"

	"github.com/google/uuid"
)

type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusPastDue   SubscriptionStatus = "past_due"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
	SubscriptionStatusExpired   SubscriptionStatus = "expired"
)

// Live reports whether the status counts toward the one-live-subscription-per-user rule.
func (s SubscriptionStatus) Live() bool {
	return s == SubscriptionStatusActive || s == SubscriptionStatusPastDue
}

// Terminal reports whether no further webhook-driven transition is accepted.
func (s SubscriptionStatus) Terminal() bool {
	return s == SubscriptionStatusCancelled || s == SubscriptionStatusExpired
}

// Subscription is a user's recurring subscription.
type Subscription struct {
	ID                      string
	UserID                  string
	Tier                    Tier
	Status                  SubscriptionStatus
	ExternalSubscriptionRef string
	CurrentPeriodStart      time.Time
	CurrentPeriodEnd        time.Time
	CancelAt                *time.Time // "will cancel at period end"
	CanceledAt              *time.Time // when cancellation was requested
	LastEventAt             *time.Time // created-at of the newest processor event applied
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// SubscriptionSnapshot is the authoritative field set reported by the gateway,
// either in an API response or in a webhook event.
type SubscriptionSnapshot struct {
	Ref         string
	CustomerRef string
	Status      string // processor status, e.g. "active", "past_due", "canceled"
	Tier        Tier   // empty when the processor price is not mapped
	PeriodStart time.Time
	PeriodEnd   time.Time
	CancelAt    *time.Time
	CanceledAt  *time.Time
	OccurredAt  time.Time
	Deleted     bool
	// NoCancelFields is set for invoice events, which carry status and period
	// but say nothing about a scheduled cancellation.
	NoCancelFields bool
}

// NewSubscription builds an active subscription from a gateway-created record.
func NewSubscription(userID string, tier Tier, ref string, periodStart, periodEnd, now time.Time) (*Subscription, error) {
	if userID == "" || ref == "" || !tier.Purchasable() {
		return nil, domain.ErrInvalidArgument
	}
	if periodEnd.Before(periodStart) {
		return nil, domain.ErrInvalidArgument
	}
	return &Subscription{
		ID:                      uuid.NewString(),
		UserID:                  userID,
		Tier:                    tier,
		Status:                  SubscriptionStatusActive,
		ExternalSubscriptionRef: ref,
		CurrentPeriodStart:      periodStart,
		CurrentPeriodEnd:        periodEnd,
		CreatedAt:               now,
		UpdatedAt:               now,
	}, nil
}

// MapProcessorStatus translates a processor subscription status into a local one.
func MapProcessorStatus(status string, deleted bool) (SubscriptionStatus, bool) {
	if deleted {
		return SubscriptionStatusCancelled, true
	}
	switch status {
	case "active", "trialing":
		return SubscriptionStatusActive, true
	case "past_due", "unpaid":
		return SubscriptionStatusPastDue, true
	case "canceled", "cancelled":
		return SubscriptionStatusCancelled, true
	case "incomplete_expired":
		return SubscriptionStatusExpired, true
	}
	return "", false
}

// CheckTierChange validates a tier change before the gateway is called.
func (s *Subscription) CheckTierChange(newTier Tier) error {
	if !newTier.Purchasable() {
		return domain.ErrInvalidArgument
	}
	if s.Status != SubscriptionStatusActive {
		return fmt.Errorf("subscription %s is %s: %w", s.ID, s.Status, domain.ErrInvalidState)
	}
	if s.Tier == newTier {
		return domain.ErrNoChange
	}
	return nil
}

// ApplyTierChange stores the new tier with the period reported by the gateway.
func (s *Subscription) ApplyTierChange(newTier Tier, periodStart, periodEnd, now time.Time) error {
	if err := s.CheckTierChange(newTier); err != nil {
		return err
	}
	s.Tier = newTier
	s.CurrentPeriodStart = periodStart
	s.CurrentPeriodEnd = periodEnd
	s.UpdatedAt = now
	return nil
}

// CheckCancel validates an owner-initiated cancellation.
func (s *Subscription) CheckCancel(immediate bool) error {
	if !s.Status.Live() {
		return fmt.Errorf("subscription %s is %s: %w", s.ID, s.Status, domain.ErrInvalidState)
	}
	if !immediate && s.Status != SubscriptionStatusActive {
		return fmt.Errorf("subscription %s is %s: %w", s.ID, s.Status, domain.ErrInvalidState)
	}
	if !immediate && s.CancelAt != nil {
		return domain.ErrNoChange
	}
	return nil
}

// CancelNow ends the subscription immediately.
func (s *Subscription) CancelNow(now time.Time) error {
	if err := s.CheckCancel(true); err != nil {
		return err
	}
	s.Status = SubscriptionStatusCancelled
	s.CanceledAt = &now
	s.CancelAt = nil
	s.UpdatedAt = now
	return nil
}

// ScheduleCancel marks the subscription to end at periodEnd; it stays active until then.
func (s *Subscription) ScheduleCancel(periodEnd, now time.Time) error {
	if err := s.CheckCancel(false); err != nil {
		return err
	}
	s.CancelAt = &periodEnd
	s.CanceledAt = &now
	s.UpdatedAt = now
	return nil
}

// CheckReactivate validates that a scheduled cancellation can still be undone.
func (s *Subscription) CheckReactivate(now time.Time) error {
	if s.Status != SubscriptionStatusActive || s.CancelAt == nil {
		return fmt.Errorf("subscription %s has no pending cancellation: %w", s.ID, domain.ErrInvalidState)
	}
	if !now.Before(*s.CancelAt) {
		return fmt.Errorf("subscription %s cancellation already took effect: %w", s.ID, domain.ErrInvalidState)
	}
	return nil
}

// Reactivate clears a scheduled cancellation.
func (s *Subscription) Reactivate(now time.Time) error {
	if err := s.CheckReactivate(now); err != nil {
		return err
	}
	s.CancelAt = nil
	s.CanceledAt = nil
	s.UpdatedAt = now
	return nil
}

// ApplySnapshot re-derives local state from the processor's field set.
// It returns false when the snapshot is stale, targets a terminal record,
// or carries nothing new.
func (s *Subscription) ApplySnapshot(snap SubscriptionSnapshot, now time.Time) (bool, error) {
	if s.Status.Terminal() {
		return false, nil
	}
	if s.LastEventAt != nil && !snap.OccurredAt.IsZero() && snap.OccurredAt.Before(*s.LastEventAt) {
		return false, nil
	}
	status, ok := MapProcessorStatus(snap.Status, snap.Deleted)
	if !ok {
		return false, fmt.Errorf("subscription %s: unknown processor status %q: %w", s.ID, snap.Status, domain.ErrStateConflict)
	}

	before := *s
	s.Status = status
	if snap.Tier.Purchasable() {
		s.Tier = snap.Tier
	}
	if !snap.PeriodStart.IsZero() {
		s.CurrentPeriodStart = snap.PeriodStart
	}
	if !snap.PeriodEnd.IsZero() {
		s.CurrentPeriodEnd = snap.PeriodEnd
	}
	switch {
	case status == SubscriptionStatusCancelled:
		s.CancelAt = nil
		if s.CanceledAt == nil {
			canceled := now
			if snap.CanceledAt != nil {
				canceled = *snap.CanceledAt
			}
			s.CanceledAt = &canceled
		}
	case snap.NoCancelFields:
	case snap.CancelAt != nil:
		s.CancelAt = snap.CancelAt
		if snap.CanceledAt != nil {
			s.CanceledAt = snap.CanceledAt
		} else if s.CanceledAt == nil {
			s.CanceledAt = &now
		}
	default:
		s.CancelAt = nil
		s.CanceledAt = nil
	}
	if !snap.OccurredAt.IsZero() {
		at := snap.OccurredAt
		s.LastEventAt = &at
	}

	if sameSubscriptionState(&before, s) {
		return false, nil
	}
	s.UpdatedAt = now
	return true, nil
}

func sameSubscriptionState(a, b *Subscription) bool {
	return a.Status == b.Status &&
		a.Tier == b.Tier &&
		a.CurrentPeriodStart.Equal(b.CurrentPeriodStart) &&
		a.CurrentPeriodEnd.Equal(b.CurrentPeriodEnd) &&
		equalTimePtr(a.CancelAt, b.CancelAt) &&
		equalTimePtr(a.CanceledAt, b.CanceledAt)
}

func equalTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
