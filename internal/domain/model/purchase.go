package model

import (
	"fmt"
	"time"

	"entitlement-service/internal/domain"

	"github.com/google/uuid"
)

// RefundWindow is how long after creation a completed purchase may be refunded.
const RefundWindow = 30 * 24 * time.Hour

type PurchaseStatus string

const (
	PurchaseStatusPending   PurchaseStatus = "pending"   // checkout initiated, awaiting processor outcome
	PurchaseStatusCompleted PurchaseStatus = "completed" // paid; grants ownership
	PurchaseStatusFailed    PurchaseStatus = "failed"    // processor reported failure
	PurchaseStatusRefunded  PurchaseStatus = "refunded"  // terminal
)

// Purchase is a one-time purchase of a program.
type Purchase struct {
	ID                 string
	UserID             string
	ProgramID          string
	Amount             int64 // minor-unit-free amount, e.g. 50 for $50
	Currency           string
	ExternalPaymentRef *string // processor payment intent id; unique when set
	Status             PurchaseStatus
	CompletedAt        *time.Time
	RefundRequestedAt  *time.Time // set before the gateway refund call; cleared by the local write
	RefundedAt         *time.Time
	AccessExpiresAt    *time.Time
	LastCheckedAt      *time.Time // last stale sweep that left it pending
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// NewPurchase builds a pending purchase.
func NewPurchase(userID, programID string, amount int64, currency string, now time.Time) (*Purchase, error) {
	if userID == "" || programID == "" || amount <= 0 || currency == "" {
		return nil, domain.ErrInvalidArgument
	}
	return &Purchase{
		ID:        uuid.NewString(),
		UserID:    userID,
		ProgramID: programID,
		Amount:    amount,
		Currency:  currency,
		Status:    PurchaseStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// A failed purchase can still complete: the processor may report a declined
// attempt and then a successful retry on the same payment intent, and a
// success must win regardless of delivery order.
var purchaseTransitions = map[PurchaseStatus][]PurchaseStatus{
	PurchaseStatusPending:   {PurchaseStatusCompleted, PurchaseStatusFailed},
	PurchaseStatusFailed:    {PurchaseStatusCompleted},
	PurchaseStatusCompleted: {PurchaseStatusRefunded},
}

// CanTransition reports whether from -> to is a legal purchase transition.
func (s PurchaseStatus) CanTransition(to PurchaseStatus) bool {
	for _, allowed := range purchaseTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// PaymentRef returns the external payment reference or "".
func (p *Purchase) PaymentRef() string {
	if p.ExternalPaymentRef == nil {
		return ""
	}
	return *p.ExternalPaymentRef
}

// Owns reports whether the purchase currently grants access to its program.
func (p *Purchase) Owns(now time.Time) bool {
	if p == nil || p.Status != PurchaseStatusCompleted {
		return false
	}
	return p.AccessExpiresAt == nil || now.Before(*p.AccessExpiresAt)
}

// Voided reports whether the purchase failed after its payment was captured
// and refunded as a duplicate.
func (p *Purchase) Voided() bool {
	return p.Status == PurchaseStatusFailed && p.RefundedAt != nil
}

// Complete moves the purchase to completed. Replaying it on an already
// completed (or later refunded) purchase returns applied=false and no error,
// as does completing a voided duplicate.
func (p *Purchase) Complete(ref string, now time.Time) (bool, error) {
	if p.Status == PurchaseStatusCompleted || p.Status == PurchaseStatusRefunded || p.Voided() {
		return false, nil
	}
	if !p.Status.CanTransition(PurchaseStatusCompleted) {
		return false, fmt.Errorf("purchase %s %s -> completed: %w", p.ID, p.Status, domain.ErrStateConflict)
	}
	if ref != "" {
		if cur := p.PaymentRef(); cur != "" && cur != ref {
			return false, fmt.Errorf("purchase %s payment ref mismatch: %w", p.ID, domain.ErrStateConflict)
		}
		p.ExternalPaymentRef = &ref
	}
	p.Status = PurchaseStatusCompleted
	p.CompletedAt = &now
	p.UpdatedAt = now
	return true, nil
}

// Fail moves a pending purchase to failed. Completed or already failed
// purchases are left untouched; a late failure never downgrades a success.
func (p *Purchase) Fail(now time.Time) bool {
	if p.Status != PurchaseStatusPending {
		return false
	}
	p.Status = PurchaseStatusFailed
	p.UpdatedAt = now
	return true
}

// VoidDuplicate closes a pending or failed purchase whose payment was
// captured although the program is already owned through another purchase.
// The caller refunds the payment first.
func (p *Purchase) VoidDuplicate(now time.Time) error {
	if p.Status != PurchaseStatusPending && p.Status != PurchaseStatusFailed {
		return fmt.Errorf("purchase %s is %s: %w", p.ID, p.Status, domain.ErrStateConflict)
	}
	p.Status = PurchaseStatusFailed
	p.RefundedAt = &now
	p.UpdatedAt = now
	return nil
}

// CheckRefundable validates the refund preconditions. The window boundary is
// inclusive: exactly RefundWindow after creation is still refundable.
func (p *Purchase) CheckRefundable(now time.Time) error {
	if p.Status != PurchaseStatusCompleted {
		return fmt.Errorf("purchase %s is %s: %w", p.ID, p.Status, domain.ErrInvalidState)
	}
	if now.Sub(p.CreatedAt) > RefundWindow {
		return domain.ErrRefundWindowExpired
	}
	return nil
}

// MarkRefunded records a refund that the gateway has already accepted.
func (p *Purchase) MarkRefunded(now time.Time) error {
	if !p.Status.CanTransition(PurchaseStatusRefunded) {
		return fmt.Errorf("purchase %s %s -> refunded: %w", p.ID, p.Status, domain.ErrStateConflict)
	}
	p.Status = PurchaseStatusRefunded
	p.RefundedAt = &now
	p.RefundRequestedAt = nil
	p.UpdatedAt = now
	return nil
}
