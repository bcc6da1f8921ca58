package repository

import (
	"context"
	"time"

	"entitlement-service/internal/domain/model"
)

// -----------------------------
// Purchases
// -----------------------------

type PurchaseRepository interface {
	// Save inserts a new purchase. A second completed purchase for the same
	// (user, program) or a duplicate payment ref maps to a domain error.
	Save(ctx context.Context, tx Tx, p *model.Purchase) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.Purchase, error)
	FindByPaymentRef(ctx context.Context, tx Tx, ref string) (*model.Purchase, error)
	FindCompleted(ctx context.Context, tx Tx, userID, programID string) (*model.Purchase, error)
	// FindPending returns the user's newest pending purchase of the program.
	FindPending(ctx context.Context, tx Tx, userID, programID string) (*model.Purchase, error)
	ListByUser(ctx context.Context, tx Tx, userID string) ([]*model.Purchase, error)

	AttachPaymentRef(ctx context.Context, tx Tx, id, ref string) error
	// Transition writes p's status-dependent fields only if the stored status is
	// still from. It reports whether this call won.
	Transition(ctx context.Context, tx Tx, p *model.Purchase, from model.PurchaseStatus) (bool, error)
	SetRefundRequested(ctx context.Context, tx Tx, id string, at *time.Time) error

	// ListPendingOlderThan orders by last sweep check, unchecked first.
	ListPendingOlderThan(ctx context.Context, tx Tx, olderThan time.Time, limit int) ([]*model.Purchase, error)
	// MarkChecked stamps a pending purchase the sweep could not resolve.
	MarkChecked(ctx context.Context, tx Tx, id string, at time.Time) error
	ListRefundRequestedBefore(ctx context.Context, tx Tx, before time.Time, limit int) ([]*model.Purchase, error)
}
