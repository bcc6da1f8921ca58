package repository

import (
	"context"

	"entitlement-service/internal/domain/model"
)

// -----------------------------
// Users
// -----------------------------

type UserRepository interface {
	Save(ctx context.Context, tx Tx, u *model.User) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.User, error)
	FindByCustomerRef(ctx context.Context, tx Tx, ref string) (*model.User, error)
	// SetCustomerRefIfEmpty stores ref only when the user has none yet and
	// returns the ref that is stored after the call (ours or the winner's).
	SetCustomerRefIfEmpty(ctx context.Context, tx Tx, userID, ref string) (string, error)
	UpdateSubscriptionProjection(ctx context.Context, tx Tx, userID string, tier model.Tier, status string) error
}

// -----------------------------
// Programs
// -----------------------------

type ProgramRepository interface {
	FindByID(ctx context.Context, tx Tx, id string) (*model.Program, error)
	// IncrementEnrollment bumps the counter once per key; replays return false.
	IncrementEnrollment(ctx context.Context, tx Tx, programID, key string) (bool, error)
}
