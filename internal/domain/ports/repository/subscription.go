package repository

import (
	"context"
	"time"

	"entitlement-service/internal/domain/model"
)

// SubscriptionRepository is the port for user subscriptions.
type SubscriptionRepository interface {
	Save(ctx context.Context, tx Tx, s *model.Subscription) error
	// Update writes s only if the stored status is still expected.
	Update(ctx context.Context, tx Tx, s *model.Subscription, expected model.SubscriptionStatus) (bool, error)
	FindByID(ctx context.Context, tx Tx, id string) (*model.Subscription, error)
	FindByExternalRef(ctx context.Context, tx Tx, ref string) (*model.Subscription, error)
	// FindLiveByUser returns the user's active or past_due subscription, ErrNotFound if none.
	FindLiveByUser(ctx context.Context, tx Tx, userID string) (*model.Subscription, error)
	// CountByUser counts every subscription the user ever held.
	CountByUser(ctx context.Context, tx Tx, userID string) (int, error)

	ListCancelOverdue(ctx context.Context, tx Tx, before time.Time, limit int) ([]*model.Subscription, error)
	CountByStatus(ctx context.Context, tx Tx) (map[model.SubscriptionStatus]int, error)
}
