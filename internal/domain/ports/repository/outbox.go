package repository

import (
	"context"
	"time"

	"entitlement-service/internal/domain/model"
)

// OutboxRepository stores side effects produced by committed transitions.
type OutboxRepository interface {
	// Enqueue must be called with the same tx as the transition that produced the effects.
	Enqueue(ctx context.Context, tx Tx, effects ...*model.Effect) error
	// ClaimDue leases up to limit due effects by pushing their next attempt
	// lease into the future, so concurrent relays do not pick the same rows.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*model.Effect, error)
	MarkDone(ctx context.Context, id string) error
	MarkRetry(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error
	MarkDead(ctx context.Context, id string, attempts int, lastErr string) error
	CountByStatus(ctx context.Context) (map[model.EffectStatus]int, error)
}

// WebhookEventRepository records processed processor event ids.
type WebhookEventRepository interface {
	Seen(ctx context.Context, tx Tx, eventID string) (bool, error)
	// MarkProcessed returns false if the event id was already recorded.
	MarkProcessed(ctx context.Context, tx Tx, meta model.EventMeta) (bool, error)
}
