package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"entitlement-service/internal/domain"
	"entitlement-service/internal/domain/model"
	"entitlement-service/internal/domain/ports/repository"
)

// Ensure subscriptionRepo implements repository.SubscriptionRepository
var _ repository.SubscriptionRepository = (*subscriptionRepo)(nil)

type subscriptionRepo struct {
	pool *pgxpool.Pool
}

func NewSubscriptionRepo(pool *pgxpool.Pool) *subscriptionRepo {
	return &subscriptionRepo{pool: pool}
}

const subscriptionCols = `id, user_id, tier, status, external_subscription_ref,
       current_period_start, current_period_end, cancel_at, canceled_at, last_event_at, created_at, updated_at`

var subscriptionUniques = map[string]error{
	"subscriptions_one_live": domain.ErrAlreadyActive,
	"subscriptions_ref_key":  domain.ErrAlreadyExists,
}

func (r *subscriptionRepo) Save(ctx context.Context, tx repository.Tx, s *model.Subscription) error {
	const q = `
INSERT INTO subscriptions (
  id, user_id, tier, status, external_subscription_ref,
  current_period_start, current_period_end, cancel_at, canceled_at, last_event_at, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12);`
	_, err := execSQL(ctx, r.pool, tx, q,
		s.ID, s.UserID, s.Tier, s.Status, s.ExternalSubscriptionRef,
		s.CurrentPeriodStart, s.CurrentPeriodEnd, s.CancelAt, s.CanceledAt, s.LastEventAt, s.CreatedAt, s.UpdatedAt)
	return mapWriteErr(err, subscriptionUniques)
}

func (r *subscriptionRepo) Update(ctx context.Context, tx repository.Tx, s *model.Subscription, expected model.SubscriptionStatus) (bool, error) {
	const q = `
UPDATE subscriptions SET
  tier=$3, status=$4, current_period_start=$5, current_period_end=$6,
  cancel_at=$7, canceled_at=$8, last_event_at=$9, updated_at=$10
 WHERE id=$1 AND status=$2;`
	tag, err := execSQL(ctx, r.pool, tx, q,
		s.ID, expected, s.Tier, s.Status, s.CurrentPeriodStart, s.CurrentPeriodEnd,
		s.CancelAt, s.CanceledAt, s.LastEventAt, s.UpdatedAt)
	if err != nil {
		return false, mapWriteErr(err, subscriptionUniques)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *subscriptionRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Subscription, error) {
	q := forUpdate(`SELECT `+subscriptionCols+` FROM subscriptions WHERE id=$1`, tx)
	return scanSubscription(pickRow(ctx, r.pool, tx, q, id))
}

func (r *subscriptionRepo) FindByExternalRef(ctx context.Context, tx repository.Tx, ref string) (*model.Subscription, error) {
	q := forUpdate(`SELECT `+subscriptionCols+` FROM subscriptions WHERE external_subscription_ref=$1`, tx)
	return scanSubscription(pickRow(ctx, r.pool, tx, q, ref))
}

func (r *subscriptionRepo) FindLiveByUser(ctx context.Context, tx repository.Tx, userID string) (*model.Subscription, error) {
	q := forUpdate(`
SELECT `+subscriptionCols+`
  FROM subscriptions
 WHERE user_id=$1 AND status IN ('active','past_due')`, tx)
	return scanSubscription(pickRow(ctx, r.pool, tx, q, userID))
}

func (r *subscriptionRepo) CountByUser(ctx context.Context, tx repository.Tx, userID string) (int, error) {
	var n int
	if err := pickRow(ctx, r.pool, tx, `SELECT COUNT(*) FROM subscriptions WHERE user_id=$1`, userID).Scan(&n); err != nil {
		return 0, mapReadErr(err)
	}
	return n, nil
}

// ListCancelOverdue returns active subscriptions whose scheduled cancel time
// has passed without the processor confirming it.
func (r *subscriptionRepo) ListCancelOverdue(ctx context.Context, tx repository.Tx, before time.Time, limit int) ([]*model.Subscription, error) {
	const q = `
SELECT ` + subscriptionCols + `
  FROM subscriptions
 WHERE status='active' AND cancel_at IS NOT NULL AND cancel_at < $1
 ORDER BY cancel_at ASC
 LIMIT $2`
	rows, err := queryRows(ctx, r.pool, tx, q, before, limit)
	if err != nil {
		return nil, mapWriteErr(err, nil)
	}
	defer rows.Close()
	out := make([]*model.Subscription, 0)
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.ErrReadDatabaseRow
	}
	return out, nil
}

func (r *subscriptionRepo) CountByStatus(ctx context.Context, tx repository.Tx) (map[model.SubscriptionStatus]int, error) {
	rows, err := queryRows(ctx, r.pool, tx, `SELECT status, COUNT(*) FROM subscriptions GROUP BY status`)
	if err != nil {
		return nil, mapWriteErr(err, nil)
	}
	defer rows.Close()
	out := make(map[model.SubscriptionStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		out[model.SubscriptionStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, domain.ErrReadDatabaseRow
	}
	return out, nil
}

func scanSubscription(row pgx.Row) (*model.Subscription, error) {
	var s model.Subscription
	if err := row.Scan(
		&s.ID, &s.UserID, &s.Tier, &s.Status, &s.ExternalSubscriptionRef,
		&s.CurrentPeriodStart, &s.CurrentPeriodEnd, &s.CancelAt, &s.CanceledAt, &s.LastEventAt, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return nil, mapReadErr(err)
	}
	return &s, nil
}
