package postgres

import (
	"context"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"entitlement-service/internal/domain"
	"entitlement-service/internal/domain/model"
	"entitlement-service/internal/domain/ports/repository"
)

var _ repository.UserRepository = (*PostgresUserRepo)(nil)

type PostgresUserRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresUserRepo(pool *pgxpool.Pool) *PostgresUserRepo {
	return &PostgresUserRepo{pool: pool}
}

const userCols = `id, email, external_customer_ref, telegram_chat_id, subscription_tier, subscription_status, created_at, updated_at`

// Save upserts the user. The customer ref is write-once: an existing value
// is never replaced.
func (r *PostgresUserRepo) Save(ctx context.Context, tx repository.Tx, u *model.User) error {
	const q = `
INSERT INTO users (
  id, email, external_customer_ref, telegram_chat_id, subscription_tier, subscription_status, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8
) ON CONFLICT (id) DO UPDATE SET
  email=$2,
  external_customer_ref=COALESCE(users.external_customer_ref, EXCLUDED.external_customer_ref),
  telegram_chat_id=$4, subscription_tier=$5, subscription_status=$6, updated_at=$8;`
	_, err := execSQL(ctx, r.pool, tx, q,
		u.ID, u.Email, u.ExternalCustomerRef, u.TelegramChatID, u.SubscriptionTier, u.SubscriptionStatus, u.CreatedAt, u.UpdatedAt)
	return mapWriteErr(err, nil)
}

func (r *PostgresUserRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.User, error) {
	q := forUpdate(`SELECT `+userCols+` FROM users WHERE id=$1`, tx)
	return scanUser(pickRow(ctx, r.pool, tx, q, id))
}

func (r *PostgresUserRepo) FindByCustomerRef(ctx context.Context, tx repository.Tx, ref string) (*model.User, error) {
	if ref == "" {
		return nil, domain.ErrNotFound
	}
	const q = `SELECT ` + userCols + ` FROM users WHERE external_customer_ref=$1`
	return scanUser(pickRow(ctx, r.pool, tx, q, ref))
}

func (r *PostgresUserRepo) SetCustomerRefIfEmpty(ctx context.Context, tx repository.Tx, userID, ref string) (string, error) {
	const q = `
UPDATE users SET
  external_customer_ref=COALESCE(external_customer_ref, $2),
  updated_at=NOW()
 WHERE id=$1
RETURNING external_customer_ref;`
	var stored string
	if err := pickRow(ctx, r.pool, tx, q, userID, ref).Scan(&stored); err != nil {
		if err == pgx.ErrNoRows {
			return "", domain.ErrNotFound
		}
		return "", mapWriteErr(err, nil)
	}
	return stored, nil
}

func (r *PostgresUserRepo) UpdateSubscriptionProjection(ctx context.Context, tx repository.Tx, userID string, tier model.Tier, status string) error {
	const q = `UPDATE users SET subscription_tier=$2, subscription_status=$3, updated_at=NOW() WHERE id=$1;`
	tag, err := execSQL(ctx, r.pool, tx, q, userID, tier, status)
	if err != nil {
		return mapWriteErr(err, nil)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	if err := row.Scan(
		&u.ID, &u.Email, &u.ExternalCustomerRef, &u.TelegramChatID,
		&u.SubscriptionTier, &u.SubscriptionStatus, &u.CreatedAt, &u.UpdatedAt,
	); err != nil {
		return nil, mapReadErr(err)
	}
	return &u, nil
}
