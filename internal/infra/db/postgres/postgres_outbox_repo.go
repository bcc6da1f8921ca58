package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"entitlement-service/internal/domain"
	"entitlement-service/internal/domain/model"
	"entitlement-service/internal/domain/ports/repository"
)

var _ repository.OutboxRepository = (*outboxRepo)(nil)

type outboxRepo struct {
	pool *pgxpool.Pool
}

func NewOutboxRepo(pool *pgxpool.Pool) *outboxRepo {
	return &outboxRepo{pool: pool}
}

const effectCols = `id, kind, user_id, subject_id, payload, status, attempts, next_attempt_at, last_error, created_at`

func (r *outboxRepo) Enqueue(ctx context.Context, tx repository.Tx, effects ...*model.Effect) error {
	const q = `
INSERT INTO effects (id, kind, user_id, subject_id, payload, status, attempts, next_attempt_at, last_error, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (id) DO NOTHING;`
	for _, e := range effects {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return domain.ErrInvalidArgument
		}
		if _, err := execSQL(ctx, r.pool, tx, q,
			e.ID, e.Kind, e.UserID, e.SubjectID, payload, e.Status, e.Attempts, e.NextAttemptAt, e.LastError, e.CreatedAt); err != nil {
			return mapWriteErr(err, nil)
		}
	}
	return nil
}

// ClaimDue leases due rows by moving next_attempt_at to now+lease. SKIP
// LOCKED keeps concurrent relays off each other's rows; a relay that dies
// mid-batch releases its rows once the lease runs out.
func (r *outboxRepo) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*model.Effect, error) {
	const q = `
UPDATE effects SET next_attempt_at=$2, updated_at=$1
 WHERE id IN (
   SELECT id FROM effects
    WHERE status='pending' AND next_attempt_at <= $1
    ORDER BY next_attempt_at ASC
    LIMIT $3
    FOR UPDATE SKIP LOCKED
 )
RETURNING ` + effectCols
	rows, err := queryRows(ctx, r.pool, nil, q, now, now.Add(lease), limit)
	if err != nil {
		return nil, mapWriteErr(err, nil)
	}
	defer rows.Close()
	out := make([]*model.Effect, 0, limit)
	for rows.Next() {
		e, err := scanEffect(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.ErrReadDatabaseRow
	}
	return out, nil
}

func (r *outboxRepo) MarkDone(ctx context.Context, id string) error {
	return r.update(ctx, `UPDATE effects SET status='done', last_error='', updated_at=NOW() WHERE id=$1`, id)
}

func (r *outboxRepo) MarkRetry(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error {
	return r.update(ctx, `
UPDATE effects SET attempts=$2, next_attempt_at=$3, last_error=$4, updated_at=NOW()
 WHERE id=$1 AND status='pending'`, id, attempts, next, lastErr)
}

func (r *outboxRepo) MarkDead(ctx context.Context, id string, attempts int, lastErr string) error {
	return r.update(ctx, `
UPDATE effects SET status='dead', attempts=$2, last_error=$3, updated_at=NOW()
 WHERE id=$1 AND status='pending'`, id, attempts, lastErr)
}

func (r *outboxRepo) CountByStatus(ctx context.Context) (map[model.EffectStatus]int, error) {
	rows, err := queryRows(ctx, r.pool, nil, `SELECT status, COUNT(*) FROM effects GROUP BY status`)
	if err != nil {
		return nil, mapWriteErr(err, nil)
	}
	defer rows.Close()
	out := make(map[model.EffectStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		out[model.EffectStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, domain.ErrReadDatabaseRow
	}
	return out, nil
}

func (r *outboxRepo) update(ctx context.Context, q string, args ...interface{}) error {
	tag, err := execSQL(ctx, r.pool, nil, q, args...)
	if err != nil {
		return mapWriteErr(err, nil)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func scanEffect(row pgx.Row) (*model.Effect, error) {
	var (
		e       model.Effect
		payload []byte
	)
	if err := row.Scan(&e.ID, &e.Kind, &e.UserID, &e.SubjectID, &payload, &e.Status, &e.Attempts, &e.NextAttemptAt, &e.LastError, &e.CreatedAt); err != nil {
		return nil, mapReadErr(err)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
	}
	return &e, nil
}

// -----------------------------
// Processed webhook events
// -----------------------------

var _ repository.WebhookEventRepository = (*webhookEventRepo)(nil)

type webhookEventRepo struct {
	pool *pgxpool.Pool
}

func NewWebhookEventRepo(pool *pgxpool.Pool) *webhookEventRepo {
	return &webhookEventRepo{pool: pool}
}

func (r *webhookEventRepo) Seen(ctx context.Context, tx repository.Tx, eventID string) (bool, error) {
	var exists bool
	if err := pickRow(ctx, r.pool, tx, `SELECT EXISTS (SELECT 1 FROM processed_webhook_events WHERE event_id=$1)`, eventID).Scan(&exists); err != nil {
		return false, mapReadErr(err)
	}
	return exists, nil
}

func (r *webhookEventRepo) MarkProcessed(ctx context.Context, tx repository.Tx, meta model.EventMeta) (bool, error) {
	var at *time.Time
	if !meta.CreatedAt.IsZero() {
		at = &meta.CreatedAt
	}
	const q = `
INSERT INTO processed_webhook_events (event_id, type, event_at)
VALUES ($1,$2,$3)
ON CONFLICT (event_id) DO NOTHING;`
	tag, err := execSQL(ctx, r.pool, tx, q, meta.ID, meta.Type, at)
	if err != nil {
		return false, mapWriteErr(err, nil)
	}
	return tag.RowsAffected() == 1, nil
}
