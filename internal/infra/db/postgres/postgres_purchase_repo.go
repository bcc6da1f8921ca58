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

var _ repository.PurchaseRepository = (*purchaseRepo)(nil)

type purchaseRepo struct {
	pool *pgxpool.Pool
}

func NewPurchaseRepo(pool *pgxpool.Pool) *purchaseRepo {
	return &purchaseRepo{pool: pool}
}

const purchaseCols = `id, user_id, program_id, amount, currency, external_payment_ref, status,
       completed_at, refund_requested_at, refunded_at, access_expires_at, last_checked_at, created_at, updated_at`

var purchaseUniques = map[string]error{
	"purchases_one_completed":   domain.ErrAlreadyOwned,
	"purchases_payment_ref_key": domain.ErrStateConflict,
}

func (r *purchaseRepo) Save(ctx context.Context, tx repository.Tx, p *model.Purchase) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	const q = `
INSERT INTO purchases (
  id, user_id, program_id, amount, currency, external_payment_ref, status,
  completed_at, refund_requested_at, refunded_at, access_expires_at, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13);`
	_, err := execSQL(ctx, r.pool, tx, q,
		p.ID, p.UserID, p.ProgramID, p.Amount, p.Currency, p.ExternalPaymentRef, p.Status,
		p.CompletedAt, p.RefundRequestedAt, p.RefundedAt, p.AccessExpiresAt, p.CreatedAt, p.UpdatedAt)
	return mapWriteErr(err, purchaseUniques)
}

func (r *purchaseRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Purchase, error) {
	q := forUpdate(`SELECT `+purchaseCols+` FROM purchases WHERE id=$1`, tx)
	return scanPurchase(pickRow(ctx, r.pool, tx, q, id))
}

func (r *purchaseRepo) FindByPaymentRef(ctx context.Context, tx repository.Tx, ref string) (*model.Purchase, error) {
	if ref == "" {
		return nil, domain.ErrNotFound
	}
	q := forUpdate(`SELECT `+purchaseCols+` FROM purchases WHERE external_payment_ref=$1`, tx)
	return scanPurchase(pickRow(ctx, r.pool, tx, q, ref))
}

func (r *purchaseRepo) FindCompleted(ctx context.Context, tx repository.Tx, userID, programID string) (*model.Purchase, error) {
	const q = `SELECT ` + purchaseCols + ` FROM purchases WHERE user_id=$1 AND program_id=$2 AND status='completed'`
	return scanPurchase(pickRow(ctx, r.pool, tx, q, userID, programID))
}

// FindPending returns the newest pending purchase of the program by the user.
func (r *purchaseRepo) FindPending(ctx context.Context, tx repository.Tx, userID, programID string) (*model.Purchase, error) {
	q := forUpdate(`
SELECT `+purchaseCols+`
  FROM purchases
 WHERE user_id=$1 AND program_id=$2 AND status='pending'
 ORDER BY created_at DESC
 LIMIT 1`, tx)
	return scanPurchase(pickRow(ctx, r.pool, tx, q, userID, programID))
}

func (r *purchaseRepo) ListByUser(ctx context.Context, tx repository.Tx, userID string) ([]*model.Purchase, error) {
	const q = `SELECT ` + purchaseCols + ` FROM purchases WHERE user_id=$1 ORDER BY created_at DESC`
	return r.list(ctx, tx, q, userID)
}

func (r *purchaseRepo) AttachPaymentRef(ctx context.Context, tx repository.Tx, id, ref string) error {
	const q = `
UPDATE purchases SET external_payment_ref=$2, updated_at=NOW()
 WHERE id=$1 AND (external_payment_ref IS NULL OR external_payment_ref=$2);`
	tag, err := execSQL(ctx, r.pool, tx, q, id, ref)
	if err != nil {
		return mapWriteErr(err, purchaseUniques)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStateConflict
	}
	return nil
}

// Transition is a compare-and-set on status: the write lands only if the row
// is still in from. Two channels racing on the same purchase see exactly one
// winner.
func (r *purchaseRepo) Transition(ctx context.Context, tx repository.Tx, p *model.Purchase, from model.PurchaseStatus) (bool, error) {
	const q = `
UPDATE purchases SET
  status=$3,
  external_payment_ref=COALESCE(external_payment_ref, $4),
  completed_at=$5, refund_requested_at=$6, refunded_at=$7, access_expires_at=$8, updated_at=$9
 WHERE id=$1 AND status=$2;`
	tag, err := execSQL(ctx, r.pool, tx, q,
		p.ID, from, p.Status, p.ExternalPaymentRef,
		p.CompletedAt, p.RefundRequestedAt, p.RefundedAt, p.AccessExpiresAt, p.UpdatedAt)
	if err != nil {
		return false, mapWriteErr(err, purchaseUniques)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *purchaseRepo) SetRefundRequested(ctx context.Context, tx repository.Tx, id string, at *time.Time) error {
	const q = `UPDATE purchases SET refund_requested_at=$2, updated_at=NOW() WHERE id=$1;`
	tag, err := execSQL(ctx, r.pool, tx, q, id, at)
	if err != nil {
		return mapWriteErr(err, nil)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListPendingOlderThan returns never-checked purchases first, then the least
// recently checked, so purchases a sweep leaves pending rotate to the back.
func (r *purchaseRepo) ListPendingOlderThan(ctx context.Context, tx repository.Tx, olderThan time.Time, limit int) ([]*model.Purchase, error) {
	const q = `
SELECT ` + purchaseCols + `
  FROM purchases
 WHERE status='pending' AND created_at < $1
 ORDER BY last_checked_at ASC NULLS FIRST, created_at ASC
 LIMIT $2`
	return r.list(ctx, tx, q, olderThan, limit)
}

func (r *purchaseRepo) MarkChecked(ctx context.Context, tx repository.Tx, id string, at time.Time) error {
	const q = `UPDATE purchases SET last_checked_at=$2 WHERE id=$1 AND status='pending';`
	_, err := execSQL(ctx, r.pool, tx, q, id, at)
	return mapWriteErr(err, nil)
}

func (r *purchaseRepo) ListRefundRequestedBefore(ctx context.Context, tx repository.Tx, before time.Time, limit int) ([]*model.Purchase, error) {
	const q = `
SELECT ` + purchaseCols + `
  FROM purchases
 WHERE refund_requested_at IS NOT NULL AND refund_requested_at < $1
 ORDER BY refund_requested_at ASC
 LIMIT $2`
	return r.list(ctx, tx, q, before, limit)
}

func (r *purchaseRepo) list(ctx context.Context, tx repository.Tx, q string, args ...interface{}) ([]*model.Purchase, error) {
	rows, err := queryRows(ctx, r.pool, tx, q, args...)
	if err != nil {
		return nil, mapWriteErr(err, nil)
	}
	defer rows.Close()
	out := make([]*model.Purchase, 0)
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.ErrReadDatabaseRow
	}
	return out, nil
}

func scanPurchase(row pgx.Row) (*model.Purchase, error) {
	var p model.Purchase
	if err := row.Scan(
		&p.ID, &p.UserID, &p.ProgramID, &p.Amount, &p.Currency, &p.ExternalPaymentRef, &p.Status,
		&p.CompletedAt, &p.RefundRequestedAt, &p.RefundedAt, &p.AccessExpiresAt, &p.LastCheckedAt, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, mapReadErr(err)
	}
	return &p, nil
}
