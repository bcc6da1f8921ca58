package postgres

import (
	"context"

	"github.com/jackc/pgx/v4/pgxpool"

	"entitlement-service/internal/domain/model"
	"entitlement-service/internal/domain/ports/repository"
)

var _ repository.ProgramRepository = (*programRepo)(nil)

type programRepo struct {
	pool *pgxpool.Pool
}

func NewProgramRepo(pool *pgxpool.Pool) *programRepo {
	return &programRepo{pool: pool}
}

func (r *programRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Program, error) {
	const q = `
SELECT id, title, price, currency, required_tier, enrollment_count, created_at
  FROM programs WHERE id=$1`
	var (
		p    model.Program
		tier *string
	)
	if err := pickRow(ctx, r.pool, tx, q, id).Scan(&p.ID, &p.Title, &p.Price, &p.Currency, &tier, &p.EnrollmentCount, &p.CreatedAt); err != nil {
		return nil, mapReadErr(err)
	}
	if tier != nil {
		t := model.Tier(*tier)
		p.RequiredTier = &t
	}
	return &p, nil
}

// Save upserts a catalog entry; used by seeding and tests.
func (r *programRepo) Save(ctx context.Context, tx repository.Tx, p *model.Program) error {
	var tier *string
	if p.RequiredTier != nil {
		t := string(*p.RequiredTier)
		tier = &t
	}
	const q = `
INSERT INTO programs (id, title, price, currency, required_tier)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (id) DO UPDATE SET title=$2, price=$3, currency=$4, required_tier=$5;`
	_, err := execSQL(ctx, r.pool, tx, q, p.ID, p.Title, p.Price, p.Currency, tier)
	return mapWriteErr(err, nil)
}

// IncrementEnrollment records key and bumps the counter in one statement, so
// a replayed key changes nothing.
func (r *programRepo) IncrementEnrollment(ctx context.Context, tx repository.Tx, programID, key string) (bool, error) {
	const q = `
WITH ins AS (
  INSERT INTO program_enrollments (key, program_id) VALUES ($1, $2)
  ON CONFLICT (key) DO NOTHING
  RETURNING program_id
)
UPDATE programs SET enrollment_count = enrollment_count + 1
 WHERE id IN (SELECT program_id FROM ins);`
	tag, err := execSQL(ctx, r.pool, tx, q, key, programID)
	if err != nil {
		return false, mapWriteErr(err, nil)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	return true, nil
}
