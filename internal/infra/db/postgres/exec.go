package postgres

import (
	"context"
	"errors"
	"hash/fnv"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"entitlement-service/internal/domain"
	"entitlement-service/internal/domain/ports/repository"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// errRow defers an executor error to Scan so callers keep a single error path.
type errRow struct{ err error }

func (r errRow) Scan(...interface{}) error { return r.err }

func execSQL(ctx context.Context, pool *pgxpool.Pool, tx repository.Tx, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	ex, err := getExecutor(pool, tx)
	if err != nil {
		return nil, err
	}
	return ex.Exec(ctx, sql, args...)
}

func pickRow(ctx context.Context, pool *pgxpool.Pool, tx repository.Tx, sql string, args ...interface{}) pgx.Row {
	ex, err := getExecutor(pool, tx)
	if err != nil {
		return errRow{err: err}
	}
	return ex.QueryRow(ctx, sql, args...)
}

func queryRows(ctx context.Context, pool *pgxpool.Pool, tx repository.Tx, sql string, args ...interface{}) (pgx.Rows, error) {
	ex, err := getExecutor(pool, tx)
	if err != nil {
		return nil, err
	}
	return ex.Query(ctx, sql, args...)
}

// forUpdate appends a row lock when the caller runs inside a transaction.
func forUpdate(q string, tx repository.Tx) string {
	if _, ok := tx.(pgx.Tx); ok {
		return q + " FOR UPDATE"
	}
	return q
}

// mapReadErr converts a scan error to a domain error.
func mapReadErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return domain.ErrNotFound
	case errors.Is(err, domain.ErrInvalidArgument), errors.Is(err, domain.ErrInvalidExecContext):
		return err
	default:
		return domain.ErrReadDatabaseRow
	}
}

// mapWriteErr converts a write error to a domain error. uniques maps a
// constraint name to the error a violation of it means.
func mapWriteErr(err error, uniques map[string]error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrInvalidArgument) || errors.Is(err, domain.ErrInvalidExecContext) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			if mapped, ok := uniques[pgErr.ConstraintName]; ok {
				return mapped
			}
			return domain.ErrAlreadyExists
		case pgForeignKeyViolation:
			return domain.ErrNotFound
		}
	}
	return domain.ErrOperationFailed
}

// hashToInt64 folds a string id into an advisory lock key.
func hashToInt64(s string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return int64(h.Sum64())
}
