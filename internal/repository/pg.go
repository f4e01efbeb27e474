package repository

import (
	"context"
	"errors"
	"fmt"

	"goalpath/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// pgErr maps driver errors onto the model taxonomy.
func pgErr(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return model.NotFoundf("%s", what)
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) && pe.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", what, model.ErrDuplicate)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// guardFailed distinguishes a lost race from a missing row after a guarded
// UPDATE touched zero rows.
func guardFailed(ctx context.Context, db *pgxpool.Pool, table, id string) error {
	var exists bool
	q := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, table)
	if err := db.QueryRow(ctx, q, id).Scan(&exists); err != nil {
		return pgErr(err, table)
	}
	if !exists {
		return model.NotFoundf("%s %s", table, id)
	}
	return model.Conflictf("%s %s", table, id)
}
