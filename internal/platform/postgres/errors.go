package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/phrazzld/taskrelay/internal/task"
)

// PostgreSQL error codes
const (
	// foreignKeyViolationCode is the PostgreSQL error code for foreign key violations
	foreignKeyViolationCode = "23503"

	// checkViolationCode is the PostgreSQL error code for check constraint violations
	checkViolationCode = "23514"
)

// ErrNotFound indicates a statement matched no rows
var ErrNotFound = errors.New("no rows matched")

// MapError maps a database error onto the task error taxonomy. Constraint
// violations mean a statement referenced something that was never declared;
// everything else means the database could not serve the request.
// It wraps the original error to preserve context.
func MapError(op string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", task.ErrBrokerUnavailable, op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case foreignKeyViolationCode:
			return fmt.Errorf("%w: %s: queue not declared (%s)",
				task.ErrBrokerUnavailable, op, pgErr.ConstraintName)
		case checkViolationCode:
			return fmt.Errorf("%w: %s: check constraint violation (%s)",
				task.ErrBrokerUnavailable, op, pgErr.ConstraintName)
		}
	}

	return fmt.Errorf("%w: %s: %w", task.ErrBrokerUnavailable, op, err)
}

// CheckRowsAffected returns ErrNotFound when tag reports no affected rows.
// UPDATE and DELETE statements use it to detect that their target is gone.
func CheckRowsAffected(tag pgconn.CommandTag, what string) error {
	if tag.RowsAffected() == 0 {
		if what == "" {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return nil
}
