package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/veridianops/assessd/internal/domain"
)

// mapError translates driver failures into the domain taxonomy: constraint
// violations become non-retryable validation failures, connectivity
// problems become retryable ErrConnectionFailed.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", domain.ErrDuplicateID, pgErr.ConstraintName)
		case "23514", "23502", "23503", "22P02": // check/not-null/fk/invalid text rep
			return fmt.Errorf("%w: %s: %s", domain.ErrValidation, op, pgErr.Message)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", domain.ErrConnectionFailed, op, err)
	}

	return fmt.Errorf("postgres: %s: %w", op, err)
}
