package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/baechuer/real-time-ressys/services/drop-service/internal/domain"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgQueryCanceled        = "57014" // statement_timeout
	pgUniqueViolation      = "23505"
	pgForeignKeyViolation  = "23503"
)

// constraint names from migrations/0002_waitlist.sql
const (
	uqWaitlistUserDrop = "waitlist_user_id_drop_id_key"
	uqClaimCode        = "claim_codes_code_key"
	uqClaimUserDrop    = "claim_codes_user_id_drop_id_key"
	fkWaitlistUser     = "waitlist_user_id_fkey"
)

// mapPgError folds driver errors into domain errors. Unknown errors are
// wrapped with op so they stay distinguishable in logs.
func mapPgError(op string, err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable, pgQueryCanceled:
			return fmt.Errorf("%s: %w (%s)", op, domain.ErrConflict, pgErr.Code)
		case pgUniqueViolation:
			switch pgErr.ConstraintName {
			case uqWaitlistUserDrop:
				return domain.ErrAlreadyOnWaitlist
			case uqClaimCode:
				return fmt.Errorf("%s: %w", op, domain.ErrCodeCollision)
			case uqClaimUserDrop:
				return domain.ErrAlreadyClaimed
			}
		case pgForeignKeyViolation:
			if pgErr.ConstraintName == fkWaitlistUser {
				return domain.ErrUserNotFound
			}
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	// a domain error raised inside the tx closure passes through untouched
	if isDomainError(err) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, domain.ErrConflict)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isDomainError(err error) bool {
	for _, target := range []error{
		domain.ErrDropNotActive, domain.ErrAlreadyOnWaitlist, domain.ErrUserNotFound,
		domain.ErrNotOnWaitlist, domain.ErrWindowClosed, domain.ErrNotYourTurn,
		domain.ErrWaitlistEmpty, domain.ErrAlreadyClaimed, domain.ErrConflict,
		domain.ErrCodeCollision, domain.ErrInvariant, domain.ErrClaimNotFound,
		domain.ErrDropNotFound,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
