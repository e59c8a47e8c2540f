package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/baechuer/real-time-ressys/services/drop-service/internal/domain"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestMapPgError(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"serialization", &pgconn.PgError{Code: "40001"}, domain.ErrConflict},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, domain.ErrConflict},
		{"lock timeout", &pgconn.PgError{Code: "55P03"}, domain.ErrConflict},
		{"wrapped serialization", fmt.Errorf("commit: %w", &pgconn.PgError{Code: "40001"}), domain.ErrConflict},
		{"dup waitlist", &pgconn.PgError{Code: "23505", ConstraintName: "waitlist_user_id_drop_id_key"}, domain.ErrAlreadyOnWaitlist},
		{"dup code", &pgconn.PgError{Code: "23505", ConstraintName: "claim_codes_code_key"}, domain.ErrCodeCollision},
		{"dup claim", &pgconn.PgError{Code: "23505", ConstraintName: "claim_codes_user_id_drop_id_key"}, domain.ErrAlreadyClaimed},
		{"missing user fk", &pgconn.PgError{Code: "23503", ConstraintName: "waitlist_user_id_fkey"}, domain.ErrUserNotFound},
		{"domain passthrough", domain.ErrNotYourTurn, domain.ErrNotYourTurn},
		{"deadline", context.DeadlineExceeded, domain.ErrConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, mapPgError("op", tt.in), tt.want)
		})
	}
}

func TestMapPgError_UnknownKeepsCause(t *testing.T) {
	cause := &pgconn.PgError{Code: "23505", ConstraintName: "some_other_key"}
	err := mapPgError("claim", cause)

	var pgErr *pgconn.PgError
	assert.True(t, errors.As(err, &pgErr))
	assert.Contains(t, err.Error(), "claim")
	assert.False(t, domain.Retryable(err))

	assert.NoError(t, mapPgError("noop", nil))
}
