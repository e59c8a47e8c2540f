package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/baechuer/real-time-ressys/services/drop-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Snapshot writers for collaborator-owned rows. They run inside the
// ProcessOnce transaction of the consumer; the caller commits.
// updated_at carries the producer's occurred_at so a late, older snapshot
// never overwrites a newer one.

func (r *Repository) UpsertDropTx(ctx context.Context, tx pgx.Tx, d domain.Drop) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO drops (id, name, starts_at, ends_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    starts_at = EXCLUDED.starts_at,
		    ends_at = EXCLUDED.ends_at,
		    updated_at = EXCLUDED.updated_at
		WHERE drops.updated_at <= EXCLUDED.updated_at
	`, d.ID, d.Name, d.StartsAt, d.EndsAt, d.UpdatedAt)
	return err
}

// DeleteDropTx removes the drop; waitlist, window and claims cascade.
func (r *Repository) DeleteDropTx(ctx context.Context, tx pgx.Tx, dropID uuid.UUID) error {
	_, err := tx.Exec(ctx, `DELETE FROM drops WHERE id = $1`, dropID)
	return err
}

// OpenClaimWindowTx sets the drop's single window. ErrDropNotFound when the
// drop snapshot has not arrived yet.
func (r *Repository) OpenClaimWindowTx(ctx context.Context, tx pgx.Tx, w domain.ClaimWindow, at time.Time) error {
	if err := w.Validate(); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO claim_windows (drop_id, opened_at, closed_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (drop_id) DO UPDATE
		SET opened_at = EXCLUDED.opened_at,
		    closed_at = EXCLUDED.closed_at,
		    updated_at = EXCLUDED.updated_at
		WHERE claim_windows.updated_at <= EXCLUDED.updated_at
	`, w.DropID, w.OpenedAt, w.ClosedAt, at)
	if isFKViolation(err) {
		return domain.ErrDropNotFound
	}
	return err
}

// CloseClaimWindowTx stamps closed_at. A close at or before opened_at is
// clamped to one microsecond after it so the bounds check still holds and
// the window reads as closed.
func (r *Repository) CloseClaimWindowTx(ctx context.Context, tx pgx.Tx, dropID uuid.UUID, closedAt, at time.Time) error {
	tag, err := tx.Exec(ctx, `
		UPDATE claim_windows
		SET closed_at = GREATEST($2::timestamptz, opened_at + INTERVAL '1 microsecond'),
		    updated_at = $3
		WHERE drop_id = $1 AND updated_at <= $3
	`, dropID, closedAt, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM claim_windows WHERE drop_id = $1)`, dropID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return domain.ErrDropNotFound
		}
		// stale snapshot
	}
	return nil
}

func (r *Repository) UpsertUserTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, createdAt time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO users (id, created_at, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE
		SET created_at = EXCLUDED.created_at,
		    updated_at = NOW()
	`, userID, createdAt)
	return err
}

func isFKViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation
}
