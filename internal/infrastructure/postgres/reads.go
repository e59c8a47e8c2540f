package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/baechuer/real-time-ressys/services/drop-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}

func (r *Repository) GetDrop(ctx context.Context, dropID uuid.UUID) (domain.Drop, error) {
	var d domain.Drop
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, starts_at, ends_at, updated_at
		FROM drops
		WHERE id = $1
	`, dropID).Scan(&d.ID, &d.Name, &d.StartsAt, &d.EndsAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Drop{}, domain.ErrDropNotFound
	}
	if err != nil {
		return domain.Drop{}, fmt.Errorf("get drop: %w", err)
	}
	return d, nil
}

// GetPosition counts entries that sort strictly before the caller, in one
// snapshot so rank and total agree.
func (r *Repository) GetPosition(ctx context.Context, dropID, userID uuid.UUID) (domain.Position, error) {
	var p domain.Position
	err := r.pool.QueryRow(ctx, `
		SELECT w.id, w.drop_id, w.user_id, w.joined_at,
		       w.signup_latency_ms, w.account_age_days, w.rapid_actions, w.priority_score,
		       (SELECT COUNT(*) FROM waitlist o
		         WHERE o.drop_id = w.drop_id
		           AND (o.priority_score > w.priority_score
		                OR (o.priority_score = w.priority_score AND o.joined_at < w.joined_at)
		                OR (o.priority_score = w.priority_score AND o.joined_at = w.joined_at AND o.id < w.id))
		       ) + 1 AS rank,
		       (SELECT COUNT(*) FROM waitlist t WHERE t.drop_id = w.drop_id) AS total
		FROM waitlist w
		WHERE w.drop_id = $1 AND w.user_id = $2
	`, dropID, userID).Scan(append(entryDest(&p.Entry), &p.Rank, &p.Total)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, domain.ErrNotOnWaitlist
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("get position: %w", err)
	}
	return p, nil
}

func (r *Repository) GetClaim(ctx context.Context, claimID uuid.UUID) (domain.ClaimRecord, error) {
	var c domain.ClaimRecord
	err := r.pool.QueryRow(ctx, `SELECT `+claimColumns+` FROM claim_codes WHERE id = $1`, claimID).
		Scan(claimDest(&c)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ClaimRecord{}, domain.ErrClaimNotFound
	}
	if err != nil {
		return domain.ClaimRecord{}, fmt.Errorf("get claim: %w", err)
	}
	return c, nil
}

// /me/waitlist : ORDER BY joined_at DESC, id DESC
// cursor means "start after this item" in DESC order -> WHERE (joined_at, id) < (cursor.at, cursor.id)
func (r *Repository) ListMyWaitlist(ctx context.Context, userID uuid.UUID, limit int, cursor *domain.KeysetCursor) ([]domain.WaitlistEntry, *domain.KeysetCursor, error) {
	limit = clampLimit(limit)
	args := []any{userID}
	where := "WHERE user_id = $1"
	if cursor != nil {
		where += " AND (joined_at, id) < ($2, $3)"
		args = append(args, cursor.At, cursor.ID)
	}

	q := fmt.Sprintf(`
		SELECT %s
		FROM waitlist
		%s
		ORDER BY joined_at DESC, id DESC
		LIMIT %d
	`, entryColumns, where, limit+1)

	out, err := r.queryEntries(ctx, q, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("list my waitlist: %w", err)
	}

	var next *domain.KeysetCursor
	if len(out) > limit {
		last := out[limit-1]
		next = &domain.KeysetCursor{At: last.JoinedAt, ID: last.ID}
		out = out[:limit]
	}
	return out, next, nil
}

// admin waitlist: claim order, ORDER BY priority_score DESC, joined_at ASC, id ASC
// the mixed direction rules out a row comparison, so the cursor predicate is spelled out
func (r *Repository) ListWaitlist(ctx context.Context, dropID uuid.UUID, limit int, cursor *domain.RankCursor) ([]domain.WaitlistEntry, *domain.RankCursor, error) {
	limit = clampLimit(limit)
	args := []any{dropID}
	where := "WHERE drop_id = $1"
	if cursor != nil {
		where += ` AND (priority_score < $2
		           OR (priority_score = $2 AND joined_at > $3)
		           OR (priority_score = $2 AND joined_at = $3 AND id > $4))`
		args = append(args, cursor.Score, cursor.JoinedAt, cursor.ID)
	}

	q := fmt.Sprintf(`
		SELECT %s
		FROM waitlist
		%s
		ORDER BY priority_score DESC, joined_at ASC, id ASC
		LIMIT %d
	`, entryColumns, where, limit+1)

	out, err := r.queryEntries(ctx, q, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("list waitlist: %w", err)
	}

	var next *domain.RankCursor
	if len(out) > limit {
		last := out[limit-1]
		next = &domain.RankCursor{Score: last.PriorityScore, JoinedAt: last.JoinedAt, ID: last.ID}
		out = out[:limit]
	}
	return out, next, nil
}

// /me/claims : ORDER BY claimed_at DESC, id DESC
func (r *Repository) ListMyClaims(ctx context.Context, userID uuid.UUID, limit int, cursor *domain.KeysetCursor) ([]domain.ClaimRecord, *domain.KeysetCursor, error) {
	limit = clampLimit(limit)
	args := []any{userID}
	where := "WHERE user_id = $1"
	if cursor != nil {
		where += " AND (claimed_at, id) < ($2, $3)"
		args = append(args, cursor.At, cursor.ID)
	}

	q := fmt.Sprintf(`
		SELECT %s
		FROM claim_codes
		%s
		ORDER BY claimed_at DESC, id DESC
		LIMIT %d
	`, claimColumns, where, limit+1)

	out, err := r.queryClaims(ctx, q, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("list my claims: %w", err)
	}
	return pageClaims(out, limit)
}

// admin claims: ORDER BY claimed_at ASC, id ASC
func (r *Repository) ListClaims(ctx context.Context, dropID uuid.UUID, limit int, cursor *domain.KeysetCursor) ([]domain.ClaimRecord, *domain.KeysetCursor, error) {
	limit = clampLimit(limit)
	args := []any{dropID}
	where := "WHERE drop_id = $1"
	if cursor != nil {
		where += " AND (claimed_at, id) > ($2, $3)"
		args = append(args, cursor.At, cursor.ID)
	}

	q := fmt.Sprintf(`
		SELECT %s
		FROM claim_codes
		%s
		ORDER BY claimed_at ASC, id ASC
		LIMIT %d
	`, claimColumns, where, limit+1)

	out, err := r.queryClaims(ctx, q, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("list claims: %w", err)
	}
	return pageClaims(out, limit)
}

func pageClaims(out []domain.ClaimRecord, limit int) ([]domain.ClaimRecord, *domain.KeysetCursor, error) {
	var next *domain.KeysetCursor
	if len(out) > limit {
		last := out[limit-1]
		next = &domain.KeysetCursor{At: last.ClaimedAt, ID: last.ID}
		out = out[:limit]
	}
	return out, next, nil
}

func (r *Repository) queryEntries(ctx context.Context, q string, args ...any) ([]domain.WaitlistEntry, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.WaitlistEntry
	for rows.Next() {
		var e domain.WaitlistEntry
		if err := rows.Scan(entryDest(&e)...); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *Repository) queryClaims(ctx context.Context, q string, args ...any) ([]domain.ClaimRecord, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ClaimRecord
	for rows.Next() {
		var c domain.ClaimRecord
		if err := rows.Scan(claimDest(&c)...); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
