package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/baechuer/real-time-ressys/services/drop-service/internal/contracts/event"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/scoring"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const rapidActionWindow = time.Hour

type Options struct {
	// TxTimeout bounds a whole transaction; zero means the caller's ctx only.
	TxTimeout time.Duration
	// LockTimeout is applied with SET LOCAL; zero leaves the server default.
	LockTimeout time.Duration
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

type Repository struct {
	pool        *pgxpool.Pool
	calc        *scoring.Calculator
	now         func() time.Time
	txTimeout   time.Duration
	lockTimeout time.Duration
}

func New(pool *pgxpool.Pool, calc *scoring.Calculator, opts Options) *Repository {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Repository{
		pool:        pool,
		calc:        calc,
		now:         now,
		txTimeout:   opts.TxTimeout,
		lockTimeout: opts.LockTimeout,
	}
}

// Postgres keeps microseconds; truncating keeps Go and SQL comparisons identical.
func (r *Repository) clock() time.Time {
	return r.now().UTC().Truncate(time.Microsecond)
}

// -------------------------
// Lock order (same drop_id):
//   join:  drops (FOR SHARE) -> own waitlist row -> users row
//   claim: claim_windows (FOR UPDATE) -> own waitlist row -> head waitlist row
//   leave: own waitlist row only
// claim_windows serializes every claim of a drop; joins of one user serialize
// on the users row so the trailing-hour count cannot be raced.
// -------------------------

// inTx runs fn in one serializable transaction. Rollback is deferred on every
// path; a successful Commit turns it into a no-op.
func (r *Repository) inTx(ctx context.Context, op string, fn func(ctx context.Context, tx pgx.Tx) error) error {
	if r.txTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.txTimeout)
		defer cancel()
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return mapPgError(op+": begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if r.lockTimeout > 0 {
		if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`,
			fmt.Sprintf("%dms", r.lockTimeout.Milliseconds())); err != nil {
			return mapPgError(op+": lock_timeout", err)
		}
	}

	if err := fn(ctx, tx); err != nil {
		return mapPgError(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapPgError(op+": commit", err)
	}
	return nil
}

func (r *Repository) Join(ctx context.Context, traceID string, dropID, userID uuid.UUID) (domain.WaitlistEntry, error) {
	var entry domain.WaitlistEntry

	err := r.inTx(ctx, "join", func(ctx context.Context, tx pgx.Tx) error {
		now := r.clock()

		// 1) drop bounds; FOR SHARE lets joins of one drop proceed in parallel
		// while blocking a concurrent bounds update from the snapshot consumer
		var drop domain.Drop
		err := tx.QueryRow(ctx, `
			SELECT id, starts_at, ends_at
			FROM drops
			WHERE id = $1
			FOR SHARE
		`, dropID).Scan(&drop.ID, &drop.StartsAt, &drop.EndsAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrDropNotActive
		}
		if err != nil {
			return err
		}
		if !drop.ActiveAt(now) {
			return domain.ErrDropNotActive
		}

		// 2) membership
		var existingID uuid.UUID
		err = tx.QueryRow(ctx, `
			SELECT id
			FROM waitlist
			WHERE drop_id = $1 AND user_id = $2
			FOR UPDATE
		`, dropID, userID).Scan(&existingID)
		if err == nil {
			return domain.ErrAlreadyOnWaitlist
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}

		var claimed bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS(SELECT 1 FROM claim_codes WHERE drop_id = $1 AND user_id = $2)
		`, dropID, userID).Scan(&claimed); err != nil {
			return err
		}
		if claimed {
			return domain.ErrAlreadyClaimed
		}

		// 3) account + trailing-hour joins
		var accountCreatedAt time.Time
		err = tx.QueryRow(ctx, `
			SELECT created_at
			FROM users
			WHERE id = $1
			FOR UPDATE
		`, userID).Scan(&accountCreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrUserNotFound
		}
		if err != nil {
			return err
		}

		var recentJoins int64
		if err := tx.QueryRow(ctx, `
			SELECT COUNT(*)
			FROM waitlist_joins
			WHERE user_id = $1 AND joined_at > $2 AND joined_at <= $3
		`, userID, now.Add(-rapidActionWindow), now).Scan(&recentJoins); err != nil {
			return err
		}

		// 4) + 5) signals, score, insert
		sig := scoring.SignalsAt(accountCreatedAt, now, recentJoins)
		entry = domain.WaitlistEntry{
			ID:              uuid.New(),
			DropID:          dropID,
			UserID:          userID,
			JoinedAt:        now,
			SignupLatencyMs: sig.SignupLatencyMs,
			AccountAgeDays:  sig.AccountAgeDays,
			RapidActions:    sig.RapidActions,
			PriorityScore:   r.calc.Score(sig),
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO waitlist (id, user_id, drop_id, joined_at,
			                      signup_latency_ms, account_age_days, rapid_actions, priority_score)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, entry.ID, entry.UserID, entry.DropID, entry.JoinedAt,
			entry.SignupLatencyMs, entry.AccountAgeDays, entry.RapidActions, entry.PriorityScore); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO waitlist_joins (user_id, drop_id, joined_at)
			VALUES ($1, $2, $3)
		`, userID, dropID, now); err != nil {
			return err
		}

		return enqueueOutbox(ctx, tx, traceID, event.RKWaitlistJoined, now, event.WaitlistJoinedPayload{
			DropID:        dropID.String(),
			UserID:        userID.String(),
			EntryID:       entry.ID.String(),
			PriorityScore: entry.PriorityScore,
			JoinedAt:      entry.JoinedAt,
		})
	})
	if err != nil {
		return domain.WaitlistEntry{}, err
	}
	return entry, nil
}

func (r *Repository) Leave(ctx context.Context, traceID string, dropID, userID uuid.UUID) (domain.WaitlistEntry, error) {
	var entry domain.WaitlistEntry

	err := r.inTx(ctx, "leave", func(ctx context.Context, tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			DELETE FROM waitlist
			WHERE drop_id = $1 AND user_id = $2
			RETURNING `+entryColumns,
			dropID, userID).Scan(entryDest(&entry)...)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotOnWaitlist
		}
		if err != nil {
			return err
		}

		return enqueueOutbox(ctx, tx, traceID, event.RKWaitlistLeft, r.clock(), event.WaitlistLeftPayload{
			DropID:  dropID.String(),
			UserID:  userID.String(),
			EntryID: entry.ID.String(),
		})
	})
	if err != nil {
		return domain.WaitlistEntry{}, err
	}
	return entry, nil
}

// Claim gates on the window, checks the caller is not outranked, then moves
// the caller's entry into claim_codes with one DELETE ... RETURNING / INSERT.
// A code collision aborts the whole tx; the caller retries with a new code.
func (r *Repository) Claim(ctx context.Context, traceID string, dropID, userID uuid.UUID, code string) (domain.ClaimRecord, error) {
	var rec domain.ClaimRecord

	err := r.inTx(ctx, "claim", func(ctx context.Context, tx pgx.Tx) error {
		now := r.clock()

		// 1) window gate, evaluated fresh under the lock
		var w domain.ClaimWindow
		err := tx.QueryRow(ctx, `
			SELECT drop_id, opened_at, closed_at
			FROM claim_windows
			WHERE drop_id = $1
			FOR UPDATE
		`, dropID).Scan(&w.DropID, &w.OpenedAt, &w.ClosedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrWindowClosed
		}
		if err != nil {
			return err
		}
		if !w.IsOpen(now) {
			return domain.ErrWindowClosed
		}

		// 2) caller
		var caller domain.WaitlistEntry
		err = tx.QueryRow(ctx, `
			SELECT `+entryColumns+`
			FROM waitlist
			WHERE drop_id = $1 AND user_id = $2
			FOR UPDATE
		`, dropID, userID).Scan(entryDest(&caller)...)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotOnWaitlist
		}
		if err != nil {
			return err
		}

		// 3) head of the ranking
		var head domain.WaitlistEntry
		err = tx.QueryRow(ctx, `
			SELECT `+entryColumns+`
			FROM waitlist
			WHERE drop_id = $1
			ORDER BY priority_score DESC, joined_at ASC, id ASC
			LIMIT 1
			FOR UPDATE
		`, dropID).Scan(entryDest(&head)...)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrWaitlistEmpty
		}
		if err != nil {
			return err
		}

		// 4) nobody may rank strictly above the caller
		if !domain.EligibleToClaim(head, caller) {
			return domain.ErrNotYourTurn
		}

		// 5) + 6) move the entry into a claim carrying the caller-minted code
		rec = domain.ClaimRecord{
			ID:      uuid.New(),
			DropID:  dropID,
			UserID:  userID,
			EntryID: caller.ID,
			Code:    code,
			Claimed: true,
		}
		err = tx.QueryRow(ctx, `
			WITH moved AS (
				DELETE FROM waitlist
				WHERE id = $1 AND user_id = $2 AND drop_id = $3
				RETURNING id, user_id, drop_id
			)
			INSERT INTO claim_codes (id, user_id, drop_id, waitlist_entry_id, code, claimed, claimed_at)
			SELECT $4, user_id, drop_id, id, $5, TRUE, $6
			FROM moved
			RETURNING claimed_at
		`, caller.ID, userID, dropID, rec.ID, code, now).Scan(&rec.ClaimedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			// the row was locked in step 2; losing it here means the lock was not honoured
			return fmt.Errorf("claim migrate entry %s: %w", caller.ID, domain.ErrInvariant)
		}
		if err != nil {
			return err
		}

		return enqueueOutbox(ctx, tx, traceID, event.RKDropClaimed, now, event.DropClaimedPayload{
			DropID:    dropID.String(),
			UserID:    userID.String(),
			ClaimID:   rec.ID.String(),
			EntryID:   rec.EntryID.String(),
			ClaimedAt: rec.ClaimedAt,
		})
	})
	if err != nil {
		return domain.ClaimRecord{}, err
	}
	rec.ClaimedAt = rec.ClaimedAt.UTC()
	return rec, nil
}

// enqueueOutbox writes the envelope in the caller's tx; the worker publishes it later.
func enqueueOutbox[T any](ctx context.Context, tx pgx.Tx, traceID, routingKey string, at time.Time, payload T) error {
	messageID := uuid.New()
	body, err := json.Marshal(event.DomainEventEnvelope[T]{
		Version:    1,
		Producer:   event.Producer,
		TraceID:    strings.TrimSpace(traceID),
		MessageID:  messageID.String(),
		OccurredAt: at,
		Payload:    payload,
	})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", routingKey, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO outbox (message_id, trace_id, routing_key, payload, occurred_at, status)
		VALUES ($1, $2, $3, $4, $5, 'pending')
	`, messageID, strings.TrimSpace(traceID), routingKey, body, at)
	return err
}

const entryColumns = `id, drop_id, user_id, joined_at, signup_latency_ms, account_age_days, rapid_actions, priority_score`

func entryDest(e *domain.WaitlistEntry) []any {
	return []any{
		&e.ID, &e.DropID, &e.UserID, &e.JoinedAt,
		&e.SignupLatencyMs, &e.AccountAgeDays, &e.RapidActions, &e.PriorityScore,
	}
}

const claimColumns = `id, drop_id, user_id, waitlist_entry_id, code, claimed, claimed_at`

func claimDest(c *domain.ClaimRecord) []any {
	return []any{&c.ID, &c.DropID, &c.UserID, &c.EntryID, &c.Code, &c.Claimed, &c.ClaimedAt}
}

// Ping backs the readiness probe.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}
