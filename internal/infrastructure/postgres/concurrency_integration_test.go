//go:build integration
// +build integration

package postgres_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/baechuer/real-time-ressys/services/drop-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/infrastructure/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

func listAllWaitlist(ctx context.Context, repo *postgres.Repository, dropID uuid.UUID) ([]domain.WaitlistEntry, error) {
	var (
		cur *domain.RankCursor
		out []domain.WaitlistEntry
	)
	for {
		items, next, err := repo.ListWaitlist(ctx, dropID, 100, cur)
		if err != nil {
			return nil, err
		}
		out = append(out, items...)
		if next == nil || len(items) == 0 {
			return out, nil
		}
		cur = next
	}
}

func TestConcurrentJoin_SameUser_OneRowOnly(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	repo, pool, clock := setupRepo(t)
	now := clock.Now()

	user := seedUser(t, repo, now.Add(-3*day))
	drop := seedDrop(t, repo, now.Add(-time.Hour), now.Add(time.Hour))

	n := 30
	var wg sync.WaitGroup
	wg.Add(n)

	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := repo.Join(ctx, "trace-same-user", drop, user)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrAlreadyOnWaitlist), errors.Is(err, domain.ErrConflict):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	require.Equal(t, 1, ok, "exactly one join must win")
	require.Equal(t, 1, countRows(t, pool, `SELECT COUNT(*) FROM waitlist WHERE drop_id = $1 AND user_id = $2`, drop, user))
	require.Equal(t, 1, countRows(t, pool, `SELECT COUNT(*) FROM waitlist_joins WHERE user_id = $1`, user))
	require.Equal(t, 1, countRows(t, pool, `SELECT COUNT(*) FROM outbox WHERE routing_key = 'waitlist.joined'`))
}

// claimWithRetry mimics the service: conflicts are retried, everything else is final.
func claimWithRetry(ctx context.Context, repo *postgres.Repository, dropID, userID uuid.UUID, code string) error {
	var err error
	for attempt := 0; attempt < 200; attempt++ {
		_, err = repo.Claim(ctx, "trace-race", dropID, userID, code)
		if !domain.Retryable(err) {
			return err
		}
		time.Sleep(time.Duration(attempt%5+1) * time.Millisecond)
	}
	return err
}

func TestConcurrentClaim_WinnersFormRankingPrefix(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	repo, pool, clock := setupRepo(t)
	t0 := clock.Now()

	drop := seedDrop(t, repo, t0.Add(-time.Hour), t0.Add(time.Hour))
	openWindow(t, repo, drop, t0.Add(-time.Minute), nil)

	n := 20
	users := make([]uuid.UUID, n)
	for i := range users {
		users[i] = seedUser(t, repo, t0.Add(-time.Duration(i*7+1)*day-time.Duration(i*113)*time.Millisecond))
		clock.Set(t0.Add(time.Duration(i) * time.Second))
		_, err := repo.Join(ctx, "t", drop, users[i])
		require.NoError(t, err)
	}

	before, err := listAllWaitlist(ctx, repo, drop)
	require.NoError(t, err)
	require.Len(t, before, n)

	var wg sync.WaitGroup
	wg.Add(n)
	type res struct {
		user uuid.UUID
		err  error
	}
	ch := make(chan res, n)
	for _, u := range users {
		go func(uid uuid.UUID) {
			defer wg.Done()
			code := "RACE" + uid.String()[:8]
			ch <- res{user: uid, err: claimWithRetry(ctx, repo, drop, uid, code)}
		}(u)
	}
	wg.Wait()
	close(ch)

	winners := map[uuid.UUID]bool{}
	for r := range ch {
		switch {
		case r.err == nil:
			winners[r.user] = true
		case errors.Is(r.err, domain.ErrNotYourTurn):
		default:
			t.Fatalf("unexpected error for %s: %v", r.user, r.err)
		}
	}
	require.NotEmpty(t, winners, "the head can always claim")

	// the winners are exactly the first len(winners) entries of the pre-race ranking
	for i, e := range before {
		if i < len(winners) {
			require.True(t, winners[e.UserID], "rank %d should have claimed", i+1)
		} else {
			require.False(t, winners[e.UserID], "rank %d claimed out of turn", i+1)
		}
	}

	require.Equal(t, len(winners), countRows(t, pool, `SELECT COUNT(*) FROM claim_codes WHERE drop_id = $1`, drop))
	require.Equal(t, n-len(winners), countRows(t, pool, `SELECT COUNT(*) FROM waitlist WHERE drop_id = $1`, drop))
	require.Equal(t, len(winners), countRows(t, pool, `SELECT COUNT(*) FROM outbox WHERE routing_key = 'drop.claimed'`))
	requireNoEntryAlsoClaimed(t, pool, drop)
}

func TestConcurrentJoinAndLeave_NoStrayRows(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	repo, pool, clock := setupRepo(t)
	now := clock.Now()

	drop := seedDrop(t, repo, now.Add(-time.Hour), now.Add(time.Hour))
	n := 15
	users := make([]uuid.UUID, n)
	for i := range users {
		users[i] = seedUser(t, repo, now.Add(-day))
	}

	var wg sync.WaitGroup
	wg.Add(2 * n)
	for _, u := range users {
		go func(uid uuid.UUID) {
			defer wg.Done()
			_, _ = repo.Join(ctx, "t", drop, uid)
		}(u)
		go func(uid uuid.UUID) {
			defer wg.Done()
			_, _ = repo.Leave(ctx, "t", drop, uid)
		}(u)
	}
	wg.Wait()

	// every surviving row has exactly one joined event without a matching left event
	joined := countRows(t, pool, `SELECT COUNT(*) FROM outbox WHERE routing_key = 'waitlist.joined'`)
	left := countRows(t, pool, `SELECT COUNT(*) FROM outbox WHERE routing_key = 'waitlist.left'`)
	rows := countRows(t, pool, `SELECT COUNT(*) FROM waitlist WHERE drop_id = $1`, drop)
	require.Equal(t, joined-left, rows)
}

func requireNoEntryAlsoClaimed(t *testing.T, pool *pgxpool.Pool, dropID uuid.UUID) {
	t.Helper()
	require.Equal(t, 0, countRows(t, pool, `
		SELECT COUNT(*)
		FROM waitlist w
		JOIN claim_codes c ON c.drop_id = w.drop_id AND c.user_id = w.user_id
		WHERE w.drop_id = $1
	`, dropID))
}
