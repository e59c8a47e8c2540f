//go:build integration
// +build integration

package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestHousekeeping_JoinLogKeepsRapidActionWindow(t *testing.T) {
	repo, pool, clock := setupRepo(t)
	ctx := context.Background()
	t0 := clock.Now()

	user := seedUser(t, repo, t0.Add(-30*day))
	d1 := seedDrop(t, repo, t0.Add(-3*day), t0.Add(day))
	d2 := seedDrop(t, repo, t0.Add(-3*day), t0.Add(day))
	d3 := seedDrop(t, repo, t0.Add(-3*day), t0.Add(day))

	// history older than the retention
	for _, age := range []time.Duration{25 * time.Hour, 48 * time.Hour} {
		_, err := pool.Exec(ctx, `INSERT INTO waitlist_joins (user_id, drop_id, joined_at) VALUES ($1, $2, $3)`,
			user, d1, t0.Add(-age))
		require.NoError(t, err)
	}
	// inside the retention but outside the trailing hour
	_, err := pool.Exec(ctx, `INSERT INTO waitlist_joins (user_id, drop_id, joined_at) VALUES ($1, $2, $3)`,
		user, d1, t0.Add(-2*time.Hour))
	require.NoError(t, err)

	clock.Set(t0.Add(-30 * time.Minute))
	_, err = repo.Join(ctx, "t", d1, user)
	require.NoError(t, err)
	clock.Set(t0.Add(-10 * time.Minute))
	_, err = repo.Join(ctx, "t", d2, user)
	require.NoError(t, err)

	clock.Set(t0)
	repo.PurgeOnce(ctx)

	require.Equal(t, 3, countRows(t, pool, `SELECT count(*) FROM waitlist_joins WHERE user_id = $1`, user))
	require.Equal(t, 0, countRows(t, pool,
		`SELECT count(*) FROM waitlist_joins WHERE user_id = $1 AND joined_at < $2`, user, t0.Add(-day)))

	// the two joins of the trailing hour plus this one
	e3, err := repo.Join(ctx, "t", d3, user)
	require.NoError(t, err)
	require.Equal(t, int64(3), e3.RapidActions)
}

func TestHousekeeping_PurgesOnlyOldSentOutboxAndDedupeRows(t *testing.T) {
	repo, pool, clock := setupRepo(t)
	ctx := context.Background()
	t0 := clock.Now()

	outbox := map[string]struct {
		status string
		age    time.Duration
		kept   bool
	}{
		"old sent":     {"sent", 2 * day, false},
		"recent sent":  {"sent", time.Hour, true},
		"old pending":  {"pending", 2 * day, true},
		"old dead":     {"dead", 2 * day, true},
		"ancient dead": {"dead", 30 * day, true},
	}
	ids := map[string]uuid.UUID{}
	for name, row := range outbox {
		id := uuid.New()
		ids[name] = id
		_, err := pool.Exec(ctx, `
			INSERT INTO outbox (message_id, routing_key, payload, occurred_at, status)
			VALUES ($1, 'waitlist.joined', '{}'::jsonb, $2, $3)`,
			id, t0.Add(-row.age), row.status)
		require.NoError(t, err)
	}

	_, err := pool.Exec(ctx, `INSERT INTO processed_messages (message_id, handler_name, processed_at) VALUES
		('old', 'drop_snapshots', $1), ('recent', 'drop_snapshots', $2)`,
		t0.Add(-8*day), t0.Add(-day))
	require.NoError(t, err)

	repo.PurgeOnce(ctx)

	for name, row := range outbox {
		n := countRows(t, pool, `SELECT count(*) FROM outbox WHERE message_id = $1`, ids[name])
		if row.kept {
			require.Equal(t, 1, n, name)
		} else {
			require.Equal(t, 0, n, name)
		}
	}
	require.Equal(t, 0, countRows(t, pool, `SELECT count(*) FROM processed_messages WHERE message_id = 'old'`))
	require.Equal(t, 1, countRows(t, pool, `SELECT count(*) FROM processed_messages WHERE message_id = 'recent'`))
}
