//go:build integration
// +build integration

package postgres_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/baechuer/real-time-ressys/services/drop-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/infrastructure/postgres"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/scoring"
	"github.com/baechuer/real-time-ressys/services/drop-service/migrations"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	sharedOnce sync.Once
	sharedDSN  string
	sharedErr  error
)

// testDSN prefers TEST_DB_DSN and otherwise starts one disposable container
// for the whole package run.
func testDSN(t *testing.T) string {
	t.Helper()
	if dsn := os.Getenv("TEST_DB_DSN"); dsn != "" {
		return dsn
	}

	sharedOnce.Do(func() {
		ctx := context.Background()
		container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
			tcpostgres.WithDatabase("drops_test"),
			tcpostgres.WithUsername("test"),
			tcpostgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second),
			),
		)
		if err != nil {
			sharedErr = err
			return
		}
		sharedDSN, sharedErr = container.ConnectionString(ctx, "sslmode=disable")
	})
	if sharedErr != nil {
		t.Skipf("Skipping integration test: no TEST_DB_DSN and container failed: %v", sharedErr)
	}
	return sharedDSN
}

// testClock is a settable clock shared with the repository.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// scenario coefficients: A=10, B=15, C=5
var testCoefficients = scoring.Coefficients{A: 10, B: 15, C: 5}

func setupRepo(t *testing.T) (*postgres.Repository, *pgxpool.Pool, *testClock) {
	t.Helper()
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, testDSN(t))
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = migrations.Apply(ctx, pool)
	require.NoError(t, err)

	_, err = pool.Exec(ctx, `TRUNCATE TABLE claim_codes, waitlist, waitlist_joins, claim_windows, drops, users, outbox, processed_messages RESTART IDENTITY CASCADE`)
	require.NoError(t, err)

	calc, err := scoring.NewCalculator(testCoefficients)
	require.NoError(t, err)

	clock := &testClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	repo := postgres.New(pool, calc, postgres.Options{
		TxTimeout:   5 * time.Second,
		LockTimeout: 2 * time.Second,
		Now:         clock.Now,
	})
	return repo, pool, clock
}

func seed(t *testing.T, repo *postgres.Repository, fn func(tx pgx.Tx) error) {
	t.Helper()
	processed, err := repo.ProcessOnce(context.Background(), uuid.NewString(), "test_seed", fn)
	require.NoError(t, err)
	require.True(t, processed)
}

func seedUser(t *testing.T, repo *postgres.Repository, createdAt time.Time) uuid.UUID {
	t.Helper()
	id := uuid.New()
	seed(t, repo, func(tx pgx.Tx) error {
		return repo.UpsertUserTx(context.Background(), tx, id, createdAt)
	})
	return id
}

func seedDrop(t *testing.T, repo *postgres.Repository, startsAt, endsAt time.Time) uuid.UUID {
	t.Helper()
	id := uuid.New()
	seed(t, repo, func(tx pgx.Tx) error {
		return repo.UpsertDropTx(context.Background(), tx, domain.Drop{
			ID: id, Name: "drop-" + id.String()[:8], StartsAt: startsAt, EndsAt: endsAt, UpdatedAt: startsAt,
		})
	})
	return id
}

func openWindow(t *testing.T, repo *postgres.Repository, dropID uuid.UUID, openedAt time.Time, closedAt *time.Time) {
	t.Helper()
	seed(t, repo, func(tx pgx.Tx) error {
		return repo.OpenClaimWindowTx(context.Background(), tx,
			domain.ClaimWindow{DropID: dropID, OpenedAt: openedAt, ClosedAt: closedAt}, openedAt)
	})
}

func countRows(t *testing.T, pool *pgxpool.Pool, q string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, pool.QueryRow(context.Background(), q, args...).Scan(&n))
	return n
}
