package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/baechuer/real-time-ressys/services/drop-service/internal/audit"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/claimcode"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/config"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/infrastructure/postgres"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/infrastructure/rabbitmq"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/infrastructure/redis"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/pkg/logger"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/scoring"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/security"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/service"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/transport/rest"
	"github.com/baechuer/real-time-ressys/services/drop-service/migrations"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		_ = os.Setenv("LOG_LEVEL", cfg.LogLevel)
	}

	logger.Init()
	log := logger.Logger.With().
		Str("service", "drop-service").
		Str("env", cfg.AppEnv).
		Logger()
	auditLog := audit.New(logger.Logger)

	// Root ctx with signal cancellation
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Postgres ----
	dbPool, err := pgxpool.New(rootCtx, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres pool create failed")
	}
	defer dbPool.Close()

	{
		pingCtx, cancel := context.WithTimeout(rootCtx, 5*time.Second)
		defer cancel()

		if err := dbPool.Ping(pingCtx); err != nil {
			log.Fatal().Err(err).Msg("postgres ping failed")
		}
		log.Info().Msg("postgres connected")
	}

	if cfg.DBAutoMigrate {
		applied, err := migrations.Apply(rootCtx, dbPool)
		if err != nil {
			log.Fatal().Err(err).Msg("migrations failed")
		}
		log.Info().Strs("applied", applied).Msg("migrations up to date")
	}

	// ---- Scoring coefficients, fixed for the life of the process ----
	// the installation seed hashes the host's local wall clock
	startedAt := time.Now()
	seed, err := scoring.ResolveSeed(rootCtx, cfg.ScoreSeed, scoring.GitSource{Dir: "."}, startedAt)
	if err != nil {
		log.Fatal().Err(err).Msg("score seed")
	}
	if seed.Source == scoring.SeedFromFallback {
		log.Warn().Str("reason", seed.Reason).Msg("installation seed unavailable; using fallback")
	}
	coef, err := scoring.CoefficientsFromSeed(seed.Value)
	if err != nil {
		log.Fatal().Err(err).Msg("score coefficients")
	}
	calc, err := scoring.NewCalculator(coef)
	if err != nil {
		log.Fatal().Err(err).Msg("score calculator")
	}
	auditLog.SeedResolved(seed.Source, seed.Value, coef.A, coef.B, coef.C, startedAt)

	repo := postgres.New(dbPool, calc, postgres.Options{
		TxTimeout:   cfg.DBTxTimeout,
		LockTimeout: cfg.DBLockTimeout,
	})

	// ---- Redis ----
	cache := redis.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB, cfg.CacheDropTTL)
	defer cache.Close()

	{
		pingCtx, cancel := context.WithTimeout(rootCtx, 2*time.Second)
		defer cancel()

		// redis is optional: cache misses fall through to postgres
		if err := cache.Ping(pingCtx); err != nil {
			log.Warn().Err(err).Msg("redis ping failed (continuing)")
		} else {
			log.Info().Msg("redis connected")
		}
	}

	// ---- Application service ----
	svc := service.NewDropService(repo, cache, claimcode.New(claimcode.DefaultLength), auditLog, service.Options{
		MaxAttempts: cfg.ClaimMaxAttempts,
		RetryBase:   cfg.ClaimRetryBase,
	})

	verifier := security.NewHS256Verifier(cfg.JWTSecret, security.WithIssuer(cfg.JWTIssuer))

	httpHandler := rest.NewRouter(rest.RouterDeps{
		Cache:            cache,
		Handler:          rest.NewHandler(svc),
		Verifier:         verifier,
		RateLimitEnabled: cfg.RLEnabled,
		RateLimit:        rest.RateLimitOptions{Limit: cfg.RLLimit, Window: cfg.RLWindow},
		Ready: map[string]rest.Pinger{
			"postgres": repo,
			"redis":    cache,
		},
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      20 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(rootCtx)

	g.Go(func() error {
		log.Info().Int("port", cfg.Port).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// ---- Outbox worker (outbound waitlist.* / drop.claimed events) ----
	if cfg.OutboxEnabled {
		g.Go(func() error {
			return repo.RunOutboxWorker(gctx, cfg.RabbitURL, cfg.RabbitExchange, auditLog)
		})
		log.Info().Msg("outbox worker started")
	}

	// ---- MQ consumer (drop, window and user snapshots) ----
	if cfg.ConsumerEnabled {
		consumer := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitExchange, repo, cache)
		g.Go(func() error { return consumer.Run(gctx) })
	}

	g.Go(func() error { return repo.RunHousekeeping(gctx) })

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("shutdown complete")
}
