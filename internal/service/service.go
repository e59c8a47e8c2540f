package service

import (
	"context"
	"errors"
	"time"

	"github.com/baechuer/real-time-ressys/services/drop-service/internal/audit"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/metrics"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/pkg/logger"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/security"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

type Options struct {
	// MaxAttempts bounds join/claim attempts on retryable errors (>= 1).
	MaxAttempts int
	// RetryBase is the first backoff interval.
	RetryBase time.Duration
	Now       func() time.Time
}

type DropService struct {
	repo  domain.WaitlistRepository
	cache domain.CacheRepository
	codes domain.ClaimCodeGenerator
	audit *audit.Logger

	maxAttempts int
	retryBase   time.Duration
	now         func() time.Time
}

// NewDropService wires the service; cache and auditLog may be nil.
func NewDropService(repo domain.WaitlistRepository, cache domain.CacheRepository, codes domain.ClaimCodeGenerator, auditLog *audit.Logger, opts Options) *DropService {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 25 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &DropService{
		repo:        repo,
		cache:       cache,
		codes:       codes,
		audit:       auditLog,
		maxAttempts: opts.MaxAttempts,
		retryBase:   opts.RetryBase,
		now:         opts.Now,
	}
}

// retry runs fn until it succeeds, fails permanently or the attempt budget
// is spent. Only domain.Retryable errors are retried.
func (s *DropService) retry(ctx context.Context, op string, fn func() error) (attempts int, err error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.retryBase
	bo.MaxInterval = 16 * s.retryBase
	bo.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(s.maxAttempts-1)), ctx)
	err = backoff.Retry(func() error {
		attempts++
		err := fn()
		if err == nil {
			return nil
		}
		if !domain.Retryable(err) {
			return backoff.Permanent(err)
		}
		if attempts < s.maxAttempts {
			metrics.RecordRetry(op)
			logger.WithCtx(ctx).Debug().Err(err).Str("op", op).Int("attempt", attempts).Msg("retrying")
		}
		return err
	}, policy)
	return attempts, err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrCodeCollision):
		return "conflict"
	case isRejection(err):
		return "rejected"
	default:
		return "error"
	}
}

// isRejection: a precondition failure that left state untouched.
func isRejection(err error) bool {
	for _, e := range []error{
		domain.ErrDropNotActive, domain.ErrAlreadyOnWaitlist, domain.ErrUserNotFound,
		domain.ErrNotOnWaitlist, domain.ErrWindowClosed, domain.ErrNotYourTurn,
		domain.ErrWaitlistEmpty, domain.ErrAlreadyClaimed,
	} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

// dropInactive reports whether a join can be rejected before the transaction.
// Cached bounds only nominate a rejection: it is confirmed against the
// replicated drop row, which also overwrites a stale cache entry. Any cache or
// replica error leaves the decision to the transaction.
func (s *DropService) dropInactive(ctx context.Context, dropID uuid.UUID) bool {
	if s.cache == nil {
		return false
	}
	now := s.now()

	d, err := s.cache.GetDropBounds(ctx, dropID)
	switch {
	case err == nil && d.ActiveAt(now):
		return false
	case err != nil && !errors.Is(err, domain.ErrCacheMiss):
		// ignore redis errors
		return false
	}

	d, err = s.repo.GetDrop(ctx, dropID)
	if err != nil {
		return false
	}
	if err := s.cache.SetDropBounds(ctx, d); err != nil {
		logger.WithCtx(ctx).Warn().Err(err).Str("drop_id", dropID.String()).Msg("cache drop bounds failed")
	}
	return !d.ActiveAt(now)
}

func (s *DropService) Join(ctx context.Context, traceID string, dropID, userID uuid.UUID) (domain.WaitlistEntry, error) {
	// fast-fail; the transaction re-checks under lock
	if s.dropInactive(ctx, dropID) {
		metrics.RecordWaitlistOp("join", "rejected")
		return domain.WaitlistEntry{}, domain.ErrDropNotActive
	}

	var entry domain.WaitlistEntry
	_, err := s.retry(ctx, "join", func() error {
		var err error
		entry, err = s.repo.Join(ctx, traceID, dropID, userID)
		return err
	})
	metrics.RecordWaitlistOp("join", outcome(err))
	if err != nil {
		return domain.WaitlistEntry{}, err
	}

	metrics.ObserveScore(entry.PriorityScore)
	if s.audit != nil {
		s.audit.WaitlistJoined(ctx, entry)
	}
	return entry, nil
}

func (s *DropService) Leave(ctx context.Context, traceID string, dropID, userID uuid.UUID) (domain.WaitlistEntry, error) {
	var entry domain.WaitlistEntry
	_, err := s.retry(ctx, "leave", func() error {
		var err error
		entry, err = s.repo.Leave(ctx, traceID, dropID, userID)
		return err
	})
	metrics.RecordWaitlistOp("leave", outcome(err))
	if err != nil {
		return domain.WaitlistEntry{}, err
	}
	if s.audit != nil {
		s.audit.WaitlistLeft(ctx, entry)
	}
	return entry, nil
}

// Claim mints a fresh code on every attempt so a collision is simply retried.
func (s *DropService) Claim(ctx context.Context, traceID string, dropID, userID uuid.UUID) (domain.ClaimRecord, error) {
	var rec domain.ClaimRecord
	attempts, err := s.retry(ctx, "claim", func() error {
		code, err := s.codes.Generate()
		if err != nil {
			return err
		}
		rec, err = s.repo.Claim(ctx, traceID, dropID, userID, code)
		return err
	})
	metrics.RecordWaitlistOp("claim", outcome(err))
	if err != nil {
		if s.audit != nil && isRejection(err) {
			s.audit.ClaimRejected(ctx, dropID, userID, err)
		}
		return domain.ClaimRecord{}, err
	}

	if s.audit != nil {
		s.audit.DropClaimed(ctx, rec, attempts)
	}
	return rec, nil
}

// Reads

func (s *DropService) GetPosition(ctx context.Context, dropID, userID uuid.UUID) (domain.Position, error) {
	return s.repo.GetPosition(ctx, dropID, userID)
}

func (s *DropService) ListMyWaitlist(ctx context.Context, userID uuid.UUID, limit int, cursor *domain.KeysetCursor) ([]domain.WaitlistEntry, *domain.KeysetCursor, error) {
	return s.repo.ListMyWaitlist(ctx, userID, limit, cursor)
}

func (s *DropService) ListMyClaims(ctx context.Context, userID uuid.UUID, limit int, cursor *domain.KeysetCursor) ([]domain.ClaimRecord, *domain.KeysetCursor, error) {
	return s.repo.ListMyClaims(ctx, userID, limit, cursor)
}

// GetClaim is owner-only; admins may read any claim.
func (s *DropService) GetClaim(ctx context.Context, claimID, requesterID uuid.UUID, role string) (domain.ClaimRecord, error) {
	c, err := s.repo.GetClaim(ctx, claimID)
	if err != nil {
		return domain.ClaimRecord{}, err
	}
	if c.UserID != requesterID && role != security.RoleAdmin {
		return domain.ClaimRecord{}, domain.ErrForbidden
	}
	return c, nil
}

func requireAdmin(role string) error {
	if role != security.RoleAdmin {
		return domain.ErrForbidden
	}
	return nil
}

func (s *DropService) ListWaitlist(ctx context.Context, dropID uuid.UUID, role string, limit int, cursor *domain.RankCursor) ([]domain.WaitlistEntry, *domain.RankCursor, error) {
	if err := requireAdmin(role); err != nil {
		return nil, nil, err
	}
	return s.repo.ListWaitlist(ctx, dropID, limit, cursor)
}

func (s *DropService) ListClaims(ctx context.Context, dropID uuid.UUID, role string, limit int, cursor *domain.KeysetCursor) ([]domain.ClaimRecord, *domain.KeysetCursor, error) {
	if err := requireAdmin(role); err != nil {
		return nil, nil, err
	}
	return s.repo.ListClaims(ctx, dropID, limit, cursor)
}
