package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// WaitlistRepository owns the waitlist and claim lifecycle: every mutating
// call runs in its own serializable transaction and writes its outbox row
// in the same transaction.
type WaitlistRepository interface {
	Join(ctx context.Context, traceID string, dropID, userID uuid.UUID) (WaitlistEntry, error)
	Leave(ctx context.Context, traceID string, dropID, userID uuid.UUID) (WaitlistEntry, error)
	// Claim migrates the caller's entry into a claim record carrying code.
	Claim(ctx context.Context, traceID string, dropID, userID uuid.UUID, code string) (ClaimRecord, error)

	// Reads
	GetDrop(ctx context.Context, dropID uuid.UUID) (Drop, error)
	GetPosition(ctx context.Context, dropID, userID uuid.UUID) (Position, error)
	GetClaim(ctx context.Context, claimID uuid.UUID) (ClaimRecord, error)
	ListMyWaitlist(ctx context.Context, userID uuid.UUID, limit int, cursor *KeysetCursor) ([]WaitlistEntry, *KeysetCursor, error)
	ListMyClaims(ctx context.Context, userID uuid.UUID, limit int, cursor *KeysetCursor) ([]ClaimRecord, *KeysetCursor, error)
	ListWaitlist(ctx context.Context, dropID uuid.UUID, limit int, cursor *RankCursor) ([]WaitlistEntry, *RankCursor, error)
	ListClaims(ctx context.Context, dropID uuid.UUID, limit int, cursor *KeysetCursor) ([]ClaimRecord, *KeysetCursor, error)
}

// CacheRepository holds drop bounds for fast-fail joins plus the request limiter.
// The claim window is never cached.
type CacheRepository interface {
	GetDropBounds(ctx context.Context, dropID uuid.UUID) (Drop, error)
	SetDropBounds(ctx context.Context, d Drop) error
	InvalidateDrop(ctx context.Context, dropID uuid.UUID) error

	AllowRequest(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// ClaimCodeGenerator mints redemption codes.
type ClaimCodeGenerator interface {
	Generate() (string, error)
}
