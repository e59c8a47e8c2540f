package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// precondition failures: expected, user-facing, never alter state
	ErrDropNotActive     = errors.New("drop is not active")
	ErrAlreadyOnWaitlist = errors.New("already on waitlist")
	ErrUserNotFound      = errors.New("user not found")
	ErrNotOnWaitlist     = errors.New("not on waitlist")
	ErrWindowClosed      = errors.New("claim window is closed")
	ErrNotYourTurn       = errors.New("not your turn")
	ErrWaitlistEmpty     = errors.New("waitlist is empty")
	ErrAlreadyClaimed    = errors.New("drop already claimed by user")

	ErrClaimNotFound = errors.New("claim not found")
	ErrDropNotFound  = errors.New("drop not found")
	ErrForbidden     = errors.New("forbidden")
	ErrInvalidWindow = errors.New("claim window closes before it opens")

	// transient: lock timeout, serialization failure, deadlock
	ErrConflict = errors.New("concurrent modification, retry")

	// invariant violations: abort the request, never swallowed
	ErrCodeCollision = errors.New("claim code collision")
	ErrInvariant     = errors.New("invariant violated")

	ErrCacheMiss = errors.New("cache miss")
)

// Retryable reports whether err is worth another attempt with a fresh transaction.
func Retryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrCodeCollision)
}

// Drop is the replicated read-only view of a drop owned by the admin subsystem.
type Drop struct {
	ID        uuid.UUID
	Name      string
	StartsAt  time.Time
	EndsAt    time.Time
	UpdatedAt time.Time
}

// ActiveAt reports start <= now < end.
func (d Drop) ActiveAt(now time.Time) bool {
	return !now.Before(d.StartsAt) && now.Before(d.EndsAt)
}

type WaitlistEntry struct {
	ID     uuid.UUID
	DropID uuid.UUID
	UserID uuid.UUID

	JoinedAt        time.Time
	SignupLatencyMs int64
	AccountAgeDays  int64
	RapidActions    int64
	PriorityScore   int64
}

type ClaimRecord struct {
	ID        uuid.UUID
	DropID    uuid.UUID
	UserID    uuid.UUID
	EntryID   uuid.UUID
	Code      string
	Claimed   bool
	ClaimedAt time.Time
}

// Position is a caller's place in a drop's ranking. Rank is 1-based.
type Position struct {
	Entry WaitlistEntry
	Rank  int
	Total int
}

// KeysetCursor pages lists ordered by (timestamp, id).
type KeysetCursor struct {
	At time.Time
	ID uuid.UUID
}

// RankCursor pages a drop's waitlist in claim order.
type RankCursor struct {
	Score    int64
	JoinedAt time.Time
	ID       uuid.UUID
}
