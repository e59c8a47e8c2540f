package domain

import (
	"time"

	"github.com/google/uuid"
)

// Outranks reports whether a sorts strictly before b in claim order:
// higher score first, then earlier join. Entries equal on both fields
// do not outrank each other.
func Outranks(a, b WaitlistEntry) bool {
	if a.PriorityScore != b.PriorityScore {
		return a.PriorityScore > b.PriorityScore
	}
	return a.JoinedAt.Before(b.JoinedAt)
}

// EligibleToClaim is true when no entry in head's position ranks above caller.
// head must be the first entry of the drop's ranking read under the same lock.
func EligibleToClaim(head, caller WaitlistEntry) bool {
	if head.ID == caller.ID {
		return true
	}
	return !Outranks(head, caller)
}

type ClaimWindow struct {
	DropID   uuid.UUID
	OpenedAt time.Time
	ClosedAt *time.Time
}

// IsOpen: openedAt <= now and (closedAt is null or closedAt > now).
func (w ClaimWindow) IsOpen(now time.Time) bool {
	if now.Before(w.OpenedAt) {
		return false
	}
	return w.ClosedAt == nil || w.ClosedAt.After(now)
}

func (w ClaimWindow) Validate() error {
	if w.ClosedAt != nil && !w.ClosedAt.After(w.OpenedAt) {
		return ErrInvalidWindow
	}
	return nil
}
