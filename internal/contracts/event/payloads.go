package event

import "time"

// --- outbound ---

type WaitlistJoinedPayload struct {
	DropID        string    `json:"drop_id"`
	UserID        string    `json:"user_id"`
	EntryID       string    `json:"entry_id"`
	PriorityScore int64     `json:"priority_score"`
	JoinedAt      time.Time `json:"joined_at"`
}

type WaitlistLeftPayload struct {
	DropID  string `json:"drop_id"`
	UserID  string `json:"user_id"`
	EntryID string `json:"entry_id"`
}

// DropClaimedPayload deliberately omits the redemption code.
type DropClaimedPayload struct {
	DropID    string    `json:"drop_id"`
	UserID    string    `json:"user_id"`
	ClaimID   string    `json:"claim_id"`
	EntryID   string    `json:"entry_id"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// --- inbound ---
// Extra producer fields are ignored by json.Unmarshal.

type DropUpsertedPayload struct {
	DropID   string    `json:"drop_id" validate:"required,uuid"`
	Name     string    `json:"name" validate:"max=200"`
	StartsAt time.Time `json:"starts_at" validate:"required"`
	EndsAt   time.Time `json:"ends_at" validate:"required,gtfield=StartsAt"`
}

type DropDeletedPayload struct {
	DropID string `json:"drop_id" validate:"required,uuid"`
}

type ClaimWindowOpenedPayload struct {
	DropID   string     `json:"drop_id" validate:"required,uuid"`
	OpenedAt time.Time  `json:"opened_at" validate:"required"`
	ClosedAt *time.Time `json:"closed_at,omitempty" validate:"omitempty,gtfield=OpenedAt"`
}

type ClaimWindowClosedPayload struct {
	DropID   string    `json:"drop_id" validate:"required,uuid"`
	ClosedAt time.Time `json:"closed_at" validate:"required"`
}

type UserRegisteredPayload struct {
	UserID    string    `json:"user_id" validate:"required,uuid"`
	CreatedAt time.Time `json:"created_at" validate:"required"`
}
