package event

import "time"

const Producer = "drop-service"

// DomainEventEnvelope is the canonical envelope consumed across services.
// message_id is optional on inbound messages; without it dedupe is best effort.
type DomainEventEnvelope[T any] struct {
	Version    int       `json:"version"`
	Producer   string    `json:"producer"`
	TraceID    string    `json:"trace_id,omitempty"`
	MessageID  string    `json:"message_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    T         `json:"payload"`
}

// Outbound routing keys.
const (
	RKWaitlistJoined = "waitlist.joined"
	RKWaitlistLeft   = "waitlist.left"
	RKDropClaimed    = "drop.claimed"
)

// Inbound routing keys (snapshots from the admin and user subsystems).
const (
	RKDropUpserted      = "drop.upserted"
	RKDropDeleted       = "drop.deleted"
	RKClaimWindowOpened = "claim_window.opened"
	RKClaimWindowClosed = "claim_window.closed"
	RKUserRegistered    = "user.registered"
)
