package audit

import (
	"context"
	"time"

	"github.com/baechuer/real-time-ressys/services/drop-service/internal/domain"
	appCtx "github.com/baechuer/real-time-ressys/services/drop-service/internal/pkg/context"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Logger provides structured audit logging for business events
type Logger struct {
	log zerolog.Logger
}

// New creates a new audit logger
func New(log zerolog.Logger) *Logger {
	return &Logger{
		log: log.With().Bool("audit", true).Logger(),
	}
}

// WaitlistJoined logs an admitted waitlist entry with its scoring inputs.
func (l *Logger) WaitlistJoined(ctx context.Context, e domain.WaitlistEntry) {
	l.log.Info().
		Str("action", "waitlist_joined").
		Str("drop_id", e.DropID.String()).
		Str("user_id", e.UserID.String()).
		Str("entry_id", e.ID.String()).
		Int64("priority_score", e.PriorityScore).
		Int64("signup_latency_ms", e.SignupLatencyMs).
		Int64("account_age_days", e.AccountAgeDays).
		Int64("rapid_actions", e.RapidActions).
		Str("trace_id", traceID(ctx)).
		Msg("User joined waitlist")
}

func (l *Logger) WaitlistLeft(ctx context.Context, e domain.WaitlistEntry) {
	l.log.Info().
		Str("action", "waitlist_left").
		Str("drop_id", e.DropID.String()).
		Str("user_id", e.UserID.String()).
		Str("entry_id", e.ID.String()).
		Str("trace_id", traceID(ctx)).
		Msg("User left waitlist")
}

// DropClaimed never logs the code itself.
func (l *Logger) DropClaimed(ctx context.Context, c domain.ClaimRecord, attempts int) {
	l.log.Info().
		Str("action", "drop_claimed").
		Str("drop_id", c.DropID.String()).
		Str("user_id", c.UserID.String()).
		Str("claim_id", c.ID.String()).
		Str("entry_id", c.EntryID.String()).
		Time("claimed_at", c.ClaimedAt).
		Int("attempts", attempts).
		Str("trace_id", traceID(ctx)).
		Msg("User claimed drop")
}

// ClaimRejected logs a precondition failure on the claim path.
func (l *Logger) ClaimRejected(ctx context.Context, dropID, userID uuid.UUID, reason error) {
	l.log.Warn().
		Str("action", "claim_rejected").
		Str("drop_id", dropID.String()).
		Str("user_id", userID.String()).
		Str("reason", reason.Error()).
		Str("trace_id", traceID(ctx)).
		Msg("Claim rejected")
}

// OutboxMessageSent logs when an outbox message is successfully published
func (l *Logger) OutboxMessageSent(ctx context.Context, messageID, routingKey string) {
	l.log.Debug().
		Str("action", "outbox_sent").
		Str("message_id", messageID).
		Str("routing_key", routingKey).
		Msg("Outbox message sent")
}

// OutboxMessageDead logs when an outbox message is moved to dead status
func (l *Logger) OutboxMessageDead(ctx context.Context, messageID, routingKey string, retries int, lastErr string) {
	l.log.Error().
		Str("action", "outbox_dead").
		Str("message_id", messageID).
		Str("routing_key", routingKey).
		Int("retries", retries).
		Str("last_error", lastErr).
		Msg("Outbox message moved to dead status")
}

func (l *Logger) SeedResolved(source, seed string, a, b, c int64, at time.Time) {
	l.log.Info().
		Str("action", "score_seed_resolved").
		Str("source", source).
		Str("seed", seed).
		Int64("a", a).
		Int64("b", b).
		Int64("c", c).
		Time("at", at).
		Msg("Priority score coefficients fixed for this process")
}

func traceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	return appCtx.GetRequestID(ctx)
}
