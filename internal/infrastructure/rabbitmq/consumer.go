package rabbitmq

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/baechuer/real-time-ressys/services/drop-service/internal/contracts/event"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/metrics"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/pkg/logger"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	supportedVersion = 1

	queueName   = "drop-service.snapshots"
	handlerName = "drop_snapshots"
)

var inboundKeys = []string{
	event.RKDropUpserted,
	event.RKDropDeleted,
	event.RKClaimWindowOpened,
	event.RKClaimWindowClosed,
	event.RKUserRegistered,
}

var validate = validator.New()

// SnapshotStore applies replicated rows inside the dedupe fence.
type SnapshotStore interface {
	ProcessOnce(ctx context.Context, messageID, handlerName string, fn func(tx pgx.Tx) error) (bool, error)
	UpsertDropTx(ctx context.Context, tx pgx.Tx, d domain.Drop) error
	DeleteDropTx(ctx context.Context, tx pgx.Tx, dropID uuid.UUID) error
	OpenClaimWindowTx(ctx context.Context, tx pgx.Tx, w domain.ClaimWindow, at time.Time) error
	CloseClaimWindowTx(ctx context.Context, tx pgx.Tx, dropID uuid.UUID, closedAt, at time.Time) error
	UpsertUserTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, createdAt time.Time) error
}

// DropInvalidator drops cached bounds after a drop snapshot commits.
type DropInvalidator interface {
	InvalidateDrop(ctx context.Context, dropID uuid.UUID) error
}

type Consumer struct {
	rabbitURL string
	exchange  string
	store     SnapshotStore
	cache     DropInvalidator
}

// NewConsumer builds the snapshot consumer; cache may be nil.
func NewConsumer(rabbitURL, exchange string, store SnapshotStore, cache DropInvalidator) *Consumer {
	return &Consumer{
		rabbitURL: strings.TrimSpace(rabbitURL),
		exchange:  strings.TrimSpace(exchange),
		store:     store,
		cache:     cache,
	}
}

// Run consumes until ctx ends, redialling the broker with backoff.
func (c *Consumer) Run(ctx context.Context) error {
	log := logger.Component("rabbitmq_consumer")

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for {
		err := c.consumeSession(ctx, log)
		if ctx.Err() != nil {
			log.Info().Msg("stopped")
			return nil
		}
		wait := bo.NextBackOff()
		log.Warn().Err(err).Dur("retry_in", wait).Msg("consumer session ended; reconnecting")
		select {
		case <-ctx.Done():
			log.Info().Msg("stopped")
			return nil
		case <-time.After(wait):
		}
	}
}

func (c *Consumer) consumeSession(ctx context.Context, log zerolog.Logger) error {
	conn, err := amqp.Dial(c.rabbitURL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel: %w", err)
	}
	defer ch.Close()

	// Ensure exchange exists (idempotent)
	if err := ch.ExchangeDeclare(c.exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("exchange declare: %w", err)
	}

	q, err := ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	)
	if err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}

	for _, rk := range inboundKeys {
		if err := ch.QueueBind(q.Name, rk, c.exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s: %w", rk, err)
		}
	}

	if err := ch.Qos(10, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}

	deliveries, err := ch.Consume(q.Name, "drop-service", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	log.Info().Str("queue", q.Name).Msg("consumer started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.settle(d, c.handleDelivery(ctx, d), log)
		}
	}
}

// settle acks, requeues or discards one delivery.
// A window for a drop we have not seen yet gets one redelivery so the drop
// snapshot can overtake it; after that it is discarded.
func (c *Consumer) settle(d amqp.Delivery, err error, log zerolog.Logger) {
	switch {
	case err == nil:
		metrics.RecordConsumed(d.RoutingKey, "ok")
		_ = d.Ack(false)
	case errors.Is(err, domain.ErrInvalidWindow):
		metrics.RecordConsumed(d.RoutingKey, "invalid")
		log.Warn().Err(err).Str("routing_key", d.RoutingKey).Msg("invalid snapshot; dropping")
		_ = d.Ack(false)
	case errors.Is(err, domain.ErrDropNotFound) && d.Redelivered:
		metrics.RecordConsumed(d.RoutingKey, "orphan")
		log.Warn().Err(err).Str("routing_key", d.RoutingKey).Msg("snapshot for unknown drop; dropping")
		_ = d.Ack(false)
	default:
		metrics.RecordConsumed(d.RoutingKey, "requeue")
		_ = d.Nack(false, true) // transient => requeue
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) error {
	baseLog := logger.Logger.With().
		Str("component", "rabbitmq_consumer").
		Str("routing_key", d.RoutingKey).
		Logger()

	var env event.DomainEventEnvelope[json.RawMessage]
	if err := json.Unmarshal(d.Body, &env); err != nil {
		baseLog.Warn().Err(err).Msg("invalid envelope json; dropping")
		return nil // poison => drop
	}

	if env.Version != supportedVersion {
		baseLog.Warn().Int("version", env.Version).Msg("unsupported envelope version; dropping")
		return nil
	}

	// message_id: prefer envelope.message_id, then AMQP MessageId, else hash fallback
	msgID := strings.TrimSpace(env.MessageID)
	if msgID == "" {
		msgID = strings.TrimSpace(d.MessageId)
	}
	if msgID == "" {
		h := sha256.Sum256(append([]byte(d.RoutingKey+"\n"), d.Body...))
		msgID = "hash:" + hex.EncodeToString(h[:])
	}

	log := baseLog.With().
		Str("message_id", msgID).
		Str("trace_id", strings.TrimSpace(env.TraceID)).
		Logger()

	at := env.OccurredAt.UTC()
	if at.IsZero() {
		at = time.Now().UTC()
	}

	var touched uuid.UUID
	processed, err := c.store.ProcessOnce(ctx, msgID, handlerName, func(tx pgx.Tx) error {
		var err error
		touched, err = applySnapshotTx(ctx, c.store, tx, d.RoutingKey, env.Payload, at, log)
		return err
	})
	if err != nil {
		log.Error().Err(err).Msg("processing failed (requeue)")
		return err
	}
	if !processed {
		log.Info().Msg("duplicate delivery ignored")
		return nil
	}

	if c.cache != nil && touched != uuid.Nil {
		if err := c.cache.InvalidateDrop(ctx, touched); err != nil {
			log.Warn().Err(err).Str("drop_id", touched.String()).Msg("cache invalidate failed")
		}
	}
	return nil
}

// applySnapshotTx writes one snapshot and returns the drop whose cached
// bounds are now stale, if any. Malformed payloads are logged and skipped.
func applySnapshotTx(
	ctx context.Context,
	s SnapshotStore,
	tx pgx.Tx,
	routingKey string,
	raw json.RawMessage,
	at time.Time,
	log zerolog.Logger,
) (uuid.UUID, error) {
	switch routingKey {
	case event.RKDropUpserted:
		var p event.DropUpsertedPayload
		if !decode(raw, &p, log) {
			return uuid.Nil, nil
		}
		id := uuid.MustParse(p.DropID)
		d := domain.Drop{ID: id, Name: p.Name, StartsAt: p.StartsAt.UTC(), EndsAt: p.EndsAt.UTC(), UpdatedAt: at}
		return id, s.UpsertDropTx(ctx, tx, d)

	case event.RKDropDeleted:
		var p event.DropDeletedPayload
		if !decode(raw, &p, log) {
			return uuid.Nil, nil
		}
		id := uuid.MustParse(p.DropID)
		return id, s.DeleteDropTx(ctx, tx, id)

	case event.RKClaimWindowOpened:
		var p event.ClaimWindowOpenedPayload
		if !decode(raw, &p, log) {
			return uuid.Nil, nil
		}
		w := domain.ClaimWindow{DropID: uuid.MustParse(p.DropID), OpenedAt: p.OpenedAt.UTC()}
		if p.ClosedAt != nil {
			closed := p.ClosedAt.UTC()
			w.ClosedAt = &closed
		}
		return uuid.Nil, s.OpenClaimWindowTx(ctx, tx, w, at)

	case event.RKClaimWindowClosed:
		var p event.ClaimWindowClosedPayload
		if !decode(raw, &p, log) {
			return uuid.Nil, nil
		}
		return uuid.Nil, s.CloseClaimWindowTx(ctx, tx, uuid.MustParse(p.DropID), p.ClosedAt.UTC(), at)

	case event.RKUserRegistered:
		var p event.UserRegisteredPayload
		if !decode(raw, &p, log) {
			return uuid.Nil, nil
		}
		return uuid.Nil, s.UpsertUserTx(ctx, tx, uuid.MustParse(p.UserID), p.CreatedAt.UTC())

	default:
		log.Warn().Msg("unknown routing key; ignoring")
		return uuid.Nil, nil
	}
}

// decode unmarshals and validates; uuid fields are safe to MustParse afterwards.
func decode(raw json.RawMessage, dst any, log zerolog.Logger) bool {
	if err := json.Unmarshal(raw, dst); err != nil {
		log.Warn().Err(err).Msg("invalid payload json; dropping")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		log.Warn().Err(err).Msg("invalid payload; dropping")
		return false
	}
	return true
}
