package postgres

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/baechuer/real-time-ressys/services/drop-service/internal/audit"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/contracts/event"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/metrics"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/pkg/logger"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	outboxBatchSize   = 20
	outboxMaxAttempts = 12 // ~ up to hours with exponential backoff
	confirmWait       = 300 * time.Millisecond
	outboxPoll        = 500 * time.Millisecond
	outboxInFlight    = 15 * time.Second
)

// computeNextRetry: 2^attempt seconds within [5s, 30m], jitter +/-10%.
func computeNextRetry(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	sec := math.Pow(2, float64(attempt))
	if sec < 5 {
		sec = 5
	}
	if sec > 1800 {
		sec = 1800
	}

	d := time.Duration(sec) * time.Second

	j := time.Duration(rand.Int63n(int64(d/5))) - d/10
	return d + j
}

type outboxMessage struct {
	ID         uuid.UUID
	MessageID  uuid.UUID
	TraceID    string
	RoutingKey string
	Payload    []byte
	Attempt    int
}

// amqpPublisher is the channel surface the worker needs.
type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// RunOutboxWorker publishes pending outbox rows until ctx ends. A lost broker
// connection is redialled with exponential backoff.
func (r *Repository) RunOutboxWorker(ctx context.Context, rabbitURL, exchange string, auditLog *audit.Logger) error {
	log := logger.Component("outbox_worker")

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // keep trying until shutdown

	for {
		err := r.publishSession(ctx, rabbitURL, exchange, auditLog, log)
		if ctx.Err() != nil {
			log.Info().Msg("stopped")
			return nil
		}
		wait := bo.NextBackOff()
		log.Warn().Err(err).Dur("retry_in", wait).Msg("outbox session ended; reconnecting")
		select {
		case <-ctx.Done():
			log.Info().Msg("stopped")
			return nil
		case <-time.After(wait):
		}
	}
}

func (r *Repository) publishSession(ctx context.Context, rabbitURL, exchange string, auditLog *audit.Logger, log zerolog.Logger) error {
	conn, err := amqp.Dial(rabbitURL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("exchange declare %s: %w", exchange, err)
	}

	// Publisher confirms + mandatory returns
	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("confirm mode: %w", err)
	}
	confirmCh := ch.NotifyPublish(make(chan amqp.Confirmation, 100))
	returnCh := ch.NotifyReturn(make(chan amqp.Return, 100))
	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))

	log.Info().Str("exchange", exchange).Msg("publishing")

	ticker := time.NewTicker(outboxPoll)
	defer ticker.Stop()

	var lastErr string
	var lastAt time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr := <-closeCh:
			return fmt.Errorf("connection closed: %v", amqpErr)
		case <-ticker.C:
			if err := r.processOutboxBatch(ctx, ch, exchange, confirmCh, returnCh, auditLog); err != nil {
				if err.Error() != lastErr || time.Since(lastAt) > 10*time.Second {
					log.Warn().Err(err).Msg("outbox batch failed")
					lastErr = err.Error()
					lastAt = time.Now()
				}
			} else {
				lastErr = ""
			}
		}
	}
}

// claimOutboxBatch picks due rows with SKIP LOCKED and pushes next_retry_at
// forward so a second worker leaves them alone while they are in flight.
func (r *Repository) claimOutboxBatch(ctx context.Context) ([]outboxMessage, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT id, message_id, trace_id, routing_key, payload, attempt
		FROM outbox
		WHERE status = 'pending'
		  AND next_retry_at <= NOW()
		ORDER BY next_retry_at ASC, occurred_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, outboxBatchSize)
	if err != nil {
		return nil, err
	}

	var messages []outboxMessage
	for rows.Next() {
		var m outboxMessage
		if err := rows.Scan(&m.ID, &m.MessageID, &m.TraceID, &m.RoutingKey, &m.Payload, &m.Attempt); err != nil {
			rows.Close()
			return nil, err
		}
		messages = append(messages, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(messages) > 0 {
		ids := make([]uuid.UUID, len(messages))
		for i, m := range messages {
			ids[i] = m.ID
		}
		if _, err := tx.Exec(ctx, `
			UPDATE outbox SET next_retry_at = $2 WHERE id = ANY($1)
		`, ids, time.Now().Add(outboxInFlight)); err != nil {
			return nil, err
		}
	}

	return messages, tx.Commit(ctx)
}

func (r *Repository) processOutboxBatch(
	ctx context.Context,
	ch amqpPublisher,
	exchange string,
	confirmCh <-chan amqp.Confirmation,
	returnCh <-chan amqp.Return,
	auditLog *audit.Logger,
) error {
	messages, err := r.claimOutboxBatch(ctx)
	if err != nil {
		return err
	}

	for _, m := range messages {
		// stale notifications from a previous timeout
	DrainLoop:
		for {
			select {
			case <-returnCh:
			case <-confirmCh:
			default:
				break DrainLoop
			}
		}

		pub := amqp.Publishing{
			ContentType:   "application/json",
			Body:          m.Payload,
			DeliveryMode:  amqp.Persistent,
			Timestamp:     time.Now().UTC(),
			MessageId:     m.MessageID.String(),
			CorrelationId: m.TraceID,
			AppId:         event.Producer,
			Type:          m.RoutingKey,
		}

		if err := ch.PublishWithContext(ctx, exchange, m.RoutingKey, true, false, pub); err != nil {
			r.failOutbox(ctx, m, fmt.Sprintf("publish error: %v", err), auditLog)
			continue
		}

		// a Return (unroutable) arrives before its Confirm
		var gotReturn, gotConfirm bool
		var conf amqp.Confirmation

		deadline := time.After(confirmWait * 2)
	WaitLoop:
		for !gotConfirm {
			select {
			case ret := <-returnCh:
				gotReturn = true
				r.failOutbox(ctx, m, fmt.Sprintf("NO_ROUTE: code=%d text=%s exchange=%s rk=%s",
					ret.ReplyCode, ret.ReplyText, ret.Exchange, ret.RoutingKey), auditLog)
			case c := <-confirmCh:
				gotConfirm = true
				conf = c
			case <-deadline:
				r.failOutbox(ctx, m, "confirm/return timeout", auditLog)
				break WaitLoop
			}
		}

		if gotReturn || !gotConfirm {
			continue
		}
		if !conf.Ack {
			r.failOutbox(ctx, m, fmt.Sprintf("NACK: delivery_tag=%d", conf.DeliveryTag), auditLog)
			continue
		}

		r.markSent(ctx, m, auditLog)
	}

	return nil
}

func (r *Repository) markSent(ctx context.Context, m outboxMessage, auditLog *audit.Logger) {
	_, _ = r.pool.Exec(ctx, `
		UPDATE outbox
		SET status = 'sent',
		    last_error = NULL
		WHERE id = $1
	`, m.ID)

	metrics.RecordOutbox(m.RoutingKey, "sent")
	if auditLog != nil {
		auditLog.OutboxMessageSent(ctx, m.MessageID.String(), m.RoutingKey)
	}
}

func (r *Repository) failOutbox(ctx context.Context, m outboxMessage, errMsg string, auditLog *audit.Logger) {
	log := logger.Component("outbox_worker")

	nextAttempt := m.Attempt + 1
	if nextAttempt >= outboxMaxAttempts {
		_, _ = r.pool.Exec(ctx, `
			UPDATE outbox
			SET status = 'dead',
			    attempt = $2,
			    last_error = $3
			WHERE id = $1
		`, m.ID, nextAttempt, errMsg)

		metrics.RecordOutbox(m.RoutingKey, "dead")
		if auditLog != nil {
			auditLog.OutboxMessageDead(ctx, m.MessageID.String(), m.RoutingKey, nextAttempt, errMsg)
		}
		return
	}

	delay := computeNextRetry(nextAttempt)
	_, _ = r.pool.Exec(ctx, `
		UPDATE outbox
		SET attempt = $2,
		    next_retry_at = NOW() + $3::interval,
		    last_error = $4
		WHERE id = $1
	`, m.ID, nextAttempt, fmt.Sprintf("%f seconds", delay.Seconds()), errMsg)

	metrics.RecordOutbox(m.RoutingKey, "retry")
	log.Warn().
		Str("outbox_id", m.ID.String()).
		Str("message_id", m.MessageID.String()).
		Str("routing_key", m.RoutingKey).
		Int("attempt", nextAttempt).
		Dur("retry_in", delay).
		Str("error", errMsg).
		Msg("outbox publish failed; scheduled retry")
}
