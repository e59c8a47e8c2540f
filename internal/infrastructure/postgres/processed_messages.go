package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
)

// TryMarkProcessedTx inserts (message_id, handler_name) once inside tx.
//
//	ok=true  -> first delivery
//	ok=false -> duplicate delivery
func (r *Repository) TryMarkProcessedTx(ctx context.Context, tx pgx.Tx, messageID, handlerName string) (ok bool, err error) {
	messageID = strings.TrimSpace(messageID)
	handlerName = strings.TrimSpace(handlerName)

	if messageID == "" {
		return true, nil
	}
	if handlerName == "" {
		handlerName = "unknown"
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO processed_messages (message_id, handler_name)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, messageID, handlerName)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ProcessOnce runs fn inside one transaction fenced by processed_messages.
//   - duplicate: fn is not run; processed=false, err=nil
//   - fn fails: tx rolls back, the marker is not kept and the message can be redelivered
//   - empty messageID: fn runs without a fence
//
// Snapshot writes take row locks on drops/claim_windows; read committed is
// enough here, serializable is reserved for the arbitration paths.
func (r *Repository) ProcessOnce(
	ctx context.Context,
	messageID, handlerName string,
	fn func(tx pgx.Tx) error,
) (processed bool, err error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	first, err := r.TryMarkProcessedTx(ctx, tx, messageID, handlerName)
	if err != nil {
		return false, err
	}
	if !first {
		return false, nil
	}

	if err := fn(tx); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}
