package postgres

import (
	"context"
	"time"

	"github.com/baechuer/real-time-ressys/services/drop-service/internal/pkg/logger"
)

const (
	housekeepingEvery     = time.Hour
	sentOutboxRetention   = 24 * time.Hour
	processedMsgRetention = 7 * 24 * time.Hour
	joinLogRetention      = 24 * time.Hour // must exceed rapidActionWindow
)

// RunHousekeeping purges rows that only grow: sent outbox messages, old
// dedupe markers and join-log rows that fell out of the rapid-action window.
func (r *Repository) RunHousekeeping(ctx context.Context) error {
	log := logger.Component("housekeeping")
	ticker := time.NewTicker(housekeepingEvery)
	defer ticker.Stop()

	r.purgeOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("stopped")
			return nil
		case <-ticker.C:
			r.purgeOnce(ctx)
		}
	}
}

func (r *Repository) purgeOnce(ctx context.Context) {
	log := logger.Component("housekeeping")
	now := r.clock()

	jobs := []struct {
		name string
		sql  string
		arg  time.Time
	}{
		{"outbox_sent", `DELETE FROM outbox WHERE status = 'sent' AND occurred_at < $1`, now.Add(-sentOutboxRetention)},
		{"processed_messages", `DELETE FROM processed_messages WHERE processed_at < $1`, now.Add(-processedMsgRetention)},
		{"waitlist_joins", `DELETE FROM waitlist_joins WHERE joined_at < $1`, now.Add(-joinLogRetention)},
	}

	for _, j := range jobs {
		tag, err := r.pool.Exec(ctx, j.sql, j.arg)
		if err != nil {
			log.Warn().Err(err).Str("table", j.name).Msg("purge failed")
			continue
		}
		if n := tag.RowsAffected(); n > 0 {
			log.Info().Str("table", j.name).Int64("deleted", n).Msg("purged")
		}
	}
}
