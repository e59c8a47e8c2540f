package redis

import (
	"context"
	"errors"
	"time"

	"github.com/baechuer/real-time-ressys/services/drop-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/metrics"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultDropTTL = 10 * time.Minute

type Cache struct {
	Client  *redis.Client
	DropTTL time.Duration
}

func New(addr, pass string, db int, dropTTL time.Duration) *Cache {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr, Password: pass, DB: db,
	})
	return &Cache{Client: rdb, DropTTL: dropTTL}
}

func dropKey(dropID uuid.UUID) string { return "drop:bounds:" + dropID.String() }

// GetDropBounds returns the cached start/end of a drop or ErrCacheMiss.
// Only the bounds are cached; the claim window is always read under lock.
func (c *Cache) GetDropBounds(ctx context.Context, dropID uuid.UUID) (domain.Drop, error) {
	vals, err := c.Client.HGetAll(ctx, dropKey(dropID)).Result()
	if err != nil {
		metrics.RecordCacheLookup("error")
		return domain.Drop{}, err
	}
	if len(vals) == 0 {
		metrics.RecordCacheLookup("miss")
		return domain.Drop{}, domain.ErrCacheMiss
	}

	starts, err1 := time.Parse(time.RFC3339Nano, vals["starts_at"])
	ends, err2 := time.Parse(time.RFC3339Nano, vals["ends_at"])
	if err := errors.Join(err1, err2); err != nil {
		// a malformed entry behaves like a miss and is rewritten on the next set
		_ = c.Client.Del(ctx, dropKey(dropID)).Err()
		metrics.RecordCacheLookup("miss")
		return domain.Drop{}, domain.ErrCacheMiss
	}

	metrics.RecordCacheLookup("hit")
	return domain.Drop{ID: dropID, Name: vals["name"], StartsAt: starts, EndsAt: ends}, nil
}

func (c *Cache) SetDropBounds(ctx context.Context, d domain.Drop) error {
	ttl := c.DropTTL
	if ttl <= 0 {
		ttl = defaultDropTTL
	}
	key := dropKey(d.ID)
	_, err := c.Client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key,
			"name", d.Name,
			"starts_at", d.StartsAt.UTC().Format(time.RFC3339Nano),
			"ends_at", d.EndsAt.UTC().Format(time.RFC3339Nano),
		)
		p.Expire(ctx, key, ttl)
		return nil
	})
	return err
}

// InvalidateDrop is called by the snapshot consumer after a drop changes.
func (c *Cache) InvalidateDrop(ctx context.Context, dropID uuid.UUID) error {
	return c.Client.Del(ctx, dropKey(dropID)).Err()
}

// AllowRequest: Simple Fixed Window Rate Limit
func (c *Cache) AllowRequest(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	key = "ratelimit:" + key
	count, err := c.Client.Incr(ctx, key).Result()
	if err != nil {
		return true, nil // fail open
	}
	if count == 1 {
		_ = c.Client.Expire(ctx, key, window).Err()
	}
	return count <= int64(limit), nil
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.Client.Ping(ctx).Err()
}

func (c *Cache) Close() error {
	return c.Client.Close()
}
