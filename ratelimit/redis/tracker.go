// Package redis provides a Redis sliding-window attempt tracker.
package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Tracker implements sessionguard.AttemptTracker with one sorted set per
// key, scored by attempt time in milliseconds. Keys expire after the window
// so no external pruning is needed.
type Tracker struct {
	client redis.UniversalClient
	prefix string
}

// New creates a new Redis tracker. Keys are namespaced with prefix.
func New(client redis.UniversalClient, prefix string) *Tracker {
	if prefix == "" {
		prefix = "sessionguard:attempts:"
	}
	return &Tracker{client: client, prefix: prefix}
}

// Record adds an attempt at time at and returns the attempts inside the window.
func (t *Tracker) Record(ctx context.Context, key string, at time.Time, window time.Duration) (int, error) {
	k := t.prefix + key
	pipe := t.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, k, "-inf", "("+strconv.FormatInt(at.Add(-window).UnixMilli(), 10))
	pipe.ZAdd(ctx, k, redis.Z{Score: float64(at.UnixMilli()), Member: uuid.NewString()})
	card := pipe.ZCard(ctx, k)
	pipe.PExpire(ctx, k, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(card.Val()), nil
}

// Count returns the attempts inside the window ending at now.
func (t *Tracker) Count(ctx context.Context, key string, now time.Time, window time.Duration) (int, error) {
	k := t.prefix + key
	pipe := t.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, k, "-inf", "("+strconv.FormatInt(now.Add(-window).UnixMilli(), 10))
	card := pipe.ZCard(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(card.Val()), nil
}

// Reset forgets all attempts for key.
func (t *Tracker) Reset(ctx context.Context, key string) error {
	return t.client.Del(ctx, t.prefix+key).Err()
}

// Ping checks the Redis connection.
func (t *Tracker) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}
