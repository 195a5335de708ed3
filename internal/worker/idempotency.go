package worker

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Marker records "this provider message id has already produced its store
// effects". It is a cheap fast-path on top of the hard DB-level uniqueness
// on (thread_id, message_id); losing a marker is safe, it only means the
// duplicate gets caught one layer lower by the upsert.
type Marker interface {
	IsProcessed(ctx context.Context, messageID string) (bool, error)
	MarkProcessed(ctx context.Context, messageID string) error
}

const markerTTL = 24 * time.Hour

// RedisMarker stores markers as processed:<messageId> with a 24h expiry,
// injected into the worker rather than reached for as a global so tests
// can substitute a double.
type RedisMarker struct {
	rdb *goredis.Client
}

func NewRedisMarker(rdb *goredis.Client) *RedisMarker {
	return &RedisMarker{rdb: rdb}
}

func (m *RedisMarker) key(messageID string) string {
	return "processed:" + messageID
}

func (m *RedisMarker) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	n, err := m.rdb.Exists(ctx, m.key(messageID)).Result()
	if err != nil {
		return false, fmt.Errorf("check idempotency marker: %w", err)
	}
	return n > 0, nil
}

func (m *RedisMarker) MarkProcessed(ctx context.Context, messageID string) error {
	if err := m.rdb.Set(ctx, m.key(messageID), "1", markerTTL).Err(); err != nil {
		return fmt.Errorf("set idempotency marker: %w", err)
	}
	return nil
}
