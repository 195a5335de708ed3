// Package redis constructs the shared Redis clients.
//
// Redis backs three distinct concerns: the event queue's job state, the
// idempotency markers, and realtime pub/sub. The queue and markers share
// one client; pub/sub gets its own because a subscribed connection cannot
// run other commands.
package redis

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Clients struct {
	// Main handles queue state, idempotency markers, and PUBLISH.
	Main *goredis.Client
	// Sub is dedicated to SUBSCRIBE for the SSE fan-out.
	Sub *goredis.Client

	logger *zap.Logger
}

func New(ctx context.Context, redisURL string, logger *zap.Logger) (*Clients, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	main := goredis.NewClient(opts)
	if err := main.Ping(ctx).Err(); err != nil {
		_ = main.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	sub := goredis.NewClient(opts)
	if err := sub.Ping(ctx).Err(); err != nil {
		_ = main.Close()
		_ = sub.Close()
		return nil, fmt.Errorf("ping redis subscriber: %w", err)
	}

	logger.Info("redis connections established", zap.String("addr", opts.Addr))
	return &Clients{Main: main, Sub: sub, logger: logger}, nil
}

func (c *Clients) Close() {
	c.logger.Info("closing redis connections")
	_ = c.Main.Close()
	_ = c.Sub.Close()
}
