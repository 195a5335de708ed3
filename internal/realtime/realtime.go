// Package realtime fans newly-stored events out to live dashboard
// sessions over Redis pub/sub. It is a convenience layer, not a source of
// truth: publishes are fire-and-forget broadcasts with no delivery
// guarantee, and a reconnecting dashboard re-fetches from the store
// instead of relying on buffered events.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// AccountInboxChannel names the per-account fan-out channel.
func AccountInboxChannel(accountID uuid.UUID) string {
	return fmt.Sprintf("account:%s:inbox", accountID)
}

// Event is the wire shape pushed to subscribers.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type Publisher struct {
	rdb    *goredis.Client
	logger *zap.Logger
}

func NewPublisher(rdb *goredis.Client, logger *zap.Logger) *Publisher {
	return &Publisher{rdb: rdb, logger: logger}
}

// Publish broadcasts to every subscriber of the channel. Zero subscribers
// is not an error; nobody watching the inbox right now is the common case.
func (p *Publisher) Publish(ctx context.Context, channel string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal realtime event: %w", err)
	}
	if err := p.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish realtime event: %w", err)
	}
	return nil
}

// Subscriber wraps the dedicated pub/sub connection for SSE sessions.
type Subscriber struct {
	rdb    *goredis.Client
	logger *zap.Logger
}

func NewSubscriber(rdb *goredis.Client, logger *zap.Logger) *Subscriber {
	return &Subscriber{rdb: rdb, logger: logger}
}

// Subscribe opens a subscription and returns a channel of raw event JSON
// plus an unsubscribe func. The returned channel closes when the
// subscription ends, whether by unsubscribe, context cancellation, or a
// broken connection; the SSE handler just ranges until closed.
func (s *Subscriber) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	pubsub := s.rdb.Subscribe(ctx, channel)

	// Receive forces the SUBSCRIBE handshake so a bad connection fails
	// here instead of as a silent never-delivering channel.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	out := make(chan string, 16)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			select {
			case out <- msg.Payload:
			case <-ctx.Done():
				return
			default:
				// Slow consumer: drop rather than block the pump. The
				// durable store is the source of truth, not this stream.
				s.logger.Warn("realtime subscriber lagging, dropping event",
					zap.String("channel", channel),
				)
			}
		}
	}()

	unsubscribe := func() {
		_ = pubsub.Close()
	}
	return out, unsubscribe, nil
}
