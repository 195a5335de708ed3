package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relayworks/wahub/internal/models"
)

type WebhookEventStore struct {
	pool *pgxpool.Pool
}

func NewWebhookEventStore(pool *pgxpool.Pool) *WebhookEventStore {
	return &WebhookEventStore{pool: pool}
}

// Insert is write-once per correlation id. A retried job re-running step
// one of processing hits the conflict and moves on; the audit row from the
// first attempt stands.
func (s *WebhookEventStore) Insert(ctx context.Context, event *models.WebhookEventRaw) error {
	query := `
		INSERT INTO webhook_events_raw (
			id, tenant_id, correlation_id, provider, event_type, payload,
			processed, created_at
		)
		VALUES (uuid_generate_v4(), $1, $2, $3, $4, $5, false, now())
		ON CONFLICT (correlation_id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		event.TenantID,
		event.CorrelationID,
		event.Provider,
		event.EventType,
		event.Payload,
	)
	if err != nil {
		return fmt.Errorf("insert webhook event: %w", err)
	}
	return nil
}

func (s *WebhookEventStore) MarkProcessed(ctx context.Context, correlationID string) error {
	query := `
		UPDATE webhook_events_raw
		SET processed = true
		WHERE correlation_id = $1`

	_, err := s.pool.Exec(ctx, query, correlationID)
	if err != nil {
		return fmt.Errorf("mark webhook event processed: %w", err)
	}
	return nil
}
