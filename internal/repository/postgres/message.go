package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relayworks/wahub/internal/models"
)

type MessageStore struct {
	pool *pgxpool.Pool
}

func NewMessageStore(pool *pgxpool.Pool) *MessageStore {
	return &MessageStore{pool: pool}
}

// Upsert inserts on first sight of (thread_id, message_id); a redelivery of
// the same provider message id updates only status and updated_at. The
// uniqueness lives in the database, not here; concurrent workers replaying
// the same webhook cannot produce a second row no matter how they
// interleave.
//
// xmax = 0 distinguishes a fresh insert from a conflict-update: Postgres
// leaves xmax zero on a newly inserted tuple and sets it on the updated
// one. That lets callers count duplicate deliveries without a second query.
func (s *MessageStore) Upsert(ctx context.Context, msg *models.Message) (bool, error) {
	query := `
		INSERT INTO messages (
			id, tenant_id, thread_id, message_id, remote_jid, from_jid,
			to_jid, is_from_me, content_type, body, timestamp, status,
			has_media, media_type, context_info, created_at, updated_at
		)
		VALUES (
			uuid_generate_v4(), $1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11,
			$12, $13, $14, now(), now()
		)
		ON CONFLICT (thread_id, message_id) DO UPDATE
			SET status = EXCLUDED.status,
				updated_at = now()
		RETURNING id, (xmax = 0) AS inserted`

	var inserted bool
	err := s.pool.QueryRow(ctx, query,
		msg.TenantID,
		msg.ThreadID,
		msg.MessageID,
		msg.RemoteJid,
		msg.FromJid,
		msg.ToJid,
		msg.IsFromMe,
		msg.ContentType,
		msg.Body,
		msg.Timestamp,
		msg.Status,
		msg.HasMedia,
		msg.MediaType,
		msg.ContextInfo,
	).Scan(&msg.ID, &inserted)
	if err != nil {
		return false, fmt.Errorf("upsert message: %w", err)
	}
	return inserted, nil
}

// UpdateStatus applies a status event by provider message id. Status
// transitions are last-write-wins: providers do not order status events, so
// a read arriving after an error is applied as-is rather than rejected.
// Zero matched rows means the status beat its own message insert; the
// caller decides whether to retry.
func (s *MessageStore) UpdateStatus(ctx context.Context, tenantID uuid.UUID, messageID string, status models.MessageStatus) (bool, error) {
	query := `
		UPDATE messages
		SET status = $3, updated_at = now()
		WHERE tenant_id = $1 AND message_id = $2`

	tag, err := s.pool.Exec(ctx, query, tenantID, messageID, status)
	if err != nil {
		return false, fmt.Errorf("update message status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *MessageStore) ListByThread(ctx context.Context, tenantID, threadID uuid.UUID, limit, offset int) ([]models.Message, error) {
	query := `
		SELECT id, tenant_id, thread_id, message_id, remote_jid, from_jid,
			to_jid, is_from_me, content_type, body, timestamp, status,
			has_media, media_type, context_info, created_at, updated_at
		FROM messages
		WHERE tenant_id = $1 AND thread_id = $2
		ORDER BY timestamp DESC
		LIMIT $3 OFFSET $4`

	rows, err := s.pool.Query(ctx, query, tenantID, threadID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(
			&m.ID,
			&m.TenantID,
			&m.ThreadID,
			&m.MessageID,
			&m.RemoteJid,
			&m.FromJid,
			&m.ToJid,
			&m.IsFromMe,
			&m.ContentType,
			&m.Body,
			&m.Timestamp,
			&m.Status,
			&m.HasMedia,
			&m.MediaType,
			&m.ContextInfo,
			&m.CreatedAt,
			&m.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	return messages, nil
}
