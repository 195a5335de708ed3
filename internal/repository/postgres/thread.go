package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relayworks/wahub/internal/models"
	"github.com/relayworks/wahub/internal/repository"
)

type ThreadStore struct {
	pool *pgxpool.Pool
}

func NewThreadStore(pool *pgxpool.Pool) *ThreadStore {
	return &ThreadStore{pool: pool}
}

const threadColumns = `id, tenant_id, account_id, remote_jid, contact_name,
	contact_phone, is_group, assigned_to, last_message_content,
	last_message_at, unread_count, status, created_at, updated_at`

func scanThread(row pgx.Row) (*models.Thread, error) {
	var t models.Thread
	err := row.Scan(
		&t.ID,
		&t.TenantID,
		&t.AccountID,
		&t.RemoteJid,
		&t.ContactName,
		&t.ContactPhone,
		&t.IsGroup,
		&t.AssignedTo,
		&t.LastMessageContent,
		&t.LastMessageAt,
		&t.UnreadCount,
		&t.Status,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// FindOrCreate is a single atomic upsert on the (tenant_id, account_id,
// remote_jid) unique key. The no-op DO UPDATE on conflict exists so that
// RETURNING yields the row on both branches; a plain DO NOTHING returns
// nothing for an existing thread, which would force the racy
// check-then-insert this method is here to avoid. Two workers racing on
// the same never-seen contact both land on the same row.
func (s *ThreadStore) FindOrCreate(ctx context.Context, params repository.ThreadParams) (*models.Thread, error) {
	query := `
		INSERT INTO threads (
			id, tenant_id, account_id, remote_jid, contact_name,
			contact_phone, is_group, status, created_at, updated_at
		)
		VALUES (uuid_generate_v4(), $1, $2, $3, $4, $5, $6, 'open', now(), now())
		ON CONFLICT (tenant_id, account_id, remote_jid)
			DO UPDATE SET updated_at = threads.updated_at
		RETURNING ` + threadColumns

	thread, err := scanThread(s.pool.QueryRow(ctx, query,
		params.TenantID,
		params.AccountID,
		params.RemoteJid,
		params.ContactName,
		params.ContactPhone,
		params.IsGroup,
	))
	if err != nil {
		return nil, fmt.Errorf("find or create thread: %w", err)
	}
	return thread, nil
}

func (s *ThreadStore) GetByID(ctx context.Context, tenantID, threadID uuid.UUID) (*models.Thread, error) {
	query := `
		SELECT ` + threadColumns + `
		FROM threads
		WHERE id = $1 AND tenant_id = $2`

	thread, err := scanThread(s.pool.QueryRow(ctx, query, threadID, tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get thread: %w", err)
	}
	return thread, nil
}

// RecordMessage runs after the message row is durably written, never in the
// same transaction: a crash between the two writes leaves an under-counted
// thread that self-heals on the next message. The unread counter increments
// for inbound messages and resets for self-sent ones.
func (s *ThreadStore) RecordMessage(ctx context.Context, threadID uuid.UUID, lastContent string, lastAt time.Time, incrementUnread bool) error {
	query := `
		UPDATE threads
		SET last_message_content = $2,
			last_message_at = $3,
			unread_count = CASE WHEN $4 THEN unread_count + 1 ELSE 0 END,
			updated_at = now()
		WHERE id = $1`

	_, err := s.pool.Exec(ctx, query, threadID, lastContent, lastAt, incrementUnread)
	if err != nil {
		return fmt.Errorf("record thread message: %w", err)
	}
	return nil
}

func (s *ThreadStore) ListByAccount(ctx context.Context, tenantID, accountID uuid.UUID, assignedTo *uuid.UUID, limit, offset int) ([]models.Thread, error) {
	var query string
	var args []any

	if assignedTo != nil {
		query = `
			SELECT ` + threadColumns + `
			FROM threads
			WHERE tenant_id = $1 AND account_id = $2 AND assigned_to = $3
			ORDER BY last_message_at DESC NULLS LAST
			LIMIT $4 OFFSET $5`
		args = []any{tenantID, accountID, *assignedTo, limit, offset}
	} else {
		query = `
			SELECT ` + threadColumns + `
			FROM threads
			WHERE tenant_id = $1 AND account_id = $2
			ORDER BY last_message_at DESC NULLS LAST
			LIMIT $3 OFFSET $4`
		args = []any{tenantID, accountID, limit, offset}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	threads := make([]models.Thread, 0)
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		threads = append(threads, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}

	return threads, nil
}

func (s *ThreadStore) Assign(ctx context.Context, tenantID, threadID, memberID uuid.UUID) error {
	query := `
		UPDATE threads
		SET assigned_to = $3, updated_at = now()
		WHERE id = $1 AND tenant_id = $2`

	_, err := s.pool.Exec(ctx, query, threadID, tenantID, memberID)
	if err != nil {
		return fmt.Errorf("assign thread: %w", err)
	}
	return nil
}
