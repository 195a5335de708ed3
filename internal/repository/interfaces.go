package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/relayworks/wahub/internal/models"
)

// Every method takes a context: these are all network calls, and the worker
// pool relies on cancellation to stop in-flight queries on shutdown.
//
// Tenant scoping appears in every read signature. The store never trusts
// callers to pre-filter; even a guessed UUID from another tenant matches
// zero rows.
//
// Reads return nil, nil for not-found; translating that into 404 (or a
// drop decision) belongs to the caller.

// AccountRepository is the lookup surface for connected WhatsApp channels.
// GetByInstanceID is the webhook hot path: every inbound event resolves its
// tenant through it, so the query must stay a single indexed lookup (the
// resolver adds a short-TTL cache on top).
type AccountRepository interface {
	GetByInstanceID(ctx context.Context, instanceID string) (*models.WhatsAppAccount, error)

	GetByID(ctx context.Context, accountID uuid.UUID) (*models.WhatsAppAccount, error)

	// UpdateStatus records connect/disconnect signals from webhooks.
	UpdateStatus(ctx context.Context, accountID uuid.UUID, status models.ConnectionStatus) error

	// SetDisabled soft-disables an account. Accounts referenced by threads
	// are never physically deleted.
	SetDisabled(ctx context.Context, accountID uuid.UUID, disabled bool) error
}

// ThreadParams carries everything needed to lazily create a thread on the
// first message from a never-seen contact.
type ThreadParams struct {
	TenantID     uuid.UUID
	AccountID    uuid.UUID
	RemoteJid    string
	ContactName  string
	ContactPhone string
	IsGroup      bool
}

// ThreadRepository upholds the one-thread-per-contact-per-account invariant.
type ThreadRepository interface {
	// FindOrCreate returns the thread for (tenant, account, remoteJid),
	// creating it if absent. The operation is a single atomic upsert:
	// two workers racing on the same never-seen contact both get the same
	// row back, never two rows. An exists-check followed by an insert
	// would race; implementations must not do that.
	FindOrCreate(ctx context.Context, params ThreadParams) (*models.Thread, error)

	GetByID(ctx context.Context, tenantID, threadID uuid.UUID) (*models.Thread, error)

	// RecordMessage updates the denormalized inbox fields after a message
	// row is durably written. incrementUnread is false for self-sent
	// messages, which instead clear the counter (the agent has seen the
	// conversation to reply in it).
	RecordMessage(ctx context.Context, threadID uuid.UUID, lastContent string, lastAt time.Time, incrementUnread bool) error

	// ListByAccount pages threads for the inbox, newest activity first.
	// assignedTo, when non-nil, restricts to that member's threads (the
	// agent-role view).
	ListByAccount(ctx context.Context, tenantID, accountID uuid.UUID, assignedTo *uuid.UUID, limit, offset int) ([]models.Thread, error)

	Assign(ctx context.Context, tenantID, threadID, memberID uuid.UUID) error
}

// MessageRepository upholds the (threadId, messageId) uniqueness invariant.
type MessageRepository interface {
	// Upsert inserts the message on first sight with full fields; a
	// conflicting (thread_id, message_id) updates only status and
	// updated_at. Returns whether a new row was inserted so the caller can
	// count duplicates without treating them as errors.
	Upsert(ctx context.Context, msg *models.Message) (inserted bool, err error)

	// UpdateStatus applies a provider status event by provider message id.
	// Returns false when no row matched, meaning a status arrived before its
	// insert; the worker turns that into a bounded retry.
	UpdateStatus(ctx context.Context, tenantID uuid.UUID, messageID string, status models.MessageStatus) (updated bool, err error)

	ListByThread(ctx context.Context, tenantID, threadID uuid.UUID, limit, offset int) ([]models.Message, error)
}

// WebhookEventRepository is the append-only audit trail.
type WebhookEventRepository interface {
	// Insert is write-once per correlation id: a redelivered job finds the
	// row already there and the insert is a no-op.
	Insert(ctx context.Context, event *models.WebhookEventRaw) error

	// MarkProcessed flips the processed flag after the job completes. The
	// only mutation the row ever sees.
	MarkProcessed(ctx context.Context, correlationID string) error
}
