package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Tenant is the top-level isolation boundary (one customer organization).
// Every account, thread, and message belongs to exactly one tenant.
// Tenants are provisioned out-of-band; their identity is immutable here.
type Tenant struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Role drives the permission matrix in internal/permissions.
type Role string

const (
	RoleSuperAdmin  Role = "super_admin"
	RoleTenantAdmin Role = "tenant_admin"
	RoleManager     Role = "manager"
	RoleAgent       Role = "agent"
)

// TenantMember is a person acting inside a tenant (an agent, a manager).
// The dashboard issues JWTs carrying the member id and role; this row is
// what AssignedTo on a Thread points at.
type TenantMember struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// ConnectionStatus of a WhatsApp account's underlying provider session.
type ConnectionStatus string

const (
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionDisconnected ConnectionStatus = "disconnected"
	ConnectionConnecting   ConnectionStatus = "connecting"
)

// WhatsAppAccount is one connected channel (one phone number on one
// provider instance) owned by exactly one tenant and one member.
//
// InstanceID is the provider-side identifier (Evolution instance id or
// Cloud API phone_number_id). It is unique across the whole system; it is
// the only key a webhook carries, so it is what the tenant resolver joins
// on. Accounts are never hard-deleted while threads reference them; they
// are soft-disabled instead.
type WhatsAppAccount struct {
	ID            uuid.UUID        `json:"id"`
	TenantID      uuid.UUID        `json:"tenant_id"`
	OwnerMemberID uuid.UUID        `json:"owner_member_id"`
	Provider      string           `json:"provider"`
	InstanceID    string           `json:"instance_id"`
	PhoneNumber   string           `json:"phone_number"`
	Status        ConnectionStatus `json:"status"`
	Disabled      bool             `json:"disabled"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// ThreadStatus is the lifecycle of a conversation in the inbox.
type ThreadStatus string

const (
	ThreadOpen   ThreadStatus = "open"
	ThreadClosed ThreadStatus = "closed"
)

// Thread is one conversation between an account and one remote contact.
//
// (TenantID, AccountID, RemoteJid) is unique: at most one thread per
// contact per account, enforced by the database so two workers racing on
// the first message for a contact cannot create two rows.
//
// LastMessageContent/LastMessageAt/UnreadCount are denormalized for inbox
// list sorting. They are updated after the message row is durably written,
// so a crash between the two writes leaves an under-counted thread that
// self-heals on the next message, never a corrupt one.
type Thread struct {
	ID                 uuid.UUID    `json:"id"`
	TenantID           uuid.UUID    `json:"tenant_id"`
	AccountID          uuid.UUID    `json:"account_id"`
	RemoteJid          string       `json:"remote_jid"`
	ContactName        string       `json:"contact_name"`
	ContactPhone       string       `json:"contact_phone"`
	IsGroup            bool         `json:"is_group"`
	AssignedTo         *uuid.UUID   `json:"assigned_to,omitempty"`
	LastMessageContent string       `json:"last_message_content"`
	LastMessageAt      *time.Time   `json:"last_message_at,omitempty"`
	UnreadCount        int          `json:"unread_count"`
	Status             ThreadStatus `json:"status"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// ContentType classifies the payload of a message.
type ContentType string

const (
	ContentText     ContentType = "text"
	ContentImage    ContentType = "image"
	ContentAudio    ContentType = "audio"
	ContentVideo    ContentType = "video"
	ContentDocument ContentType = "document"
	ContentSticker  ContentType = "sticker"
	ContentLocation ContentType = "location"
	ContentContact  ContentType = "contact"
)

// MessageStatus follows pending → sent → delivered → read, with error
// reachable from anywhere. Providers do not deliver status events in
// order, so transitions are last-write-wins by policy.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusError     MessageStatus = "error"
)

// Message is one inbound or outbound message instance.
//
// MessageID is the provider's id, only unique within a provider instance.
// (ThreadID, MessageID) is the idempotency key: a redelivery of the same
// provider id into the same thread updates status and updated_at, never
// inserts a second row.
//
// Timestamp is provider-supplied and authoritative, not arrival time.
// ContextInfo retains the raw provider payload for audit and debugging.
type Message struct {
	ID          uuid.UUID       `json:"id"`
	TenantID    uuid.UUID       `json:"tenant_id"`
	ThreadID    uuid.UUID       `json:"thread_id"`
	MessageID   string          `json:"message_id"`
	RemoteJid   string          `json:"remote_jid"`
	FromJid     string          `json:"from_jid"`
	ToJid       string          `json:"to_jid"`
	IsFromMe    bool            `json:"is_from_me"`
	ContentType ContentType     `json:"content_type"`
	Body        string          `json:"body"`
	Timestamp   time.Time       `json:"timestamp"`
	Status      MessageStatus   `json:"status"`
	HasMedia    bool            `json:"has_media"`
	MediaType   string          `json:"media_type,omitempty"`
	ContextInfo json.RawMessage `json:"context_info,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// WebhookEventRaw is the append-only audit trail of every accepted webhook,
// written once per correlation id before any processing. Processed flips
// true when the job completes; nothing else ever mutates the row. This is
// the durability record an operator replays from when a tenant mapping was
// missing at delivery time.
type WebhookEventRaw struct {
	ID            uuid.UUID       `json:"id"`
	TenantID      *uuid.UUID      `json:"tenant_id,omitempty"`
	CorrelationID string          `json:"correlation_id"`
	Provider      string          `json:"provider"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Processed     bool            `json:"processed"`
	CreatedAt     time.Time       `json:"created_at"`
}
