package wa

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/relayworks/wahub/internal/models"
)

// Provider names as stored on whatsapp_accounts.provider.
const (
	ProviderEvolution = "evolution"
	ProviderCloudAPI  = "cloud_api"
)

// ErrUnsupported marks operations a provider's API simply does not offer
// (the Cloud API has no chat-list or history endpoints). Callers translate
// it to a client error instead of retrying.
var ErrUnsupported = errors.New("operation not supported by provider")

// ProviderError is the typed failure every outbound call surfaces instead
// of hanging or leaking wire-format errors. The gateway never retries on
// its own: whether a failure is worth retrying is the caller's policy (an
// interactive send should fail fast; the worker already has queue retry).
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s provider error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

type SendMessageParams struct {
	InstanceID      string
	RemoteJid       string
	Message         string
	QuotedMessageID string
}

const maxMessageLength = 4096

func (p SendMessageParams) Validate() error {
	if p.InstanceID == "" || p.RemoteJid == "" {
		return fmt.Errorf("instanceId and remoteJid are required")
	}
	if p.Message == "" {
		return fmt.Errorf("message must not be empty")
	}
	if len(p.Message) > maxMessageLength {
		return fmt.Errorf("message exceeds %d characters", maxMessageLength)
	}
	return nil
}

type SendTypingParams struct {
	InstanceID string
	RemoteJid  string
}

type SyncHistoryParams struct {
	InstanceID string
	RemoteJid  string
	Limit      int
}

func (p *SyncHistoryParams) Normalize() {
	if p.Limit <= 0 {
		p.Limit = 200
	}
	if p.Limit > 500 {
		p.Limit = 500
	}
}

type GetConversationsParams struct {
	InstanceID string
	Limit      int
}

func (p *GetConversationsParams) Normalize() {
	if p.Limit <= 0 {
		p.Limit = 50
	}
	if p.Limit > 100 {
		p.Limit = 100
	}
}

type MessageResult struct {
	MessageID string               `json:"message_id"`
	Status    models.MessageStatus `json:"status"`
	Timestamp time.Time            `json:"timestamp"`
}

type HistoryMessage struct {
	MessageID string    `json:"message_id"`
	RemoteJid string    `json:"remote_jid"`
	FromJid   string    `json:"from_jid"`
	ToJid     string    `json:"to_jid"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
	IsFromMe  bool      `json:"is_from_me"`
	HasMedia  bool      `json:"has_media"`
	MediaType string    `json:"media_type,omitempty"`
}

type Conversation struct {
	RemoteJid          string     `json:"remote_jid"`
	Name               string     `json:"name"`
	IsGroup            bool       `json:"is_group"`
	UnreadCount        int        `json:"unread_count"`
	LastMessageContent string     `json:"last_message_content,omitempty"`
	LastMessageAt      *time.Time `json:"last_message_at,omitempty"`
}

type Health struct {
	Connected   bool   `json:"connected"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

// Provider is the outbound gateway contract. Implementations translate
// to and from their own HTTP API and return these normalized shapes; all
// calls bound their wait time and honor context cancellation.
type Provider interface {
	Name() string

	SendMessage(ctx context.Context, params SendMessageParams) (*MessageResult, error)
	SendTyping(ctx context.Context, params SendTypingParams) error
	SyncHistory(ctx context.Context, params SyncHistoryParams) ([]HistoryMessage, error)
	GetConversations(ctx context.Context, params GetConversationsParams) ([]Conversation, error)
	CheckHealth(ctx context.Context, instanceID string) (*Health, error)
	Disconnect(ctx context.Context, instanceID string) error
}

// Registry resolves the provider for an account by its stored name.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %q", name)
	}
	return p, nil
}
