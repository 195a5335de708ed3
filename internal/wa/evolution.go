package wa

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/relayworks/wahub/internal/models"
)

// EvolutionClient talks to the self-hosted Evolution bridge. Instances are
// addressed by the instanceId carried in every request body; one client
// serves every account on the deployment.
type EvolutionClient struct {
	http   *resty.Client
	logger *zap.Logger
}

const providerTimeout = 30 * time.Second

func NewEvolutionClient(baseURL, apiKey string, logger *zap.Logger) *EvolutionClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(providerTimeout).
		SetHeader("Content-Type", "application/json")
	if apiKey != "" {
		client.SetHeader("apikey", apiKey)
	}

	return &EvolutionClient{http: client, logger: logger}
}

func (c *EvolutionClient) Name() string { return ProviderEvolution }

func (c *EvolutionClient) fail(resp *resty.Response) error {
	return &ProviderError{
		Provider:   ProviderEvolution,
		StatusCode: resp.StatusCode(),
		Message:    resp.String(),
	}
}

type evolutionSendResponse struct {
	Key *struct {
		ID string `json:"id"`
	} `json:"key"`
	MessageID string `json:"messageId"`
}

func (c *EvolutionClient) SendMessage(ctx context.Context, params SendMessageParams) (*MessageResult, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	body := map[string]any{
		"instanceId": params.InstanceID,
		"remoteJid":  params.RemoteJid,
		"message":    params.Message,
	}
	if params.QuotedMessageID != "" {
		body["quoted"] = map[string]string{"messageId": params.QuotedMessageID}
	}

	var result evolutionSendResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post("/message/sendText")
	if err != nil {
		return nil, fmt.Errorf("evolution send message: %w", err)
	}
	if resp.IsError() {
		c.logger.Warn("evolution send failed",
			zap.String("instance_id", params.InstanceID),
			zap.Int("status", resp.StatusCode()),
		)
		return nil, c.fail(resp)
	}

	messageID := result.MessageID
	if result.Key != nil && result.Key.ID != "" {
		messageID = result.Key.ID
	}
	return &MessageResult{
		MessageID: messageID,
		Status:    models.StatusPending,
		Timestamp: time.Now().UTC(),
	}, nil
}

func (c *EvolutionClient) SendTyping(ctx context.Context, params SendTypingParams) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"instanceId": params.InstanceID,
			"remoteJid":  params.RemoteJid,
			"presence":   "composing",
		}).
		Post("/message/sendPresence")
	if err != nil {
		return fmt.Errorf("evolution send typing: %w", err)
	}
	if resp.IsError() {
		return c.fail(resp)
	}
	return nil
}

func (c *EvolutionClient) SyncHistory(ctx context.Context, params SyncHistoryParams) ([]HistoryMessage, error) {
	params.Normalize()

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"instanceId": params.InstanceID,
			"remoteJid":  params.RemoteJid,
			"limit":      params.Limit,
		}).
		Post("/message/fetchHistory")
	if err != nil {
		return nil, fmt.Errorf("evolution sync history: %w", err)
	}
	if resp.IsError() {
		return nil, c.fail(resp)
	}

	// The bridge returns either a bare array or {messages: [...]}.
	raw := resp.Body()
	var envelopes []evolutionEnvelope
	if err := json.Unmarshal(raw, &envelopes); err != nil {
		var wrapped struct {
			Messages []evolutionEnvelope `json:"messages"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, fmt.Errorf("evolution history decode: %w", err)
		}
		envelopes = wrapped.Messages
	}

	history := make([]HistoryMessage, 0, len(envelopes))
	for _, env := range envelopes {
		if env.Key == nil {
			continue
		}
		content := DecodeBaileysContent(env.Message)
		fromJid, toJid := env.Key.RemoteJid, params.InstanceID
		if env.Key.FromMe {
			fromJid, toJid = params.InstanceID, env.Key.RemoteJid
		}
		history = append(history, HistoryMessage{
			MessageID: env.Key.ID,
			RemoteJid: env.Key.RemoteJid,
			FromJid:   fromJid,
			ToJid:     toJid,
			Body:      content.Body,
			Timestamp: time.Unix(env.MessageTimestamp, 0).UTC(),
			IsFromMe:  env.Key.FromMe,
			HasMedia:  content.HasMedia(),
			MediaType: content.MediaType(),
		})
	}
	return history, nil
}

type evolutionChat struct {
	ID                   string          `json:"id"`
	Name                 string          `json:"name"`
	PushName             string          `json:"pushName"`
	IsGroup              bool            `json:"isGroup"`
	UnreadCount          int             `json:"unreadCount"`
	LastMessage          json.RawMessage `json:"lastMessage"`
	LastMessageTimestamp int64           `json:"lastMessageTimestamp"`
}

func (c *EvolutionClient) GetConversations(ctx context.Context, params GetConversationsParams) ([]Conversation, error) {
	params.Normalize()

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"instanceId": params.InstanceID,
			"limit":      params.Limit,
		}).
		Post("/chat/list")
	if err != nil {
		return nil, fmt.Errorf("evolution get conversations: %w", err)
	}
	if resp.IsError() {
		return nil, c.fail(resp)
	}

	raw := resp.Body()
	var chats []evolutionChat
	if err := json.Unmarshal(raw, &chats); err != nil {
		var wrapped struct {
			Chats []evolutionChat `json:"chats"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, fmt.Errorf("evolution chats decode: %w", err)
		}
		chats = wrapped.Chats
	}

	conversations := make([]Conversation, 0, len(chats))
	for _, chat := range chats {
		name := chat.Name
		if name == "" {
			name = chat.PushName
		}
		if name == "" {
			name = chat.ID
		}
		conv := Conversation{
			RemoteJid:          chat.ID,
			Name:               name,
			IsGroup:            chat.IsGroup,
			UnreadCount:        chat.UnreadCount,
			LastMessageContent: DecodeBaileysContent(chat.LastMessage).Body,
		}
		if chat.LastMessageTimestamp > 0 {
			at := time.Unix(chat.LastMessageTimestamp, 0).UTC()
			conv.LastMessageAt = &at
		}
		conversations = append(conversations, conv)
	}
	return conversations, nil
}

func (c *EvolutionClient) CheckHealth(ctx context.Context, instanceID string) (*Health, error) {
	var result struct {
		State       string `json:"state"`
		PhoneNumber string `json:"phoneNumber"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/instance/connectionState/" + instanceID)
	if err != nil {
		return nil, fmt.Errorf("evolution check health: %w", err)
	}
	if resp.IsError() {
		return nil, c.fail(resp)
	}

	return &Health{
		Connected:   result.State == "open",
		PhoneNumber: result.PhoneNumber,
	}, nil
}

func (c *EvolutionClient) Disconnect(ctx context.Context, instanceID string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"instanceId": instanceID}).
		Post("/instance/logout")
	if err != nil {
		return fmt.Errorf("evolution disconnect: %w", err)
	}
	if resp.IsError() {
		return c.fail(resp)
	}
	return nil
}
