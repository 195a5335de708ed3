package wa

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/relayworks/wahub/internal/models"
)

// CloudAPIClient talks to Meta's Graph API. The instanceId for Cloud API
// accounts is the phone_number_id, which is also the path segment the
// Graph API routes on.
//
// The Cloud API offers no chat-list or history retrieval; SyncHistory and
// GetConversations surface ErrUnsupported rather than pretending.
type CloudAPIClient struct {
	http   *resty.Client
	logger *zap.Logger
}

func NewCloudAPIClient(baseURL, accessToken string, logger *zap.Logger) *CloudAPIClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(providerTimeout).
		SetHeader("Content-Type", "application/json").
		SetAuthToken(accessToken)

	return &CloudAPIClient{http: client, logger: logger}
}

func (c *CloudAPIClient) Name() string { return ProviderCloudAPI }

func (c *CloudAPIClient) fail(resp *resty.Response) error {
	return &ProviderError{
		Provider:   ProviderCloudAPI,
		StatusCode: resp.StatusCode(),
		Message:    resp.String(),
	}
}

type cloudSendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

func (c *CloudAPIClient) SendMessage(ctx context.Context, params SendMessageParams) (*MessageResult, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	body := map[string]any{
		"messaging_product": "whatsapp",
		"to":                params.RemoteJid,
		"type":              "text",
		"text":              map[string]string{"body": params.Message},
	}
	if params.QuotedMessageID != "" {
		body["context"] = map[string]string{"message_id": params.QuotedMessageID}
	}

	var result cloudSendResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post("/" + params.InstanceID + "/messages")
	if err != nil {
		return nil, fmt.Errorf("cloud api send message: %w", err)
	}
	if resp.IsError() {
		c.logger.Warn("cloud api send failed",
			zap.String("phone_number_id", params.InstanceID),
			zap.Int("status", resp.StatusCode()),
		)
		return nil, c.fail(resp)
	}

	messageID := ""
	if len(result.Messages) > 0 {
		messageID = result.Messages[0].ID
	}
	return &MessageResult{
		MessageID: messageID,
		Status:    models.StatusPending,
		Timestamp: time.Now().UTC(),
	}, nil
}

// SendTyping marks the conversation as seen, the closest signal the Graph
// API offers to a typing indicator.
func (c *CloudAPIClient) SendTyping(ctx context.Context, params SendTypingParams) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"messaging_product": "whatsapp",
			"status":            "read",
			"typing_indicator":  map[string]string{"type": "text"},
			"to":                params.RemoteJid,
		}).
		Post("/" + params.InstanceID + "/messages")
	if err != nil {
		return fmt.Errorf("cloud api send typing: %w", err)
	}
	if resp.IsError() {
		return c.fail(resp)
	}
	return nil
}

func (c *CloudAPIClient) SyncHistory(ctx context.Context, params SyncHistoryParams) ([]HistoryMessage, error) {
	return nil, fmt.Errorf("sync history: %w", ErrUnsupported)
}

func (c *CloudAPIClient) GetConversations(ctx context.Context, params GetConversationsParams) ([]Conversation, error) {
	return nil, fmt.Errorf("get conversations: %w", ErrUnsupported)
}

func (c *CloudAPIClient) CheckHealth(ctx context.Context, instanceID string) (*Health, error) {
	var result struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		Status             string `json:"status"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		SetQueryParam("fields", "display_phone_number,status").
		Get("/" + instanceID)
	if err != nil {
		return nil, fmt.Errorf("cloud api check health: %w", err)
	}
	if resp.IsError() {
		return nil, c.fail(resp)
	}

	return &Health{
		Connected:   result.Status == "CONNECTED",
		PhoneNumber: result.DisplayPhoneNumber,
	}, nil
}

func (c *CloudAPIClient) Disconnect(ctx context.Context, instanceID string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		Post("/" + instanceID + "/deregister")
	if err != nil {
		return fmt.Errorf("cloud api disconnect: %w", err)
	}
	if resp.IsError() {
		return c.fail(resp)
	}
	return nil
}
