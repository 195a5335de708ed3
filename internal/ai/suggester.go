// Package ai produces reply suggestions for agents by sending a
// conversation transcript to an external completion service. The hub never
// sends a suggestion to a contact on its own; the agent always reviews.
package ai

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// TranscriptMessage is one turn of the conversation, oldest first.
// Role is "contact" or "agent".
type TranscriptMessage struct {
	Role string `json:"role"`
	Body string `json:"body"`
}

// SuggestRequest carries the context the model sees. Transcripts are
// truncated by the caller; the service is not a history store.
type SuggestRequest struct {
	ContactName string              `json:"contactName"`
	Messages    []TranscriptMessage `json:"messages"`
}

// Suggester drafts a reply for the agent to review.
type Suggester interface {
	SuggestReply(ctx context.Context, req SuggestRequest) (string, error)
}

type suggestResponse struct {
	Suggestion string `json:"suggestion"`
}

// HTTPSuggester calls the configured completion endpoint. The endpoint's
// latency is user-facing (an agent is waiting), hence the short timeout.
type HTTPSuggester struct {
	client *resty.Client
}

func NewHTTPSuggester(baseURL, apiKey string) *HTTPSuggester {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(20*time.Second).
		SetAuthToken(apiKey).
		SetHeader("Content-Type", "application/json")
	return &HTTPSuggester{client: client}
}

func (s *HTTPSuggester) SuggestReply(ctx context.Context, req SuggestRequest) (string, error) {
	var out suggestResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post("/v1/suggest")
	if err != nil {
		return "", fmt.Errorf("suggest reply: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("suggest reply: service returned %d", resp.StatusCode())
	}
	if out.Suggestion == "" {
		return "", fmt.Errorf("suggest reply: empty suggestion")
	}
	return out.Suggestion, nil
}
