// Package wa holds the provider abstraction: the normalized message
// content model, the decoders that translate each provider's wire format
// into it, and the outbound clients. Ingestion (webhook worker) and the
// outbound gateway share these decoders so body/content-type extraction
// exists exactly once.
package wa

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/relayworks/wahub/internal/models"
)

// MessageContent is the tagged result of inspecting a provider's
// polymorphic message union (conversation / extendedTextMessage /
// imageMessage / ...). Downstream logic switches over Kind instead of
// re-inspecting raw provider fields.
type MessageContent struct {
	Kind models.ContentType
	// Body is the canonical text: the plain/extended text body, or the
	// caption of an image/video. Empty when the content carries no text.
	Body string
}

func (c MessageContent) HasMedia() bool {
	switch c.Kind {
	case models.ContentImage, models.ContentAudio, models.ContentVideo,
		models.ContentDocument, models.ContentSticker:
		return true
	}
	return false
}

// MediaType returns the media tag for storage, empty for non-media content.
func (c MessageContent) MediaType() string {
	if !c.HasMedia() {
		return ""
	}
	return string(c.Kind)
}

// InboundMessage is the provider-neutral envelope the worker ingests.
type InboundMessage struct {
	MessageID string
	RemoteJid string
	PushName  string
	IsFromMe  bool
	Timestamp time.Time
	Status    models.MessageStatus
	Content   MessageContent
	// Raw retains the provider's message payload for the audit column.
	Raw json.RawMessage
}

// StatusUpdate is a provider status event for an already-sent message.
type StatusUpdate struct {
	MessageID string
	Status    models.MessageStatus
}

// baileysMessage is the Evolution/Baileys message union. Every field is
// optional; which one is set decides the content kind.
type baileysMessage struct {
	Conversation        string `json:"conversation"`
	ExtendedTextMessage *struct {
		Text string `json:"text"`
	} `json:"extendedTextMessage"`
	ImageMessage *struct {
		Caption string `json:"caption"`
	} `json:"imageMessage"`
	VideoMessage *struct {
		Caption string `json:"caption"`
	} `json:"videoMessage"`
	AudioMessage    json.RawMessage `json:"audioMessage"`
	DocumentMessage json.RawMessage `json:"documentMessage"`
	StickerMessage  json.RawMessage `json:"stickerMessage"`
	LocationMessage json.RawMessage `json:"locationMessage"`
	ContactMessage  json.RawMessage `json:"contactMessage"`
}

// DecodeBaileysContent turns the raw message union into the tagged variant.
// Body extraction is first-match-wins: conversation, extended text, image
// caption, video caption, then empty.
func DecodeBaileysContent(raw json.RawMessage) MessageContent {
	var m baileysMessage
	if len(raw) == 0 || json.Unmarshal(raw, &m) != nil {
		return MessageContent{Kind: models.ContentText}
	}

	content := MessageContent{Kind: models.ContentText}
	switch {
	case m.ImageMessage != nil:
		content.Kind = models.ContentImage
	case m.AudioMessage != nil:
		content.Kind = models.ContentAudio
	case m.VideoMessage != nil:
		content.Kind = models.ContentVideo
	case m.DocumentMessage != nil:
		content.Kind = models.ContentDocument
	case m.StickerMessage != nil:
		content.Kind = models.ContentSticker
	case m.LocationMessage != nil:
		content.Kind = models.ContentLocation
	case m.ContactMessage != nil:
		content.Kind = models.ContentContact
	}

	switch {
	case m.Conversation != "":
		content.Body = m.Conversation
	case m.ExtendedTextMessage != nil && m.ExtendedTextMessage.Text != "":
		content.Body = m.ExtendedTextMessage.Text
	case m.ImageMessage != nil && m.ImageMessage.Caption != "":
		content.Body = m.ImageMessage.Caption
	case m.VideoMessage != nil && m.VideoMessage.Caption != "":
		content.Body = m.VideoMessage.Caption
	}
	return content
}

type evolutionEnvelope struct {
	Key *struct {
		ID        string `json:"id"`
		RemoteJid string `json:"remoteJid"`
		FromMe    bool   `json:"fromMe"`
	} `json:"key"`
	PushName         string          `json:"pushName"`
	Message          json.RawMessage `json:"message"`
	MessageTimestamp int64           `json:"messageTimestamp"`
	Status           string          `json:"status"`
}

// DecodeEvolutionMessages parses the data of a MESSAGES_UPSERT event.
// Evolution sends either a single message object or an array of them.
// Envelopes missing the key entirely are skipped here; envelopes missing
// only id or jid are passed through so the worker can count them as
// malformed rather than lose them silently.
func DecodeEvolutionMessages(data json.RawMessage) ([]InboundMessage, error) {
	var envelopes []evolutionEnvelope
	if err := json.Unmarshal(data, &envelopes); err != nil {
		var single evolutionEnvelope
		if err := json.Unmarshal(data, &single); err != nil {
			return nil, err
		}
		envelopes = []evolutionEnvelope{single}
	}

	messages := make([]InboundMessage, 0, len(envelopes))
	for _, env := range envelopes {
		if env.Key == nil {
			continue
		}
		ts := env.MessageTimestamp
		if ts == 0 {
			ts = time.Now().Unix()
		}
		messages = append(messages, InboundMessage{
			MessageID: env.Key.ID,
			RemoteJid: env.Key.RemoteJid,
			PushName:  env.PushName,
			IsFromMe:  env.Key.FromMe,
			Timestamp: time.Unix(ts, 0).UTC(),
			Status:    NormalizeStatus(env.Status),
			Content:   DecodeBaileysContent(env.Message),
			Raw:       env.Message,
		})
	}
	return messages, nil
}

type evolutionUpdate struct {
	Key *struct {
		ID string `json:"id"`
	} `json:"key"`
	Update *struct {
		Status string `json:"status"`
	} `json:"update"`
}

// DecodeEvolutionStatusUpdates parses the data of a MESSAGES_UPDATE event.
func DecodeEvolutionStatusUpdates(data json.RawMessage) ([]StatusUpdate, error) {
	var items []evolutionUpdate
	if err := json.Unmarshal(data, &items); err != nil {
		var single evolutionUpdate
		if err := json.Unmarshal(data, &single); err != nil {
			return nil, err
		}
		items = []evolutionUpdate{single}
	}

	updates := make([]StatusUpdate, 0, len(items))
	for _, item := range items {
		if item.Key == nil || item.Key.ID == "" || item.Update == nil {
			continue
		}
		updates = append(updates, StatusUpdate{
			MessageID: item.Key.ID,
			Status:    NormalizeStatus(item.Update.Status),
		})
	}
	return updates, nil
}

// cloudMessage is one entry of the Cloud API "messages" array. The union
// member matching Type carries the content.
type cloudMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image *struct {
		Caption string `json:"caption"`
	} `json:"image"`
	Video *struct {
		Caption string `json:"caption"`
	} `json:"video"`
}

// DecodeCloudAPIMessages parses the "messages" array from a Cloud API
// change value. The provider timestamp is unix seconds as a string and is
// authoritative and never replaced by arrival time when present.
func DecodeCloudAPIMessages(data json.RawMessage) ([]InboundMessage, error) {
	var items []cloudMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, err
	}

	messages := make([]InboundMessage, 0, len(items))
	for _, item := range items {
		ts := time.Now().UTC()
		if secs, err := strconv.ParseInt(item.Timestamp, 10, 64); err == nil {
			ts = time.Unix(secs, 0).UTC()
		}

		content := MessageContent{Kind: models.ContentText}
		switch item.Type {
		case "image":
			content.Kind = models.ContentImage
			if item.Image != nil {
				content.Body = item.Image.Caption
			}
		case "video":
			content.Kind = models.ContentVideo
			if item.Video != nil {
				content.Body = item.Video.Caption
			}
		case "audio":
			content.Kind = models.ContentAudio
		case "document":
			content.Kind = models.ContentDocument
		case "sticker":
			content.Kind = models.ContentSticker
		case "location":
			content.Kind = models.ContentLocation
		case "contacts":
			content.Kind = models.ContentContact
		default:
			if item.Text != nil {
				content.Body = item.Text.Body
			}
		}

		raw, _ := json.Marshal(item)
		messages = append(messages, InboundMessage{
			MessageID: item.ID,
			RemoteJid: item.From,
			IsFromMe:  false,
			Timestamp: ts,
			Status:    models.StatusPending,
			Content:   content,
			Raw:       raw,
		})
	}
	return messages, nil
}

type cloudStatus struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// DecodeCloudAPIStatuses parses the "statuses" array from a change value.
func DecodeCloudAPIStatuses(data json.RawMessage) ([]StatusUpdate, error) {
	var items []cloudStatus
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, err
	}

	updates := make([]StatusUpdate, 0, len(items))
	for _, item := range items {
		if item.ID == "" {
			continue
		}
		updates = append(updates, StatusUpdate{
			MessageID: item.ID,
			Status:    NormalizeStatus(item.Status),
		})
	}
	return updates, nil
}

// NormalizeStatus maps provider status strings onto the message state
// machine, defaulting to pending for anything unrecognized. "failed" is
// Cloud API's spelling of error.
func NormalizeStatus(status string) models.MessageStatus {
	switch strings.ToLower(status) {
	case "pending":
		return models.StatusPending
	case "sent":
		return models.StatusSent
	case "delivered":
		return models.StatusDelivered
	case "read":
		return models.StatusRead
	case "error", "failed":
		return models.StatusError
	}
	return models.StatusPending
}
