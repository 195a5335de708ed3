// Package worker drains the event queue and applies webhook events to the
// conversation store. The queue redelivers on failure, and jobs for the
// same conversation can run on different goroutines in any order, so every
// mutation here is idempotent and order-tolerant by construction.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/relayworks/wahub/internal/models"
	"github.com/relayworks/wahub/internal/observ"
	"github.com/relayworks/wahub/internal/queue"
	"github.com/relayworks/wahub/internal/realtime"
	"github.com/relayworks/wahub/internal/repository"
	"github.com/relayworks/wahub/internal/wa"
)

// ErrMessageNotFound reports a status update that arrived before the
// message row it targets. Providers do not order deliveries, so this is a
// transient "not yet" condition: the error propagates to the queue, which
// retries with its normal backoff, and the insert usually lands in the
// meantime. Exhausted retries park the job for inspection.
var ErrMessageNotFound = errors.New("message not found for status update")

// Publisher is what the processor needs from the realtime layer.
type Publisher interface {
	Publish(ctx context.Context, channel string, event realtime.Event) error
}

type Processor struct {
	audit     repository.WebhookEventRepository
	accounts  repository.AccountRepository
	threads   repository.ThreadRepository
	messages  repository.MessageRepository
	marker    Marker
	publisher Publisher
	logger    *zap.Logger
}

func NewProcessor(
	audit repository.WebhookEventRepository,
	accounts repository.AccountRepository,
	threads repository.ThreadRepository,
	messages repository.MessageRepository,
	marker Marker,
	publisher Publisher,
	logger *zap.Logger,
) *Processor {
	return &Processor{
		audit:     audit,
		accounts:  accounts,
		threads:   threads,
		messages:  messages,
		marker:    marker,
		publisher: publisher,
		logger:    logger,
	}
}

// evolutionPayload is the job payload for bridge events: the webhook body
// as received.
type evolutionPayload struct {
	Event      string          `json:"event"`
	InstanceID string          `json:"instanceId"`
	Data       json.RawMessage `json:"data"`
}

// cloudPayload is the job payload for Cloud API events: the extracted
// messages or statuses array plus the change metadata.
type cloudPayload struct {
	Messages json.RawMessage `json:"messages"`
	Statuses json.RawMessage `json:"statuses"`
}

// Process runs one job end to end: write the audit record, dispatch by
// event type, mark the audit record processed. Any returned error
// propagates to the queue's retry mechanism; anything that retrying
// cannot fix (unknown event type, malformed payload, missing attribution)
// is logged and dropped instead of burning attempts.
func (p *Processor) Process(ctx context.Context, job *queue.Job) error {
	logger := observ.WithCorrelation(p.logger, job.ID).With(
		zap.String("provider", job.Provider),
		zap.String("event_type", job.EventType),
	)

	if err := p.audit.Insert(ctx, &models.WebhookEventRaw{
		TenantID:      job.TenantID,
		CorrelationID: job.ID,
		Provider:      job.Provider,
		EventType:     job.EventType,
		Payload:       job.Payload,
	}); err != nil {
		return fmt.Errorf("audit insert: %w", err)
	}

	var err error
	switch job.EventType {
	case wa.EventMessagesUpsert:
		var payload evolutionPayload
		if jsonErr := json.Unmarshal(job.Payload, &payload); jsonErr != nil {
			logger.Warn("malformed evolution payload, dropping", zap.Error(jsonErr))
			break
		}
		msgs, decErr := wa.DecodeEvolutionMessages(payload.Data)
		if decErr != nil {
			logger.Warn("undecodable evolution messages, dropping", zap.Error(decErr))
			break
		}
		err = p.ingestMessages(ctx, logger, job, msgs)

	case wa.EventMessagesReceived:
		var payload cloudPayload
		if jsonErr := json.Unmarshal(job.Payload, &payload); jsonErr != nil {
			logger.Warn("malformed cloud api payload, dropping", zap.Error(jsonErr))
			break
		}
		msgs, decErr := wa.DecodeCloudAPIMessages(payload.Messages)
		if decErr != nil {
			logger.Warn("undecodable cloud api messages, dropping", zap.Error(decErr))
			break
		}
		err = p.ingestMessages(ctx, logger, job, msgs)

	case wa.EventMessagesUpdate:
		var payload evolutionPayload
		if jsonErr := json.Unmarshal(job.Payload, &payload); jsonErr != nil {
			logger.Warn("malformed evolution payload, dropping", zap.Error(jsonErr))
			break
		}
		updates, decErr := wa.DecodeEvolutionStatusUpdates(payload.Data)
		if decErr != nil {
			logger.Warn("undecodable evolution updates, dropping", zap.Error(decErr))
			break
		}
		err = p.applyStatusUpdates(ctx, logger, job, updates)

	case wa.EventMessageStatusUpdate:
		var payload cloudPayload
		if jsonErr := json.Unmarshal(job.Payload, &payload); jsonErr != nil {
			logger.Warn("malformed cloud api payload, dropping", zap.Error(jsonErr))
			break
		}
		updates, decErr := wa.DecodeCloudAPIStatuses(payload.Statuses)
		if decErr != nil {
			logger.Warn("undecodable cloud api statuses, dropping", zap.Error(decErr))
			break
		}
		err = p.applyStatusUpdates(ctx, logger, job, updates)

	case wa.EventConnectionUpdate:
		err = p.applyConnectionUpdate(ctx, logger, job)

	default:
		// Retrying an event type we will never recognize wastes the
		// retry budget. Log and drop; the audit row keeps the payload.
		logger.Info("unrecognized event type, dropping")
	}
	if err != nil {
		return err
	}

	if err := p.audit.MarkProcessed(ctx, job.ID); err != nil {
		return fmt.Errorf("audit mark processed: %w", err)
	}
	return nil
}

// ingestMessages applies one inbound message envelope each, in a fixed order:
// idempotency check, find-or-create thread, message upsert, thread
// denormalized fields, idempotency marker, realtime publish. The publish
// comes strictly after persistence; a failed write must never produce a
// phantom realtime event.
func (p *Processor) ingestMessages(ctx context.Context, logger *zap.Logger, job *queue.Job, msgs []wa.InboundMessage) error {
	if job.TenantID == nil || job.AccountID == nil {
		// Attribution is resolved at admission; a job without it cannot be
		// fixed by retrying (see the account-attribution decision in
		// DESIGN.md). Drop with a warning, keep the audit row.
		logger.Warn("job missing tenant or account attribution, dropping")
		return nil
	}
	tenantID, accountID := *job.TenantID, *job.AccountID

	for _, msg := range msgs {
		if msg.MessageID == "" || msg.RemoteJid == "" {
			logger.Warn("message missing id or remoteJid, skipping")
			continue
		}

		processed, err := p.marker.IsProcessed(ctx, msg.MessageID)
		if err != nil {
			return err
		}
		if processed {
			// A provider-side redelivery. Not an error; count and move on.
			logger.Debug("duplicate message delivery skipped",
				zap.String("message_id", msg.MessageID),
			)
			continue
		}

		contactName := msg.PushName
		if contactName == "" {
			contactName = msg.RemoteJid
		}
		thread, err := p.threads.FindOrCreate(ctx, repository.ThreadParams{
			TenantID:     tenantID,
			AccountID:    accountID,
			RemoteJid:    msg.RemoteJid,
			ContactName:  contactName,
			ContactPhone: contactPhone(msg.RemoteJid),
			IsGroup:      strings.HasSuffix(msg.RemoteJid, "@g.us"),
		})
		if err != nil {
			return err
		}

		fromJid, toJid := msg.RemoteJid, "me"
		if msg.IsFromMe {
			fromJid, toJid = "me", msg.RemoteJid
		}
		record := &models.Message{
			TenantID:    tenantID,
			ThreadID:    thread.ID,
			MessageID:   msg.MessageID,
			RemoteJid:   msg.RemoteJid,
			FromJid:     fromJid,
			ToJid:       toJid,
			IsFromMe:    msg.IsFromMe,
			ContentType: msg.Content.Kind,
			Body:        msg.Content.Body,
			Timestamp:   msg.Timestamp,
			Status:      msg.Status,
			HasMedia:    msg.Content.HasMedia(),
			MediaType:   msg.Content.MediaType(),
			ContextInfo: msg.Raw,
		}
		inserted, err := p.messages.Upsert(ctx, record)
		if err != nil {
			return err
		}
		if !inserted {
			logger.Debug("duplicate message caught by store upsert",
				zap.String("message_id", msg.MessageID),
			)
		}

		if err := p.threads.RecordMessage(ctx, thread.ID, msg.Content.Body, msg.Timestamp, !msg.IsFromMe); err != nil {
			return err
		}

		if err := p.marker.MarkProcessed(ctx, msg.MessageID); err != nil {
			return err
		}

		event := realtime.Event{
			Type: "message.new",
			Data: map[string]any{
				"threadId":  thread.ID,
				"messageId": msg.MessageID,
				"fromJid":   fromJid,
				"body":      msg.Content.Body,
				"timestamp": msg.Timestamp,
				"isFromMe":  msg.IsFromMe,
			},
		}
		if err := p.publisher.Publish(ctx, realtime.AccountInboxChannel(accountID), event); err != nil {
			// Fire-and-forget: the message is durably stored, dashboards
			// re-fetch on reconnect. Failing the job here would replay
			// mutations for a lost convenience signal.
			logger.Warn("realtime publish failed",
				zap.String("message_id", msg.MessageID),
				zap.Error(err),
			)
		}

		logger.Info("message ingested",
			zap.String("message_id", msg.MessageID),
			zap.String("thread_id", thread.ID.String()),
		)
	}
	return nil
}

// applyStatusUpdates applies status events last-write-wins. A zero-row
// update means the status outran its own message insert; returning
// ErrMessageNotFound hands the job to the queue's bounded retry.
func (p *Processor) applyStatusUpdates(ctx context.Context, logger *zap.Logger, job *queue.Job, updates []wa.StatusUpdate) error {
	if job.TenantID == nil {
		logger.Warn("status update job missing tenant attribution, dropping")
		return nil
	}

	for _, update := range updates {
		updated, err := p.messages.UpdateStatus(ctx, *job.TenantID, update.MessageID, update.Status)
		if err != nil {
			return err
		}
		if !updated {
			return fmt.Errorf("%w: %s", ErrMessageNotFound, update.MessageID)
		}
		logger.Debug("message status updated",
			zap.String("message_id", update.MessageID),
			zap.String("status", string(update.Status)),
		)
	}
	return nil
}

type connectionState struct {
	State string `json:"state"`
}

func (p *Processor) applyConnectionUpdate(ctx context.Context, logger *zap.Logger, job *queue.Job) error {
	if job.AccountID == nil {
		logger.Warn("connection update job missing account attribution, dropping")
		return nil
	}

	var payload evolutionPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		logger.Warn("malformed connection update payload, dropping", zap.Error(err))
		return nil
	}
	var state connectionState
	if err := json.Unmarshal(payload.Data, &state); err != nil {
		logger.Warn("malformed connection state, dropping", zap.Error(err))
		return nil
	}

	var status models.ConnectionStatus
	switch state.State {
	case "open":
		status = models.ConnectionConnected
	case "connecting":
		status = models.ConnectionConnecting
	case "close":
		status = models.ConnectionDisconnected
	default:
		logger.Warn("unknown connection state, dropping", zap.String("state", state.State))
		return nil
	}

	if err := p.accounts.UpdateStatus(ctx, *job.AccountID, status); err != nil {
		return err
	}
	logger.Info("account connection status updated", zap.String("status", string(status)))
	return nil
}

// contactPhone strips the jid domain: "5511999@s.whatsapp.net" → "5511999".
func contactPhone(remoteJid string) string {
	if i := strings.IndexByte(remoteJid, '@'); i >= 0 {
		return remoteJid[:i]
	}
	return remoteJid
}
