package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/relayworks/wahub/internal/middleware"
	"github.com/relayworks/wahub/internal/models"
	"github.com/relayworks/wahub/internal/observ"
	"github.com/relayworks/wahub/internal/queue"
	"github.com/relayworks/wahub/internal/tenant"
	"github.com/relayworks/wahub/internal/wa"
)

// Signature headers. Evolution deployments sign with a shared bridge
// secret; the Cloud API signs with the Meta app secret. Same HMAC scheme,
// different header names.
const (
	HeaderEvolutionSignature = "X-Webhook-Signature"
	HeaderCloudSignature     = "X-Hub-Signature-256"
)

// Enqueuer is the admission side of the queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.Job) (string, error)
}

// AccountResolver attributes a channel identifier to a tenant.
type AccountResolver interface {
	ResolveAccount(ctx context.Context, channelID string) (*tenant.AccountResolution, error)
}

// AuditLog records deliveries that never become jobs (unknown channel), so
// the raw payload survives for replay once the mapping exists.
type AuditLog interface {
	Insert(ctx context.Context, event *models.WebhookEventRaw) error
}

// Config carries the per-provider webhook credentials.
type Config struct {
	// EvolutionSecret signs bridge deliveries. Empty means the endpoint is
	// not configured and every delivery is rejected with a 500, failing
	// closed, never accepting unsigned traffic.
	EvolutionSecret string
	// CloudAppSecret is the Meta app secret for Cloud API payloads.
	CloudAppSecret string
	// CloudVerifyToken answers the Cloud API subscription handshake.
	CloudVerifyToken string
}

type Handler struct {
	cfg      Config
	resolver AccountResolver
	queue    Enqueuer
	audit    AuditLog
	logger   *zap.Logger
}

func NewHandler(cfg Config, resolver AccountResolver, q Enqueuer, audit AuditLog, logger *zap.Logger) *Handler {
	return &Handler{cfg: cfg, resolver: resolver, queue: q, audit: audit, logger: logger}
}

// evolutionBody is the bridge webhook envelope. Data stays raw: the handler
// authenticates and routes, the worker interprets.
type evolutionBody struct {
	Event      string          `json:"event"`
	InstanceID string          `json:"instanceId"`
	Data       json.RawMessage `json:"data"`
}

// HandleEvolution ingests one bridge delivery: verify the signature over
// the raw body, resolve the instance to a tenant, enqueue, acknowledge.
// Each step that fails gets a distinct status so bridge operators can tell
// misconfiguration (500) from a bad secret (401) from a malformed payload
// (400). An unknown instance is acknowledged with 200; the bridge retrying
// cannot create the missing account mapping.
func (h *Handler) HandleEvolution(c *gin.Context) {
	correlationID := middleware.GetCorrelationID(c)
	logger := observ.WithCorrelation(h.logger, correlationID)

	if h.cfg.EvolutionSecret == "" {
		logger.Error("evolution webhook secret not configured")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "webhook secret not configured"})
		return
	}

	rawBody, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable request body"})
		return
	}

	if !VerifySignature(rawBody, c.GetHeader(HeaderEvolutionSignature), h.cfg.EvolutionSecret) {
		logger.Warn("evolution webhook signature rejected")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	var body evolutionBody
	if err := json.Unmarshal(rawBody, &body); err != nil || body.Event == "" || body.InstanceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "event and instanceId are required"})
		return
	}

	res, err := h.resolver.ResolveAccount(c.Request.Context(), body.InstanceID)
	if err != nil {
		if errors.Is(err, tenant.ErrAccountNotFound) {
			h.dropUnattributed(c, logger, correlationID, wa.ProviderEvolution, body.Event, rawBody)
			return
		}
		logger.Error("resolve evolution instance", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve channel"})
		return
	}

	jobID, err := h.queue.Enqueue(c.Request.Context(), queue.Job{
		ID:         correlationID,
		TenantID:   &res.TenantID,
		AccountID:  &res.AccountID,
		Provider:   wa.ProviderEvolution,
		EventType:  body.Event,
		Payload:    rawBody,
		ReceivedAt: time.Now().UTC(),
	})
	if err != nil {
		logger.Error("enqueue evolution event", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to accept event"})
		return
	}

	logger.Info("evolution webhook accepted",
		zap.String("event_type", body.Event),
		zap.String("instance_id", body.InstanceID),
	)
	c.JSON(http.StatusOK, gin.H{"ok": true, "correlationId": correlationID, "jobId": jobID})
}

// HandleCloudVerify answers Meta's GET subscription handshake: echo the
// challenge when the verify token matches, 403 otherwise.
func (h *Handler) HandleCloudVerify(c *gin.Context) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode == "subscribe" && h.cfg.CloudVerifyToken != "" && token == h.cfg.CloudVerifyToken {
		c.String(http.StatusOK, challenge)
		return
	}
	h.logger.Warn("cloud api verification rejected", zap.String("mode", mode))
	c.JSON(http.StatusForbidden, gin.H{"error": "verification failed"})
}

// Cloud API webhook envelope. entry/changes nesting comes from the Graph
// API; one POST can carry several changes for several phone numbers.
type cloudEnvelope struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Metadata struct {
					PhoneNumberID string `json:"phone_number_id"`
				} `json:"metadata"`
				Messages json.RawMessage `json:"messages"`
				Statuses json.RawMessage `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// HandleCloudEvent ingests a Cloud API POST. Each change is attributed and
// enqueued independently: messages and statuses become separate jobs with
// deterministic ids derived from the correlation id, so a Meta redelivery
// of the whole envelope collapses job-by-job at admission.
func (h *Handler) HandleCloudEvent(c *gin.Context) {
	correlationID := middleware.GetCorrelationID(c)
	logger := observ.WithCorrelation(h.logger, correlationID)

	if h.cfg.CloudAppSecret == "" {
		logger.Error("cloud api app secret not configured")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "webhook secret not configured"})
		return
	}

	rawBody, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable request body"})
		return
	}

	if !VerifySignature(rawBody, c.GetHeader(HeaderCloudSignature), h.cfg.CloudAppSecret) {
		logger.Warn("cloud api signature rejected")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	var envelope cloudEnvelope
	if err := json.Unmarshal(rawBody, &envelope); err != nil || envelope.Object != "whatsapp_business_account" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unrecognized payload"})
		return
	}

	enqueued := make([]string, 0, 2)
	for ei, entry := range envelope.Entry {
		for ci, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}

			phoneNumberID := change.Value.Metadata.PhoneNumberID
			res, err := h.resolver.ResolveAccount(c.Request.Context(), phoneNumberID)
			if err != nil {
				if errors.Is(err, tenant.ErrAccountNotFound) {
					h.auditOnly(c, logger, correlationID, wa.ProviderCloudAPI, wa.EventMessagesReceived, rawBody)
					continue
				}
				logger.Error("resolve cloud api phone number", zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve channel"})
				return
			}

			type part struct {
				suffix    string
				eventType string
				payload   cloudJobPayload
			}
			parts := make([]part, 0, 2)
			if len(change.Value.Messages) > 0 {
				parts = append(parts, part{"messages", wa.EventMessagesReceived,
					cloudJobPayload{Messages: change.Value.Messages}})
			}
			if len(change.Value.Statuses) > 0 {
				parts = append(parts, part{"statuses", wa.EventMessageStatusUpdate,
					cloudJobPayload{Statuses: change.Value.Statuses}})
			}

			for _, pt := range parts {
				payload, err := json.Marshal(pt.payload)
				if err != nil {
					logger.Error("marshal cloud api job payload", zap.Error(err))
					continue
				}
				jobID, err := h.queue.Enqueue(c.Request.Context(), queue.Job{
					ID:         jobIDFor(correlationID, ei, ci, pt.suffix),
					TenantID:   &res.TenantID,
					AccountID:  &res.AccountID,
					Provider:   wa.ProviderCloudAPI,
					EventType:  pt.eventType,
					Payload:    payload,
					ReceivedAt: time.Now().UTC(),
				})
				if err != nil {
					logger.Error("enqueue cloud api event", zap.Error(err))
					c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to accept event"})
					return
				}
				enqueued = append(enqueued, jobID)
			}
		}
	}

	logger.Info("cloud api webhook accepted", zap.Int("jobs", len(enqueued)))
	c.JSON(http.StatusOK, gin.H{"ok": true, "correlationId": correlationID, "jobIds": enqueued})
}

// cloudJobPayload is what the worker unmarshals for Cloud API jobs.
type cloudJobPayload struct {
	Messages json.RawMessage `json:"messages,omitempty"`
	Statuses json.RawMessage `json:"statuses,omitempty"`
}

// jobIDFor derives a stable per-change job id from the correlation id, so
// a redelivered envelope maps onto the same set of jobs.
func jobIDFor(correlationID string, entry, change int, suffix string) string {
	return correlationID + "-" + strconv.Itoa(entry) + "-" + strconv.Itoa(change) + "-" + suffix
}

// dropUnattributed acknowledges a verified delivery for an unknown channel
// with 200 so the sender stops retrying, after persisting the payload for
// later replay. The audit write is best-effort: losing it only loses the
// replay option, not correctness.
func (h *Handler) dropUnattributed(c *gin.Context, logger *zap.Logger, correlationID, provider, eventType string, rawBody []byte) {
	h.auditOnly(c, logger, correlationID, provider, eventType, rawBody)
	logger.Warn("webhook for unknown channel dropped",
		zap.String("provider", provider),
		zap.String("event_type", eventType),
	)
	c.JSON(http.StatusOK, gin.H{"ok": true, "correlationId": correlationID, "dropped": true})
}

func (h *Handler) auditOnly(c *gin.Context, logger *zap.Logger, correlationID, provider, eventType string, rawBody []byte) {
	err := h.audit.Insert(c.Request.Context(), &models.WebhookEventRaw{
		CorrelationID: correlationID,
		Provider:      provider,
		EventType:     eventType,
		Payload:       rawBody,
	})
	if err != nil {
		logger.Warn("audit write for dropped webhook failed", zap.Error(err))
	}
}
