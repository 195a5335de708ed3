// Package api implements the authenticated inbox surface consumed by the
// dashboard: thread and message listing, outbound sends, assignment, reply
// suggestions, and the SSE event stream.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relayworks/wahub/internal/ai"
	"github.com/relayworks/wahub/internal/auth"
	"github.com/relayworks/wahub/internal/middleware"
	"github.com/relayworks/wahub/internal/models"
	"github.com/relayworks/wahub/internal/permissions"
	"github.com/relayworks/wahub/internal/queue"
	"github.com/relayworks/wahub/internal/realtime"
	"github.com/relayworks/wahub/internal/repository"
	"github.com/relayworks/wahub/internal/wa"
	"github.com/relayworks/wahub/internal/worker"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// QueueStats is the slice of the queue the operator endpoint reads.
type QueueStats interface {
	GetMetrics(ctx context.Context) (*queue.Metrics, error)
}

// EventSubscriber hands out per-channel realtime streams.
type EventSubscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan string, func(), error)
}

type InboxHandler struct {
	threads    repository.ThreadRepository
	messages   repository.MessageRepository
	accounts   repository.AccountRepository
	registry   *wa.Registry
	suggester  ai.Suggester
	subscriber EventSubscriber
	marker     worker.Marker
	stats      QueueStats
	jwtSecret  string
	logger     *zap.Logger
}

func NewInboxHandler(
	threads repository.ThreadRepository,
	messages repository.MessageRepository,
	accounts repository.AccountRepository,
	registry *wa.Registry,
	suggester ai.Suggester,
	subscriber EventSubscriber,
	marker worker.Marker,
	stats QueueStats,
	jwtSecret string,
	logger *zap.Logger,
) *InboxHandler {
	return &InboxHandler{
		threads:    threads,
		messages:   messages,
		accounts:   accounts,
		registry:   registry,
		suggester:  suggester,
		subscriber: subscriber,
		marker:     marker,
		stats:      stats,
		jwtSecret:  jwtSecret,
		logger:     logger,
	}
}

// ListThreads returns the inbox for one account, newest activity first.
// Agents see only their assigned threads; every other inbox role sees the
// whole tenant.
func (h *InboxHandler) ListThreads(c *gin.Context) {
	tenantID := middleware.GetTenantID(c)
	role := middleware.GetRole(c)

	if !permissions.Has(role, permissions.InboxRead) &&
		!permissions.Has(role, permissions.InboxReadAssigned) {
		c.JSON(http.StatusForbidden, gin.H{"error": "insufficient permissions"})
		return
	}

	accountID, err := uuid.Parse(c.Query("accountId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "accountId is required"})
		return
	}
	limit, offset := pageParams(c)

	var assignedTo *uuid.UUID
	if permissions.OnlyAssigned(role) {
		memberID := middleware.GetMemberID(c)
		assignedTo = &memberID
	}

	threads, err := h.threads.ListByAccount(c.Request.Context(), tenantID, accountID, assignedTo, limit, offset)
	if err != nil {
		h.logger.Error("list threads", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list threads"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"threads": threads, "limit": limit, "offset": offset})
}

// ListMessages pages one thread's messages, newest first.
func (h *InboxHandler) ListMessages(c *gin.Context) {
	tenantID := middleware.GetTenantID(c)

	thread, ok := h.loadThread(c, tenantID)
	if !ok {
		return
	}
	limit, offset := pageParams(c)

	messages, err := h.messages.ListByThread(c.Request.Context(), tenantID, thread.ID, limit, offset)
	if err != nil {
		h.logger.Error("list messages", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages, "limit": limit, "offset": offset})
}

type sendMessageRequest struct {
	Message         string `json:"message" binding:"required"`
	QuotedMessageID string `json:"quotedMessageId"`
}

// SendMessage relays an agent's reply through the thread's provider and
// records it locally. The local write happens after the provider accepts:
// an outbound message exists in the store only once it exists on the wire.
// The provider may still echo it back through the webhook later; the
// idempotency marker and the message upsert make that echo a no-op.
func (h *InboxHandler) SendMessage(c *gin.Context) {
	tenantID := middleware.GetTenantID(c)

	thread, ok := h.loadThread(c, tenantID)
	if !ok {
		return
	}

	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}

	account, err := h.accounts.GetByID(c.Request.Context(), thread.AccountID)
	if err != nil {
		h.logger.Error("load account for send", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load account"})
		return
	}
	if !h.sendableAccount(c, tenantID, account) {
		return
	}
	h.relayOutbound(c, tenantID, thread, account, req.Message, req.QuotedMessageID)
}

type sendDirectRequest struct {
	InstanceID      string `json:"instanceId" binding:"required"`
	RemoteJid       string `json:"remoteJid" binding:"required"`
	Message         string `json:"message" binding:"required"`
	QuotedMessageID string `json:"quotedMessageId"`
}

// SendDirectMessage sends by channel coordinates instead of a thread id:
// the caller names the account's instance and the contact jid, and the
// thread is found or created on the way out. A first outbound message to a
// never-seen contact opens the conversation. Agents can only reach threads
// already assigned to them.
func (h *InboxHandler) SendDirectMessage(c *gin.Context) {
	tenantID := middleware.GetTenantID(c)

	var req sendDirectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "instanceId, remoteJid and message are required"})
		return
	}

	account, err := h.accounts.GetByInstanceID(c.Request.Context(), req.InstanceID)
	if err != nil {
		h.logger.Error("load account for send", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load account"})
		return
	}
	if !h.sendableAccount(c, tenantID, account) {
		return
	}

	phone := req.RemoteJid
	if i := strings.Index(phone, "@"); i >= 0 {
		phone = phone[:i]
	}
	thread, err := h.threads.FindOrCreate(c.Request.Context(), repository.ThreadParams{
		TenantID:     tenantID,
		AccountID:    account.ID,
		RemoteJid:    req.RemoteJid,
		ContactName:  req.RemoteJid,
		ContactPhone: phone,
		IsGroup:      strings.HasSuffix(req.RemoteJid, "@g.us"),
	})
	if err != nil {
		h.logger.Error("resolve thread for send", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve thread"})
		return
	}

	if permissions.OnlyAssigned(middleware.GetRole(c)) {
		memberID := middleware.GetMemberID(c)
		if thread.AssignedTo == nil || *thread.AssignedTo != memberID {
			c.JSON(http.StatusForbidden, gin.H{"error": "thread is not assigned to you"})
			return
		}
	}

	h.relayOutbound(c, tenantID, thread, account, req.Message, req.QuotedMessageID)
}

// sendableAccount writes the error response and returns false when the
// account cannot carry an outbound send for this tenant.
func (h *InboxHandler) sendableAccount(c *gin.Context, tenantID uuid.UUID, account *models.WhatsAppAccount) bool {
	if account == nil || account.TenantID != tenantID {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return false
	}
	if account.Disabled {
		c.JSON(http.StatusConflict, gin.H{"error": "account is disabled"})
		return false
	}
	return true
}

// relayOutbound pushes one text message through the account's provider and
// records the accepted send. A provider rejection surfaces the provider's
// own error message on a 500.
func (h *InboxHandler) relayOutbound(c *gin.Context, tenantID uuid.UUID, thread *models.Thread, account *models.WhatsAppAccount, message, quotedID string) {
	provider, err := h.registry.Get(account.Provider)
	if err != nil {
		h.logger.Error("unknown provider on account",
			zap.String("provider", account.Provider),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "account provider unavailable"})
		return
	}

	params := wa.SendMessageParams{
		InstanceID:      account.InstanceID,
		RemoteJid:       thread.RemoteJid,
		Message:         message,
		QuotedMessageID: quotedID,
	}
	if err := params.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := provider.SendMessage(c.Request.Context(), params)
	if err != nil {
		var provErr *wa.ProviderError
		if errors.As(err, &provErr) {
			h.logger.Warn("provider rejected send",
				zap.String("provider", provErr.Provider),
				zap.Int("status", provErr.StatusCode),
			)
			c.JSON(http.StatusInternalServerError, gin.H{"error": provErr.Message})
			return
		}
		h.logger.Error("send message", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to send message"})
		return
	}

	h.persistOutbound(c.Request.Context(), tenantID, thread, message, result)

	c.JSON(http.StatusOK, gin.H{
		"ok":        true,
		"messageId": result.MessageID,
		"status":    result.Status,
		"threadId":  thread.ID,
	})
}

// persistOutbound stores the accepted send so the thread reflects it
// without waiting for a provider echo. Failures are logged, not surfaced:
// the message is already on the wire, and the echo path heals the store.
func (h *InboxHandler) persistOutbound(ctx context.Context, tenantID uuid.UUID, thread *models.Thread, body string, result *wa.MessageResult) {
	ts := result.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := h.messages.Upsert(ctx, &models.Message{
		TenantID:    tenantID,
		ThreadID:    thread.ID,
		MessageID:   result.MessageID,
		RemoteJid:   thread.RemoteJid,
		FromJid:     "me",
		ToJid:       thread.RemoteJid,
		IsFromMe:    true,
		ContentType: models.ContentText,
		Body:        body,
		Timestamp:   ts,
		Status:      result.Status,
	})
	if err != nil {
		h.logger.Warn("persist outbound message", zap.Error(err))
		return
	}
	if err := h.threads.RecordMessage(ctx, thread.ID, body, ts, false); err != nil {
		h.logger.Warn("record outbound message on thread", zap.Error(err))
	}
	if err := h.marker.MarkProcessed(ctx, result.MessageID); err != nil {
		h.logger.Warn("mark outbound message processed", zap.Error(err))
	}
}

type assignRequest struct {
	MemberID uuid.UUID `json:"memberId" binding:"required"`
}

func (h *InboxHandler) AssignThread(c *gin.Context) {
	tenantID := middleware.GetTenantID(c)

	thread, ok := h.loadThread(c, tenantID)
	if !ok {
		return
	}

	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "memberId is required"})
		return
	}

	if err := h.threads.Assign(c.Request.Context(), tenantID, thread.ID, req.MemberID); err != nil {
		h.logger.Error("assign thread", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to assign thread"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "threadId": thread.ID, "assignedTo": req.MemberID})
}

type suggestRequest struct {
	ThreadID uuid.UUID `json:"threadId" binding:"required"`
}

// transcript messages sent to the suggestion service, most recent turns of
// the conversation oldest-first.
const suggestTranscriptSize = 20

// SuggestReply drafts a reply from the recent conversation. The draft goes
// back to the agent only; nothing is sent to the contact.
func (h *InboxHandler) SuggestReply(c *gin.Context) {
	tenantID := middleware.GetTenantID(c)

	var req suggestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "threadId is required"})
		return
	}

	thread, ok := h.authorizeThread(c, tenantID, req.ThreadID)
	if !ok {
		return
	}

	recent, err := h.messages.ListByThread(c.Request.Context(), tenantID, thread.ID, suggestTranscriptSize, 0)
	if err != nil {
		h.logger.Error("load transcript for suggestion", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversation"})
		return
	}
	if len(recent) == 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "conversation is empty"})
		return
	}

	// ListByThread returns newest first; the model reads oldest first.
	transcript := make([]ai.TranscriptMessage, 0, len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		role := "contact"
		if recent[i].IsFromMe {
			role = "agent"
		}
		transcript = append(transcript, ai.TranscriptMessage{Role: role, Body: recent[i].Body})
	}

	suggestion, err := h.suggester.SuggestReply(c.Request.Context(), ai.SuggestRequest{
		ContactName: thread.ContactName,
		Messages:    transcript,
	})
	if err != nil {
		h.logger.Error("suggest reply", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "suggestion service unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"suggestion": suggestion, "threadId": thread.ID})
}

// Events streams realtime inbox events for one account over SSE.
//
// EventSource cannot set an Authorization header, so the JWT arrives as a
// query parameter and is verified here instead of in the auth middleware.
func (h *InboxHandler) Events(c *gin.Context) {
	claims, err := auth.ParseToken(c.Query("token"), h.jwtSecret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
		return
	}
	middleware.SetClaims(c, claims)

	accountID, err := uuid.Parse(c.Query("accountId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "accountId is required"})
		return
	}

	account, err := h.accounts.GetByID(c.Request.Context(), accountID)
	if err != nil {
		h.logger.Error("load account for event stream", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load account"})
		return
	}
	if account == nil || account.TenantID != claims.TenantID {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}

	events, unsubscribe, err := h.subscriber.Subscribe(c.Request.Context(), realtime.AccountInboxChannel(accountID))
	if err != nil {
		h.logger.Error("subscribe to inbox channel", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to open event stream"})
		return
	}
	defer unsubscribe()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	// Comment frames keep idle connections alive through proxies.
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case msg, open := <-events:
			if !open {
				return
			}
			fmt.Fprintf(c.Writer, "data: %s\n\n", msg)
			c.Writer.Flush()
		case <-heartbeat.C:
			fmt.Fprint(c.Writer, ": ping\n\n")
			c.Writer.Flush()
		}
	}
}

// QueueMetrics reports pipeline depths for operators.
func (h *InboxHandler) QueueMetrics(c *gin.Context) {
	metrics, err := h.stats.GetMetrics(c.Request.Context())
	if err != nil {
		h.logger.Error("queue metrics", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read queue metrics"})
		return
	}
	c.JSON(http.StatusOK, metrics)
}

// loadThread resolves the thread id from the :threadId route param or,
// for the flat query-style routes, the threadId query parameter, scoped to
// the caller's tenant and the assigned-only view for agents. Writes the
// error response itself and returns ok=false when the caller should stop.
func (h *InboxHandler) loadThread(c *gin.Context, tenantID uuid.UUID) (*models.Thread, bool) {
	raw := c.Param("threadId")
	if raw == "" {
		raw = c.Query("threadId")
	}
	threadID, err := uuid.Parse(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "threadId is required"})
		return nil, false
	}
	return h.authorizeThread(c, tenantID, threadID)
}

func (h *InboxHandler) authorizeThread(c *gin.Context, tenantID, threadID uuid.UUID) (*models.Thread, bool) {
	thread, err := h.threads.GetByID(c.Request.Context(), tenantID, threadID)
	if err != nil {
		h.logger.Error("load thread", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load thread"})
		return nil, false
	}
	if thread == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
		return nil, false
	}

	if permissions.OnlyAssigned(middleware.GetRole(c)) {
		memberID := middleware.GetMemberID(c)
		if thread.AssignedTo == nil || *thread.AssignedTo != memberID {
			c.JSON(http.StatusForbidden, gin.H{"error": "thread is not assigned to you"})
			return nil, false
		}
	}
	return thread, true
}

func pageParams(c *gin.Context) (limit, offset int) {
	limit = defaultPageSize
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 {
		limit = v
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if v, err := strconv.Atoi(c.Query("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}
