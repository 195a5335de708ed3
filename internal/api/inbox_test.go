package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
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
	"github.com/relayworks/wahub/internal/repository"
	"github.com/relayworks/wahub/internal/wa"
)

const testSecret = "test-secret"

// --- fakes -----------------------------------------------------------------

type fakeThreads struct {
	byID           map[uuid.UUID]*models.Thread
	byJid          map[string]*models.Thread
	created        []repository.ThreadParams
	listAssignedTo *uuid.UUID
	listCalled     bool
	assigned       map[uuid.UUID]uuid.UUID
	recorded       int
}

func (f *fakeThreads) FindOrCreate(_ context.Context, params repository.ThreadParams) (*models.Thread, error) {
	f.created = append(f.created, params)
	key := params.AccountID.String() + "/" + params.RemoteJid
	if f.byJid == nil {
		f.byJid = make(map[string]*models.Thread)
	}
	if existing, ok := f.byJid[key]; ok {
		return existing, nil
	}
	thread := &models.Thread{
		ID:           uuid.New(),
		TenantID:     params.TenantID,
		AccountID:    params.AccountID,
		RemoteJid:    params.RemoteJid,
		ContactName:  params.ContactName,
		ContactPhone: params.ContactPhone,
		IsGroup:      params.IsGroup,
	}
	f.byJid[key] = thread
	f.byID[thread.ID] = thread
	return thread, nil
}

func (f *fakeThreads) GetByID(_ context.Context, tenantID, threadID uuid.UUID) (*models.Thread, error) {
	thread, ok := f.byID[threadID]
	if !ok || thread.TenantID != tenantID {
		return nil, nil
	}
	return thread, nil
}

func (f *fakeThreads) RecordMessage(context.Context, uuid.UUID, string, time.Time, bool) error {
	f.recorded++
	return nil
}

func (f *fakeThreads) ListByAccount(_ context.Context, _, _ uuid.UUID, assignedTo *uuid.UUID, _, _ int) ([]models.Thread, error) {
	f.listCalled = true
	f.listAssignedTo = assignedTo
	return []models.Thread{}, nil
}

func (f *fakeThreads) Assign(_ context.Context, _, threadID, memberID uuid.UUID) error {
	if f.assigned == nil {
		f.assigned = make(map[uuid.UUID]uuid.UUID)
	}
	f.assigned[threadID] = memberID
	return nil
}

type fakeMessages struct {
	byThread map[uuid.UUID][]models.Message
	upserted []*models.Message
}

func (f *fakeMessages) Upsert(_ context.Context, msg *models.Message) (bool, error) {
	f.upserted = append(f.upserted, msg)
	return true, nil
}

func (f *fakeMessages) UpdateStatus(context.Context, uuid.UUID, string, models.MessageStatus) (bool, error) {
	return true, nil
}

func (f *fakeMessages) ListByThread(_ context.Context, _, threadID uuid.UUID, _, _ int) ([]models.Message, error) {
	return f.byThread[threadID], nil
}

type fakeAccounts struct {
	byID       map[uuid.UUID]*models.WhatsAppAccount
	byInstance map[string]*models.WhatsAppAccount
}

func (f *fakeAccounts) GetByInstanceID(_ context.Context, instanceID string) (*models.WhatsAppAccount, error) {
	return f.byInstance[instanceID], nil
}

func (f *fakeAccounts) GetByID(_ context.Context, accountID uuid.UUID) (*models.WhatsAppAccount, error) {
	return f.byID[accountID], nil
}

func (f *fakeAccounts) UpdateStatus(context.Context, uuid.UUID, models.ConnectionStatus) error {
	return nil
}

func (f *fakeAccounts) SetDisabled(context.Context, uuid.UUID, bool) error { return nil }

type fakeProvider struct {
	name    string
	sent    []wa.SendMessageParams
	sendErr error
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) SendMessage(_ context.Context, params wa.SendMessageParams) (*wa.MessageResult, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, params)
	return &wa.MessageResult{
		MessageID: "out-1",
		Status:    models.StatusSent,
		Timestamp: time.Now().UTC(),
	}, nil
}

func (f *fakeProvider) SendTyping(context.Context, wa.SendTypingParams) error { return nil }

func (f *fakeProvider) SyncHistory(context.Context, wa.SyncHistoryParams) ([]wa.HistoryMessage, error) {
	return nil, wa.ErrUnsupported
}

func (f *fakeProvider) GetConversations(context.Context, wa.GetConversationsParams) ([]wa.Conversation, error) {
	return nil, wa.ErrUnsupported
}

func (f *fakeProvider) CheckHealth(context.Context, string) (*wa.Health, error) {
	return &wa.Health{Connected: true}, nil
}

func (f *fakeProvider) Disconnect(context.Context, string) error { return nil }

type fakeSuggester struct {
	got        ai.SuggestRequest
	suggestion string
}

func (f *fakeSuggester) SuggestReply(_ context.Context, req ai.SuggestRequest) (string, error) {
	f.got = req
	return f.suggestion, nil
}

type fakeSubscriber struct {
	messages []string
}

func (f *fakeSubscriber) Subscribe(context.Context, string) (<-chan string, func(), error) {
	ch := make(chan string, len(f.messages))
	for _, msg := range f.messages {
		ch <- msg
	}
	close(ch)
	return ch, func() {}, nil
}

type fakeMarker struct{ marked []string }

func (f *fakeMarker) IsProcessed(context.Context, string) (bool, error) { return false, nil }

func (f *fakeMarker) MarkProcessed(_ context.Context, messageID string) error {
	f.marked = append(f.marked, messageID)
	return nil
}

type fakeStats struct{ metrics queue.Metrics }

func (f *fakeStats) GetMetrics(context.Context) (*queue.Metrics, error) {
	return &f.metrics, nil
}

// --- harness ---------------------------------------------------------------

type harness struct {
	threads    *fakeThreads
	messages   *fakeMessages
	accounts   *fakeAccounts
	provider   *fakeProvider
	suggester  *fakeSuggester
	subscriber *fakeSubscriber
	marker     *fakeMarker
	stats      *fakeStats
	router     *gin.Engine
	tenantID   uuid.UUID
}

func newHarness() *harness {
	gin.SetMode(gin.TestMode)
	h := &harness{
		threads:  &fakeThreads{byID: make(map[uuid.UUID]*models.Thread)},
		messages: &fakeMessages{byThread: make(map[uuid.UUID][]models.Message)},
		accounts: &fakeAccounts{
			byID:       make(map[uuid.UUID]*models.WhatsAppAccount),
			byInstance: make(map[string]*models.WhatsAppAccount),
		},
		provider:   &fakeProvider{name: wa.ProviderEvolution},
		suggester:  &fakeSuggester{suggestion: "thanks, on it"},
		subscriber: &fakeSubscriber{},
		marker:     &fakeMarker{},
		stats:      &fakeStats{},
		tenantID:   uuid.New(),
	}

	handler := NewInboxHandler(
		h.threads, h.messages, h.accounts,
		wa.NewRegistry(h.provider),
		h.suggester, h.subscriber, h.marker, h.stats,
		testSecret, zap.NewNop(),
	)

	router := gin.New()
	inbox := router.Group("/v1/inbox", middleware.AuthMiddleware(testSecret))
	inbox.GET("/threads", handler.ListThreads)
	inbox.GET("/messages", handler.ListMessages)
	inbox.GET("/threads/:threadId/messages", handler.ListMessages)
	inbox.POST("/send_message",
		middleware.RequirePermission(permissions.InboxWrite), handler.SendDirectMessage)
	inbox.POST("/threads/:threadId/messages",
		middleware.RequirePermission(permissions.InboxWrite), handler.SendMessage)
	inbox.POST("/threads/:threadId/assign",
		middleware.RequirePermission(permissions.InboxAssign), handler.AssignThread)
	inbox.POST("/suggest_reply",
		middleware.RequirePermission(permissions.InboxWrite), handler.SuggestReply)
	router.GET("/v1/inbox/events", handler.Events)
	ops := router.Group("/v1/ops", middleware.AuthMiddleware(testSecret))
	ops.GET("/queue", middleware.RequirePermission(permissions.InboxAdmin), handler.QueueMetrics)
	h.router = router
	return h
}

func (h *harness) token(t *testing.T, memberID uuid.UUID, role models.Role) string {
	t.Helper()
	token, err := auth.GenerateToken(memberID, h.tenantID, role, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return token
}

func (h *harness) do(t *testing.T, method, path, token string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func (h *harness) addThread(assignedTo *uuid.UUID) *models.Thread {
	accountID := uuid.New()
	account := &models.WhatsAppAccount{
		ID:         accountID,
		TenantID:   h.tenantID,
		Provider:   wa.ProviderEvolution,
		InstanceID: "inst-1",
	}
	h.accounts.byID[accountID] = account
	h.accounts.byInstance[account.InstanceID] = account
	thread := &models.Thread{
		ID:          uuid.New(),
		TenantID:    h.tenantID,
		AccountID:   accountID,
		RemoteJid:   "5511999@s.whatsapp.net",
		ContactName: "Maria",
		AssignedTo:  assignedTo,
	}
	h.threads.byID[thread.ID] = thread
	return thread
}

// --- tests -----------------------------------------------------------------

func TestListThreadsRequiresToken(t *testing.T) {
	h := newHarness()
	rec := h.do(t, http.MethodGet, "/v1/inbox/threads?accountId="+uuid.NewString(), "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if h.threads.listCalled {
		t.Fatalf("unauthenticated request must not reach the store")
	}
}

func TestListThreadsAgentSeesOnlyAssigned(t *testing.T) {
	h := newHarness()
	memberID := uuid.New()
	token := h.token(t, memberID, models.RoleAgent)

	rec := h.do(t, http.MethodGet, "/v1/inbox/threads?accountId="+uuid.NewString(), token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if h.threads.listAssignedTo == nil || *h.threads.listAssignedTo != memberID {
		t.Fatalf("agent listing must filter by own member id, got %v", h.threads.listAssignedTo)
	}
}

func TestListThreadsManagerSeesWholeInbox(t *testing.T) {
	h := newHarness()
	token := h.token(t, uuid.New(), models.RoleManager)

	rec := h.do(t, http.MethodGet, "/v1/inbox/threads?accountId="+uuid.NewString(), token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if h.threads.listAssignedTo != nil {
		t.Fatalf("manager listing must not be filtered, got %v", h.threads.listAssignedTo)
	}
}

func TestListThreadsRequiresAccountID(t *testing.T) {
	h := newHarness()
	token := h.token(t, uuid.New(), models.RoleManager)

	rec := h.do(t, http.MethodGet, "/v1/inbox/threads", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without accountId, got %d", rec.Code)
	}
}

func TestSendMessageThroughProvider(t *testing.T) {
	h := newHarness()
	thread := h.addThread(nil)
	token := h.token(t, uuid.New(), models.RoleManager)

	body := []byte(`{"message":"hello there"}`)
	rec := h.do(t, http.MethodPost, "/v1/inbox/threads/"+thread.ID.String()+"/messages", token, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	if len(h.provider.sent) != 1 {
		t.Fatalf("expected one provider send, got %d", len(h.provider.sent))
	}
	sent := h.provider.sent[0]
	if sent.InstanceID != "inst-1" || sent.RemoteJid != thread.RemoteJid || sent.Message != "hello there" {
		t.Fatalf("unexpected send params: %+v", sent)
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp["messageId"] != "out-1" || resp["status"] != "sent" {
		t.Fatalf("unexpected response: %v", resp)
	}

	// The accepted send is persisted and marked so the provider echo dedups.
	if len(h.messages.upserted) != 1 || !h.messages.upserted[0].IsFromMe {
		t.Fatalf("outbound message not persisted: %+v", h.messages.upserted)
	}
	if h.threads.recorded != 1 {
		t.Fatalf("thread denormalized fields not updated")
	}
	if len(h.marker.marked) != 1 || h.marker.marked[0] != "out-1" {
		t.Fatalf("outbound message not marked processed: %v", h.marker.marked)
	}
}

func TestSendMessageProviderFailure(t *testing.T) {
	h := newHarness()
	thread := h.addThread(nil)
	h.provider.sendErr = &wa.ProviderError{
		Provider:   wa.ProviderEvolution,
		StatusCode: http.StatusServiceUnavailable,
		Message:    "instance offline",
	}
	token := h.token(t, uuid.New(), models.RoleManager)

	rec := h.do(t, http.MethodPost, "/v1/inbox/threads/"+thread.ID.String()+"/messages", token,
		[]byte(`{"message":"hello"}`))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 on provider failure, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "instance offline") {
		t.Fatalf("provider error message not surfaced: %s", rec.Body.String())
	}
	if len(h.messages.upserted) != 0 {
		t.Fatalf("failed send must not be persisted")
	}
}

func TestSendDirectMessageOpensThread(t *testing.T) {
	h := newHarness()
	h.addThread(nil)
	token := h.token(t, uuid.New(), models.RoleManager)

	body := []byte(`{"instanceId":"inst-1","remoteJid":"5511888@s.whatsapp.net","message":"hi there"}`)
	rec := h.do(t, http.MethodPost, "/v1/inbox/send_message", token, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	if len(h.threads.created) != 1 {
		t.Fatalf("expected one thread find-or-create, got %d", len(h.threads.created))
	}
	created := h.threads.created[0]
	if created.RemoteJid != "5511888@s.whatsapp.net" || created.ContactPhone != "5511888" || created.IsGroup {
		t.Fatalf("unexpected thread params: %+v", created)
	}

	if len(h.provider.sent) != 1 {
		t.Fatalf("expected one provider send, got %d", len(h.provider.sent))
	}
	sent := h.provider.sent[0]
	if sent.InstanceID != "inst-1" || sent.RemoteJid != "5511888@s.whatsapp.net" || sent.Message != "hi there" {
		t.Fatalf("unexpected send params: %+v", sent)
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp["messageId"] != "out-1" || resp["threadId"] == nil {
		t.Fatalf("unexpected response: %v", resp)
	}
	if len(h.messages.upserted) != 1 || !h.messages.upserted[0].IsFromMe {
		t.Fatalf("outbound message not persisted: %+v", h.messages.upserted)
	}
}

func TestSendDirectMessageReusesExistingThread(t *testing.T) {
	h := newHarness()
	thread := h.addThread(nil)
	token := h.token(t, uuid.New(), models.RoleManager)

	body := []byte(`{"instanceId":"inst-1","remoteJid":"` + thread.RemoteJid + `","message":"hi again"}`)
	rec := h.do(t, http.MethodPost, "/v1/inbox/send_message", token, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(h.messages.upserted) != 1 || h.messages.upserted[0].ThreadID == uuid.Nil {
		t.Fatalf("outbound message not persisted: %+v", h.messages.upserted)
	}
}

func TestSendDirectMessageUnknownInstance(t *testing.T) {
	h := newHarness()
	token := h.token(t, uuid.New(), models.RoleManager)

	rec := h.do(t, http.MethodPost, "/v1/inbox/send_message", token,
		[]byte(`{"instanceId":"nope","remoteJid":"5511888@s.whatsapp.net","message":"hi"}`))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown instance, got %d", rec.Code)
	}
	if len(h.provider.sent) != 0 {
		t.Fatalf("unknown instance must not reach the provider")
	}
}

func TestListMessagesByQueryParam(t *testing.T) {
	h := newHarness()
	thread := h.addThread(nil)
	h.messages.byThread[thread.ID] = []models.Message{
		{ID: uuid.New(), ThreadID: thread.ID, MessageID: "m1", Body: "hello"},
	}
	token := h.token(t, uuid.New(), models.RoleManager)

	rec := h.do(t, http.MethodGet, "/v1/inbox/messages?threadId="+thread.ID.String(), token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "m1") {
		t.Fatalf("messages missing from response: %s", rec.Body.String())
	}

	rec = h.do(t, http.MethodGet, "/v1/inbox/messages", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without threadId, got %d", rec.Code)
	}
}

func TestSendMessageUnknownThread(t *testing.T) {
	h := newHarness()
	token := h.token(t, uuid.New(), models.RoleManager)

	rec := h.do(t, http.MethodPost, "/v1/inbox/threads/"+uuid.NewString()+"/messages", token,
		[]byte(`{"message":"hello"}`))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown thread, got %d", rec.Code)
	}
}

func TestAgentCannotTouchUnassignedThread(t *testing.T) {
	h := newHarness()
	other := uuid.New()
	thread := h.addThread(&other)
	token := h.token(t, uuid.New(), models.RoleAgent)

	rec := h.do(t, http.MethodPost, "/v1/inbox/threads/"+thread.ID.String()+"/messages", token,
		[]byte(`{"message":"hello"}`))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for unassigned thread, got %d", rec.Code)
	}

	rec = h.do(t, http.MethodGet, "/v1/inbox/threads/"+thread.ID.String()+"/messages", token, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 listing unassigned thread, got %d", rec.Code)
	}
}

func TestAgentCannotAssignThreads(t *testing.T) {
	h := newHarness()
	thread := h.addThread(nil)
	token := h.token(t, uuid.New(), models.RoleAgent)

	rec := h.do(t, http.MethodPost, "/v1/inbox/threads/"+thread.ID.String()+"/assign", token,
		[]byte(`{"memberId":"`+uuid.NewString()+`"}`))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestAssignThread(t *testing.T) {
	h := newHarness()
	thread := h.addThread(nil)
	agentID := uuid.New()
	token := h.token(t, uuid.New(), models.RoleManager)

	rec := h.do(t, http.MethodPost, "/v1/inbox/threads/"+thread.ID.String()+"/assign", token,
		[]byte(`{"memberId":"`+agentID.String()+`"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if h.threads.assigned[thread.ID] != agentID {
		t.Fatalf("assignment not stored")
	}
}

func TestSuggestReplyBuildsTranscript(t *testing.T) {
	h := newHarness()
	thread := h.addThread(nil)
	// Store order is newest first.
	h.messages.byThread[thread.ID] = []models.Message{
		{Body: "can you check my order?", IsFromMe: false},
		{Body: "hello, I need help", IsFromMe: false},
		{Body: "hi, how can I help?", IsFromMe: true},
	}
	token := h.token(t, uuid.New(), models.RoleManager)

	rec := h.do(t, http.MethodPost, "/v1/inbox/suggest_reply", token,
		[]byte(`{"threadId":"`+thread.ID.String()+`"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp["suggestion"] != "thanks, on it" {
		t.Fatalf("unexpected suggestion: %v", resp["suggestion"])
	}

	got := h.suggester.got
	if got.ContactName != "Maria" {
		t.Fatalf("contact name not passed: %q", got.ContactName)
	}
	if len(got.Messages) != 3 {
		t.Fatalf("expected three transcript turns, got %d", len(got.Messages))
	}
	// Oldest first, roles mapped from direction.
	if got.Messages[0].Role != "agent" || got.Messages[0].Body != "hi, how can I help?" {
		t.Fatalf("transcript not oldest-first: %+v", got.Messages)
	}
	if got.Messages[2].Role != "contact" || got.Messages[2].Body != "can you check my order?" {
		t.Fatalf("unexpected final turn: %+v", got.Messages[2])
	}
}

func TestEventsStreamDeliversSSEFrames(t *testing.T) {
	h := newHarness()
	accountID := uuid.New()
	h.accounts.byID[accountID] = &models.WhatsAppAccount{
		ID:       accountID,
		TenantID: h.tenantID,
	}
	h.subscriber.messages = []string{`{"type":"message.new","data":{"messageId":"m1"}}`}
	token := h.token(t, uuid.New(), models.RoleAgent)

	rec := h.do(t, http.MethodGet,
		"/v1/inbox/events?accountId="+accountID.String()+"&token="+token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected SSE content type, got %q", ct)
	}
	if !strings.Contains(rec.Body.String(), `data: {"type":"message.new","data":{"messageId":"m1"}}`) {
		t.Fatalf("expected event frame in stream, got %q", rec.Body.String())
	}
}

func TestEventsStreamRejectsBadToken(t *testing.T) {
	h := newHarness()
	rec := h.do(t, http.MethodGet, "/v1/inbox/events?accountId="+uuid.NewString()+"&token=garbage", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestEventsStreamRejectsForeignAccount(t *testing.T) {
	h := newHarness()
	accountID := uuid.New()
	h.accounts.byID[accountID] = &models.WhatsAppAccount{
		ID:       accountID,
		TenantID: uuid.New(), // another tenant
	}
	token := h.token(t, uuid.New(), models.RoleAgent)

	rec := h.do(t, http.MethodGet,
		"/v1/inbox/events?accountId="+accountID.String()+"&token="+token, "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign account, got %d", rec.Code)
	}
}

func TestQueueMetricsRequiresAdmin(t *testing.T) {
	h := newHarness()
	h.stats.metrics = queue.Metrics{Waiting: 4, Delayed: 1, Failed: 2, Backlog: 5}

	rec := h.do(t, http.MethodGet, "/v1/ops/queue", h.token(t, uuid.New(), models.RoleManager), nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("manager must not read queue metrics, got %d", rec.Code)
	}

	rec = h.do(t, http.MethodGet, "/v1/ops/queue", h.token(t, uuid.New(), models.RoleTenantAdmin), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for tenant admin, got %d", rec.Code)
	}
	var metrics queue.Metrics
	if err := json.Unmarshal(rec.Body.Bytes(), &metrics); err != nil {
		t.Fatalf("unmarshal metrics: %v", err)
	}
	if metrics.Waiting != 4 || metrics.Backlog != 5 {
		t.Fatalf("unexpected metrics: %+v", metrics)
	}
}
