package worker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relayworks/wahub/internal/middleware"
	"github.com/relayworks/wahub/internal/queue"
	"github.com/relayworks/wahub/internal/tenant"
	"github.com/relayworks/wahub/internal/webhook"
)

// captureQueue admits jobs the way the real queue does, deduplicating on
// job id, but hands them to the test instead of Redis.
type captureQueue struct {
	admitted map[string]bool
	jobs     []queue.Job
}

func (q *captureQueue) Enqueue(_ context.Context, job queue.Job) (string, error) {
	if q.admitted == nil {
		q.admitted = make(map[string]bool)
	}
	if q.admitted[job.ID] {
		return job.ID, nil
	}
	q.admitted[job.ID] = true
	q.jobs = append(q.jobs, job)
	return job.ID, nil
}

type staticResolver struct{ res tenant.AccountResolution }

func (r *staticResolver) ResolveAccount(context.Context, string) (*tenant.AccountResolution, error) {
	return &r.res, nil
}

const cloudAppSecret = "cloud-app-secret"

func signedCloudRequest(body []byte, correlationID string) *http.Request {
	mac := hmac.New(sha256.New, []byte(cloudAppSecret))
	mac.Write(body)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	req.Header.Set("X-Correlation-Id", correlationID)
	return req
}

// One Cloud API delivery travels the whole pipeline: signed POST,
// admission, processing, persistence, realtime publish. A byte-identical
// redelivery collapses to the same single stored row.
func TestCloudDeliveryEndToEnd(t *testing.T) {
	gin.SetMode(gin.TestMode)

	f := newFixture()
	cq := &captureQueue{}
	resolver := &staticResolver{res: tenant.AccountResolution{
		TenantID:  uuid.New(),
		AccountID: uuid.New(),
	}}
	handler := webhook.NewHandler(webhook.Config{
		CloudAppSecret:   cloudAppSecret,
		CloudVerifyToken: "verify",
	}, resolver, cq, f.audit, zap.NewNop())

	router := gin.New()
	hooks := router.Group("/webhooks", middleware.CorrelationID())
	hooks.POST("/whatsapp", handler.HandleCloudEvent)

	body := []byte(`{
		"object": "whatsapp_business_account",
		"entry": [{
			"id": "waba-1",
			"changes": [{
				"field": "messages",
				"value": {
					"metadata": {"phone_number_id": "550123"},
					"messages": [{
						"from": "5511999",
						"id": "wamid.ABC",
						"timestamp": "1700000000",
						"type": "text",
						"text": {"body": "hello from cloud"}
					}]
				}
			}]
		}]
	}`)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, signedCloudRequest(body, "corr-e2e"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(cq.jobs) != 1 {
		t.Fatalf("expected one admitted job, got %d", len(cq.jobs))
	}

	job := cq.jobs[0]
	if err := f.processor.Process(context.Background(), &job); err != nil {
		t.Fatalf("process: %v", err)
	}

	if len(f.messages.upserted) != 1 {
		t.Fatalf("expected one stored message, got %d", len(f.messages.upserted))
	}
	msg := f.messages.upserted[0]
	if msg.MessageID != "wamid.ABC" || msg.Body != "hello from cloud" {
		t.Fatalf("unexpected stored message: %+v", msg)
	}
	want := time.Unix(1700000000, 0).UTC()
	if !msg.Timestamp.Equal(want) {
		t.Fatalf("provider timestamp not preserved: got %v want %v", msg.Timestamp, want)
	}
	if len(f.threads.threads) != 1 {
		t.Fatalf("expected one thread, got %d", len(f.threads.threads))
	}
	if len(f.publisher.events) != 1 {
		t.Fatalf("expected one realtime event, got %d", len(f.publisher.events))
	}

	// Byte-identical redelivery under the same correlation id: suppressed
	// at admission, and re-running the already-settled job is a marker
	// no-op.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, signedCloudRequest(body, "corr-e2e"))
	if rec.Code != http.StatusOK {
		t.Fatalf("redelivery must be acknowledged, got %d", rec.Code)
	}
	if len(cq.jobs) != 1 {
		t.Fatalf("redelivery admitted a second job")
	}
	if err := f.processor.Process(context.Background(), &job); err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	if len(f.messages.upserted) != 1 || len(f.publisher.events) != 1 {
		t.Fatalf("replay produced duplicate effects: %d rows, %d events",
			len(f.messages.upserted), len(f.publisher.events))
	}
}
