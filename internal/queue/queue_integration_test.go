package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func integrationClient(t *testing.T) *goredis.Client {
	t.Helper()
	url := strings.TrimSpace(os.Getenv("WAHUB_TEST_REDIS_URL"))
	if url == "" {
		t.Skip("set WAHUB_TEST_REDIS_URL to run Redis integration tests")
	}
	opts, err := goredis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	client := goredis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("ping redis: %v", err)
	}
	return client
}

func integrationQueue(t *testing.T, client *goredis.Client) *Queue {
	t.Helper()
	name := fmt.Sprintf("it-%d", time.Now().UnixNano())
	q := New(client, name, Options{
		Attempts:     2,
		BackoffBase:  20 * time.Millisecond,
		CompletedTTL: time.Minute,
		CompletedMax: 100,
		FailedTTL:    time.Minute,
		FailedMax:    100,
	}, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		keys, _ := client.Keys(ctx, "wq:"+name+"*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
	})
	return q
}

func TestIntegrationEnqueueDeduplicatesByJobID(t *testing.T) {
	client := integrationClient(t)
	q := integrationQueue(t, client)
	ctx := context.Background()

	job := Job{ID: "corr-dedup", Provider: "evolution", EventType: "MESSAGES_UPSERT",
		Payload: json.RawMessage(`{}`), ReceivedAt: time.Now()}
	if _, err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if _, err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("duplicate enqueue must not error: %v", err)
	}

	metrics, err := q.GetMetrics(ctx)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if metrics.Waiting != 1 {
		t.Fatalf("expected one waiting job after duplicate enqueue, got %d", metrics.Waiting)
	}
}

func TestIntegrationAdmissionMarkerTracksPush(t *testing.T) {
	client := integrationClient(t)
	q := integrationQueue(t, client)
	ctx := context.Background()

	job := Job{ID: "corr-atomic", Provider: "evolution", EventType: "MESSAGES_UPSERT",
		Payload: json.RawMessage(`{}`), ReceivedAt: time.Now()}
	if _, err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Admission is one script: the dedup marker and the queued job appear
	// together, never a marker with no job behind it.
	marker := q.key(":id:") + job.ID
	exists, err := client.Exists(ctx, marker).Result()
	if err != nil {
		t.Fatalf("check marker: %v", err)
	}
	if exists != 1 {
		t.Fatalf("dedup marker missing after enqueue")
	}
	ttl, err := client.PTTL(ctx, marker).Result()
	if err != nil || ttl <= 0 {
		t.Fatalf("dedup marker must carry a ttl, got %v (err %v)", ttl, err)
	}
	metrics, err := q.GetMetrics(ctx)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if metrics.Waiting != 1 {
		t.Fatalf("expected one waiting job, got %d", metrics.Waiting)
	}

	// Once the marker is gone a redelivery is admitted again: the marker
	// is the only thing standing between a retry and the wait list.
	if err := client.Del(ctx, marker).Err(); err != nil {
		t.Fatalf("expire marker: %v", err)
	}
	if _, err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	metrics, err = q.GetMetrics(ctx)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if metrics.Waiting != 2 {
		t.Fatalf("expected redelivery to be admitted after marker loss, got %d waiting", metrics.Waiting)
	}
}

func TestIntegrationRetryExhaustionParksJob(t *testing.T) {
	client := integrationClient(t)
	q := integrationQueue(t, client)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, Job{ID: "corr-fail", Provider: "evolution",
		EventType: "MESSAGES_UPSERT", Payload: json.RawMessage(`{}`), ReceivedAt: time.Now()}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	procErr := errors.New("downstream unavailable")
	for attempt := 1; attempt <= 2; attempt++ {
		job, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("dequeue attempt %d: %v", attempt, err)
		}
		if err := q.Finish(ctx, job, procErr); err != nil {
			t.Fatalf("finish attempt %d: %v", attempt, err)
		}
		if attempt == 1 {
			// The failed attempt sits in the delayed set until its backoff
			// elapses and the promoter moves it back.
			time.Sleep(50 * time.Millisecond)
			if err := q.promoteDue(ctx); err != nil {
				t.Fatalf("promote: %v", err)
			}
		}
	}

	metrics, err := q.GetMetrics(ctx)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if metrics.Failed != 1 {
		t.Fatalf("expected one parked job after exhaustion, got %d", metrics.Failed)
	}
	if metrics.Waiting != 0 || metrics.Delayed != 0 {
		t.Fatalf("exhausted job must leave the live sets: %+v", metrics)
	}
}
