// Package queue is the durability boundary of the webhook pipeline: once
// Enqueue returns, the HTTP handler may acknowledge the provider even
// though processing has not happened yet. Backend flakiness becomes queue
// backlog instead of provider-visible errors (which would trigger provider
// retry storms).
//
// Delivery is at-least-once: a job whose attempt fails is re-scheduled
// with backoff until its attempts run out, and providers redeliver on
// their own, so everything downstream of the queue must be idempotent.
// Claims are not leased; a worker process dying between dequeue and
// settle drops that claim, and recovering it is left to provider
// redelivery.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Job is one unit of webhook processing. ID is the request's correlation
// id and doubles as the queue's idempotency key: enqueuing the same ID
// twice yields one executable job.
type Job struct {
	ID         string          `json:"id"`
	TenantID   *uuid.UUID      `json:"tenant_id,omitempty"`
	AccountID  *uuid.UUID      `json:"account_id,omitempty"`
	Provider   string          `json:"provider"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`

	// Attempt counts finished executions. Managed by Finish; enqueue with
	// zero.
	Attempt int `json:"attempt"`
}

// Options mirror the retry and retention policy of the pipeline: three
// attempts with exponential backoff from a 2s base (2s, 4s), completed ids
// kept 24h (capped at 1000) for observability, failed jobs kept 7 days
// (capped at 5000) for manual replay.
type Options struct {
	Attempts     int
	BackoffBase  time.Duration
	CompletedTTL time.Duration
	CompletedMax int64
	FailedTTL    time.Duration
	FailedMax    int64
}

func DefaultOptions() Options {
	return Options{
		Attempts:     3,
		BackoffBase:  2 * time.Second,
		CompletedTTL: 24 * time.Hour,
		CompletedMax: 1000,
		FailedTTL:    7 * 24 * time.Hour,
		FailedMax:    5000,
	}
}

// Backoff returns the delay before the next execution after `attempt`
// failed ones: base * 2^(attempt-1).
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}

var ErrEmpty = errors.New("queue is empty")

// Queue is a Redis-backed work queue. Layout under "wq:<name>":
//
//	:id:<jobID>  admission dedup marker (SET NX, completed-TTL expiry)
//	:wait        LIST of ready jobs, LPUSH in / BRPOP out
//	:delayed     ZSET of retrying jobs scored by ready-at time
//	:completed   LIST of completed job ids, trimmed and expiring
//	:failed      LIST of exhausted jobs, trimmed and expiring
type Queue struct {
	rdb    *goredis.Client
	name   string
	opts   Options
	logger *zap.Logger
}

func New(rdb *goredis.Client, name string, opts Options, logger *zap.Logger) *Queue {
	if opts.Attempts <= 0 {
		opts = DefaultOptions()
	}
	return &Queue{rdb: rdb, name: name, opts: opts, logger: logger}
}

func (q *Queue) key(suffix string) string {
	return "wq:" + q.name + suffix
}

// admitScript claims the dedup marker and pushes the job in one atomic
// step, so a failed enqueue never leaves a marker behind to suppress the
// caller's retry of the same delivery.
var admitScript = goredis.NewScript(`
if redis.call("SET", KEYS[1], "1", "NX", "PX", ARGV[2]) then
	redis.call("LPUSH", KEYS[2], ARGV[1])
	return 1
end
return 0
`)

// Enqueue admits a job, de-duplicating on Job.ID. The second enqueue with
// the same id (a provider redelivering before we processed the first copy)
// is a silent no-op that still reports success to the caller.
func (q *Queue) Enqueue(ctx context.Context, job Job) (string, error) {
	if job.ID == "" {
		return "", fmt.Errorf("enqueue: job id is required")
	}

	raw, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}

	admitted, err := admitScript.Run(ctx, q.rdb,
		[]string{q.key(":id:") + job.ID, q.key(":wait")},
		raw, q.opts.CompletedTTL.Milliseconds(),
	).Int()
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	if admitted == 0 {
		q.logger.Debug("duplicate job suppressed at admission",
			zap.String("job_id", job.ID),
		)
		return job.ID, nil
	}

	q.logger.Debug("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("provider", job.Provider),
		zap.String("event_type", job.EventType),
	)
	return job.ID, nil
}

// Dequeue blocks up to a few seconds for the next ready job and returns
// ErrEmpty on timeout so callers can loop with a cancellation check.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	res, err := q.rdb.BRPop(ctx, 5*time.Second, q.key(":wait")).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, ErrEmpty
		}
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	// BRPop returns [key, value].
	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &job, nil
}

// Finish settles an execution. nil error completes the job; otherwise the
// attempt counter advances and the job is either re-scheduled with
// exponential backoff or, with retries exhausted, parked in the failed set
// for manual inspection. Nothing is ever silently dropped.
func (q *Queue) Finish(ctx context.Context, job *Job, procErr error) error {
	if procErr == nil {
		pipe := q.rdb.TxPipeline()
		pipe.LPush(ctx, q.key(":completed"), job.ID)
		pipe.LTrim(ctx, q.key(":completed"), 0, q.opts.CompletedMax-1)
		pipe.Expire(ctx, q.key(":completed"), q.opts.CompletedTTL)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("complete job: %w", err)
		}
		return nil
	}

	job.Attempt++
	if job.Attempt < q.opts.Attempts {
		delay := Backoff(q.opts.BackoffBase, job.Attempt)
		raw, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("marshal job for retry: %w", err)
		}
		readyAt := time.Now().Add(delay)
		if err := q.rdb.ZAdd(ctx, q.key(":delayed"), goredis.Z{
			Score:  float64(readyAt.UnixMilli()),
			Member: raw,
		}).Err(); err != nil {
			return fmt.Errorf("schedule retry: %w", err)
		}
		q.logger.Warn("job failed, retry scheduled",
			zap.String("job_id", job.ID),
			zap.Int("attempt", job.Attempt),
			zap.Duration("delay", delay),
			zap.Error(procErr),
		)
		return nil
	}

	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal failed job: %w", err)
	}
	pipe := q.rdb.TxPipeline()
	pipe.LPush(ctx, q.key(":failed"), raw)
	pipe.LTrim(ctx, q.key(":failed"), 0, q.opts.FailedMax-1)
	pipe.Expire(ctx, q.key(":failed"), q.opts.FailedTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("park failed job: %w", err)
	}
	q.logger.Error("job exhausted retries, parked in failed set",
		zap.String("job_id", job.ID),
		zap.Int("attempts", job.Attempt),
		zap.Error(procErr),
	)
	return nil
}

// RunPromoter moves due retries from the delayed set back to the wait list.
// One promoter loop per process is enough; ZRem arbitrates when several
// processes race on the same member, so a job is promoted exactly once.
func (q *Queue) RunPromoter(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.promoteDue(ctx); err != nil && ctx.Err() == nil {
				q.logger.Error("promote delayed jobs", zap.Error(err))
			}
		}
	}
}

func (q *Queue) promoteDue(ctx context.Context) error {
	now := float64(time.Now().UnixMilli())
	members, err := q.rdb.ZRangeByScore(ctx, q.key(":delayed"), &goredis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%f", now), Count: 100,
	}).Result()
	if err != nil {
		return err
	}

	for _, member := range members {
		removed, err := q.rdb.ZRem(ctx, q.key(":delayed"), member).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue // another promoter won the race
		}
		if err := q.rdb.LPush(ctx, q.key(":wait"), member).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Metrics reports queue depths for the operator endpoint.
type Metrics struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Backlog   int64 `json:"backlog"`
}

func (q *Queue) GetMetrics(ctx context.Context) (*Metrics, error) {
	pipe := q.rdb.Pipeline()
	waiting := pipe.LLen(ctx, q.key(":wait"))
	delayed := pipe.ZCard(ctx, q.key(":delayed"))
	completed := pipe.LLen(ctx, q.key(":completed"))
	failed := pipe.LLen(ctx, q.key(":failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue metrics: %w", err)
	}

	m := &Metrics{
		Waiting:   waiting.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}
	m.Backlog = m.Waiting + m.Delayed
	return m, nil
}
