package worker

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/relayworks/wahub/internal/queue"
)

// JobQueue is the slice of the queue the pool consumes. Narrowed to an
// interface so pool tests can drive jobs through without Redis.
type JobQueue interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Finish(ctx context.Context, job *queue.Job, procErr error) error
}

// Pool runs a fixed set of goroutines against the queue with a shared
// rate ceiling. Concurrency bounds how many jobs are in flight at once;
// the limiter bounds overall throughput so a webhook burst drains as
// backlog instead of overwhelming Postgres.
type Pool struct {
	queue       JobQueue
	processor   *Processor
	concurrency int
	limiter     *rate.Limiter
	logger      *zap.Logger
}

func NewPool(q JobQueue, processor *Processor, concurrency, ratePerSec int, logger *zap.Logger) *Pool {
	if concurrency <= 0 {
		concurrency = 10
	}
	if ratePerSec <= 0 {
		ratePerSec = 100
	}
	return &Pool{
		queue:       q,
		processor:   processor,
		concurrency: concurrency,
		limiter:     rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
		logger:      logger,
	}
}

// Run blocks until ctx is cancelled and every in-flight job has settled.
// In-flight work is allowed to finish on shutdown; anything still queued
// survives in Redis for the next start.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.runWorker(ctx, worker)
		}(i)
	}
	wg.Wait()
	p.logger.Info("worker pool drained")
}

func (p *Pool) runWorker(ctx context.Context, worker int) {
	logger := p.logger.With(zap.Int("worker", worker))
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrEmpty) || ctx.Err() != nil {
				if ctx.Err() != nil {
					return
				}
				continue
			}
			logger.Error("dequeue failed", zap.Error(err))
			continue
		}

		// Settle with a fresh context so cancellation mid-job does not
		// turn a finished execution into a phantom retry.
		procErr := p.processor.Process(ctx, job)
		if err := p.queue.Finish(context.WithoutCancel(ctx), job, procErr); err != nil {
			logger.Error("settle job failed",
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
		}
	}
}
