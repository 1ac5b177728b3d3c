// Package dispatcher runs queued background jobs on a fixed set of workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/preprint-harvester/internal/progress"
	"github.com/JakeFAU/preprint-harvester/internal/queue"
)

// Dispatcher fans out queued jobs to a pool of workers.
type Dispatcher struct {
	queue   queue.Queue
	workers int
	timeout time.Duration
	logger  *zap.Logger
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithJobTimeout bounds each job's runtime. Zero means no bound.
func WithJobTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = t }
}

// New creates a Dispatcher with at least one worker.
func New(q queue.Queue, workers int, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queue:   q,
		workers: max(workers, 1),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run starts all workers and blocks until the context finishes or the queue
// is closed. In-flight jobs see the same context.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := range d.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.work(ctx, i)
		}()
	}
	wg.Wait()
}

func (d *Dispatcher) work(ctx context.Context, worker int) {
	log := d.logger.With(zap.Int("worker", worker))
	for {
		job, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Info("worker stopping", zap.Error(err))
			}
			return
		}
		d.execute(ctx, job, log)
	}
}

func (d *Dispatcher) execute(ctx context.Context, job queue.Job, log *zap.Logger) {
	log = log.With(zap.String("job_id", job.ID.String()), zap.String("kind", job.Kind))
	jobCtx := progress.WithRunID(ctx, job.ID)
	if d.timeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(jobCtx, d.timeout)
		defer cancel()
	}
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("job panicked", zap.Any("panic", rec))
		}
	}()

	start := time.Now()
	log.Info("job started", zap.Duration("queued_for", start.Sub(job.Submitted)))
	if err := job.Run(jobCtx); err != nil {
		log.Error("job failed", zap.Duration("duration", time.Since(start)), zap.Error(err))
		return
	}
	log.Info("job finished", zap.Duration("duration", time.Since(start)))
}

// Enqueue validates the job and proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, job queue.Job) error {
	if job.ID == uuid.Nil {
		return errors.New("job id is required")
	}
	if job.Run == nil {
		return errors.New("job function is required")
	}
	if job.Submitted.IsZero() {
		job.Submitted = time.Now().UTC()
	}
	if err := d.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
