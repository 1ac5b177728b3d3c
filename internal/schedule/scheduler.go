// Package schedule runs jobs on cron expressions.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job is one scheduled unit of work.
type Job func(ctx context.Context) error

// Scheduler wraps a cron runner whose jobs share one base context. A job
// still running when its next tick fires is skipped.
type Scheduler struct {
	cron   *cron.Cron
	logger *zap.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	names  map[cron.EntryID]string
}

// Option customizes a Scheduler.
type Option func(*options)

type options struct {
	logger   *zap.Logger
	location *time.Location
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithLocation sets the time zone cron expressions are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(o *options) {
		if loc != nil {
			o.location = loc
		}
	}
}

// New builds a stopped Scheduler. Expressions use the standard five fields
// plus descriptors such as @hourly and @every 1h.
func New(opts ...Option) *Scheduler {
	o := options{logger: zap.NewNop(), location: time.UTC}
	for _, opt := range opts {
		opt(&o)
	}
	logger := cronLogger{log: o.logger.Sugar()}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(o.location),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		logger: o.logger,
		ctx:    context.Background(),
		names:  make(map[cron.EntryID]string),
	}
}

// Add registers job under name on the cron expression expr.
func (s *Scheduler) Add(name, expr string, job Job) error {
	if job == nil {
		return errors.New("schedule: job is required")
	}
	id, err := s.cron.AddFunc(expr, func() { s.run(name, job) })
	if err != nil {
		return fmt.Errorf("schedule %s %q: %w", name, expr, err)
	}
	s.mu.Lock()
	s.names[id] = name
	s.mu.Unlock()
	s.logger.Info("job scheduled", zap.String("job", name), zap.String("cron", expr))
	return nil
}

func (s *Scheduler) run(name string, job Job) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	start := time.Now()
	log := s.logger.With(zap.String("job", name))
	log.Info("scheduled job started")
	if err := job(ctx); err != nil {
		log.Error("scheduled job failed", zap.Duration("duration", time.Since(start)), zap.Error(err))
		return
	}
	log.Info("scheduled job finished", zap.Duration("duration", time.Since(start)))
}

// Start begins firing jobs. Jobs receive a context derived from ctx that is
// canceled by Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.cron.Start()
}

// Stop halts the scheduler, cancels running jobs and waits for them or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for scheduled jobs: %w", ctx.Err())
	}
}

// Next reports the next activation of every job by name.
func (s *Scheduler) Next() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.names))
	for _, entry := range s.cron.Entries() {
		out[s.names[entry.ID]] = entry.Next
	}
	return out
}

type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
