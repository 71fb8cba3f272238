// Package worker runs registered handlers against jobs reserved from a queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"jobqueue/internal/domain"
	"jobqueue/internal/metrics"
	"jobqueue/internal/queue"
)

// Defaults applied by NewPool.
const (
	DefaultConcurrency  = 4
	DefaultPollInterval = time.Second
	DefaultJobTimeout   = 5 * time.Minute
	DefaultMaxAttempts  = 5

	settleTimeout = 10 * time.Second
)

// Option configures a Pool.
type Option func(*Pool)

// WithConcurrency sets the number of concurrent reservers.
func WithConcurrency(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithPollInterval sets how long a reserver sleeps when nothing is due.
func WithPollInterval(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithJobTimeout bounds a single handler invocation.
func WithJobTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.jobTimeout = d
		}
	}
}

// WithMaxAttempts sets how many reservations a job gets before it fails.
func WithMaxAttempts(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithBackoff sets the retry delay strategy.
func WithBackoff(b Backoff) Option {
	return func(p *Pool) {
		if b != nil {
			p.backoff = b
		}
	}
}

// WithFilter restricts the jobs this pool reserves.
func WithFilter(f queue.Filter) Option {
	return func(p *Pool) { p.filter = f }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithClock overrides the time source used for retry scheduling.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// Pool reserves jobs and runs their handlers with bounded concurrency.
type Pool struct {
	q        queue.Queue
	handlers *Handlers
	logger   *slog.Logger
	now      func() time.Time

	concurrency  int
	pollInterval time.Duration
	jobTimeout   time.Duration
	maxAttempts  int
	backoff      Backoff
	filter       queue.Filter
}

// NewPool creates a worker pool over q.
func NewPool(q queue.Queue, handlers *Handlers, opts ...Option) *Pool {
	p := &Pool{
		q:            q,
		handlers:     handlers,
		logger:       slog.Default(),
		now:          time.Now,
		concurrency:  DefaultConcurrency,
		pollInterval: DefaultPollInterval,
		jobTimeout:   DefaultJobTimeout,
		maxAttempts:  DefaultMaxAttempts,
		backoff:      ExponentialJitter{Initial: 2 * time.Second, Max: 5 * time.Minute},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts the reservers and blocks until ctx ends or the queue becomes
// unusable. Jobs in flight are settled before Run returns.
func (p *Pool) Run(ctx context.Context) error {
	if err := p.q.Ready(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("queue not ready: %w", err)
	}

	p.logger.Info("worker pool started",
		"backend", p.q.Backend(),
		"concurrency", p.concurrency,
		"max_attempts", p.maxAttempts,
	)

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var wg sync.WaitGroup
	for i := range p.concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.reserveLoop(ctx, i); err != nil {
				cancel(err)
			}
		}()
	}
	wg.Wait()

	p.logger.Info("worker pool stopped")

	if err := context.Cause(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// reserveLoop returns nil when ctx ends and an error when the queue can no
// longer hand out jobs.
func (p *Pool) reserveLoop(ctx context.Context, id int) error {
	logger := p.logger.With("worker", id)

	for {
		if ctx.Err() != nil {
			return nil
		}

		h, err := p.q.ReserveNext(ctx, p.filter)
		switch {
		case ctx.Err() != nil:
			if h != nil {
				p.abandon(ctx, h)
			}
			return nil
		case isFatal(err):
			logger.Error("queue unusable, stopping worker", "error", err)
			return err
		case err != nil:
			logger.Warn("failed to reserve job", "error", err)
			if !p.sleep(ctx) {
				return nil
			}
			continue
		case h == nil:
			if !p.sleep(ctx) {
				return nil
			}
			continue
		}

		p.process(ctx, logger, h)
	}
}

func isFatal(err error) bool {
	var connErr *queue.ConnectionError
	return errors.Is(err, queue.ErrClosed) || errors.As(err, &connErr)
}

func (p *Pool) sleep(ctx context.Context) bool {
	t := time.NewTimer(p.pollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// process runs the handler for one reserved job and settles it.
func (p *Pool) process(ctx context.Context, logger *slog.Logger, h queue.Handle) {
	job := h.Job()
	logger = logger.With("job_id", job.ID, "type", job.Type, "attempt", job.Attempts)

	handler, ok := p.handlers.Get(job.Type)
	if !ok {
		logger.Error("no handler for job type")
		p.settle(ctx, logger, "fail", func(sctx context.Context) error {
			return h.Fail(sctx, fmt.Errorf("%w: %s", ErrNoHandler, job.Type))
		})
		return
	}

	start := time.Now()
	err := p.execute(ctx, handler, job)
	logger = logger.With("duration", time.Since(start))

	switch {
	case err == nil:
		logger.Debug("job completed")
		p.settle(ctx, logger, "complete", h.Complete)

	case ctx.Err() != nil:
		// Shutting down: hand the job back without counting a retry delay.
		logger.Info("releasing job on shutdown", "error", err)
		p.abandon(ctx, h)

	case IsPermanent(err) || job.Attempts >= p.maxAttempts:
		logger.Error("job failed", "error", err, "permanent", IsPermanent(err))
		p.settle(ctx, logger, "fail", func(sctx context.Context) error {
			return h.Fail(sctx, err)
		})

	default:
		delay := p.backoff.Delay(job.Attempts)
		runAt := p.now().Add(delay)
		logger.Warn("job failed, scheduling retry", "error", err, "delay", delay)
		metrics.WorkerRetriesTotal.WithLabelValues(string(job.Type)).Inc()
		p.settle(ctx, logger, "release", func(sctx context.Context) error {
			rerr := h.Release(sctx, queue.ReleaseOptions{RunAt: &runAt})
			var terr *queue.TransportError
			if errors.As(rerr, &terr) && terr.Op == queue.OpPublish {
				// The retry could not be scheduled; do not hold the delivery.
				return errors.Join(rerr, h.Fail(sctx, err))
			}
			return rerr
		})
	}
}

// execute runs handler under the job timeout, turning a panic into an error.
func (p *Pool) execute(ctx context.Context, handler Handler, job domain.Job) (err error) {
	ctx, cancel := context.WithTimeout(ctx, p.jobTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			metrics.WorkerPanicsTotal.WithLabelValues(string(job.Type)).Inc()
			p.logger.Error("handler panicked", "job_id", job.ID, "type", job.Type, "panic", r)
			err = &PanicError{Value: r}
		}
	}()

	return handler(ctx, job)
}

func (p *Pool) abandon(ctx context.Context, h queue.Handle) {
	p.settle(ctx, p.logger.With("job_id", h.Job().ID), "release", func(sctx context.Context) error {
		return h.Release(sctx, queue.ReleaseOptions{})
	})
}

// settle runs op on a context that survives shutdown so reservations are
// never left dangling.
func (p *Pool) settle(ctx context.Context, logger *slog.Logger, action string, op func(context.Context) error) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	if err := op(sctx); err != nil {
		logger.Error("failed to settle job", "action", action, "error", err)
	}
}
