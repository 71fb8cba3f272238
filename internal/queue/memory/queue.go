// Package memory provides an in-memory implementation of queue.Queue.
// It has no external dependencies and is used for development, tests, and
// as the fallback when no broker is configured.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"jobqueue/internal/domain"
	"jobqueue/internal/payload"
	"jobqueue/internal/queue"
)

var _ queue.Queue = (*Queue)(nil)

// Queue is a single-process priority queue over a map of job records.
// Every read and write of the record store happens under one mutex, so
// selecting the best due job and marking it running is atomic with respect
// to concurrent reservations.
type Queue struct {
	registry *payload.Registry
	bus      *queue.Bus
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	jobs   map[string]*domain.Job
	seq    uint64
	closed bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// NewQueue creates an empty in-memory queue validating payloads with registry.
func NewQueue(registry *payload.Registry, opts ...Option) *Queue {
	q := &Queue{
		registry: registry,
		bus:      queue.NewBus(queue.BackendMemory),
		logger:   slog.Default(),
		now:      time.Now,
		jobs:     make(map[string]*domain.Job),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue validates the payload and stores a new queued job.
func (q *Queue) Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	data, err := q.registry.Validate(req.Type, req.Payload)
	if err != nil {
		return "", err
	}
	if err := payload.ValidateProjectID(req.Type, req.ProjectID); err != nil {
		return "", err
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", queue.ErrClosed
	}
	if _, exists := q.jobs[id]; exists {
		return "", fmt.Errorf("%w: %s", queue.ErrDuplicateJob, id)
	}

	now := q.now().UTC()
	runAt := req.RunAt
	if runAt.IsZero() {
		runAt = now
	}

	q.seq++
	job := &domain.Job{
		ID:        id,
		Type:      req.Type,
		ProjectID: req.ProjectID,
		Payload:   data,
		Status:    domain.StatusQueued,
		Priority:  domain.ClampPriority(req.Priority),
		RunAt:     runAt.UTC(),
		CreatedAt: now,
		UpdatedAt: now,
		Sequence:  q.seq,
	}
	q.jobs[id] = job
	q.bus.Emit(queue.EventEnqueued, job, nil)

	q.logger.Debug("job enqueued",
		"job_id", id,
		"type", job.Type,
		"project_id", job.ProjectID,
		"priority", job.Priority,
	)

	return id, nil
}

// List returns copies of the jobs matching filter in dispatch order.
func (q *Queue) List(_ context.Context, filter queue.Filter) ([]domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	matched := make([]*domain.Job, 0, len(q.jobs))
	for _, j := range q.jobs {
		if filter.Matches(j) {
			matched = append(matched, j)
		}
	}
	slices.SortFunc(matched, queue.Compare)

	result := make([]domain.Job, len(matched))
	for i, j := range matched {
		result[i] = j.Clone()
	}
	return result, nil
}

// ReserveNext claims the best due job matching filter.
// It never blocks: nil, nil means nothing is due.
func (q *Queue) ReserveNext(ctx context.Context, filter queue.Filter) (queue.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, queue.ErrClosed
	}

	now := q.now().UTC()
	var best *domain.Job
	for _, j := range q.jobs {
		if j.Status != domain.StatusQueued || !j.IsDue(now) || !filter.Matches(j) {
			continue
		}
		if best == nil || queue.Less(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}

	best.Status = domain.StatusRunning
	best.StartedAt = &now
	best.FinishedAt = nil
	best.Attempts++
	best.UpdatedAt = now
	q.bus.Emit(queue.EventStarted, best, nil)

	return &handle{
		q:        q,
		job:      best,
		attempt:  best.Attempts,
		snapshot: best.Clone(),
	}, nil
}

// Delete removes a job regardless of its status.
func (q *Queue) Delete(_ context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.jobs[id]; !ok {
		return false, nil
	}
	delete(q.jobs, id)
	return true, nil
}

// Clear removes every job.
func (q *Queue) Clear(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = make(map[string]*domain.Job)
	return nil
}

// UpdateStatus sets a job's status, bypassing the lifecycle rules.
// Timestamps are adjusted so the record invariants keep holding.
func (q *Queue) UpdateStatus(_ context.Context, id string, status domain.Status) error {
	if !status.IsValid() {
		return fmt.Errorf("%w: %q", queue.ErrInvalidStatus, status)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", queue.ErrNotFound, id)
	}

	now := q.now().UTC()
	prev := j.Status
	j.Status = status
	j.UpdatedAt = now

	switch {
	case status == domain.StatusQueued:
		j.StartedAt = nil
		j.FinishedAt = nil
	case status == domain.StatusRunning:
		if j.StartedAt == nil {
			j.StartedAt = &now
		}
		if j.Attempts < 1 {
			j.Attempts = 1
		}
		j.FinishedAt = nil
	case status.IsTerminal():
		if j.FinishedAt == nil {
			j.FinishedAt = &now
		}
	}

	q.logger.Info("job status overridden",
		"job_id", id,
		"from", prev,
		"to", status,
	)
	return nil
}

// Subscribe registers for lifecycle events.
func (q *Queue) Subscribe(buffer int, kinds ...queue.EventKind) *queue.Subscription {
	return q.bus.Subscribe(buffer, kinds...)
}

// Ready always succeeds; the memory queue needs no setup.
func (q *Queue) Ready(_ context.Context) error { return nil }

// Backend returns queue.BackendMemory.
func (q *Queue) Backend() string { return queue.BackendMemory }

// Len returns the number of stored jobs in any status.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Close rejects further enqueues and reservations and closes subscriptions.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	q.bus.Close()
	return nil
}
