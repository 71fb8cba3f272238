package memory

import (
	"context"
	"fmt"
	"time"

	"jobqueue/internal/domain"
	"jobqueue/internal/queue"
)

// handle is a reservation bound to the queue's own record.
// settled is guarded by q.mu.
type handle struct {
	q        *Queue
	job      *domain.Job
	attempt  int
	snapshot domain.Job
	settled  bool
}

func (h *handle) Job() domain.Job { return h.snapshot.Clone() }

func (h *handle) Complete(_ context.Context) error {
	return h.settle(queue.EventSucceeded, nil, func(j *domain.Job, now time.Time) {
		j.Status = domain.StatusSucceeded
		j.FinishedAt = &now
	})
}

func (h *handle) Fail(_ context.Context, cause error) error {
	return h.settle(queue.EventFailed, cause, func(j *domain.Job, now time.Time) {
		j.Status = domain.StatusFailed
		j.FinishedAt = &now
		if cause != nil {
			j.LastError = cause.Error()
		}
	})
}

func (h *handle) Release(_ context.Context, opts queue.ReleaseOptions) error {
	return h.settle(queue.EventReleased, nil, func(j *domain.Job, _ time.Time) {
		j.Status = domain.StatusQueued
		j.StartedAt = nil
		j.FinishedAt = nil
		if opts.RunAt != nil {
			j.RunAt = opts.RunAt.UTC()
		}
		if opts.Priority != nil {
			j.Priority = domain.ClampPriority(*opts.Priority)
		}
	})
}

// settle applies a transition out of running exactly once. A record that
// was deleted, overridden, or re-reserved since this handle was issued is
// left untouched.
func (h *handle) settle(kind queue.EventKind, cause error, apply func(*domain.Job, time.Time)) error {
	q := h.q
	q.mu.Lock()
	defer q.mu.Unlock()

	if h.settled {
		return queue.ErrAlreadySettled
	}
	if cur, ok := q.jobs[h.job.ID]; !ok || cur != h.job {
		h.settled = true
		return fmt.Errorf("%w: %s", queue.ErrNotFound, h.job.ID)
	}
	if h.job.Status != domain.StatusRunning || h.job.Attempts != h.attempt {
		h.settled = true
		return queue.ErrAlreadySettled
	}

	now := q.now().UTC()
	apply(h.job, now)
	h.job.UpdatedAt = now
	h.settled = true
	q.bus.Emit(kind, h.job, cause)

	q.logger.Debug("job settled",
		"job_id", h.job.ID,
		"event", kind,
		"status", h.job.Status,
		"attempts", h.job.Attempts,
	)
	return nil
}
