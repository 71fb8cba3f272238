package broker

import (
	"context"
	"sync"

	"jobqueue/internal/domain"
	"jobqueue/internal/queue"
)

// handle owns an unacknowledged delivery. The job record is no longer in
// the pending buffer, so only the handle mutates it.
type handle struct {
	q        *Queue
	job      *domain.Job
	tag      uint64
	snapshot domain.Job

	mu      sync.Mutex
	settled bool
}

func (h *handle) Job() domain.Job { return h.snapshot.Clone() }

// Complete acknowledges the delivery, then marks the job succeeded.
// An ack failure still settles the handle; the broker redelivers the
// message once the channel closes.
func (h *handle) Complete(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.settled {
		return queue.ErrAlreadySettled
	}
	h.settled = true

	if err := h.q.transport.Ack(h.tag); err != nil {
		return h.q.transportFailed(queue.OpAck, h.job.ID, err)
	}

	now := h.q.now().UTC()
	h.job.Status = domain.StatusSucceeded
	h.job.FinishedAt = &now
	h.job.UpdatedAt = now
	h.q.bus.Emit(queue.EventSucceeded, h.job, nil)
	return nil
}

// Fail rejects the delivery without requeue. The broker drops it, or
// routes it to the dead-letter exchange when one is configured. The
// failed state is recorded locally for observers only.
func (h *handle) Fail(_ context.Context, cause error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.settled {
		return queue.ErrAlreadySettled
	}
	h.settled = true

	if err := h.q.transport.Nack(h.tag, false); err != nil {
		return h.q.transportFailed(queue.OpNack, h.job.ID, err)
	}

	now := h.q.now().UTC()
	h.job.Status = domain.StatusFailed
	h.job.FinishedAt = &now
	h.job.UpdatedAt = now
	if cause != nil {
		h.job.LastError = cause.Error()
	}
	h.q.bus.Emit(queue.EventFailed, h.job, cause)
	return nil
}

// Release publishes a fresh message carrying the same id, payload and
// attempt count, then acknowledges the original. Publishing first means a
// crash in between yields a duplicate rather than a lost job. If the
// publish fails the handle stays unsettled and the original delivery is
// kept.
func (h *handle) Release(ctx context.Context, opts queue.ReleaseOptions) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.settled {
		return queue.ErrAlreadySettled
	}

	now := h.q.now().UTC()
	next := h.job.Clone()
	next.Status = domain.StatusQueued
	next.StartedAt = nil
	next.FinishedAt = nil
	next.UpdatedAt = now
	if opts.RunAt != nil {
		next.RunAt = opts.RunAt.UTC()
	}
	if opts.Priority != nil {
		next.Priority = domain.ClampPriority(*opts.Priority)
	}

	if err := h.q.publish(ctx, &next); err != nil {
		return err
	}
	h.settled = true

	*h.job = next
	h.q.bus.Emit(queue.EventReleased, h.job, nil)

	if err := h.q.transport.Ack(h.tag); err != nil {
		return h.q.transportFailed(queue.OpAck, h.job.ID, err)
	}
	return nil
}
