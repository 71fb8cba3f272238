// Package queue defines the job queue contract shared by every backend.
// This abstraction allows swapping implementations (in-memory, AMQP broker)
// without changing the worker loop or any caller.
package queue

import (
	"context"
	"time"

	"jobqueue/internal/domain"
)

// Backend names reported by Queue.Backend.
const (
	BackendMemory = "memory"
	BackendBroker = "broker"
)

// EnqueueRequest describes a job to create.
type EnqueueRequest struct {
	// ID is optional; a UUID is generated when empty.
	ID string

	// Type selects the payload schema.
	Type domain.Kind

	// ProjectID scopes the job to a tenant project.
	ProjectID string

	// Payload is validated against the schema of Type. Raw JSON or any
	// JSON-encodable value is accepted.
	Payload any

	// Priority is clamped into [0, domain.MaxPriority].
	Priority int

	// RunAt delays eligibility. Zero means immediately eligible.
	RunAt time.Time
}

// ReleaseOptions override scheduling fields when a job is released.
// Nil fields keep their current values.
type ReleaseOptions struct {
	RunAt    *time.Time
	Priority *int
}

// Handle is a reservation on a single job.
// Exactly one of Complete, Fail or Release takes effect; later calls
// return ErrAlreadySettled.
type Handle interface {
	// Job returns the snapshot taken at reservation time.
	Job() domain.Job

	// Complete marks the job succeeded.
	Complete(ctx context.Context) error

	// Fail marks the job failed. The queue never retries a failed job.
	Fail(ctx context.Context, cause error) error

	// Release returns the job to the queue, optionally rescheduled.
	Release(ctx context.Context, opts ReleaseOptions) error
}

// Queue is the job queue surface implemented by every backend.
// Implementations must be safe for concurrent use.
type Queue interface {
	// Enqueue validates and stores a job, returning its ID.
	Enqueue(ctx context.Context, req EnqueueRequest) (string, error)

	// List returns snapshots of the jobs visible to this backend.
	List(ctx context.Context, filter Filter) ([]domain.Job, error)

	// ReserveNext claims the best due job matching filter.
	// The memory backend returns nil, nil when nothing is due; the broker
	// backend blocks until a match arrives or ctx ends.
	ReserveNext(ctx context.Context, filter Filter) (Handle, error)

	// Delete removes a job by id and reports whether one was removed.
	// The broker backend only sees jobs buffered in this process.
	Delete(ctx context.Context, id string) (bool, error)

	// Clear removes every job.
	Clear(ctx context.Context) error

	// UpdateStatus is an administrative override of the lifecycle.
	UpdateStatus(ctx context.Context, id string, status domain.Status) error

	// Subscribe registers for lifecycle events. No kinds means all kinds.
	Subscribe(buffer int, kinds ...EventKind) *Subscription

	// Ready blocks until the backend finished its setup.
	Ready(ctx context.Context) error

	// Backend returns the backend name.
	Backend() string

	// Close releases any resources held by the queue.
	Close() error
}
