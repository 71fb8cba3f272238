// Package store defines interfaces for job status persistence.
// These abstractions allow swapping implementations (Redis, in-memory)
// without changing the observer that feeds them or the API that reads them.
package store

import (
	"context"
	"time"

	"jobqueue/internal/domain"
)

// JobStatus is the last observed lifecycle event of a job.
type JobStatus struct {
	// Job is the snapshot carried by the event.
	Job domain.Job `json:"job"`

	// Event is the lifecycle event that produced the snapshot.
	Event string `json:"event"`

	// Backend is the queue backend that emitted the event.
	Backend string `json:"backend"`

	// Error is set for failed events.
	Error string `json:"error,omitempty"`

	// ObservedAt is when the event was emitted.
	ObservedAt time.Time `json:"observed_at"`
}

// StatusStore keeps the latest JobStatus per job id. Broker-backed jobs
// disappear from the broker once settled, so this is where their outcome
// stays inspectable. All methods must be safe for concurrent use.
type StatusStore interface {
	// Get returns the status for id. Returns nil, nil if unknown or expired.
	Get(ctx context.Context, id string) (*JobStatus, error)

	// Put stores status, replacing any previous entry for the job. A zero
	// ttl keeps the entry until deleted.
	Put(ctx context.Context, status *JobStatus, ttl time.Duration) error

	// Delete removes the entry for id.
	Delete(ctx context.Context, id string) error

	// ListByProject returns every live entry of a project, newest first.
	ListByProject(ctx context.Context, projectID string) ([]JobStatus, error)

	// Close releases any resources held by the store.
	Close() error
}
