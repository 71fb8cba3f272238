// Package domain contains the core entities of the job queue.
// A Job is an opaque, typed unit of work moved through a fixed lifecycle;
// the queue never interprets the payload beyond schema validation.
package domain

import (
	"encoding/json"
	"math"
	"time"
)

// MaxPriority is the highest priority a job can carry.
// Higher values are dispatched first.
const MaxPriority = 9

// Status represents the lifecycle state of a job.
type Status string

const (
	// StatusQueued means the job is waiting to be reserved.
	StatusQueued Status = "queued"
	// StatusRunning means a worker holds a reservation on the job.
	StatusRunning Status = "running"
	// StatusSucceeded means the job completed successfully.
	StatusSucceeded Status = "succeeded"
	// StatusFailed means the job failed and will not be retried by the queue.
	StatusFailed Status = "failed"
	// StatusCanceled means the job was canceled administratively.
	StatusCanceled Status = "canceled"
)

// IsValid returns true if the status is a known value.
func (s Status) IsValid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for states a job never leaves through the
// normal lifecycle.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

// CanTransition reports whether the lifecycle allows moving from s to next.
// Administrative overrides bypass this check.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusQueued:
		return next == StatusRunning
	case StatusRunning:
		return next == StatusSucceeded || next == StatusFailed || next == StatusQueued
	default:
		return false
	}
}

// Job is the record owned by a queue backend.
// Callers only ever see copies of it (see Clone).
type Job struct {
	// ID is the unique job identifier, caller-supplied or generated.
	ID string `json:"id"`

	// Type selects the payload schema applied at enqueue time.
	Type Kind `json:"type"`

	// ProjectID is the tenant scope used for filtering and routing.
	ProjectID string `json:"projectId"`

	// Payload is the schema-validated, normalized job data.
	Payload json.RawMessage `json:"payload"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`

	// Priority is in [0, MaxPriority].
	Priority int `json:"priority"`

	// Attempts counts successful reservations.
	Attempts int `json:"attempts"`

	// RunAt is the earliest time the job may be reserved.
	RunAt time.Time `json:"runAt"`

	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`

	// LastError holds the message passed to the most recent Fail.
	LastError string `json:"lastError,omitempty"`

	// Sequence breaks ties between jobs created in the same instant.
	// It is assigned by the owning backend and never leaves the process.
	Sequence uint64 `json:"-"`
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() Job {
	cp := *j
	if j.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), j.Payload...)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		cp.FinishedAt = &t
	}
	return cp
}

// IsDue reports whether the job is eligible for reservation at now.
func (j *Job) IsDue(now time.Time) bool {
	return !j.RunAt.After(now)
}

// ClampPriority forces p into [0, MaxPriority].
func ClampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

// PriorityFromFloat converts a wire priority into a valid one.
// NaN and infinities default to 0, fractions are truncated.
func PriorityFromFloat(f float64) int {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	if f < 0 {
		return 0
	}
	if f > MaxPriority {
		return MaxPriority
	}
	return int(f)
}
