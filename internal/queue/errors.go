package queue

import (
	"errors"
	"fmt"
)

// Errors returned by queue backends.
var (
	ErrNotFound       = errors.New("job not found")
	ErrDuplicateJob   = errors.New("job already exists")
	ErrAlreadySettled = errors.New("reservation already settled")
	ErrInvalidStatus  = errors.New("invalid job status")
	ErrClosed         = errors.New("queue is closed")
)

// ConnectionError reports a broker connection or channel setup failure.
// Once returned, the broker backend stays unusable until recreated.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("broker connection failed: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// PoisonMessageError describes a delivered message that could not be parsed.
// It is logged and the message is rejected; no caller ever receives it.
type PoisonMessageError struct {
	DeliveryTag uint64
	Err         error
}

func (e *PoisonMessageError) Error() string {
	return fmt.Sprintf("poison message (delivery %d): %v", e.DeliveryTag, e.Err)
}

func (e *PoisonMessageError) Unwrap() error { return e.Err }

// Transport operations reported in TransportError.
const (
	OpAck     = "ack"
	OpNack    = "nack"
	OpPublish = "publish"
	OpPurge   = "purge"
)

// TransportError wraps a failure acking, nacking, publishing or purging.
// These are logged and never retried by the queue.
type TransportError struct {
	Op    string
	JobID string
	Err   error
}

func (e *TransportError) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("failed to %s job %s: %v", e.Op, e.JobID, e.Err)
	}
	return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
