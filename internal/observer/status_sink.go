package observer

import (
	"context"
	"time"

	"jobqueue/internal/metrics"
	"jobqueue/internal/queue"
	"jobqueue/internal/store"
)

// StatusSink records the latest event of each job in a status store.
type StatusSink struct {
	store     store.StatusStore
	storeName string
	ttl       time.Duration
}

// NewStatusSink creates a sink writing to st. storeName labels metrics.
func NewStatusSink(st store.StatusStore, storeName string, ttl time.Duration) *StatusSink {
	return &StatusSink{store: st, storeName: storeName, ttl: ttl}
}

// Name identifies the sink in logs and metrics.
func (s *StatusSink) Name() string { return "status_store" }

// Write stores the event snapshot.
func (s *StatusSink) Write(ctx context.Context, evt queue.Event) error {
	status := &store.JobStatus{
		Job:        evt.Job,
		Event:      string(evt.Kind),
		Backend:    evt.Backend,
		ObservedAt: evt.At,
	}
	if evt.Err != nil {
		status.Error = evt.Err.Error()
	}

	start := time.Now()
	err := s.store.Put(ctx, status, s.ttl)
	metrics.StorageOperationLatency.WithLabelValues(s.storeName, "write").Observe(time.Since(start).Seconds())

	result := "success"
	if err != nil {
		result = "failure"
	}
	metrics.StorageOperationsTotal.WithLabelValues(s.storeName, "write", result).Inc()
	return err
}

// Close closes the underlying store.
func (s *StatusSink) Close() error {
	return s.store.Close()
}
