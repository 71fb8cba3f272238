// Package observer consumes queue lifecycle events. It keeps the
// Prometheus metrics current and forwards every event to the configured
// sinks (Kafka topic, status store).
package observer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"jobqueue/internal/metrics"
	"jobqueue/internal/queue"
)

// DefaultWriteTimeout bounds a single sink write.
const DefaultWriteTimeout = 5 * time.Second

// Sink receives lifecycle events.
type Sink interface {
	Name() string
	Write(ctx context.Context, evt queue.Event) error
	Close() error
}

// Observer subscribes to a queue and fans its events out.
type Observer struct {
	q            queue.Queue
	sub          *queue.Subscription
	sinks        []Sink
	logger       *slog.Logger
	writeTimeout time.Duration
}

// New subscribes to q right away, so events emitted before Run starts are
// buffered rather than missed.
func New(q queue.Queue, logger *slog.Logger, sinks ...Sink) *Observer {
	return &Observer{
		q:            q,
		sub:          q.Subscribe(queue.DefaultEventBuffer),
		sinks:        sinks,
		logger:       logger,
		writeTimeout: DefaultWriteTimeout,
	}
}

// Run consumes events until ctx ends or the queue closes its subscriptions.
func (o *Observer) Run(ctx context.Context) error {
	sub := o.sub
	defer sub.Close()

	o.logger.Info("event observer started",
		"backend", o.q.Backend(),
		"sinks", len(o.sinks),
	)

	var reported int64
	for {
		select {
		case <-ctx.Done():
			o.logger.Info("event observer stopping due to context cancellation")
			return nil
		case evt, ok := <-sub.C():
			if !ok {
				o.logger.Info("event observer stopping, queue closed")
				return nil
			}
			o.Handle(ctx, evt)

			if dropped := sub.Dropped(); dropped > reported {
				metrics.EventsDroppedTotal.Add(float64(dropped - reported))
				o.logger.Warn("lifecycle events dropped", "total", dropped)
				reported = dropped
			}
		}
	}
}

// Handle records metrics for evt and writes it to every sink.
// Sink failures are logged and do not stop the others.
func (o *Observer) Handle(ctx context.Context, evt queue.Event) {
	record(evt)

	for _, s := range o.sinks {
		wctx, cancel := context.WithTimeout(ctx, o.writeTimeout)
		err := s.Write(wctx, evt)
		cancel()

		if err != nil {
			metrics.SinkWritesTotal.WithLabelValues(s.Name(), "failure").Inc()
			o.logger.Error("failed to write event to sink",
				"sink", s.Name(),
				"event", evt.Kind,
				"job_id", evt.Job.ID,
				"error", err,
			)
			continue
		}
		metrics.SinkWritesTotal.WithLabelValues(s.Name(), "success").Inc()
	}
}

// Close closes every sink.
func (o *Observer) Close() error {
	var errs []error
	for _, s := range o.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func record(evt queue.Event) {
	backend, kind := evt.Backend, string(evt.Job.Type)
	j := evt.Job

	switch evt.Kind {
	case queue.EventEnqueued:
		metrics.JobsEnqueuedTotal.WithLabelValues(backend, kind).Inc()

	case queue.EventStarted:
		metrics.JobsStartedTotal.WithLabelValues(backend, kind).Inc()
		metrics.InflightJobs.WithLabelValues(backend).Inc()
		if j.StartedAt != nil {
			due := j.RunAt
			if due.Before(j.CreatedAt) {
				due = j.CreatedAt
			}
			if wait := j.StartedAt.Sub(due); wait >= 0 {
				metrics.JobWaitLatency.WithLabelValues(backend, kind).Observe(wait.Seconds())
			}
		}

	case queue.EventSucceeded, queue.EventFailed, queue.EventReleased:
		metrics.JobsSettledTotal.WithLabelValues(backend, kind, string(evt.Kind)).Inc()
		metrics.InflightJobs.WithLabelValues(backend).Dec()
		if j.StartedAt != nil && j.FinishedAt != nil {
			metrics.JobRunDuration.WithLabelValues(backend, kind).Observe(j.FinishedAt.Sub(*j.StartedAt).Seconds())
		}
	}
}
