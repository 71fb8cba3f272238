// Package metrics provides Prometheus metrics for jobqueue.
// It tracks job lifecycle transitions, broker health, and the sinks that
// receive lifecycle events.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "jobqueue"
)

// Job metrics track the lifecycle of every job, per backend and kind.
var (
	// JobsEnqueuedTotal counts jobs accepted by a backend.
	JobsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Total number of jobs enqueued",
		},
		[]string{"backend", "type"},
	)

	// JobsStartedTotal counts reservations.
	JobsStartedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_started_total",
			Help:      "Total number of job reservations",
		},
		[]string{"backend", "type"},
	)

	// JobsSettledTotal counts settled reservations.
	JobsSettledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_settled_total",
			Help:      "Total number of settled reservations",
		},
		[]string{"backend", "type", "result"}, // result: succeeded, failed, released
	)

	// JobWaitLatency measures time from eligibility to reservation.
	JobWaitLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_wait_latency_seconds",
			Help:      "Time a due job waited before being reserved in seconds",
			Buckets:   []float64{.005, .01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"backend", "type"},
	)

	// JobRunDuration measures time from reservation to settlement.
	JobRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_run_duration_seconds",
			Help:      "Time a reservation was held before being settled in seconds",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 900},
		},
		[]string{"backend", "type"},
	)

	// InflightJobs tracks reservations not yet settled.
	InflightJobs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight_jobs",
			Help:      "Current number of reserved jobs not yet settled",
		},
		[]string{"backend"},
	)

	// EventsDroppedTotal counts lifecycle events dropped by slow subscribers.
	EventsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Total number of lifecycle events dropped by full subscriptions",
		},
	)
)

// Broker metrics track the AMQP-backed queue.
var (
	// BrokerPendingJobs tracks the local pending buffer size.
	BrokerPendingJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broker_pending_jobs",
			Help:      "Current number of delivered jobs waiting for a reservation",
		},
	)

	// BrokerWaiters tracks blocked reservations.
	BrokerWaiters = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broker_waiters",
			Help:      "Current number of reservations waiting for a delivery",
		},
	)

	// BrokerPoisonMessagesTotal counts deliveries rejected as unparseable.
	BrokerPoisonMessagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_poison_messages_total",
			Help:      "Total number of deliveries rejected because they could not be parsed",
		},
	)

	// BrokerTransportErrorsTotal counts failed transport operations.
	BrokerTransportErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_transport_errors_total",
			Help:      "Total number of failed broker operations",
		},
		[]string{"op"}, // op: ack, nack, publish, purge, connect
	)

	// BrokerPublishLatency measures time to publish a message.
	BrokerPublishLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "broker_publish_latency_seconds",
			Help:      "Time to publish a message to the broker in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)
)

// Sink metrics track where lifecycle events are forwarded.
var (
	// SinkWritesTotal counts event writes per sink.
	SinkWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_writes_total",
			Help:      "Total number of lifecycle events written to sinks",
		},
		[]string{"sink", "status"}, // status: success, failure
	)

	// StorageOperationLatency measures latency of status store operations.
	StorageOperationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_latency_seconds",
			Help:      "Latency of storage operations in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5},
		},
		[]string{"store", "operation"}, // store: memory, redis; operation: read, write
	)

	// StorageOperationsTotal counts status store operations.
	StorageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operations_total",
			Help:      "Total number of storage operations",
		},
		[]string{"store", "operation", "status"}, // status: success, failure
	)
)

// Worker metrics track the job runner.
var (
	// WorkerRetriesTotal counts jobs released for another attempt.
	WorkerRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_retries_total",
			Help:      "Total number of jobs released by the worker for retry",
		},
		[]string{"type"},
	)

	// WorkerPanicsTotal counts handler panics recovered by the worker.
	WorkerPanicsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_panics_total",
			Help:      "Total number of handler panics recovered by the worker",
		},
		[]string{"type"},
	)
)
