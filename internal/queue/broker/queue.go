// Package broker implements queue.Queue on top of a message broker.
//
// The broker pushes deliveries asynchronously while workers pull with
// ReserveNext. Deliveries land in a pending buffer kept in dispatch order;
// reservations that find nothing eligible register as waiters and are
// served in arrival order as matching deliveries come in.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"jobqueue/internal/domain"
	"jobqueue/internal/metrics"
	"jobqueue/internal/payload"
	"jobqueue/internal/queue"
)

var _ queue.Queue = (*Queue)(nil)

// pending is a delivered job that has not been reserved.
type pending struct {
	job *domain.Job
	tag uint64
}

// waiter is a blocked ReserveNext call. result has room for one value so
// the ingestion path never blocks on it.
type waiter struct {
	filter queue.Filter
	result chan reservation
}

type reservation struct {
	handle *handle
	err    error
}

// Queue is the broker-backed queue.
type Queue struct {
	transport Transport
	registry  *payload.Registry
	bus       *queue.Bus
	logger    *slog.Logger
	now       func() time.Time

	ready    chan struct{}
	readyErr error
	cancel   context.CancelFunc
	done     chan struct{}

	mu      sync.Mutex
	pending []*pending
	waiters []*waiter
	timer   *time.Timer
	wakeAt  time.Time
	seq     uint64
	broken  error
	closed  bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// WithClock overrides the time source used for eligibility and timestamps.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New returns immediately and connects in the background.
// Use Ready to wait for the outcome.
func New(transport Transport, registry *payload.Registry, opts ...Option) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		transport: transport,
		registry:  registry,
		bus:       queue.NewBus(queue.BackendBroker),
		logger:    slog.Default(),
		now:       time.Now,
		ready:     make(chan struct{}),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}

	go q.run(ctx)
	return q
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.done)

	deliveries, err := q.transport.Connect(ctx)
	if err != nil {
		connErr := &queue.ConnectionError{Err: err}
		metrics.BrokerTransportErrorsTotal.WithLabelValues("connect").Inc()
		q.logger.Error("broker setup failed", "error", err)
		q.readyErr = connErr
		close(q.ready)
		q.breakWith(connErr)
		return
	}
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		// Close raced setup; drop the session it never saw.
		q.transport.Close()
		close(q.ready)
		return
	}
	close(q.ready)
	q.logger.Info("broker consumer started")

	for d := range deliveries {
		q.ingest(d)
	}

	q.mu.Lock()
	closed = q.closed
	q.mu.Unlock()
	if closed {
		return
	}

	cause := ErrTransportClosed
	if r, ok := q.transport.(closeReporter); ok && r.Err() != nil {
		cause = r.Err()
	}
	q.logger.Error("broker delivery stream ended", "error", cause)
	q.breakWith(&queue.ConnectionError{Err: cause})
}

// breakWith marks the queue unusable and wakes every waiter with err.
func (q *Queue) breakWith(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.broken == nil {
		q.broken = err
	}
	q.failWaiters(err)
}

// failWaiters must be called with q.mu held.
func (q *Queue) failWaiters(err error) {
	for _, w := range q.waiters {
		w.result <- reservation{err: err}
	}
	q.waiters = nil
	metrics.BrokerWaiters.Set(0)
}

// ingest turns a delivery into a pending record.
func (q *Queue) ingest(d Delivery) {
	job, err := decodeEnvelope(d.Body, q.now().UTC())
	if err != nil {
		perr := &queue.PoisonMessageError{DeliveryTag: d.Tag, Err: err}
		metrics.BrokerPoisonMessagesTotal.Inc()
		q.logger.Warn("rejecting poison message",
			"delivery_tag", d.Tag,
			"message_id", d.MessageID,
			"error", perr,
		)
		if nerr := q.transport.Nack(d.Tag, false); nerr != nil {
			q.transportFailed(queue.OpNack, "", nerr)
		}
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	// Left unacked; the broker requeues it when the channel closes.
	if q.closed {
		return
	}

	q.seq++
	job.Sequence = q.seq
	p := &pending{job: job, tag: d.Tag}
	q.insert(p)
	q.bus.Emit(queue.EventEnqueued, job, nil)

	q.logger.Debug("job delivered",
		"job_id", job.ID,
		"type", job.Type,
		"project_id", job.ProjectID,
		"priority", job.Priority,
		"redelivered", d.Redelivered,
	)

	q.serveWaiters()
}

// insert keeps the buffer in dispatch order. Must be called with q.mu held.
func (q *Queue) insert(p *pending) {
	i, _ := slices.BinarySearchFunc(q.pending, p, func(a, b *pending) int {
		return queue.Compare(a.job, b.job)
	})
	q.pending = slices.Insert(q.pending, i, p)
	metrics.BrokerPendingJobs.Set(float64(len(q.pending)))
}

// take removes and returns the best due pending job matching filter.
// Must be called with q.mu held.
func (q *Queue) take(filter queue.Filter, now time.Time) *pending {
	for i, p := range q.pending {
		if !p.job.IsDue(now) || !filter.Matches(p.job) {
			continue
		}
		q.pending = slices.Delete(q.pending, i, i+1)
		metrics.BrokerPendingJobs.Set(float64(len(q.pending)))
		return p
	}
	return nil
}

// serveWaiters hands due jobs to waiters in registration order and arms
// the wake-up timer for the earliest job not yet due.
// Must be called with q.mu held.
func (q *Queue) serveWaiters() {
	now := q.now().UTC()
	remaining := q.waiters[:0]
	for _, w := range q.waiters {
		if p := q.take(w.filter, now); p != nil {
			w.result <- reservation{handle: q.start(p, now)}
			continue
		}
		remaining = append(remaining, w)
	}
	clear(q.waiters[len(remaining):])
	q.waiters = remaining
	metrics.BrokerWaiters.Set(float64(len(q.waiters)))

	q.armTimer(now)
}

// armTimer schedules serveWaiters for the earliest future runAt while
// someone is waiting. Must be called with q.mu held.
func (q *Queue) armTimer(now time.Time) {
	if len(q.waiters) == 0 || q.closed {
		return
	}

	var next time.Time
	for _, p := range q.pending {
		if p.job.IsDue(now) {
			continue
		}
		if next.IsZero() || p.job.RunAt.Before(next) {
			next = p.job.RunAt
		}
	}
	if next.IsZero() {
		return
	}
	if q.timer != nil && !q.wakeAt.IsZero() && !next.Before(q.wakeAt) {
		return
	}

	q.wakeAt = next
	d := next.Sub(now)
	if q.timer == nil {
		q.timer = time.AfterFunc(d, q.wake)
		return
	}
	q.timer.Reset(d)
}

func (q *Queue) wake() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.wakeAt = time.Time{}
	if q.closed || q.broken != nil {
		return
	}
	q.serveWaiters()
}

// start transitions a pending job to running. Must be called with q.mu held.
func (q *Queue) start(p *pending, now time.Time) *handle {
	j := p.job
	j.Status = domain.StatusRunning
	j.StartedAt = &now
	j.FinishedAt = nil
	j.Attempts++
	j.UpdatedAt = now
	q.bus.Emit(queue.EventStarted, j, nil)

	return &handle{
		q:        q,
		job:      j,
		tag:      p.tag,
		snapshot: j.Clone(),
	}
}

// Ready blocks until setup finished. It returns a *queue.ConnectionError
// when the broker could not be reached or the connection was lost since,
// and queue.ErrClosed after Close.
func (q *Queue) Ready(ctx context.Context) error {
	select {
	case <-q.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	if q.readyErr != nil {
		return q.readyErr
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return q.usable()
}

// usable reports the error that makes the queue unusable, if any.
// Must be called with q.mu held.
func (q *Queue) usable() error {
	if q.closed {
		return queue.ErrClosed
	}
	return q.broken
}

// Enqueue validates the payload and publishes the job. It does not wait
// for the job to be consumed; the enqueued event is emitted on delivery.
func (q *Queue) Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error) {
	data, err := q.registry.Validate(req.Type, req.Payload)
	if err != nil {
		return "", err
	}
	if err := payload.ValidateProjectID(req.Type, req.ProjectID); err != nil {
		return "", err
	}
	if err := q.Ready(ctx); err != nil {
		return "", err
	}

	q.mu.Lock()
	err = q.usable()
	q.mu.Unlock()
	if err != nil {
		return "", err
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := q.now().UTC()
	runAt := req.RunAt
	if runAt.IsZero() {
		runAt = now
	}

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
	}
	if err := q.publish(ctx, job); err != nil {
		return "", err
	}

	q.logger.Debug("job published",
		"job_id", id,
		"type", job.Type,
		"project_id", job.ProjectID,
		"priority", job.Priority,
	)
	return id, nil
}

func (q *Queue) publish(ctx context.Context, job *domain.Job) error {
	body, err := encodeEnvelope(job)
	if err != nil {
		return err
	}

	start := time.Now()
	err = q.transport.Publish(ctx, Publishing{
		RoutingKey: RoutingKey(job.ProjectID),
		MessageID:  job.ID,
		Priority:   uint8(job.Priority),
		Timestamp:  job.UpdatedAt,
		Body:       body,
	})
	metrics.BrokerPublishLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return q.transportFailed(queue.OpPublish, job.ID, err)
	}
	return nil
}

// transportFailed logs and counts a transport error and returns it wrapped.
func (q *Queue) transportFailed(op, jobID string, err error) error {
	terr := &queue.TransportError{Op: op, JobID: jobID, Err: err}
	metrics.BrokerTransportErrorsTotal.WithLabelValues(op).Inc()
	q.logger.Error("broker operation failed",
		"op", op,
		"job_id", jobID,
		"error", err,
	)
	return terr
}

// ReserveNext returns the best eligible pending job or blocks until one
// arrives. It returns ctx.Err() when ctx ends first and a
// *queue.ConnectionError when the transport is lost while waiting.
func (q *Queue) ReserveNext(ctx context.Context, filter queue.Filter) (queue.Handle, error) {
	if err := q.Ready(ctx); err != nil {
		return nil, err
	}

	q.mu.Lock()
	if err := q.usable(); err != nil {
		q.mu.Unlock()
		return nil, err
	}
	now := q.now().UTC()
	if p := q.take(filter, now); p != nil {
		h := q.start(p, now)
		q.mu.Unlock()
		return h, nil
	}

	w := &waiter{filter: filter, result: make(chan reservation, 1)}
	q.waiters = append(q.waiters, w)
	metrics.BrokerWaiters.Set(float64(len(q.waiters)))
	q.armTimer(now)
	q.mu.Unlock()

	select {
	case r := <-w.result:
		return r.result()
	case <-ctx.Done():
	}

	q.mu.Lock()
	if i := slices.Index(q.waiters, w); i >= 0 {
		q.waiters = slices.Delete(q.waiters, i, i+1)
		metrics.BrokerWaiters.Set(float64(len(q.waiters)))
		q.mu.Unlock()
		return nil, ctx.Err()
	}
	q.mu.Unlock()

	// Served between ctx ending and the lock: the job is already running
	// and must not be lost.
	return (<-w.result).result()
}

func (r reservation) result() (queue.Handle, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.handle, nil
}

// List returns the pending buffer, not the full broker queue depth.
func (q *Queue) List(_ context.Context, filter queue.Filter) ([]domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	result := make([]domain.Job, 0, len(q.pending))
	for _, p := range q.pending {
		if filter.Matches(p.job) {
			result = append(result, p.job.Clone())
		}
	}
	return result, nil
}

// Delete removes a pending job and acknowledges its delivery.
// Reserved jobs are not pending and are not affected.
func (q *Queue) Delete(_ context.Context, id string) (bool, error) {
	q.mu.Lock()
	i := slices.IndexFunc(q.pending, func(p *pending) bool { return p.job.ID == id })
	if i < 0 {
		q.mu.Unlock()
		return false, nil
	}
	p := q.pending[i]
	q.pending = slices.Delete(q.pending, i, i+1)
	metrics.BrokerPendingJobs.Set(float64(len(q.pending)))
	q.mu.Unlock()

	if err := q.transport.Ack(p.tag); err != nil {
		return true, q.transportFailed(queue.OpAck, id, err)
	}
	return true, nil
}

// Clear purges the broker queue and acknowledges every buffered delivery.
func (q *Queue) Clear(ctx context.Context) error {
	if err := q.Ready(ctx); err != nil {
		return err
	}

	purged, err := q.transport.Purge(ctx)
	if err != nil {
		return q.transportFailed(queue.OpPurge, "", err)
	}

	q.mu.Lock()
	dropped := q.pending
	q.pending = nil
	metrics.BrokerPendingJobs.Set(0)
	q.mu.Unlock()

	var errs []error
	for _, p := range dropped {
		if err := q.transport.Ack(p.tag); err != nil {
			errs = append(errs, q.transportFailed(queue.OpAck, p.job.ID, err))
		}
	}

	q.logger.Info("broker queue cleared",
		"purged", purged,
		"buffered", len(dropped),
	)
	return errors.Join(errs...)
}

// UpdateStatus is a no-op: job status on the broker is driven entirely by
// the consumer holding the reservation.
func (q *Queue) UpdateStatus(_ context.Context, id string, status domain.Status) error {
	q.logger.Debug("status override ignored by broker backend",
		"job_id", id,
		"status", status,
	)
	return nil
}

// Subscribe registers for lifecycle events.
func (q *Queue) Subscribe(buffer int, kinds ...queue.EventKind) *queue.Subscription {
	return q.bus.Subscribe(buffer, kinds...)
}

// Backend returns queue.BackendBroker.
func (q *Queue) Backend() string { return queue.BackendBroker }

// Close stops consuming, wakes waiters with queue.ErrClosed and closes the
// transport. Unacknowledged deliveries are returned to the broker by the
// transport when the channel closes.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	if q.timer != nil {
		q.timer.Stop()
	}
	q.failWaiters(queue.ErrClosed)
	q.pending = nil
	metrics.BrokerPendingJobs.Set(0)
	q.mu.Unlock()

	q.cancel()
	err := q.transport.Close()
	<-q.done
	q.bus.Close()

	if err != nil {
		return fmt.Errorf("failed to close broker transport: %w", err)
	}
	return nil
}
