package queue

import (
	"sync"
	"sync/atomic"
	"time"

	"jobqueue/internal/domain"
)

// EventKind names a job lifecycle event.
type EventKind string

const (
	EventEnqueued  EventKind = "enqueued"
	EventStarted   EventKind = "started"
	EventSucceeded EventKind = "succeeded"
	EventFailed    EventKind = "failed"
	EventReleased  EventKind = "released"
)

// Event is a lifecycle notification carrying a snapshot of the job.
type Event struct {
	Kind    EventKind
	Backend string
	Job     domain.Job
	// Err is set for EventFailed.
	Err error
	At  time.Time
}

// DefaultEventBuffer is the per-subscription buffer used when Subscribe
// is called with a non-positive size.
const DefaultEventBuffer = 256

// Subscription receives events on a buffered channel.
// Events that do not fit in the buffer are dropped and counted.
type Subscription struct {
	id      uint64
	bus     *Bus
	ch      chan Event
	kinds   map[EventKind]struct{}
	dropped atomic.Int64
}

// C returns the event channel. It is closed by Close or when the bus closes.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped returns how many events did not fit in the buffer.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close unsubscribes and closes the channel. It is safe to call twice.
func (s *Subscription) Close() { s.bus.unsubscribe(s.id) }

func (s *Subscription) wants(kind EventKind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

// Bus fans lifecycle events out to subscriptions.
// Emit never blocks, so backends may call it while holding their locks.
type Bus struct {
	backend string

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

// NewBus creates a bus stamping events with the given backend name.
func NewBus(backend string) *Bus {
	return &Bus{
		backend: backend,
		subs:    make(map[uint64]*Subscription),
	}
}

// Subscribe registers a subscription for the given kinds (all when empty).
// Subscribing to a closed bus returns an already-closed subscription.
func (b *Bus) Subscribe(buffer int, kinds ...EventKind) *Subscription {
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	sub := &Subscription{
		bus: b,
		ch:  make(chan Event, buffer),
	}
	if len(kinds) > 0 {
		sub.kinds = make(map[EventKind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Emit delivers an event built from a snapshot of job.
func (b *Bus) Emit(kind EventKind, job *domain.Job, err error) {
	evt := Event{
		Kind:    kind,
		Backend: b.backend,
		Job:     job.Clone(),
		Err:     err,
		At:      time.Now().UTC(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.wants(kind) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Close closes every subscription. Later Emits are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
