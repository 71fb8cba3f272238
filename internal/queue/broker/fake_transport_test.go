package broker

import (
	"context"
	"errors"
	"sync"
)

// fakeTransport is an in-process broker. Published messages are routed
// straight back to the consumer unless loopback is disabled.
type fakeTransport struct {
	connectErr error
	noLoopback bool
	publishErr error
	ackErr     error
	// connectGate, when set, holds Connect until it is closed, regardless
	// of ctx or Close, like a slow topology declaration.
	connectGate chan struct{}

	mu         sync.Mutex
	deliveries chan Delivery
	nextTag    uint64
	closed     bool
	lossErr    error
	published  []Publishing
	acked      []uint64
	nacked     map[uint64]bool
	purges     int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{nacked: make(map[uint64]bool)}
}

func (f *fakeTransport) Connect(_ context.Context) (<-chan Delivery, error) {
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	if f.connectGate != nil {
		<-f.connectGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveries = make(chan Delivery, 128)
	return f.deliveries, nil
}

func (f *fakeTransport) Publish(_ context.Context, msg Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	if f.closed {
		return errors.New("channel closed")
	}
	f.published = append(f.published, msg)
	if !f.noLoopback {
		f.deliverLocked(msg.MessageID, msg.Body)
	}
	return nil
}

// deliver pushes a raw body to the consumer and returns its tag.
func (f *fakeTransport) deliver(id string, body []byte) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deliverLocked(id, body)
}

func (f *fakeTransport) deliverLocked(id string, body []byte) uint64 {
	if f.closed || f.deliveries == nil {
		return 0
	}
	f.nextTag++
	f.deliveries <- Delivery{Tag: f.nextTag, MessageID: id, Body: body}
	return f.nextTag
}

func (f *fakeTransport) Ack(tag uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ackErr != nil {
		return f.ackErr
	}
	f.acked = append(f.acked, tag)
	return nil
}

func (f *fakeTransport) Nack(tag uint64, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacked[tag] = requeue
	return nil
}

func (f *fakeTransport) Purge(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purges++
	return 0, nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeLocked()
	return nil
}

// drop simulates losing the connection.
func (f *fakeTransport) drop(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lossErr = err
	f.closeLocked()
}

func (f *fakeTransport) closeLocked() {
	if f.closed {
		return
	}
	f.closed = true
	if f.deliveries != nil {
		close(f.deliveries)
	}
}

func (f *fakeTransport) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lossErr
}

func (f *fakeTransport) ackedTags() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.acked...)
}

func (f *fakeTransport) nackedTags() map[uint64]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[uint64]bool, len(f.nacked))
	for k, v := range f.nacked {
		out[k] = v
	}
	return out
}

func (f *fakeTransport) publishedMessages() []Publishing {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Publishing(nil), f.published...)
}

func (f *fakeTransport) purgeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.purges
}
