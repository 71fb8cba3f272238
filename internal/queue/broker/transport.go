package broker

import (
	"context"
	"errors"
	"time"
)

// ErrTransportClosed is the cause recorded when the delivery stream ends
// without the queue being closed.
var ErrTransportClosed = errors.New("broker transport closed")

// Delivery is one message pushed by the broker.
type Delivery struct {
	Tag         uint64
	MessageID   string
	Redelivered bool
	Body        []byte
}

// Publishing is one outbound message.
type Publishing struct {
	RoutingKey string
	MessageID  string
	Priority   uint8
	Timestamp  time.Time
	Body       []byte
}

// Transport is the broker connection the queue drives. The AMQP adapter
// lives in the amqp subpackage; tests use an in-process fake.
type Transport interface {
	// Connect performs the full setup (connection, topology, prefetch,
	// consumer) and returns the delivery stream. The stream is closed when
	// the connection is lost or Close is called.
	Connect(ctx context.Context) (<-chan Delivery, error)

	// Publish sends a message. It blocks while the broker applies flow
	// control and returns once the message is handed to the connection.
	Publish(ctx context.Context, msg Publishing) error

	// Ack acknowledges a delivery.
	Ack(tag uint64) error

	// Nack rejects a delivery, optionally requeueing it.
	Nack(tag uint64, requeue bool) error

	// Purge drops every ready message in the bound queue and returns how
	// many were removed. Unacknowledged deliveries are not affected.
	Purge(ctx context.Context) (int, error)

	// Close tears down the connection.
	Close() error
}

// closeReporter is implemented by transports that know why the delivery
// stream ended.
type closeReporter interface {
	Err() error
}
