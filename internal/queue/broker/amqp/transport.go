// Package amqp adapts an AMQP 0-9-1 broker (RabbitMQ) to broker.Transport.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"jobqueue/internal/domain"
	"jobqueue/internal/queue/broker"
)

// Defaults applied by NewTransport.
const (
	DefaultExchange = "jobs"
	DefaultBinding  = "project.*"
	DefaultPrefetch = 10

	dialTimeout = 30 * time.Second
)

var _ broker.Transport = (*Transport)(nil)

var (
	// ErrNotConnected is returned by operations issued before Connect.
	ErrNotConnected = errors.New("amqp transport not connected")
	// ErrClosed is returned by Connect once Close has been called.
	ErrClosed = errors.New("amqp transport closed")
)

// Config holds the broker topology.
type Config struct {
	URL      string
	Exchange string
	// Queue is optional; empty declares a server-named exclusive queue.
	Queue    string
	Binding  string
	Prefetch int
	// DeadLetterExchange receives rejected messages when set.
	DeadLetterExchange string
	ConsumerTag        string
}

// Transport is a single connection and channel to the broker.
type Transport struct {
	cfg    Config
	logger *slog.Logger
	gate   *gate

	mu        sync.Mutex
	conn      *amqp.Connection
	ch        *amqp.Channel
	queueName string
	closeErr  error
	shut      bool
}

// NewTransport validates the URL and applies defaults. It does not dial.
func NewTransport(cfg Config, logger *slog.Logger) (*Transport, error) {
	if _, err := amqp.ParseURI(cfg.URL); err != nil {
		return nil, fmt.Errorf("invalid broker url: %w", err)
	}
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultExchange
	}
	if cfg.Binding == "" {
		cfg.Binding = DefaultBinding
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = DefaultPrefetch
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Transport{
		cfg:    cfg,
		logger: logger,
		gate:   newGate(),
	}, nil
}

// Connect dials the broker, declares the topology and starts consuming.
func (t *Transport) Connect(ctx context.Context) (<-chan broker.Delivery, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}

	conn, err := amqp.DialConfig(t.cfg.URL, amqp.Config{
		Dial: func(network, addr string) (net.Conn, error) {
			d := net.Dialer{Timeout: dialTimeout}
			return d.DialContext(ctx, network, addr)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	queueName, err := t.declare(ch)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	msgs, err := ch.Consume(queueName, t.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to start consumer: %w", err)
	}

	if !t.adopt(conn, ch, queueName) {
		// Close ran while the session was being set up.
		ch.Close()
		conn.Close()
		return nil, ErrClosed
	}

	t.watch(conn, ch)

	out := make(chan broker.Delivery)
	go func() {
		defer close(out)
		for m := range msgs {
			out <- broker.Delivery{
				Tag:         m.DeliveryTag,
				MessageID:   m.MessageId,
				Redelivered: m.Redelivered,
				Body:        m.Body,
			}
		}
	}()

	t.logger.Info("connected to broker",
		"exchange", t.cfg.Exchange,
		"queue", queueName,
		"binding", t.cfg.Binding,
		"prefetch", t.cfg.Prefetch,
	)
	return out, nil
}

// declare sets up the exchange, queue, binding and prefetch.
func (t *Transport) declare(ch *amqp.Channel) (string, error) {
	if err := ch.ExchangeDeclare(t.cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return "", fmt.Errorf("failed to declare exchange %s: %w", t.cfg.Exchange, err)
	}

	named := t.cfg.Queue != ""
	q, err := ch.QueueDeclare(t.cfg.Queue, named, false, !named, false, queueArgs(t.cfg))
	if err != nil {
		return "", fmt.Errorf("failed to declare queue %q: %w", t.cfg.Queue, err)
	}

	if err := ch.QueueBind(q.Name, t.cfg.Binding, t.cfg.Exchange, false, nil); err != nil {
		return "", fmt.Errorf("failed to bind queue %s: %w", q.Name, err)
	}

	if err := ch.Qos(t.cfg.Prefetch, 0, false); err != nil {
		return "", fmt.Errorf("failed to set prefetch: %w", err)
	}
	return q.Name, nil
}

func queueArgs(cfg Config) amqp.Table {
	args := amqp.Table{
		"x-max-priority": int32(domain.MaxPriority),
	}
	if cfg.DeadLetterExchange != "" {
		args["x-dead-letter-exchange"] = cfg.DeadLetterExchange
	}
	return args
}

// watch logs connection and channel closure and tracks flow control.
func (t *Transport) watch(conn *amqp.Connection, ch *amqp.Channel) {
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))
	blocked := conn.NotifyBlocked(make(chan amqp.Blocking, 1))
	flow := ch.NotifyFlow(make(chan bool, 1))

	go func() {
		for {
			select {
			case err, ok := <-connClosed:
				t.closed("connection", err, ok)
				return
			case err, ok := <-chClosed:
				t.closed("channel", err, ok)
				return
			case b, ok := <-blocked:
				if !ok {
					blocked = nil
					continue
				}
				t.logger.Warn("broker connection blocked", "active", b.Active, "reason", b.Reason)
				t.gate.set("blocked", b.Active)
			case active, ok := <-flow:
				if !ok {
					flow = nil
					continue
				}
				t.logger.Warn("broker channel flow changed", "active", active)
				t.gate.set("flow", !active)
			}
		}
	}()
}

func (t *Transport) closed(what string, err *amqp.Error, ok bool) {
	t.gate.release()
	if !ok || err == nil {
		t.logger.Info("broker "+what+" closed")
		return
	}

	t.mu.Lock()
	if t.closeErr == nil {
		t.closeErr = err
	}
	t.mu.Unlock()

	t.logger.Error("broker "+what+" closed unexpectedly",
		"code", err.Code,
		"reason", err.Reason,
		"server", err.Server,
	)
}

// Err returns the reason the connection closed, if it closed with an error.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeErr
}

func (t *Transport) channel() (*amqp.Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ch == nil {
		return nil, ErrNotConnected
	}
	return t.ch, nil
}

// Publish waits while the broker applies flow control, then publishes a
// persistent message to the exchange.
func (t *Transport) Publish(ctx context.Context, msg broker.Publishing) error {
	ch, err := t.channel()
	if err != nil {
		return err
	}
	if err := t.gate.wait(ctx); err != nil {
		return err
	}
	return ch.PublishWithContext(ctx, t.cfg.Exchange, msg.RoutingKey, false, false, toPublishing(msg))
}

func toPublishing(msg broker.Publishing) amqp.Publishing {
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Priority:     msg.Priority,
		MessageId:    msg.MessageID,
		Timestamp:    msg.Timestamp,
		Body:         msg.Body,
	}
}

// Ack acknowledges a single delivery.
func (t *Transport) Ack(tag uint64) error {
	ch, err := t.channel()
	if err != nil {
		return err
	}
	return ch.Ack(tag, false)
}

// Nack rejects a single delivery.
func (t *Transport) Nack(tag uint64, requeue bool) error {
	ch, err := t.channel()
	if err != nil {
		return err
	}
	return ch.Nack(tag, false, requeue)
}

// Purge removes all ready messages from the bound queue.
func (t *Transport) Purge(_ context.Context) (int, error) {
	ch, err := t.channel()
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	name := t.queueName
	t.mu.Unlock()
	return ch.QueuePurge(name, false)
}

// Close closes the channel and connection. Unacknowledged deliveries are
// requeued by the broker.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.shut = true
	ch, conn := t.ch, t.conn
	t.ch, t.conn = nil, nil
	t.mu.Unlock()

	t.gate.release()

	var errs []error
	if ch != nil {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("failed to close channel: %w", err))
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("failed to close connection: %w", err))
		}
	}
	return errors.Join(errs...)
}

// adopt installs a freshly opened session. It reports false, leaving the
// transport untouched, when Close has already been called.
func (t *Transport) adopt(conn *amqp.Connection, ch *amqp.Channel, queueName string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.shut {
		return false
	}
	t.conn = conn
	t.ch = ch
	t.queueName = queueName
	return true
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.shut
}
