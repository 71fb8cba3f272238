// Package kafka publishes job lifecycle events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"jobqueue/internal/config"
	"jobqueue/internal/domain"
	"jobqueue/internal/queue"
)

// Header keys set on every message.
const (
	HeaderEvent   = "event"
	HeaderBackend = "backend"
	HeaderType    = "job_type"
)

// messageWriter is the subset of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// EventMessage is the JSON value written for each lifecycle event.
type EventMessage struct {
	Event   queue.EventKind `json:"event"`
	Backend string          `json:"backend"`
	Job     domain.Job      `json:"job"`
	Error   string          `json:"error,omitempty"`
	At      time.Time       `json:"at"`
}

// Producer writes lifecycle events keyed by job id, so every event of a
// job lands on the same partition in order.
type Producer struct {
	writer messageWriter
}

// NewProducer creates a new Kafka producer.
func NewProducer(cfg *config.KafkaConfig) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{}, // Use key-based partitioning
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequireOne,
	}

	return &Producer{
		writer: writer,
	}
}

// Name identifies the sink in logs and metrics.
func (p *Producer) Name() string { return "kafka" }

// Write sends one lifecycle event to Kafka.
func (p *Producer) Write(ctx context.Context, evt queue.Event) error {
	msg, err := buildMessage(evt)
	if err != nil {
		return err
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}
	return nil
}

func buildMessage(evt queue.Event) (kafka.Message, error) {
	value := EventMessage{
		Event:   evt.Kind,
		Backend: evt.Backend,
		Job:     evt.Job,
		At:      evt.At,
	}
	if evt.Err != nil {
		value.Error = evt.Err.Error()
	}

	data, err := json.Marshal(value)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal event: %w", err)
	}

	return kafka.Message{
		Key:   []byte(evt.Job.ID),
		Value: data,
		Time:  evt.At,
		Headers: []kafka.Header{
			{Key: HeaderEvent, Value: []byte(evt.Kind)},
			{Key: HeaderBackend, Value: []byte(evt.Backend)},
			{Key: HeaderType, Value: []byte(evt.Job.Type)},
		},
	}, nil
}

// Close closes the Kafka writer.
func (p *Producer) Close() error {
	if p.writer != nil {
		return p.writer.Close()
	}
	return nil
}
