// Package factory selects the queue backend from configuration.
package factory

import (
	"context"
	"fmt"
	"log/slog"

	"jobqueue/internal/config"
	"jobqueue/internal/payload"
	"jobqueue/internal/queue"
	"jobqueue/internal/queue/broker"
	"jobqueue/internal/queue/broker/amqp"
	"jobqueue/internal/queue/memory"
)

// TransportFunc builds the broker transport. It is swapped in tests.
type TransportFunc func(cfg config.BrokerConfig, logger *slog.Logger) (broker.Transport, error)

// AMQPTransport builds the amqp091-go transport.
func AMQPTransport(cfg config.BrokerConfig, logger *slog.Logger) (broker.Transport, error) {
	return amqp.NewTransport(amqp.Config{
		URL:                cfg.URL,
		Exchange:           cfg.Exchange,
		Queue:              cfg.Queue,
		Binding:            cfg.Binding,
		Prefetch:           cfg.Prefetch,
		DeadLetterExchange: cfg.DeadLetterExchange,
	}, logger)
}

// New returns the configured queue using the AMQP transport.
func New(cfg config.QueueConfig, registry *payload.Registry, logger *slog.Logger) (queue.Queue, error) {
	return NewWithTransport(cfg, registry, logger, AMQPTransport)
}

// NewWithTransport returns the memory backend when no broker URL is set.
// Otherwise it builds the broker backend; a construction error falls back
// to memory unless fallback is disabled. Connection failures after
// construction are only logged: the broker instance is kept and its
// operations report the failure.
func NewWithTransport(cfg config.QueueConfig, registry *payload.Registry, logger *slog.Logger, newTransport TransportFunc) (queue.Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if !cfg.UseBroker() {
		logger.Info("using in-memory job queue")
		return memory.NewQueue(registry, memory.WithLogger(logger)), nil
	}

	transport, err := newTransport(cfg.Broker, logger)
	if err != nil {
		if cfg.Broker.DisableFallback {
			return nil, fmt.Errorf("failed to create broker queue: %w", err)
		}
		logger.Warn("broker queue unavailable, falling back to in-memory queue", "error", err)
		return memory.NewQueue(registry, memory.WithLogger(logger)), nil
	}

	q := broker.New(transport, registry, broker.WithLogger(logger))
	go func() {
		if err := q.Ready(context.Background()); err != nil {
			logger.Error("broker queue setup failed; operations will fail until restart", "error", err)
			return
		}
		logger.Info("broker job queue ready",
			"exchange", cfg.Broker.Exchange,
			"queue", cfg.Broker.Queue,
			"binding", cfg.Broker.Binding,
		)
	}()
	return q, nil
}
