// Package main is the entry point for the jobqueue daemon.
// It wires the configured queue backend, the lifecycle observer, the
// optional worker pool and the ops HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"jobqueue/internal/api"
	"jobqueue/internal/banner"
	"jobqueue/internal/config"
	"jobqueue/internal/domain"
	"jobqueue/internal/observer"
	"jobqueue/internal/payload"
	"jobqueue/internal/queue"
	"jobqueue/internal/queue/factory"
	kafkasink "jobqueue/internal/sink/kafka"
	"jobqueue/internal/store"
	memorystore "jobqueue/internal/store/memory"
	redisstore "jobqueue/internal/store/redis"
	"jobqueue/internal/worker"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	banner.Print(os.Stderr)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err, "path", *configPath)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logger)
	logger.Info("configuration loaded",
		"path", *configPath,
		"broker", cfg.Queue.UseBroker(),
		"status_backend", cfg.Status.Backend,
		"worker", cfg.Worker.Enabled,
		"kafka", cfg.Kafka.Enabled,
	)

	deps, cleanup, err := initDependencies(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize dependencies", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return deps.observer.Run(gctx)
	})

	if deps.pool != nil {
		g.Go(func() error {
			return deps.pool.Run(gctx)
		})
	}

	g.Go(func() error {
		if err := deps.server.Start(); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
		defer shutdownCancel()
		return deps.server.Shutdown(shutdownCtx)
	})

	logger.Info("jobqueue started",
		"version", banner.Version,
		"address", cfg.Server.Address(),
		"backend", deps.queue.Backend(),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("jobqueue stopped with error", "error", err)
		cleanup()
		os.Exit(1)
	}

	logger.Info("jobqueue stopped")
}

// dependencies holds all initialized service dependencies.
type dependencies struct {
	queue    queue.Queue
	observer *observer.Observer
	pool     *worker.Pool
	server   *api.Server
}

// initDependencies creates and wires all service dependencies based on config.
// Returns the dependencies and an idempotent cleanup function.
func initDependencies(cfg *config.Config, logger *slog.Logger) (*dependencies, func(), error) {
	var cleanupFuncs []func()
	cleanup := func() {
		for i := len(cleanupFuncs) - 1; i >= 0; i-- {
			cleanupFuncs[i]()
		}
		cleanupFuncs = nil
	}

	registry := payload.DefaultRegistry()

	q, err := factory.New(cfg.Queue, registry, logger)
	if err != nil {
		return nil, nil, err
	}
	cleanupFuncs = append(cleanupFuncs, func() {
		if err := q.Close(); err != nil {
			logger.Error("failed to close queue", "error", err)
		}
	})

	statuses, storeName, err := initStatusStore(cfg, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	sinks := []observer.Sink{observer.NewStatusSink(statuses, storeName, cfg.Status.TTL)}
	if cfg.Kafka.Enabled {
		logger.Info("publishing lifecycle events to kafka",
			"brokers", cfg.Kafka.Brokers,
			"topic", cfg.Kafka.Topic,
		)
		sinks = append(sinks, kafkasink.NewProducer(&cfg.Kafka))
	}

	obs := observer.New(q, logger, sinks...)
	// Registered after the queue so it runs first: sinks close before the
	// queue they observe.
	cleanupFuncs = append(cleanupFuncs, func() {
		if err := obs.Close(); err != nil {
			logger.Error("failed to close sinks", "error", err)
		}
	})

	var pool *worker.Pool
	if cfg.Worker.Enabled {
		pool = initWorkerPool(cfg.Worker, q, logger)
	}

	server := api.NewServer(api.ServerDeps{
		Config:     &cfg.Server,
		Logger:     logger,
		Queue:      q,
		JobHandler: api.NewJobHandler(q, statuses, logger),
	})

	return &dependencies{
		queue:    q,
		observer: obs,
		pool:     pool,
		server:   server,
	}, cleanup, nil
}

func initStatusStore(cfg *config.Config, logger *slog.Logger) (store.StatusStore, string, error) {
	switch cfg.Status.Backend {
	case config.StatusBackendRedis:
		logger.Info("initializing redis status store", "address", cfg.Redis.RedisAddr())
		s, err := redisstore.NewStatusStore(&cfg.Redis)
		if err != nil {
			return nil, "", err
		}
		return s, "redis", nil
	default:
		logger.Info("initializing in-memory status store")
		return memorystore.NewStatusStore(), "memory", nil
	}
}

// initWorkerPool builds the in-process worker. Every selected kind gets the
// logging handler; embedding applications register real handlers through
// the worker package instead.
func initWorkerPool(cfg config.WorkerConfig, q queue.Queue, logger *slog.Logger) *worker.Pool {
	kinds := domain.Kinds()
	if len(cfg.Types) > 0 {
		kinds = kinds[:0]
		for _, t := range cfg.Types {
			kinds = append(kinds, domain.Kind(strings.TrimSpace(t)))
		}
	}

	handlers := worker.NewHandlers()
	for _, k := range kinds {
		handlers.Register(k, logHandler(logger))
	}

	return worker.NewPool(q, handlers,
		worker.WithConcurrency(cfg.Concurrency),
		worker.WithPollInterval(cfg.PollInterval),
		worker.WithJobTimeout(cfg.JobTimeout),
		worker.WithMaxAttempts(cfg.MaxAttempts),
		worker.WithBackoff(worker.ExponentialJitter{Initial: cfg.BackoffBase, Max: cfg.BackoffMax}),
		worker.WithFilter(queue.Filter{ProjectID: cfg.ProjectID, Types: kinds}),
		worker.WithLogger(logger),
	)
}

// logHandler acknowledges jobs by logging them.
func logHandler(logger *slog.Logger) worker.Handler {
	return func(_ context.Context, job domain.Job) error {
		logger.Info("job received",
			"job_id", job.ID,
			"type", job.Type,
			"project_id", job.ProjectID,
			"attempt", job.Attempts,
			"waited", time.Since(job.RunAt).Round(time.Millisecond),
		)
		return nil
	}
}

// initLogger creates and configures the application logger.
func initLogger(cfg config.LoggerConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
