package api

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"jobqueue/internal/config"
	"jobqueue/internal/queue"
)

// readyTimeout bounds how long /readyz waits on the queue.
const readyTimeout = 2 * time.Second

// Server represents the HTTP server with all configured routes and middleware.
type Server struct {
	app    *fiber.App
	config *config.ServerConfig
	logger *slog.Logger
	queue  queue.Queue

	jobHandler *JobHandler
}

// ServerDeps contains all dependencies required to create a new Server.
type ServerDeps struct {
	Config     *config.ServerConfig
	Logger     *slog.Logger
	Queue      queue.Queue
	JobHandler *JobHandler
	// DisableRequestLog turns off the per-request access log.
	DisableRequestLog bool
}

// NewServer creates a new HTTP server with all routes configured.
func NewServer(deps ServerDeps) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		StrictRouting:         true,
		CaseSensitive:         true,
		ReadTimeout:           deps.Config.ReadTimeout,
		WriteTimeout:          deps.Config.WriteTimeout,
		IdleTimeout:           deps.Config.IdleTimeout,
		ErrorHandler:          customErrorHandler,
	})

	s := &Server{
		app:        app,
		config:     deps.Config,
		logger:     deps.Logger,
		queue:      deps.Queue,
		jobHandler: deps.JobHandler,
	}

	s.registerMiddleware(!deps.DisableRequestLog)
	s.registerRoutes()

	return s
}

// registerMiddleware sets up all middleware for the server.
func (s *Server) registerMiddleware(requestLog bool) {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	// Request ID middleware for tracing
	s.app.Use(requestid.New())

	if requestLog {
		s.app.Use(logger.New(logger.Config{
			Format:     "${time} | ${status} | ${latency} | ${method} | ${path} | ${error}\n",
			TimeFormat: "2006-01-02 15:04:05",
		}))
	}
}

// registerRoutes sets up all API routes.
func (s *Server) registerRoutes() {
	s.app.Get("/healthz", s.healthCheck)
	s.app.Get("/readyz", s.readyCheck)

	// Prometheus metrics endpoint
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	v1 := s.app.Group("/v1")

	v1.Post("/jobs", s.jobHandler.Enqueue)
	v1.Get("/jobs", s.jobHandler.List)
	v1.Delete("/jobs", s.jobHandler.Clear)
	v1.Delete("/jobs/:id", s.jobHandler.Delete)
	v1.Get("/jobs/:id/status", s.jobHandler.GetStatus)
	v1.Put("/jobs/:id/status", s.jobHandler.UpdateStatus)

	v1.Get("/projects/:projectId/jobs", s.jobHandler.ListProjectStatuses)
}

// healthCheck returns the health status of the service.
func (s *Server) healthCheck(c *fiber.Ctx) error {
	return Success(c, map[string]string{
		"status": "healthy",
	})
}

// readyCheck reports whether the queue backend finished connecting.
func (s *Server) readyCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), readyTimeout)
	defer cancel()

	if err := s.queue.Ready(ctx); err != nil {
		return Unavailable(c, err.Error())
	}
	return Success(c, map[string]string{
		"status":  "ready",
		"backend": s.queue.Backend(),
	})
}

// App exposes the underlying fiber app for in-process testing.
func (s *Server) App() *fiber.App {
	return s.app
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	addr := s.config.Address()
	s.logger.Info("starting HTTP server", "address", addr)
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.app.ShutdownWithContext(ctx)
}

// customErrorHandler handles errors returned from handlers.
func customErrorHandler(c *fiber.Ctx, err error) error {
	if e, ok := err.(*fiber.Error); ok {
		return Error(c, e.Code, ErrCodeInternalError, e.Message)
	}

	return InternalError(c, fmt.Sprintf("unexpected error: %v", err))
}
