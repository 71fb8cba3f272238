package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"jobqueue/internal/domain"
	"jobqueue/internal/payload"
	"jobqueue/internal/queue"
	"jobqueue/internal/store"
)

// JobHandler handles HTTP requests for job operations.
type JobHandler struct {
	queue    queue.Queue
	statuses store.StatusStore
	logger   *slog.Logger
}

// NewJobHandler creates a new job handler.
func NewJobHandler(q queue.Queue, statuses store.StatusStore, logger *slog.Logger) *JobHandler {
	return &JobHandler{
		queue:    q,
		statuses: statuses,
		logger:   logger,
	}
}

// EnqueueJobRequest is the body of POST /v1/jobs.
type EnqueueJobRequest struct {
	ID        string          `json:"id"`
	Type      domain.Kind     `json:"type"`
	ProjectID string          `json:"projectId"`
	Payload   json.RawMessage `json:"payload"`
	Priority  int             `json:"priority"`
	RunAt     *time.Time      `json:"runAt"`
}

func (r *EnqueueJobRequest) toQueueRequest() queue.EnqueueRequest {
	req := queue.EnqueueRequest{
		ID:        r.ID,
		Type:      r.Type,
		ProjectID: r.ProjectID,
		Priority:  r.Priority,
	}
	if len(r.Payload) > 0 {
		req.Payload = r.Payload
	}
	if r.RunAt != nil {
		req.RunAt = *r.RunAt
	}
	return req
}

// UpdateStatusRequest is the body of PUT /v1/jobs/:id/status.
type UpdateStatusRequest struct {
	Status domain.Status `json:"status"`
}

// Enqueue handles POST /v1/jobs
func (h *JobHandler) Enqueue(c *fiber.Ctx) error {
	var req EnqueueJobRequest
	if err := c.BodyParser(&req); err != nil {
		h.logger.Debug("failed to parse request body", "error", err)
		return BadRequest(c, "invalid request body")
	}
	if req.Type == "" {
		return ValidationError(c, "type is required")
	}

	id, err := h.queue.Enqueue(c.UserContext(), req.toQueueRequest())
	if err != nil {
		return h.queueError(c, err, "failed to enqueue job")
	}

	h.logger.Info("enqueued job", "id", id, "type", req.Type, "project_id", req.ProjectID)
	return Created(c, map[string]string{"id": id})
}

// List handles GET /v1/jobs
// Supports projectId and a comma separated type query parameter.
func (h *JobHandler) List(c *fiber.Ctx) error {
	filter := queue.Filter{ProjectID: c.Query("projectId")}
	if types := c.Query("type"); types != "" {
		for _, t := range strings.Split(types, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter.Types = append(filter.Types, domain.Kind(t))
			}
		}
	}

	jobs, err := h.queue.List(c.UserContext(), filter)
	if err != nil {
		return h.queueError(c, err, "failed to list jobs")
	}
	return Success(c, jobs)
}

// GetStatus handles GET /v1/jobs/:id/status
func (h *JobHandler) GetStatus(c *fiber.Ctx) error {
	id := c.Params("id")

	status, err := h.statuses.Get(c.UserContext(), id)
	if err != nil {
		h.logger.Error("failed to get job status", "error", err, "id", id)
		return InternalError(c, "failed to get job status")
	}
	if status == nil {
		return NotFound(c, "job status not found")
	}
	return Success(c, status)
}

// ListProjectStatuses handles GET /v1/projects/:projectId/jobs
func (h *JobHandler) ListProjectStatuses(c *fiber.Ctx) error {
	projectID := c.Params("projectId")

	statuses, err := h.statuses.ListByProject(c.UserContext(), projectID)
	if err != nil {
		h.logger.Error("failed to list job statuses", "error", err, "project_id", projectID)
		return InternalError(c, "failed to list job statuses")
	}
	return Success(c, statuses)
}

// UpdateStatus handles PUT /v1/jobs/:id/status
func (h *JobHandler) UpdateStatus(c *fiber.Ctx) error {
	id := c.Params("id")

	var req UpdateStatusRequest
	if err := c.BodyParser(&req); err != nil {
		return BadRequest(c, "invalid request body")
	}

	if err := h.queue.UpdateStatus(c.UserContext(), id, req.Status); err != nil {
		return h.queueError(c, err, "failed to update job status")
	}

	h.logger.Info("updated job status", "id", id, "status", req.Status)
	return NoContent(c)
}

// Delete handles DELETE /v1/jobs/:id
func (h *JobHandler) Delete(c *fiber.Ctx) error {
	id := c.Params("id")

	removed, err := h.queue.Delete(c.UserContext(), id)
	if err != nil {
		return h.queueError(c, err, "failed to delete job")
	}
	if !removed {
		return NotFound(c, "job not found")
	}
	if err := h.statuses.Delete(c.UserContext(), id); err != nil {
		h.logger.Warn("failed to delete job status", "error", err, "id", id)
	}

	h.logger.Info("deleted job", "id", id)
	return NoContent(c)
}

// Clear handles DELETE /v1/jobs
func (h *JobHandler) Clear(c *fiber.Ctx) error {
	if err := h.queue.Clear(c.UserContext()); err != nil {
		return h.queueError(c, err, "failed to clear jobs")
	}
	h.logger.Warn("cleared all jobs", "backend", h.queue.Backend())
	return NoContent(c)
}

// queueError maps queue errors onto responses.
func (h *JobHandler) queueError(c *fiber.Ctx, err error, message string) error {
	var (
		validation *payload.ValidationError
		unknown    *payload.UnknownJobTypeError
		connErr    *queue.ConnectionError
	)

	switch {
	case errors.As(err, &validation), errors.As(err, &unknown):
		return ValidationError(c, err.Error())
	case errors.Is(err, queue.ErrInvalidStatus):
		return ValidationError(c, err.Error())
	case errors.Is(err, queue.ErrDuplicateJob):
		return Conflict(c, err.Error())
	case errors.Is(err, queue.ErrNotFound):
		return NotFound(c, "job not found")
	case errors.As(err, &connErr), errors.Is(err, queue.ErrClosed):
		h.logger.Warn(message, "error", err)
		return Unavailable(c, err.Error())
	default:
		h.logger.Error(message, "error", err)
		return InternalError(c, message)
	}
}
