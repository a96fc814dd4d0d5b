package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ticket-coordinator/internal/queue"
)

// timeLayout formats the timestamps of failed jobs.
const timeLayout = time.RFC3339Nano

// QueueSource exposes the coordinator's queues to operators.
type QueueSource interface {
	Queue(name string) (queue.Queue, error)
	Stats(ctx context.Context) (map[string]queue.Stats, error)
}

// AdminHandler serves the operator endpoints under /admin.
type AdminHandler struct {
	queues QueueSource
}

// NewAdminHandler returns a handler over qs.
func NewAdminHandler(qs QueueSource) *AdminHandler { return &AdminHandler{queues: qs} }

// Stats handles GET /admin/queues.
func (h *AdminHandler) Stats(c echo.Context) error {
	st, err := h.queues.Stats(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, st)
}

type failedJob struct {
	ID          string `json:"id"`
	Priority    int    `json:"priority"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
	Reason      string `json:"reason"`
	EnqueuedAt  string `json:"enqueued_at"`
	FailedAt    string `json:"failed_at"`
	Payload     string `json:"payload"`
}

// Failed handles GET /admin/queues/:queue/failed?limit=N, newest first.
func (h *AdminHandler) Failed(c echo.Context) error {
	limit := 20
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "limit must be between 1 and 1000"})
		}
		limit = n
	}
	q, err := h.queues.Queue(c.Param("queue"))
	if err != nil {
		return writeError(c, err)
	}
	jobs, err := q.Failed(c.Request().Context(), limit)
	if err != nil {
		return writeError(c, err)
	}
	out := make([]failedJob, len(jobs))
	for i, j := range jobs {
		out[i] = failedJob{
			ID:          j.ID,
			Priority:    j.Priority,
			Attempt:     j.Attempt,
			MaxAttempts: j.MaxAttempts,
			Reason:      j.Reason,
			EnqueuedAt:  j.EnqueuedAt.Format(timeLayout),
			FailedAt:    j.FailedAt.Format(timeLayout),
			Payload:     string(j.Payload),
		}
	}
	return c.JSON(http.StatusOK, echo.Map{"queue": q.Name(), "jobs": out})
}

// RetryFailed handles POST /admin/queues/:queue/failed/:id/retry.
func (h *AdminHandler) RetryFailed(c echo.Context) error {
	q, err := h.queues.Queue(c.Param("queue"))
	if err != nil {
		return writeError(c, err)
	}
	if err := q.RetryFailed(c.Request().Context(), c.Param("id")); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusAccepted)
}

// RemoveFailed handles DELETE /admin/queues/:queue/failed/:id.
func (h *AdminHandler) RemoveFailed(c echo.Context) error {
	q, err := h.queues.Queue(c.Param("queue"))
	if err != nil {
		return writeError(c, err)
	}
	if err := q.RemoveFailed(c.Request().Context(), c.Param("id")); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
