// Package handler contains the Echo handlers of the coordinator's HTTP
// boundary. Handlers translate JSON to service calls and typed errors to
// status codes; they hold no business rules of their own.
package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ticket-coordinator/internal/coordinator"
	"github.com/iliyamo/ticket-coordinator/internal/model"
	"github.com/iliyamo/ticket-coordinator/internal/queue"
	"github.com/iliyamo/ticket-coordinator/internal/service"
)

// writeError maps the error taxonomy onto HTTP responses.
//
//	*ValidationError               400
//	event, batch or job not found  404
//	capacity, nothing to retry     409
//	*PersistError                  500
//	*EnqueueError                  500 with the QUEUE_ERROR tickets
//	shutting down, not started     503
func writeError(c echo.Context, err error) error {
	var (
		verr *service.ValidationError
		eerr *service.EnqueueError
		perr *service.PersistError
	)
	switch {
	case errors.As(err, &verr):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "validation", "field": verr.Field, "message": verr.Reason})
	case errors.As(err, &eerr):
		body := echo.Map{
			"error":          "enqueue_failed",
			"status":         model.StatusQueueError,
			"correlation_id": eerr.CorrelationID,
			"tickets":        eerr.TicketIDs,
		}
		if eerr.CompensationErr != nil {
			// the tickets may still be PENDING
			body["status"] = model.StatusPending
			body["compensation_failed"] = true
		}
		return c.JSON(http.StatusInternalServerError, body)
	case errors.As(err, &perr):
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "persist_failed"})
	case errors.Is(err, service.ErrCapacityExceeded):
		return c.JSON(http.StatusConflict, echo.Map{"error": "capacity_exceeded"})
	case errors.Is(err, service.ErrNothingToRetry):
		return c.JSON(http.StatusConflict, echo.Map{"error": "nothing_to_retry"})
	case errors.Is(err, service.ErrEventNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "event_not_found"})
	case errors.Is(err, service.ErrBatchNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "batch_not_found"})
	case errors.Is(err, queue.ErrJobNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "job_not_found"})
	case errors.Is(err, coordinator.ErrUnknownQueue):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "queue_not_found"})
	case errors.Is(err, service.ErrShuttingDown), errors.Is(err, coordinator.ErrNotStarted), errors.Is(err, queue.ErrClosed):
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "unavailable"})
	}
	c.Logger().Error(err)
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal"})
}
