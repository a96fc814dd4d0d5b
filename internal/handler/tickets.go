package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ticket-coordinator/internal/middleware"
	"github.com/iliyamo/ticket-coordinator/internal/model"
	"github.com/iliyamo/ticket-coordinator/internal/repository"
	"github.com/iliyamo/ticket-coordinator/internal/service"
)

// Accepter is the request side of the pipeline.
type Accepter interface {
	AcceptBulkGeneration(ctx context.Context, req service.AcceptRequest) (service.AcceptResult, error)
	RetryBatch(ctx context.Context, correlationID string, includeErrored bool) (service.AcceptResult, error)
}

// TicketReader is the read side of the ticket state store.
type TicketReader interface {
	GetBatch(ctx context.Context, correlationID string) (model.GenerationBatch, error)
	FindByCorrelation(ctx context.Context, correlationID string) ([]model.Ticket, error)
	CountByStatus(ctx context.Context, eventID uint64) (map[model.TicketStatus]int, error)
}

// TicketHandler serves the bulk generation endpoints.
type TicketHandler struct {
	accepter Accepter
	reader   TicketReader
}

// NewTicketHandler returns a handler over a and r.
func NewTicketHandler(a Accepter, r TicketReader) *TicketHandler {
	if a == nil || r == nil {
		panic("nil dependency passed to NewTicketHandler")
	}
	return &TicketHandler{accepter: a, reader: r}
}

type bulkRequest struct {
	EventID      uint64           `json:"event_id"`
	TicketTypeID uint64           `json:"ticket_type_id"`
	Quantity     int              `json:"quantity"`
	Attendees    []model.Attendee `json:"attendees"`
	Options      service.Options  `json:"options"`
}

// Bulk handles POST /tickets/bulk. The requester is the token subject.
// It answers 202 with the PENDING ticket ids once the REQUEST is
// published.
func (h *TicketHandler) Bulk(c echo.Context) error {
	requester, err := middleware.RequesterID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var body bulkRequest
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	res, err := h.accepter.AcceptBulkGeneration(c.Request().Context(), service.AcceptRequest{
		EventID:      body.EventID,
		TicketTypeID: body.TicketTypeID,
		Quantity:     body.Quantity,
		RequesterID:  requester,
		Attendees:    body.Attendees,
		Options:      body.Options,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusAccepted, res)
}

// Retry handles POST /tickets/batches/:correlation_id/retry. The query
// parameter include_errored=true also resends the batch's ERROR tickets.
func (h *TicketHandler) Retry(c echo.Context) error {
	includeErrored := false
	if v := c.QueryParam("include_errored"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid include_errored"})
		}
		includeErrored = b
	}
	res, err := h.accepter.RetryBatch(c.Request().Context(), c.Param("correlation_id"), includeErrored)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusAccepted, res)
}

// Batch handles GET /tickets/batches/:correlation_id.
func (h *TicketHandler) Batch(c echo.Context) error {
	ctx := c.Request().Context()
	corr := c.Param("correlation_id")
	b, err := h.reader.GetBatch(ctx, corr)
	if errors.Is(err, repository.ErrNotFound) {
		return writeError(c, service.ErrBatchNotFound)
	}
	if err != nil {
		return writeError(c, err)
	}
	tickets, err := h.reader.FindByCorrelation(ctx, corr)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"batch": b, "tickets": tickets})
}

// EventStatus handles GET /events/:id/tickets/status. Every status is
// present in the reply, zero when no ticket has it.
func (h *TicketHandler) EventStatus(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid event id"})
	}
	counts, err := h.reader.CountByStatus(c.Request().Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	out := map[model.TicketStatus]int{
		model.StatusPending:    0,
		model.StatusQueueError: 0,
		model.StatusGenerated:  0,
		model.StatusError:      0,
	}
	for s, n := range counts {
		out[s] = n
	}
	return c.JSON(http.StatusOK, echo.Map{"event_id": id, "counts": out})
}
