// Package service implements the two message-facing halves of the ticket
// generation pipeline: the Accepter, which persists a batch of PENDING
// tickets and publishes one REQUEST for it, and the ResponseConsumer,
// which applies the renderer's RESPONSE to the ticket rows.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/iliyamo/ticket-coordinator/internal/model"
	"github.com/iliyamo/ticket-coordinator/internal/monitoring"
	"github.com/iliyamo/ticket-coordinator/internal/queue"
	"github.com/iliyamo/ticket-coordinator/internal/repository"
)

// Quantity bounds of one bulk generation.
const (
	MinQuantity = 1
	MaxQuantity = 100
)

// BatchStore is the part of the ticket state store the accepter writes to.
type BatchStore interface {
	CreateBatch(ctx context.Context, nb repository.NewBatch) (model.GenerationBatch, []model.Ticket, error)
	MarkQueueError(ctx context.Context, ids []string) (int64, error)
	RependBatch(ctx context.Context, correlationID string, includeErrored bool) (model.GenerationBatch, []model.Ticket, error)
}

// Publisher publishes REQUEST payloads. queue.Queue satisfies it.
type Publisher interface {
	Publish(ctx context.Context, payload []byte, opts queue.PublishOptions) (string, error)
}

// Options are the per-batch scheduling hints.
type Options struct {
	Priority int   `json:"priority"`
	DelayMs  int64 `json:"delay_ms"`
}

// AcceptRequest is the input of AcceptBulkGeneration. Attendees is
// optional; when set it must hold exactly Quantity entries.
type AcceptRequest struct {
	EventID      uint64
	TicketTypeID uint64
	Quantity     int
	RequesterID  uint64
	Attendees    []model.Attendee
	Options      Options
}

// AcceptResult describes an enqueued batch.
type AcceptResult struct {
	Tickets       []string           `json:"tickets"`
	CorrelationID string             `json:"correlation_id"`
	Status        model.TicketStatus `json:"status"`
	EnqueuedAt    time.Time          `json:"enqueued_at"`
	JobID         string             `json:"job_id"`
	Attempt       int                `json:"attempt"`
}

// Accepter is the request side of the pipeline.
type Accepter struct {
	store          BatchStore
	requests       Publisher
	publishTimeout time.Duration
	log            zerolog.Logger
	metrics        *monitoring.Metrics
	newID          func() string
	stopped        atomic.Bool
}

// NewAccepter returns an Accepter publishing to requests. A non-positive
// publishTimeout defaults to 30s.
func NewAccepter(store BatchStore, requests Publisher, publishTimeout time.Duration, log zerolog.Logger, m *monitoring.Metrics) *Accepter {
	if publishTimeout <= 0 {
		publishTimeout = 30 * time.Second
	}
	return &Accepter{
		store:          store,
		requests:       requests,
		publishTimeout: publishTimeout,
		log:            log,
		metrics:        m,
		newID:          uuid.NewString,
	}
}

// Stop makes every later call fail with ErrShuttingDown.
func (a *Accepter) Stop() { a.stopped.Store(true) }

// AcceptBulkGeneration reserves capacity, inserts the PENDING tickets of a
// new batch and publishes one REQUEST for them.
//
// The database commit and the publish are not atomic. When the publish
// fails after the commit, the tickets are moved to QUEUE_ERROR and an
// *EnqueueError listing them is returned.
func (a *Accepter) AcceptBulkGeneration(ctx context.Context, req AcceptRequest) (AcceptResult, error) {
	if a.stopped.Load() {
		return AcceptResult{}, ErrShuttingDown
	}
	if err := validateAccept(req); err != nil {
		return AcceptResult{}, err
	}

	attendees := req.Attendees
	if len(attendees) == 0 {
		attendees = make([]model.Attendee, req.Quantity)
	}
	ids := make([]string, req.Quantity)
	for i := range ids {
		ids[i] = a.newID()
	}
	nb := repository.NewBatch{
		CorrelationID: a.newID(),
		EventID:       req.EventID,
		TicketTypeID:  req.TicketTypeID,
		RequesterID:   req.RequesterID,
		TicketIDs:     ids,
		Attendees:     attendees,
		Priority:      req.Options.Priority,
		DelayMs:       req.Options.DelayMs,
	}
	batch, tickets, err := a.store.CreateBatch(ctx, nb)
	switch {
	case errors.Is(err, repository.ErrCapacityExceeded):
		return AcceptResult{}, ErrCapacityExceeded
	case errors.Is(err, repository.ErrEventNotFound), errors.Is(err, repository.ErrTicketTypeNotFound):
		return AcceptResult{}, fmt.Errorf("%w: %v", ErrEventNotFound, err)
	case err != nil:
		return AcceptResult{}, &PersistError{Op: "create batch", Err: err}
	}

	l := a.log.With().Str("correlation_id", batch.CorrelationID).Uint64("event_id", batch.EventID).Logger()
	jobID, err := a.publish(ctx, batch, tickets)
	if err != nil {
		a.metrics.PublishFailed("accept")
		return AcceptResult{}, a.compensate(ctx, l, batch.CorrelationID, ids, ids, err)
	}
	a.metrics.BatchAccepted("accept", len(ids))
	l.Info().Int("quantity", len(ids)).Str("job_id", jobID).Msg("batch enqueued")

	return AcceptResult{
		Tickets:       ids,
		CorrelationID: batch.CorrelationID,
		Status:        model.StatusPending,
		EnqueuedAt:    batch.EnqueuedAt,
		JobID:         jobID,
		Attempt:       batch.Attempts,
	}, nil
}

// RetryBatch re-enqueues a batch. Its QUEUE_ERROR tickets go back to
// PENDING; with includeErrored its ERROR tickets are sent again too and
// keep their status until a response upgrades them. A failed publish
// moves the re-pended tickets back to QUEUE_ERROR.
func (a *Accepter) RetryBatch(ctx context.Context, correlationID string, includeErrored bool) (AcceptResult, error) {
	if a.stopped.Load() {
		return AcceptResult{}, ErrShuttingDown
	}
	if strings.TrimSpace(correlationID) == "" {
		return AcceptResult{}, invalid("correlation_id", "required")
	}
	batch, tickets, err := a.store.RependBatch(ctx, correlationID, includeErrored)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return AcceptResult{}, ErrBatchNotFound
	case err != nil:
		return AcceptResult{}, &PersistError{Op: "repend batch", Err: err}
	case len(tickets) == 0:
		return AcceptResult{}, ErrNothingToRetry
	}

	ids := make([]string, len(tickets))
	var repended []string
	for i, t := range tickets {
		ids[i] = t.ID
		if t.Status == model.StatusPending {
			repended = append(repended, t.ID)
		}
	}
	l := a.log.With().Str("correlation_id", correlationID).Uint64("event_id", batch.EventID).Int("attempt", batch.Attempts).Logger()
	jobID, err := a.publish(ctx, batch, tickets)
	if err != nil {
		a.metrics.PublishFailed("retry")
		return AcceptResult{}, a.compensate(ctx, l, correlationID, ids, repended, err)
	}
	a.metrics.BatchAccepted("retry", len(ids))
	l.Info().Int("tickets", len(ids)).Int("repended", len(repended)).Str("job_id", jobID).Msg("batch re-enqueued")

	return AcceptResult{
		Tickets:       ids,
		CorrelationID: correlationID,
		Status:        model.StatusPending,
		EnqueuedAt:    batch.EnqueuedAt,
		JobID:         jobID,
		Attempt:       batch.Attempts,
	}, nil
}

func (a *Accepter) publish(ctx context.Context, batch model.GenerationBatch, tickets []model.Ticket) (string, error) {
	msg := queue.NewRequest(batch.CorrelationID, batch.EventID, tickets, queue.RequestOptions{
		Priority: batch.Priority,
		DelayMs:  batch.DelayMs,
	})
	body, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, a.publishTimeout)
	defer cancel()
	return a.requests.Publish(ctx, body, queue.PublishOptions{
		Priority: batch.Priority,
		Delay:    time.Duration(batch.DelayMs) * time.Millisecond,
	})
}

// compensate moves the PENDING tickets among markIDs to QUEUE_ERROR after
// a failed publish. It runs even if ctx was cancelled: the tickets are
// committed and must not stay PENDING.
func (a *Accepter) compensate(ctx context.Context, l zerolog.Logger, correlationID string, ticketIDs, markIDs []string, cause error) error {
	eerr := &EnqueueError{CorrelationID: correlationID, TicketIDs: ticketIDs, Err: cause}
	if len(markIDs) > 0 {
		cctx := context.WithoutCancel(ctx)
		n, err := a.store.MarkQueueError(cctx, markIDs)
		if err != nil {
			eerr.CompensationErr = err
			a.metrics.Compensated(false)
			l.Error().Err(err).AnErr("cause", cause).Strs("ticket_ids", markIDs).Msg("compensating update failed; tickets left PENDING")
			return eerr
		}
		a.metrics.Compensated(true)
		l.Warn().Err(cause).Int64("marked", n).Msg("publish failed; tickets moved to QUEUE_ERROR")
		return eerr
	}
	l.Warn().Err(cause).Msg("publish failed")
	return eerr
}

func validateAccept(req AcceptRequest) error {
	switch {
	case req.EventID == 0:
		return invalid("event_id", "required")
	case req.TicketTypeID == 0:
		return invalid("ticket_type_id", "required")
	case req.RequesterID == 0:
		return invalid("requester_id", "required")
	case req.Quantity < MinQuantity || req.Quantity > MaxQuantity:
		return invalid("quantity", fmt.Sprintf("must be between %d and %d", MinQuantity, MaxQuantity))
	case req.Options.Priority < 0 || req.Options.Priority > queue.MaxPriority:
		return invalid("options.priority", fmt.Sprintf("must be between 0 and %d", queue.MaxPriority))
	case req.Options.DelayMs < 0 || req.Options.DelayMs > queue.MaxDelay.Milliseconds():
		return invalid("options.delay_ms", fmt.Sprintf("must be between 0 and %d", queue.MaxDelay.Milliseconds()))
	}
	if len(req.Attendees) == 0 {
		return nil
	}
	if len(req.Attendees) != req.Quantity {
		return invalid("attendees", fmt.Sprintf("got %d entries for quantity %d", len(req.Attendees), req.Quantity))
	}
	for i, at := range req.Attendees {
		if strings.TrimSpace(at.Name) == "" {
			return invalid(fmt.Sprintf("attendees[%d].name", i), "required")
		}
		if _, err := mail.ParseAddress(at.Email); err != nil {
			return invalid(fmt.Sprintf("attendees[%d].email", i), "invalid address")
		}
	}
	return nil
}
