package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/iliyamo/ticket-coordinator/internal/monitoring"
	"github.com/iliyamo/ticket-coordinator/internal/queue"
	"github.com/iliyamo/ticket-coordinator/internal/repository"
)

// ResponseStore applies one response in a single transaction.
type ResponseStore interface {
	ApplyResponse(ctx context.Context, u repository.ResponseUpdate) (repository.ApplyResult, error)
}

// ResponseConsumer applies RESPONSE messages to the ticket rows. Handle is
// safe against redelivery: every update is gated on the ticket's current
// status, so a second delivery of the same response changes nothing.
type ResponseConsumer struct {
	store   ResponseStore
	log     zerolog.Logger
	metrics *monitoring.Metrics
}

// NewResponseConsumer returns a consumer writing through store.
func NewResponseConsumer(store ResponseStore, log zerolog.Logger, m *monitoring.Metrics) *ResponseConsumer {
	return &ResponseConsumer{store: store, log: log, metrics: m}
}

// Handle is the queue.Handler of the RESPONSE queue.
//
//	unparseable or invalid payload      -> Poison
//	database failure or deadline        -> Retry; the transaction rolled back
//	only unknown ticket ids             -> Retry with ErrUnknownTickets,
//	                                       sidelined once attempts run out
//	otherwise                           -> Ack after the commit
func (c *ResponseConsumer) Handle(ctx context.Context, job queue.Job) queue.Outcome {
	start := time.Now()
	out := c.handle(ctx, job)
	c.metrics.ResponseHandled(out.Verdict, time.Since(start))
	return out
}

func (c *ResponseConsumer) handle(ctx context.Context, job queue.Job) queue.Outcome {
	l := c.log.With().Str("job_id", job.ID).Int("attempt", job.Attempt).Logger()

	msg, err := queue.DecodeResponse(job.Payload)
	if err != nil {
		l.Error().Err(err).Msg("poison response")
		return queue.Poison(fmt.Errorf("%w: %v", ErrPoisonResponse, err))
	}
	l = l.With().Str("correlation_id", msg.CorrelationID).Uint64("event_id", msg.EventID).Logger()
	if len(msg.Results) == 0 && len(msg.Errors) == 0 {
		l.Warn().Msg("empty response")
		return queue.Ack()
	}

	u := repository.ResponseUpdate{
		CorrelationID: msg.CorrelationID,
		EventID:       msg.EventID,
		Successes:     make([]repository.SuccessUpdate, len(msg.Results)),
		Errors:        make([]repository.ErrorUpdate, len(msg.Errors)),
	}
	for i, r := range msg.Results {
		u.Successes[i] = repository.SuccessUpdate{
			TicketID:    r.TicketID,
			EventID:     msg.EventID,
			QRPayload:   r.QRPayload,
			Checksum:    r.Checksum,
			ArtifactURL: r.ArtifactURL,
		}
	}
	for i, e := range msg.Errors {
		text := e.ErrorMessage
		if text == "" {
			text = "unspecified renderer error"
		}
		u.Errors[i] = repository.ErrorUpdate{TicketID: e.TicketID, EventID: msg.EventID, Message: text}
	}

	res, err := c.store.ApplyResponse(ctx, u)
	if err != nil {
		l.Warn().Err(err).Msg("apply failed; response will be retried")
		return queue.Retry(err)
	}

	c.metrics.TicketsApplied("generated", len(res.Generated))
	c.metrics.TicketsApplied("errored", len(res.Errored))
	c.metrics.TicketsApplied("unchanged", len(res.Unchanged))
	c.metrics.TicketsApplied("conflict", len(res.Conflicts))
	c.metrics.TicketsApplied("unknown", len(res.Unknown))

	if len(res.Conflicts) > 0 {
		l.Error().Strs("ticket_ids", res.Conflicts).Msg("checksum conflict on generated tickets; entries skipped")
	}
	if res.Applied() == 0 && len(res.Unknown) > 0 {
		l.Warn().Strs("ticket_ids", res.Unknown).Msg("response references only unknown tickets")
		return queue.Retry(fmt.Errorf("%w: %d ids", ErrUnknownTickets, len(res.Unknown)))
	}
	if len(res.Unknown) > 0 {
		l.Warn().Strs("ticket_ids", res.Unknown).Msg("unknown tickets skipped")
	}
	l.Info().
		Int("generated", len(res.Generated)).
		Int("errored", len(res.Errored)).
		Int("unchanged", len(res.Unchanged)).
		Msg("response applied")
	return queue.Ack()
}
