package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/ticket-coordinator/internal/model"
)

// Store groups the repositories into the transactional units used by the
// coordinator. Each unit acquires one pooled connection within
// connTimeout, runs under a queryTimeout deadline, and either commits or
// rolls back before returning; no connection is held once a method
// returns, in particular not across a broker call.
type Store struct {
	db           *sql.DB
	Tickets      *TicketRepo
	Events       *EventRepo
	Batches      *BatchRepo
	queryTimeout time.Duration
	connTimeout  time.Duration
	now          func() time.Time
}

// NewStore builds a Store over db. Non-positive timeouts fall back to 10s
// for queries and 5s for connection acquisition.
func NewStore(db *sql.DB, queryTimeout, connTimeout time.Duration) *Store {
	if queryTimeout <= 0 {
		queryTimeout = 10 * time.Second
	}
	if connTimeout <= 0 {
		connTimeout = 5 * time.Second
	}
	return &Store{
		db:           db,
		Tickets:      NewTicketRepo(db),
		Events:       NewEventRepo(db),
		Batches:      NewBatchRepo(db),
		queryTimeout: queryTimeout,
		connTimeout:  connTimeout,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// NewBatch is the input of CreateBatch. TicketIDs and Attendees are
// parallel slices; their length is the requested quantity.
type NewBatch struct {
	CorrelationID string
	EventID       uint64
	TicketTypeID  uint64
	RequesterID   uint64
	TicketIDs     []string
	Attendees     []model.Attendee
	Priority      int
	DelayMs       int64
}

// ResponseUpdate is one renderer response translated into row updates.
type ResponseUpdate struct {
	CorrelationID string
	EventID       uint64
	Successes     []SuccessUpdate
	Errors        []ErrorUpdate
}

// ApplyResult classifies every entry of a ResponseUpdate by its effect.
type ApplyResult struct {
	Generated []string // moved to GENERATED
	Errored   []string // moved to ERROR
	Unchanged []string // already in the resulting state (redelivery) or gated out
	Conflicts []string // GENERATED with a different checksum; left untouched
	Unknown   []string // no such ticket for the event
}

// Applied returns the number of entries that referenced an existing ticket.
func (r ApplyResult) Applied() int {
	return len(r.Generated) + len(r.Errored) + len(r.Unchanged) + len(r.Conflicts)
}

// CreateBatch reserves capacity, inserts the PENDING tickets and the batch
// row in one transaction. On any error nothing is persisted.
func (s *Store) CreateBatch(ctx context.Context, nb NewBatch) (model.GenerationBatch, []model.Ticket, error) {
	if len(nb.TicketIDs) != len(nb.Attendees) {
		return model.GenerationBatch{}, nil, fmt.Errorf("create batch: %d ids for %d attendees", len(nb.TicketIDs), len(nb.Attendees))
	}
	now := s.now()
	var (
		batch   model.GenerationBatch
		tickets []model.Ticket
	)
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		tt, err := s.Events.TicketTypeTx(ctx, tx, nb.EventID, nb.TicketTypeID)
		if err != nil {
			return err
		}
		if err := s.Events.ReserveCapacityTx(ctx, tx, nb.EventID, len(nb.TicketIDs)); err != nil {
			return err
		}
		corr := nb.CorrelationID
		tickets = make([]model.Ticket, len(nb.TicketIDs))
		for i, id := range nb.TicketIDs {
			tickets[i] = model.Ticket{
				ID:            id,
				EventID:       nb.EventID,
				TicketTypeID:  tt.ID,
				UserID:        nb.RequesterID,
				Type:          tt.Kind,
				Attendee:      nb.Attendees[i],
				Status:        model.StatusPending,
				CorrelationID: &corr,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
		}
		if err := s.Tickets.InsertBulkTx(ctx, tx, tickets); err != nil {
			return err
		}
		batch = model.GenerationBatch{
			CorrelationID: corr,
			EventID:       nb.EventID,
			RequesterID:   nb.RequesterID,
			TicketIDs:     nb.TicketIDs,
			Priority:      nb.Priority,
			DelayMs:       nb.DelayMs,
			Attempts:      1,
			EnqueuedAt:    now,
		}
		return s.Batches.CreateTx(ctx, tx, batch)
	})
	if err != nil {
		return model.GenerationBatch{}, nil, err
	}
	return batch, tickets, nil
}

// MarkQueueError is the compensating update after a failed publish: every
// listed ticket still PENDING moves to QUEUE_ERROR.
func (s *Store) MarkQueueError(ctx context.Context, ids []string) (int64, error) {
	var n int64
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		n, err = s.Tickets.MarkQueueErrorTx(ctx, tx, ids, s.now())
		return err
	})
	return n, err
}

// ApplyResponse applies all successes then all errors of one response in a
// single transaction and marks the batch as responded. Either every
// update commits or none does.
func (s *Store) ApplyResponse(ctx context.Context, u ResponseUpdate) (ApplyResult, error) {
	var res ApplyResult
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res = ApplyResult{}
		now := s.now()
		for _, su := range u.Successes {
			if su.At.IsZero() {
				su.At = now
			}
			n, err := s.Tickets.ApplySuccessTx(ctx, tx, su)
			if err != nil {
				return fmt.Errorf("apply success %s: %w", su.TicketID, err)
			}
			if n > 0 {
				res.Generated = append(res.Generated, su.TicketID)
				continue
			}
			status, checksum, err := s.Tickets.StatusTx(ctx, tx, su.EventID, su.TicketID)
			switch {
			case errors.Is(err, ErrNotFound):
				res.Unknown = append(res.Unknown, su.TicketID)
			case err != nil:
				return fmt.Errorf("status of %s: %w", su.TicketID, err)
			case status == model.StatusGenerated && (checksum == nil || *checksum != su.Checksum):
				res.Conflicts = append(res.Conflicts, su.TicketID)
			default:
				res.Unchanged = append(res.Unchanged, su.TicketID)
			}
		}
		for _, eu := range u.Errors {
			if eu.At.IsZero() {
				eu.At = now
			}
			n, err := s.Tickets.ApplyErrorTx(ctx, tx, eu)
			if err != nil {
				return fmt.Errorf("apply error %s: %w", eu.TicketID, err)
			}
			if n > 0 {
				res.Errored = append(res.Errored, eu.TicketID)
				continue
			}
			_, _, err = s.Tickets.StatusTx(ctx, tx, eu.EventID, eu.TicketID)
			switch {
			case errors.Is(err, ErrNotFound):
				res.Unknown = append(res.Unknown, eu.TicketID)
			case err != nil:
				return fmt.Errorf("status of %s: %w", eu.TicketID, err)
			default:
				res.Unchanged = append(res.Unchanged, eu.TicketID)
			}
		}
		if res.Applied() == 0 {
			return nil
		}
		return s.Batches.MarkRespondedTx(ctx, tx, u.CorrelationID, now)
	})
	if err != nil {
		return ApplyResult{}, err
	}
	return res, nil
}

// RependBatch prepares a batch for re-enqueue: its QUEUE_ERROR tickets move
// back to PENDING and the batch attempt counter is bumped. With
// includeErrored the ERROR tickets are returned too, without a status
// change, so they can be rendered again. The returned tickets reflect
// their post-transaction status. ErrNotFound is returned for an unknown
// batch; an empty ticket slice means there is nothing to retry.
func (s *Store) RependBatch(ctx context.Context, correlationID string, includeErrored bool) (model.GenerationBatch, []model.Ticket, error) {
	var (
		batch   model.GenerationBatch
		tickets []model.Ticket
	)
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		batch, err = s.Batches.GetTx(ctx, tx, correlationID)
		if err != nil {
			return err
		}
		statuses := []model.TicketStatus{model.StatusQueueError}
		if includeErrored {
			statuses = append(statuses, model.StatusError)
		}
		tickets, err = s.Tickets.LockByCorrelationTx(ctx, tx, correlationID, statuses...)
		if err != nil {
			return err
		}
		if len(tickets) == 0 {
			return nil
		}
		now := s.now()
		var repend []string
		for i := range tickets {
			if tickets[i].Status == model.StatusQueueError {
				repend = append(repend, tickets[i].ID)
				tickets[i].Status = model.StatusPending
				tickets[i].UpdatedAt = now
			}
		}
		if _, err := s.Tickets.RependTx(ctx, tx, repend, now); err != nil {
			return err
		}
		if err := s.Batches.IncrementAttemptsTx(ctx, tx, correlationID, now); err != nil {
			return err
		}
		batch.Attempts++
		batch.EnqueuedAt = now
		batch.RespondedAt = nil
		return nil
	})
	if err != nil {
		return model.GenerationBatch{}, nil, err
	}
	return batch, tickets, nil
}

// FindByCorrelation returns the tickets of a batch.
func (s *Store) FindByCorrelation(ctx context.Context, correlationID string) ([]model.Ticket, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	return s.Tickets.FindByCorrelation(ctx, correlationID)
}

// CountByStatus returns per-status ticket counts of an event.
func (s *Store) CountByStatus(ctx context.Context, eventID uint64) (map[model.TicketStatus]int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	return s.Tickets.CountByStatus(ctx, eventID)
}

// GetBatch returns a batch record.
func (s *Store) GetBatch(ctx context.Context, correlationID string) (model.GenerationBatch, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	return s.Batches.Get(ctx, correlationID)
}

// ExpirePending moves PENDING tickets older than maxAge to ERROR.
func (s *Store) ExpirePending(ctx context.Context, maxAge time.Duration, message string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	now := s.now()
	return s.Tickets.ExpirePending(ctx, now.Add(-maxAge), message, now)
}

// ReclaimBatches deletes fully generated batches answered more than
// retention ago.
func (s *Store) ReclaimBatches(ctx context.Context, retention time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	return s.Batches.ReclaimCompleted(ctx, s.now().Add(-retention))
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) withTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	acquireCtx, acquireCancel := context.WithTimeout(ctx, s.connTimeout)
	conn, err := s.db.Conn(acquireCtx)
	acquireCancel()
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}
