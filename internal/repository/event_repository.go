package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/iliyamo/ticket-coordinator/internal/model"
)

// EventRepo owns the event capacity counter and ticket type lookups used
// while accepting a bulk generation.
type EventRepo struct {
	db *sql.DB
}

// NewEventRepo returns an EventRepo bound to the given database.
func NewEventRepo(db *sql.DB) *EventRepo { return &EventRepo{db: db} }

// ReserveCapacityTx decrements the remaining capacity of an event by qty
// with a single conditional update, so concurrent accepters racing for the
// last seats are serialized by the row lock and never oversell. When no
// row matched it distinguishes a missing event (ErrEventNotFound) from an
// exhausted one (ErrCapacityExceeded).
func (r *EventRepo) ReserveCapacityTx(ctx context.Context, tx *sql.Tx, eventID uint64, qty int) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE events SET remaining_capacity = remaining_capacity - ?
         WHERE id = ? AND remaining_capacity >= ?`,
		qty, eventID, qty)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM events WHERE id = ?`, eventID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrEventNotFound
	}
	if err != nil {
		return err
	}
	return ErrCapacityExceeded
}

// TicketTypeTx loads a ticket type and checks that it belongs to eventID.
func (r *EventRepo) TicketTypeTx(ctx context.Context, tx *sql.Tx, eventID, ticketTypeID uint64) (model.TicketTypeInfo, error) {
	var tt model.TicketTypeInfo
	var kind string
	err := tx.QueryRowContext(ctx,
		`SELECT id, event_id, kind FROM ticket_types WHERE id = ? AND event_id = ?`,
		ticketTypeID, eventID,
	).Scan(&tt.ID, &tt.EventID, &kind)
	if errors.Is(err, sql.ErrNoRows) {
		return model.TicketTypeInfo{}, ErrTicketTypeNotFound
	}
	if err != nil {
		return model.TicketTypeInfo{}, err
	}
	tt.Kind = model.TicketType(kind)
	return tt, nil
}
