package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iliyamo/ticket-coordinator/internal/model"
)

// TicketRepo provides the SQL statements of the ticket lifecycle. Every
// status change is a conditional UPDATE gated on the statuses from which
// the state machine allows entering the target status, so concurrent or
// repeated writers are serialized by the database instead of by
// read-then-write logic. All timestamps are UTC.
type TicketRepo struct {
	db *sql.DB
}

// NewTicketRepo returns a TicketRepo bound to the given database.
func NewTicketRepo(db *sql.DB) *TicketRepo { return &TicketRepo{db: db} }

// SuccessUpdate carries the renderer's result for one ticket. Its fields
// map one to one onto the columns written by ApplySuccessTx.
type SuccessUpdate struct {
	TicketID    string
	EventID     uint64
	QRPayload   string
	Checksum    string
	ArtifactURL string
	At          time.Time
}

// ErrorUpdate carries the renderer's failure for one ticket.
type ErrorUpdate struct {
	TicketID string
	EventID  uint64
	Message  string
	At       time.Time
}

const ticketColumns = `id, event_id, ticket_type_id, user_id, type, attendee_name, attendee_email,
        attendee_phone, status, qr_payload, checksum, artifact_url, error_message,
        correlation_id, created_at, updated_at`

// InsertBulkTx inserts the given tickets in a single statement within the
// provided transaction. Passing an empty slice has no effect.
func (r *TicketRepo) InsertBulkTx(ctx context.Context, tx *sql.Tx, tickets []model.Ticket) error {
	if len(tickets) == 0 {
		return nil
	}
	var b strings.Builder
	b.WriteString(`INSERT INTO tickets (id, event_id, ticket_type_id, user_id, type, attendee_name,
        attendee_email, attendee_phone, status, correlation_id, created_at, updated_at) VALUES `)
	args := make([]interface{}, 0, len(tickets)*12)
	for i, t := range tickets {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args, t.ID, t.EventID, t.TicketTypeID, t.UserID, string(t.Type),
			t.Attendee.Name, t.Attendee.Email, nullString(t.Attendee.Phone), string(t.Status),
			nullString(t.CorrelationID), t.CreatedAt, t.UpdatedAt)
	}
	if _, err := tx.ExecContext(ctx, b.String(), args...); err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("insert tickets: %w", ErrConflict)
		}
		return err
	}
	return nil
}

// MarkQueueErrorTx moves the given tickets from PENDING to QUEUE_ERROR. It
// is the compensating update run after a failed publish and returns the
// number of tickets that changed.
func (r *TicketRepo) MarkQueueErrorTx(ctx context.Context, tx *sql.Tx, ids []string, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	gate, gateArgs := statusGate(model.StatusQueueError)
	q := `UPDATE tickets SET status = ?, updated_at = GREATEST(created_at, ?)
          WHERE id IN (` + placeholders(len(ids)) + `) AND ` + gate
	args := make([]interface{}, 0, 2+len(ids)+len(gateArgs))
	args = append(args, string(model.StatusQueueError), at)
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, gateArgs...)
	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ApplySuccessTx moves one ticket to GENERATED and stores its artifact
// fields. The update fires only from PENDING, QUEUE_ERROR or ERROR; a
// return of 0 means the ticket is unknown or already GENERATED.
func (r *TicketRepo) ApplySuccessTx(ctx context.Context, tx *sql.Tx, u SuccessUpdate) (int64, error) {
	gate, gateArgs := statusGate(model.StatusGenerated)
	q := `UPDATE tickets SET status = ?, qr_payload = ?, checksum = ?, artifact_url = ?,
          error_message = NULL, updated_at = GREATEST(created_at, ?)
          WHERE id = ? AND event_id = ? AND ` + gate
	args := append([]interface{}{string(model.StatusGenerated), u.QRPayload, u.Checksum, u.ArtifactURL,
		u.At, u.TicketID, u.EventID}, gateArgs...)
	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ApplyErrorTx moves one ticket from PENDING to ERROR with the renderer's
// message. A return of 0 means the ticket is unknown or not PENDING.
func (r *TicketRepo) ApplyErrorTx(ctx context.Context, tx *sql.Tx, u ErrorUpdate) (int64, error) {
	gate, gateArgs := statusGate(model.StatusError)
	q := `UPDATE tickets SET status = ?, error_message = ?, updated_at = GREATEST(created_at, ?)
          WHERE id = ? AND event_id = ? AND ` + gate
	args := append([]interface{}{string(model.StatusError), u.Message, u.At, u.TicketID, u.EventID}, gateArgs...)
	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// StatusTx returns the current status and checksum of a ticket. It is used
// to explain why a conditional update matched no row. ErrNotFound is
// returned when no ticket with that id exists for the event.
func (r *TicketRepo) StatusTx(ctx context.Context, tx *sql.Tx, eventID uint64, id string) (model.TicketStatus, *string, error) {
	var status string
	var checksum sql.NullString
	err := tx.QueryRowContext(ctx,
		`SELECT status, checksum FROM tickets WHERE id = ? AND event_id = ?`, id, eventID,
	).Scan(&status, &checksum)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, ErrNotFound
	}
	if err != nil {
		return "", nil, err
	}
	return model.TicketStatus(status), ptrString(checksum), nil
}

// LockByCorrelationTx selects the tickets of a batch that are in one of the
// given statuses and locks them for the rest of the transaction.
func (r *TicketRepo) LockByCorrelationTx(ctx context.Context, tx *sql.Tx, correlationID string, statuses ...model.TicketStatus) ([]model.Ticket, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := []interface{}{correlationID}
	for _, s := range statuses {
		args = append(args, string(s))
	}
	q := `SELECT ` + ticketColumns + ` FROM tickets
          WHERE correlation_id = ? AND status IN (` + placeholders(len(statuses)) + `)
          ORDER BY created_at, id FOR UPDATE`
	rows, err := tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return scanTickets(rows)
}

// RependTx moves the given QUEUE_ERROR tickets back to PENDING ahead of a
// re-enqueue.
func (r *TicketRepo) RependTx(ctx context.Context, tx *sql.Tx, ids []string, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	gate, gateArgs := statusGate(model.StatusPending)
	q := `UPDATE tickets SET status = ?, updated_at = GREATEST(created_at, ?)
          WHERE id IN (` + placeholders(len(ids)) + `) AND ` + gate
	args := []interface{}{string(model.StatusPending), at}
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, gateArgs...)
	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// FindByCorrelation returns every ticket enqueued under the correlation id,
// oldest first.
func (r *TicketRepo) FindByCorrelation(ctx context.Context, correlationID string) ([]model.Ticket, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE correlation_id = ? ORDER BY created_at, id`,
		correlationID)
	if err != nil {
		return nil, err
	}
	return scanTickets(rows)
}

// CountByStatus returns the number of tickets of an event per status.
// Statuses with no tickets are absent from the map.
func (r *TicketRepo) CountByStatus(ctx context.Context, eventID uint64) (map[model.TicketStatus]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM tickets WHERE event_id = ? GROUP BY status`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[model.TicketStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[model.TicketStatus(status)] = n
	}
	return out, rows.Err()
}

// ExpirePending moves to ERROR, with the given message, the PENDING tickets
// whose last entry into PENDING plus their batch delay lies before cutoff.
// Entry into PENDING is tracked by updated_at, which RependTx refreshes, so a
// re-enqueued ticket gets a full generation window again. It returns the
// number of tickets expired.
func (r *TicketRepo) ExpirePending(ctx context.Context, cutoff time.Time, message string, at time.Time) (int64, error) {
	prior := model.PriorStatuses(model.StatusError)
	q := `UPDATE tickets t
          LEFT JOIN generation_batches b ON b.correlation_id = t.correlation_id
          SET t.status = ?, t.error_message = ?, t.updated_at = GREATEST(t.created_at, ?)
          WHERE TIMESTAMPADD(MICROSECOND, COALESCE(b.delay_ms, 0) * 1000, t.updated_at) < ?
            AND t.status IN (` + placeholders(len(prior)) + `)`
	args := []interface{}{string(model.StatusError), message, at, cutoff}
	for _, st := range prior {
		args = append(args, string(st))
	}
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// statusGate renders "status IN (?, ...)" for the statuses from which next
// may be entered, together with its arguments.
func statusGate(next model.TicketStatus) (string, []interface{}) {
	prior := model.PriorStatuses(next)
	args := make([]interface{}, len(prior))
	for i, s := range prior {
		args[i] = string(s)
	}
	return "status IN (" + placeholders(len(prior)) + ")", args
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

func scanTickets(rows *sql.Rows) ([]model.Ticket, error) {
	defer rows.Close()
	var out []model.Ticket
	for rows.Next() {
		var (
			t                                     model.Ticket
			typ, status                           string
			phone, qr, checksum, url, msg, corrID sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.EventID, &t.TicketTypeID, &t.UserID, &typ,
			&t.Attendee.Name, &t.Attendee.Email, &phone, &status, &qr, &checksum, &url, &msg,
			&corrID, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.Type = model.TicketType(typ)
		t.Status = model.TicketStatus(status)
		t.Attendee.Phone = ptrString(phone)
		t.QRPayload = ptrString(qr)
		t.Checksum = ptrString(checksum)
		t.ArtifactURL = ptrString(url)
		t.ErrorMessage = ptrString(msg)
		t.CorrelationID = ptrString(corrID)
		out = append(out, t)
	}
	return out, rows.Err()
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func ptrString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
