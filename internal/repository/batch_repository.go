package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/ticket-coordinator/internal/model"
)

// BatchRepo persists generation batches for observability and operator
// retries. Rows are written in the accept transaction, touched on retry
// and on response apply, and reclaimed once every ticket is GENERATED.
type BatchRepo struct {
	db *sql.DB
}

// NewBatchRepo returns a BatchRepo bound to the given database.
func NewBatchRepo(db *sql.DB) *BatchRepo { return &BatchRepo{db: db} }

// CreateTx inserts a batch row within the provided transaction.
func (r *BatchRepo) CreateTx(ctx context.Context, tx *sql.Tx, b model.GenerationBatch) error {
	ids, err := json.Marshal(b.TicketIDs)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO generation_batches (correlation_id, event_id, requester_id, ticket_ids,
         priority, delay_ms, attempts, enqueued_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.CorrelationID, b.EventID, b.RequesterID, string(ids), b.Priority, b.DelayMs, b.Attempts, b.EnqueuedAt)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("insert batch %s: %w", b.CorrelationID, ErrConflict)
		}
		return err
	}
	return nil
}

// GetTx loads a batch and locks it for the rest of the transaction.
func (r *BatchRepo) GetTx(ctx context.Context, tx *sql.Tx, correlationID string) (model.GenerationBatch, error) {
	return scanBatch(tx.QueryRowContext(ctx, batchSelect+` WHERE correlation_id = ? FOR UPDATE`, correlationID))
}

// Get loads a batch by correlation id.
func (r *BatchRepo) Get(ctx context.Context, correlationID string) (model.GenerationBatch, error) {
	return scanBatch(r.db.QueryRowContext(ctx, batchSelect+` WHERE correlation_id = ?`, correlationID))
}

// IncrementAttemptsTx bumps the attempt counter and enqueue time of a batch
// that is being published again.
func (r *BatchRepo) IncrementAttemptsTx(ctx context.Context, tx *sql.Tx, correlationID string, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE generation_batches SET attempts = attempts + 1, enqueued_at = ?, responded_at = NULL
         WHERE correlation_id = ?`, at, correlationID)
	return err
}

// MarkRespondedTx records that a response for the batch has been applied.
// Redelivered responses keep the first timestamp.
func (r *BatchRepo) MarkRespondedTx(ctx context.Context, tx *sql.Tx, correlationID string, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE generation_batches SET responded_at = ? WHERE correlation_id = ? AND responded_at IS NULL`,
		at, correlationID)
	return err
}

// ReclaimCompleted deletes batches answered before cutoff whose tickets are
// all GENERATED. It returns the number of batches removed.
func (r *BatchRepo) ReclaimCompleted(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM generation_batches
         WHERE responded_at IS NOT NULL AND responded_at < ?
           AND NOT EXISTS (SELECT 1 FROM tickets t
                           WHERE t.correlation_id = generation_batches.correlation_id
                             AND t.status <> ?)`,
		cutoff, string(model.StatusGenerated))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const batchSelect = `SELECT correlation_id, event_id, requester_id, ticket_ids, priority, delay_ms,
        attempts, enqueued_at, responded_at FROM generation_batches`

func scanBatch(row *sql.Row) (model.GenerationBatch, error) {
	var (
		b         model.GenerationBatch
		ids       []byte
		responded sql.NullTime
	)
	err := row.Scan(&b.CorrelationID, &b.EventID, &b.RequesterID, &ids, &b.Priority, &b.DelayMs,
		&b.Attempts, &b.EnqueuedAt, &responded)
	if errors.Is(err, sql.ErrNoRows) {
		return model.GenerationBatch{}, ErrNotFound
	}
	if err != nil {
		return model.GenerationBatch{}, err
	}
	if err := json.Unmarshal(ids, &b.TicketIDs); err != nil {
		return model.GenerationBatch{}, fmt.Errorf("decode ticket_ids of %s: %w", b.CorrelationID, err)
	}
	if responded.Valid {
		t := responded.Time
		b.RespondedAt = &t
	}
	return b, nil
}
