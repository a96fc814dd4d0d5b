package service

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrCapacityExceeded means the event has fewer remaining seats than
	// requested. Nothing was persisted or enqueued.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrEventNotFound means the event or its ticket type does not exist.
	ErrEventNotFound = errors.New("event not found")
	// ErrBatchNotFound means no batch has the given correlation id.
	ErrBatchNotFound = errors.New("batch not found")
	// ErrNothingToRetry means the batch has no ticket in a retryable status.
	ErrNothingToRetry = errors.New("nothing to retry")
	// ErrShuttingDown is returned once the accepter stopped taking work.
	ErrShuttingDown = errors.New("shutting down")
	// ErrUnknownTickets means a response referenced no known ticket.
	ErrUnknownTickets = errors.New("response references only unknown tickets")
	// ErrPoisonResponse means a response can never be applied.
	ErrPoisonResponse = errors.New("poison response")
)

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrValidation) true.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, reason string) error { return &ValidationError{Field: field, Reason: reason} }

// PersistError wraps a database failure while accepting work. The
// transaction was rolled back and nothing was enqueued.
type PersistError struct {
	Op  string
	Err error
}

func (e *PersistError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *PersistError) Unwrap() error { return e.Err }

// EnqueueError reports a REQUEST publish that failed after the tickets were
// committed. The tickets listed were moved to QUEUE_ERROR unless
// CompensationErr is set, in which case they may still be PENDING.
type EnqueueError struct {
	CorrelationID   string
	TicketIDs       []string
	Err             error
	CompensationErr error
}

func (e *EnqueueError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "enqueue batch %s (%d tickets): %v", e.CorrelationID, len(e.TicketIDs), e.Err)
	if e.CompensationErr != nil {
		fmt.Fprintf(&b, "; compensation failed: %v", e.CompensationErr)
	}
	return b.String()
}

func (e *EnqueueError) Unwrap() error { return e.Err }
