package model

import "time"

// TicketStatus is the lifecycle state of a ticket row. The set of values
// and the allowed transitions between them are fixed; see CanTransition.
type TicketStatus string

const (
	StatusPending    TicketStatus = "PENDING"     // created, waiting for the renderer
	StatusQueueError TicketStatus = "QUEUE_ERROR" // request could not be enqueued
	StatusGenerated  TicketStatus = "GENERATED"   // rendered; artifact fields are set
	StatusError      TicketStatus = "ERROR"       // renderer reported a failure
)

// Valid reports whether s is one of the known statuses.
func (s TicketStatus) Valid() bool {
	switch s {
	case StatusPending, StatusQueueError, StatusGenerated, StatusError:
		return true
	}
	return false
}

// Terminal reports whether a ticket in status s can never change again.
func (s TicketStatus) Terminal() bool { return s == StatusGenerated }

// transitions lists, for every status, the statuses it may move to.
//
//	PENDING     -> QUEUE_ERROR | GENERATED | ERROR
//	QUEUE_ERROR -> PENDING | GENERATED
//	ERROR       -> GENERATED
//	GENERATED   -> (none)
var transitions = map[TicketStatus][]TicketStatus{
	StatusPending:    {StatusQueueError, StatusGenerated, StatusError},
	StatusQueueError: {StatusPending, StatusGenerated},
	StatusError:      {StatusGenerated},
}

// CanTransition reports whether a ticket may move from s to next. Staying
// in the same status is not a transition and returns false.
func (s TicketStatus) CanTransition(next TicketStatus) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// PriorStatuses returns every status from which a ticket may enter next.
// The repository uses it to build the status gate of conditional updates
// so the SQL and the state machine cannot drift apart.
func PriorStatuses(next TicketStatus) []TicketStatus {
	var out []TicketStatus
	for _, from := range []TicketStatus{StatusPending, StatusQueueError, StatusError, StatusGenerated} {
		if from.CanTransition(next) {
			out = append(out, from)
		}
	}
	return out
}

// TicketType is the commercial kind of a ticket.
type TicketType string

const (
	TypeStandard TicketType = "standard"
	TypeVIP      TicketType = "vip"
	TypeFree     TicketType = "free"
)

// Valid reports whether t is a known ticket type.
func (t TicketType) Valid() bool {
	return t == TypeStandard || t == TypeVIP || t == TypeFree
}

// Attendee identifies the person a ticket is issued to.
type Attendee struct {
	Name  string  `json:"name"`
	Email string  `json:"email"`
	Phone *string `json:"phone,omitempty"`
}

// Ticket mirrors one row of the tickets table.
//
// Fields:
//
//	QRPayload, Checksum, ArtifactURL – set only once the ticket is GENERATED.
//	ErrorMessage                     – set only when the ticket is in ERROR.
//	CorrelationID                    – batch the ticket was enqueued with.
type Ticket struct {
	ID            string       `json:"id"`
	EventID       uint64       `json:"event_id"`
	TicketTypeID  uint64       `json:"ticket_type_id"`
	UserID        uint64       `json:"user_id"`
	Type          TicketType   `json:"type"`
	Attendee      Attendee     `json:"attendee"`
	Status        TicketStatus `json:"status"`
	QRPayload     *string      `json:"qr_payload,omitempty"`
	Checksum      *string      `json:"checksum,omitempty"`
	ArtifactURL   *string      `json:"artifact_url,omitempty"`
	ErrorMessage  *string      `json:"error_message,omitempty"`
	CorrelationID *string      `json:"correlation_id,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Consistent reports whether the nullable fields agree with the status:
// a GENERATED ticket carries all artifact fields and no error, an ERROR
// ticket carries an error message, and updated_at never precedes
// created_at.
func (t Ticket) Consistent() bool {
	if t.UpdatedAt.Before(t.CreatedAt) {
		return false
	}
	switch t.Status {
	case StatusGenerated:
		return t.QRPayload != nil && t.Checksum != nil && t.ArtifactURL != nil && t.ErrorMessage == nil
	case StatusError:
		return t.ErrorMessage != nil
	}
	return true
}
