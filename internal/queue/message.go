package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/ticket-coordinator/internal/model"
)

// Message kinds and sources carried in every payload.
const (
	KindRequest  = "REQUEST"
	KindResponse = "RESPONSE"

	SourcePlanner  = "planner"
	SourceRenderer = "renderer"
)

// ErrMalformed is returned by DecodeResponse for payloads that can never be
// processed, whatever the number of attempts.
var ErrMalformed = errors.New("malformed message")

// TicketDescriptor is one ticket as the renderer needs to see it.
type TicketDescriptor struct {
	ID       string           `json:"id"`
	EventID  uint64           `json:"event_id"`
	UserID   uint64           `json:"user_id"`
	Type     model.TicketType `json:"type"`
	Attendee model.Attendee   `json:"attendee"`
}

// RequestOptions are the scheduling hints echoed in the REQUEST payload.
type RequestOptions struct {
	Priority int   `json:"priority"`
	DelayMs  int64 `json:"delay_ms"`
}

// RequestMessage asks the renderer to generate a batch of tickets.
type RequestMessage struct {
	Kind          string             `json:"kind"`
	CorrelationID string             `json:"correlation_id"`
	EventID       uint64             `json:"event_id"`
	Source        string             `json:"source"`
	Tickets       []TicketDescriptor `json:"tickets"`
	Options       RequestOptions     `json:"options"`
}

// NewRequest builds the REQUEST payload for the given tickets.
func NewRequest(correlationID string, eventID uint64, tickets []model.Ticket, opts RequestOptions) RequestMessage {
	descs := make([]TicketDescriptor, len(tickets))
	for i, t := range tickets {
		descs[i] = TicketDescriptor{
			ID:       t.ID,
			EventID:  t.EventID,
			UserID:   t.UserID,
			Type:     t.Type,
			Attendee: t.Attendee,
		}
	}
	return RequestMessage{
		Kind:          KindRequest,
		CorrelationID: correlationID,
		EventID:       eventID,
		Source:        SourcePlanner,
		Tickets:       descs,
		Options:       opts,
	}
}

// GeneratedTicket is one successful render.
type GeneratedTicket struct {
	TicketID    string    `json:"ticket_id"`
	QRPayload   string    `json:"qr_payload"`
	Checksum    string    `json:"checksum"`
	ArtifactURL string    `json:"artifact_url"`
	GeneratedAt time.Time `json:"generated_at"`
}

// FailedTicket is one failed render.
type FailedTicket struct {
	TicketID     string    `json:"ticket_id"`
	ErrorMessage string    `json:"error_message"`
	ErroredAt    time.Time `json:"errored_at"`
}

// ResponseMessage is the renderer's answer to one RequestMessage.
type ResponseMessage struct {
	Kind          string            `json:"kind"`
	CorrelationID string            `json:"correlation_id"`
	EventID       uint64            `json:"event_id"`
	Source        string            `json:"source"`
	Results       []GeneratedTicket `json:"results"`
	Errors        []FailedTicket    `json:"errors"`
}

// DecodeResponse parses and validates a RESPONSE payload. Every returned
// error wraps ErrMalformed.
func DecodeResponse(body []byte) (ResponseMessage, error) {
	var m ResponseMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return ResponseMessage{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := m.Validate(); err != nil {
		return ResponseMessage{}, err
	}
	return m, nil
}

// Validate checks the fields a consumer relies on.
func (m ResponseMessage) Validate() error {
	switch {
	case m.Kind != KindResponse:
		return fmt.Errorf("%w: kind %q", ErrMalformed, m.Kind)
	case m.CorrelationID == "":
		return fmt.Errorf("%w: missing correlation_id", ErrMalformed)
	case m.EventID == 0:
		return fmt.Errorf("%w: missing event_id", ErrMalformed)
	}
	for i, r := range m.Results {
		if r.TicketID == "" || r.QRPayload == "" || r.Checksum == "" || r.ArtifactURL == "" {
			return fmt.Errorf("%w: results[%d] incomplete", ErrMalformed, i)
		}
	}
	for i, e := range m.Errors {
		if e.TicketID == "" {
			return fmt.Errorf("%w: errors[%d] missing ticket_id", ErrMalformed, i)
		}
	}
	return nil
}
