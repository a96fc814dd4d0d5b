package model

import "time"

// GenerationBatch records one bulk generation request from the moment its
// tickets are inserted until the renderer's response has been applied.
// It exists for observability and operator retries; the tickets table
// remains the source of truth for ticket state.
type GenerationBatch struct {
	CorrelationID string     `json:"correlation_id"`
	EventID       uint64     `json:"event_id"`
	RequesterID   uint64     `json:"requester_id"`
	TicketIDs     []string   `json:"ticket_ids"`
	Priority      int        `json:"priority"`
	DelayMs       int64      `json:"delay_ms"`
	Attempts      int        `json:"attempts"`
	EnqueuedAt    time.Time  `json:"enqueued_at"`
	RespondedAt   *time.Time `json:"responded_at,omitempty"`
}

// TicketTypeInfo is the subset of a ticket_types row needed to issue
// tickets of that type.
type TicketTypeInfo struct {
	ID      uint64     `json:"id"`
	EventID uint64     `json:"event_id"`
	Kind    TicketType `json:"kind"`
}
