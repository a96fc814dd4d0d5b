// Package repository defines the MySQL data access layer of the ticket
// state store together with the sentinel errors shared by its
// repositories. Higher layers use errors.Is on these values to tell
// failure scenarios apart without inspecting driver errors.
package repository

import (
	"errors"

	"github.com/go-sql-driver/mysql"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrEventNotFound is returned when the referenced event does not exist.
var ErrEventNotFound = errors.New("event not found")

// ErrTicketTypeNotFound is returned when the ticket type does not exist or
// belongs to another event.
var ErrTicketTypeNotFound = errors.New("ticket type not found for event")

// ErrCapacityExceeded is returned when the conditional decrement of an
// event's remaining capacity matched no row. No ticket has been inserted
// when this error is returned.
var ErrCapacityExceeded = errors.New("capacity exceeded")

// ErrConflict is returned when an insert collides with an existing key,
// for example a reused correlation id.
var ErrConflict = errors.New("conflict")

// isDuplicateKey reports whether err is MySQL error 1062 (ER_DUP_ENTRY).
func isDuplicateKey(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}
