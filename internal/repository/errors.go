package repository

import (
	"errors"
	"fmt"

	"mailqueue/contracts/db"
)

var (
	// ErrNotFound is returned when no queue item matches the key.
	ErrNotFound = errors.New("queue item not found")
	// ErrDuplicate is returned when an insert collides with an existing
	// identity or public id.
	ErrDuplicate = errors.New("queue item already exists")
	// ErrTableMissing is returned by CheckTable.
	ErrTableMissing = errors.New("email_queue table does not exist")
)

// TransitionError reports a conditional status update that matched an
// existing item in a status the transition does not allow.
type TransitionError struct {
	EmailID string
	From    db.Status
	To      db.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("email %s: transition %s -> %s not allowed", e.EmailID, e.From, e.To)
}
