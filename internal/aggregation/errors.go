package aggregation

import (
	"errors"
	"fmt"
)

var (
	// ErrNoRows is returned by a Store read that matched no correlation row
	ErrNoRows = errors.New("aggregation: no rows")

	// ErrNoRowsUpdated is returned when an update executed but matched nothing.
	// Callers use it to tell a duplicate or early reply apart from a store error.
	ErrNoRowsUpdated = errors.New("aggregation: no rows updated")

	// ErrEmptyCode is returned when a code has no token or id
	ErrEmptyCode = errors.New("aggregation: empty correlation token or id")
)

// FailureError is raised by UpdateOrFail when no row exists for the code
type FailureError struct {
	Token string
	ID    string
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("aggregation failure: no request on file for %s=%s", e.Token, e.ID)
}
