package domain

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// ValidateJobID accepts the UUIDs issued by the admin API and the ULIDs
// issued by the router for jobs it creates itself
func ValidateJobID(id string) error {
	if _, err := uuid.Parse(id); err == nil {
		return nil
	}
	if _, err := ulid.ParseStrict(id); err != nil {
		return fmt.Errorf("%w: %q is neither a UUID nor a ULID", ErrInvalidJobID, id)
	}
	return nil
}
