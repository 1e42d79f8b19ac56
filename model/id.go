package model

import (
	"fmt"

	"github.com/google/uuid"
)

// NewID allocates a fresh random identifier.
func NewID() string {
	return uuid.NewString()
}

// ValidateID rejects identifiers that are not canonical UUIDs. Lookups run
// this before touching any state.
func ValidateID(id string) error {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidID, id, err)
	}
	if parsed.String() != id {
		return fmt.Errorf("%w %q: not in canonical form", ErrInvalidID, id)
	}
	return nil
}
