package feedback

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation marks malformed or missing input rejected at the boundary.
	ErrValidation = errors.New("validation failed")
)

// Invalid returns a validation error naming the offending field.
func Invalid(field, problem string) error {
	return fmt.Errorf("%w: %s %s", ErrValidation, field, problem)
}
