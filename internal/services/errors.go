package services

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks missing or malformed input at a proxy boundary.
	ErrValidation = errors.New("validation failed")
	// ErrFetch marks a failure to read audio back from the blob store.
	ErrFetch = errors.New("fetch failed")
	// ErrCollaborator marks a failure reported by an external AI service.
	ErrCollaborator = errors.New("collaborator failed")
)

func validationError(msg string) error {
	return fmt.Errorf("%w: %s", ErrValidation, msg)
}
