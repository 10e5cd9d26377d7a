package service

import (
	"errors"
	"fmt"

	"github.com/devcollab/internal/repository"
)

var (
	ErrValidation      = errors.New("validation failed")
	ErrUnauthenticated = errors.New("authentication required")

	ErrNotFound         = repository.ErrNotFound
	ErrForbidden        = repository.ErrForbidden
	ErrAlreadyExists    = repository.ErrAlreadyExists
	ErrInvalidOperation = repository.ErrInvalidOperation
)

// invalid wraps ErrValidation with a caller-facing reason.
func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
