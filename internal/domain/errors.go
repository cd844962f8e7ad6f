package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrValidation          = errors.New("validation failed")
	ErrPrecondition        = errors.New("precondition failed")
	ErrInsufficientCredits = fmt.Errorf("%w: insufficient credits", ErrPrecondition)
	ErrMissingCapability   = fmt.Errorf("%w: missing capability", ErrPrecondition)
	ErrConflict            = errors.New("conflict")
	ErrUnsupportedKind     = fmt.Errorf("%w: unsupported job kind", ErrValidation)
	ErrExternalService     = errors.New("external service failure")
	ErrPersistence         = errors.New("persistence failure")
)

// FieldError describes one rejected input field.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError carries every field problem found in a request payload.
type ValidationError struct {
	Fields []FieldError
}

// NewValidationError builds a single-field validation error.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Reason: reason}}}
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Reason)
	}
	return ErrValidation.Error() + ": " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
