package config

import (
	"errors"
	"fmt"
)

// ErrInvalid is wrapped by every ValidationError.
var ErrInvalid = errors.New("invalid configuration")

// ValidationError reports a malformed setting. It is fatal at scenario
// construction time, before any tick runs.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrInvalid, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalid
}

// Invalid builds a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
