package payload

import (
	"fmt"

	"jobqueue/internal/domain"
)

// ValidationError is returned when a payload violates its kind's schema.
// The job is never created.
type ValidationError struct {
	Kind   domain.Kind
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s payload: %s %s", e.Kind, e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s payload: %s", e.Kind, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// UnknownJobTypeError is returned for kinds without a registered schema.
type UnknownJobTypeError struct {
	Kind domain.Kind
}

func (e *UnknownJobTypeError) Error() string {
	return fmt.Sprintf("unknown job type %q", e.Kind)
}

// invalid is shorthand for building field errors inside Validate methods.
func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
