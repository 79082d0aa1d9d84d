package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation   = errors.New("validation failed")
	ErrIllegalState = errors.New("illegal state")
	ErrNetwork      = errors.New("network error")
	ErrNotFound     = errors.New("not found")
)

type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError is a user-correctable invariant violation, detected either
// locally or by the backend.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Reason)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Field returns the reason recorded for field, if any.
func (e *ValidationError) Field(name string) (string, bool) {
	for _, f := range e.Fields {
		if f.Field == name {
			return f.Reason, true
		}
	}
	return "", false
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Reason: reason}}}
}

// IllegalStateError is returned when an action is not permitted for the
// current lifecycle status of a message.
type IllegalStateError struct {
	ID     string
	Status Status
	Action string
}

func (e *IllegalStateError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not allowed in status %s", e.Action, e.Status)
	}
	return fmt.Sprintf("%s not allowed for message %s in status %s", e.Action, e.ID, e.Status)
}

func (e *IllegalStateError) Is(target error) bool { return target == ErrIllegalState }

// NetworkError is a transient transport failure. It is never retried
// automatically.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }
