package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds shared by the registry, the governance engine and the treasury ledger.
// Every failure returned by those components matches exactly one of these with errors.Is.
var (
	ErrNotAuthorized    = errors.New("not authorized")
	ErrNotFound         = errors.New("not found")
	ErrInvalidState     = errors.New("invalid state")
	ErrAlreadyDone      = errors.New("already done")
	ErrAlreadyExists    = errors.New("already exists")
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrBelowThreshold   = errors.New("below proposal threshold")
	ErrThresholdNotMet  = errors.New("approval threshold not met")
	ErrActionFailed     = errors.New("action failed")
)

// ErrSelfRemoval is returned when a caller tries to remove their own membership.
// It matches ErrNotAuthorized.
var ErrSelfRemoval = &DomainError{Err: ErrNotAuthorized, Message: "members cannot remove themselves"}

// DomainError wraps an error kind with the operation and entity it concerns.
//
//nolint:revive // Name is intentionally verbose to distinguish domain-layer errors
type DomainError struct {
	Err     error
	Op      string
	Entity  string
	ID      string
	Message string
	Cause   error
}

func (e *DomainError) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	}
	if e.Entity != "" {
		fmt.Fprintf(&b, " (%s", e.Entity)
		if e.ID != "" {
			fmt.Fprintf(&b, " %s", e.ID)
		}
		b.WriteString(")")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Is reports whether target is the error kind carried by e.
func (e *DomainError) Is(target error) bool {
	if e.Err != nil && target == e.Err {
		return true
	}
	if t, ok := target.(*DomainError); ok {
		return t == e
	}
	return false
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Errorf builds a DomainError for kind raised by op.
func Errorf(kind error, op string, format string, args ...any) *DomainError {
	return &DomainError{Err: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// EntityError builds a DomainError that names the entity involved.
func EntityError(kind error, op, entity, id, message string) *DomainError {
	return &DomainError{Err: kind, Op: op, Entity: entity, ID: id, Message: message}
}

// KindOf returns the error kind matched by err, or nil when err carries none.
func KindOf(err error) error {
	for _, kind := range []error{
		ErrNotAuthorized, ErrNotFound, ErrInvalidState, ErrAlreadyDone, ErrAlreadyExists,
		ErrInvalidParameter, ErrBelowThreshold, ErrThresholdNotMet, ErrActionFailed,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// IsNotFound reports whether err indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsNotAuthorized reports whether err indicates a missing role or relationship.
func IsNotAuthorized(err error) bool {
	return errors.Is(err, ErrNotAuthorized)
}

// ErrorResponse defines the standard JSON error model returned by the admin API.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}

// ErrorCode maps an error to the stable machine-readable code used by ErrorResponse.
func ErrorCode(err error) string {
	switch KindOf(err) {
	case ErrNotAuthorized:
		return "NOT_AUTHORIZED"
	case ErrNotFound:
		return "NOT_FOUND"
	case ErrInvalidState:
		return "INVALID_STATE"
	case ErrAlreadyDone:
		return "ALREADY_DONE"
	case ErrAlreadyExists:
		return "ALREADY_EXISTS"
	case ErrInvalidParameter:
		return "INVALID_PARAMETER"
	case ErrBelowThreshold:
		return "BELOW_THRESHOLD"
	case ErrThresholdNotMet:
		return "THRESHOLD_NOT_MET"
	case ErrActionFailed:
		return "ACTION_FAILED"
	default:
		return "INTERNAL"
	}
}
