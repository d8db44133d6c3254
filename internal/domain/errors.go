package domain

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a workflow failure.
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindTransient     ErrorKind = "transient"
	KindCircuitOpen   ErrorKind = "circuit_open"
	KindAuthorization ErrorKind = "authorization"
	KindUnknownIntent ErrorKind = "unknown_intent"
	KindParse         ErrorKind = "parse"
	KindTool          ErrorKind = "tool"
	KindInternal      ErrorKind = "internal"
)

var (
	// ErrSessionExpired is returned when writing to an expired session.
	ErrSessionExpired = errors.New("session expired")
	// ErrSessionNotFound is returned when a session does not exist.
	ErrSessionNotFound = errors.New("session not found")
)

// Error is a classified failure carrying the operation that raised it.
type Error struct {
	Kind ErrorKind
	Op   string
	// Fields names the parameters or entities the failure is attributed to.
	Fields []string
	Err    error
}

// NewError wraps err with a kind and operation.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of err. Context deadlines count as transient;
// unclassified errors are internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindInternal
}

// FieldsOf returns the fields attributed to err, if any.
func FieldsOf(err error) []string {
	var de *Error
	if errors.As(err, &de) {
		return de.Fields
	}
	return nil
}

// IsRetryable reports whether err may be retried locally.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}
