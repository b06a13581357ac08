package model

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies failures for retry and propagation decisions.
type ErrorKind string

const (
	ErrorKindConnection ErrorKind = "connection"
	ErrorKindProtocol   ErrorKind = "protocol"
	ErrorKindNotFound   ErrorKind = "not_found"
	ErrorKindWrite      ErrorKind = "write"
	ErrorKindCancelled  ErrorKind = "cancelled"
)

// Error is a classified failure raised by a Source or a Writer.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// NewError wraps err with a kind and the operation that failed.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf reports the kind of err. Context cancellation maps to
// ErrorKindCancelled; anything unclassified is a connection error.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Kind != "" {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return ErrorKindCancelled
	}
	return ErrorKindConnection
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return KindOf(err) == ErrorKindConnection
}

// IsFatal reports whether err must abort the whole job.
func IsFatal(err error) bool {
	return KindOf(err) == ErrorKindProtocol
}
