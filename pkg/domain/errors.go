package domain

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the inventory engine. Match with errors.Is.
var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrDuplicate         = errors.New("duplicate")
	ErrTypeMismatch      = errors.New("type mismatch")
	ErrInvalidState      = errors.New("invalid state")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrAlreadyAllocated  = errors.New("already allocated")
	ErrCycleDetected     = errors.New("cycle detected")
	// ErrSessionClosed is returned when a committed or rolled back session is reused.
	ErrSessionClosed = errors.New("session closed")
)

// Error annotates an error kind with the failing operation and subject.
type Error struct {
	Kind    error
	Op      string
	Subject string
	Detail  string
}

// NewError builds an *Error for the given kind.
func NewError(kind error, op, subject, format string, args ...any) *Error {
	detail := format
	if len(args) > 0 {
		detail = fmt.Sprintf(format, args...)
	}
	return &Error{Kind: kind, Op: op, Subject: subject, Detail: detail}
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Subject != "" {
		msg += " " + e.Subject
	}
	msg += ": " + e.Kind.Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Kind }
