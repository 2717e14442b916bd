package model

import (
	"errors"
	"fmt"
)

// ErrNotFound reports that a room, user or alias does not exist on the
// homeserver. Never retried, always surfaced.
var ErrNotFound = errors.New("not found")

// ErrNoSession reports that no session is stored on disk. Callers use it to
// distinguish "never logged in" from "stored credentials rejected".
var ErrNoSession = errors.New("no saved session")

// ConnError is a network or auth failure against the homeserver. Code is
// the remote error code (e.g. M_FORBIDDEN) when the server supplied one.
type ConnError struct {
	Code    string
	Message string
	Err     error
}

func (e *ConnError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("connection error %s: %s", e.Code, e.Message)
	}
	return "connection error: " + e.Message
}

func (e *ConnError) Unwrap() error { return e.Err }

// PermissionError reports an action the local account may not perform.
type PermissionError struct {
	Action string
	Reason string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("%s not permitted: %s", e.Action, e.Reason)
}

// ValidationError reports malformed input caught before any remote call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TransientError wraps a network failure that persisted through one
// automatic retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s failed after retry: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Validationf builds a ValidationError.
func Validationf(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
