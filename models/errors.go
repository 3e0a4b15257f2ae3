package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies every failure the core hands back to callers.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindInvalidCredentials
	KindAccountLocked
	KindPermissionDenied
	KindNotFound
	KindWorkflowNotReady
	KindStaleTransition
	KindSyncFailed
)

var kindNames = map[ErrorKind]string{
	KindInternal:           "internal error",
	KindInvalidCredentials: "invalid credentials",
	KindAccountLocked:      "account locked",
	KindPermissionDenied:   "permission denied",
	KindNotFound:           "not found",
	KindWorkflowNotReady:   "workflow not ready",
	KindStaleTransition:    "stale transition",
	KindSyncFailed:         "sync failed",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// SyncReason narrows KindSyncFailed.
type SyncReason string

const (
	SyncTimeout    SyncReason = "timeout"
	SyncTransport  SyncReason = "transport"
	SyncParseError SyncReason = "parse_error"
)

// Error is the typed result returned by every caller-facing operation.
type Error struct {
	Kind ErrorKind
	Op   string

	RemainingAttempts int        // InvalidCredentials
	LockedUntil       time.Time  // AccountLocked
	Reason            SyncReason // SyncFailed

	Err error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	switch e.Kind {
	case KindInvalidCredentials:
		msg = fmt.Sprintf("%s (%d attempts remaining)", msg, e.RemainingAttempts)
	case KindAccountLocked:
		msg = fmt.Sprintf("%s until %s", msg, e.LockedUntil.Format(time.RFC3339))
	case KindSyncFailed:
		msg = fmt.Sprintf("%s: %s", msg, e.Reason)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

var (
	ErrInvalidCredentials = &Error{Kind: KindInvalidCredentials}
	ErrAccountLocked      = &Error{Kind: KindAccountLocked}
	ErrPermissionDenied   = &Error{Kind: KindPermissionDenied}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrWorkflowNotReady   = &Error{Kind: KindWorkflowNotReady}
	ErrStaleTransition    = &Error{Kind: KindStaleTransition}
	ErrSyncFailed         = &Error{Kind: KindSyncFailed}
	ErrInternal           = &Error{Kind: KindInternal}
)

func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func InvalidCredentials(op string, remaining int) *Error {
	if remaining < 0 {
		remaining = 0
	}
	return &Error{Kind: KindInvalidCredentials, Op: op, RemainingAttempts: remaining}
}

func AccountLocked(op string, until time.Time) *Error {
	return &Error{Kind: KindAccountLocked, Op: op, LockedUntil: until}
}

func SyncFailed(op string, reason SyncReason, err error) *Error {
	return &Error{Kind: KindSyncFailed, Op: op, Reason: reason, Err: err}
}

func Internal(op string, err error) *Error {
	return &Error{Kind: KindInternal, Op: op, Err: err}
}

// AsError converts any error into a typed Error. Untyped errors become
// internal errors.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal("", err)
}

// KindOf returns the kind of err, KindInternal for untyped errors.
func KindOf(err error) ErrorKind {
	return AsError(err).Kind
}
