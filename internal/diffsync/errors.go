package diffsync

import (
	"errors"
	"fmt"
)

// Error is a sync failure reported to the caller. Errors are matched with
// errors.Is by Code, so a *Error with a specific message still matches the
// sentinel of the same code.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// Is implements errors.Is matching by code.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != "" {
		return e.Code == t.Code
	}
	return t.Message != "" && e.Message == t.Message
}

// Error codes.
const (
	CodeSessionNotFound = "SESSION_NOT_FOUND"
	CodeVersionConflict = "VERSION_CONFLICT"
	CodeMalformedPatch  = "MALFORMED_PATCH"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeInvalidRequest  = "INVALID_REQUEST"
	CodeInternal        = "INTERNAL"
)

var (
	// ErrSessionNotFound is returned for patch and end requests on a session
	// that was never started, has ended, or was reclaimed.
	ErrSessionNotFound = &Error{Code: CodeSessionNotFound, Message: "session not found"}

	// ErrVersionConflict means the patch cannot be reconciled with the
	// session's versions. The client must resync with a fresh start.
	ErrVersionConflict = &Error{Code: CodeVersionConflict, Message: "version conflict, resync required"}

	// ErrMalformedPatch means the edit script applies to no candidate text.
	ErrMalformedPatch = &Error{Code: CodeMalformedPatch, Message: "malformed patch"}

	// ErrUnauthorized is returned when the gate denies access.
	ErrUnauthorized = &Error{Code: CodeUnauthorized, Message: "unauthorized"}

	// ErrInvalidRequest is returned for requests missing required fields.
	ErrInvalidRequest = &Error{Code: CodeInvalidRequest, Message: "invalid request"}
)

// NewError returns an *Error with a formatted message.
func NewError(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code of the first *Error in err's chain, or
// CodeInternal.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return CodeInternal
}

func unauthorized(err error) error {
	if errors.Is(err, ErrUnauthorized) {
		return err
	}
	return NewError(CodeUnauthorized, "%v", err)
}
