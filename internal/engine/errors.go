package engine

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	// ErrorNotFound covers both a missing entity and an ownership mismatch,
	// so callers can never distinguish another user's conversation from one
	// that does not exist.
	ErrorNotFound          ErrorCode = "NOT_FOUND"
	ErrorContentRejected   ErrorCode = "CONTENT_REJECTED"
	ErrorGenerationFailure ErrorCode = "GENERATION_FAILURE"
	ErrorCacheUnavailable  ErrorCode = "CACHE_UNAVAILABLE"
	ErrorInvalidInput      ErrorCode = "INVALID_INPUT"
	ErrorInternal          ErrorCode = "INTERNAL_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("engine: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("engine: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// CodeOf returns the ErrorCode carried by err, or ErrorInternal for errors
// that did not originate in this package.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrorInternal
}

func IsNotFound(err error) bool {
	return CodeOf(err) == ErrorNotFound
}

func IsContentRejected(err error) bool {
	return CodeOf(err) == ErrorContentRejected
}
