package core

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorValidation    ErrorCode = "VALIDATION_ERROR"
	ErrorGeneration    ErrorCode = "GENERATION_ERROR"
	ErrorTranscription ErrorCode = "TRANSCRIPTION_ERROR"
	ErrorPersistence   ErrorCode = "PERSISTENCE_ERROR"
	ErrorInternal      ErrorCode = "INTERNAL_ERROR"
	ErrorRateLimited   ErrorCode = "RATE_LIMITED"
)

// Error is returned by the chat, voice and identity services. Reason is safe
// to show to the client; Err is for logs only.
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
		return fmt.Sprintf("core: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("core: %s (%s): %v", e.Code, e.Reason, e.Err)
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

// CodeOf returns the ErrorCode carried by err, or ErrorInternal.
func CodeOf(err error) ErrorCode {
	var coreErr *Error
	if errors.As(err, &coreErr) {
		return coreErr.Code
	}
	return ErrorInternal
}
