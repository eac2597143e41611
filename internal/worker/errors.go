package worker

import (
	"errors"
	"fmt"
)

// PermanentError marks a handler failure that must dead-letter immediately,
// with no retry regardless of remaining attempts: payload validation
// failures, unsupported task types, and the like. Every other handler error
// is treated as transient and retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the dispatch boundary classifies it as
// non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Permanentf is Permanent with formatting.
func Permanentf(format string, args ...any) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// IsPermanent reports whether err is classified non-retryable.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
