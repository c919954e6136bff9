// Package common provides shared utilities and types used across the application.
package common

import (
	"context"
	"errors"
	"fmt"
)

// Common application errors.
var (
	// Callback security errors.
	ErrAuthentication = errors.New("signature verification failed")
	ErrIntegrity      = errors.New("payload integrity check failed")

	// Extraction errors.
	ErrExtraction    = errors.New("extraction failed")
	ErrEmptyReceipt  = errors.New("no bookkeeping data found in image")
	ErrMediaDownload = errors.New("media download failed")

	// Workflow errors.
	ErrStateConflict  = errors.New("session is not pending")
	ErrSessionMissing = errors.New("session not found")

	// Database errors.
	ErrNotFound    = errors.New("not found")
	ErrPersistence = errors.New("persistence failed")

	// Configuration errors.
	ErrMissingConfig = errors.New("missing configuration")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// UserError represents an error whose message should be relayed to the
// messaging user rather than logged and swallowed.
type UserError struct {
	Err         error
	UserMessage string
}

func (e *UserError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.UserMessage, e.Err)
	}
	return e.UserMessage
}

func (e *UserError) Unwrap() error {
	return e.Err
}

// NewUserError creates a new user-visible error.
func NewUserError(userMessage string, err error) error {
	return &UserError{
		UserMessage: userMessage,
		Err:         err,
	}
}

// IsRetryable determines if an error should trigger a retry.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrRateLimit) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var retryableErr *RetryableError
	if errors.As(err, &retryableErr) {
		return retryableErr.Retryable
	}

	return false
}
