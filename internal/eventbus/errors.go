// Clinsight - Therapy Session Insight Pipeline
// Copyright 2026 M. Preiss (mpreiss)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mpreiss/clinsight

package eventbus

import (
	"errors"
	"strings"
)

// ErrorCategory categorizes failures for poison routing and metrics.
type ErrorCategory int

const (
	// ErrorCategoryUnknown is the default for unclassified errors.
	ErrorCategoryUnknown ErrorCategory = iota
	// ErrorCategoryConnection indicates network or broker failures.
	ErrorCategoryConnection
	// ErrorCategoryTimeout indicates an operation deadline was exceeded.
	ErrorCategoryTimeout
	// ErrorCategoryValidation indicates a contract or schema violation.
	ErrorCategoryValidation
	// ErrorCategoryDatabase indicates a lifecycle store failure.
	ErrorCategoryDatabase
	// ErrorCategoryCollaborator indicates an external service failure.
	ErrorCategoryCollaborator
)

// String returns the string representation of the error category.
func (c ErrorCategory) String() string {
	switch c {
	case ErrorCategoryConnection:
		return "connection"
	case ErrorCategoryTimeout:
		return "timeout"
	case ErrorCategoryValidation:
		return "validation"
	case ErrorCategoryDatabase:
		return "database"
	case ErrorCategoryCollaborator:
		return "collaborator"
	default:
		return "unknown"
	}
}

// RetryableError marks a failure as transient. The router retries it
// with backoff; if redelivery is exhausted the message is poisoned.
type RetryableError struct {
	Message  string
	Cause    error
	Category ErrorCategory
}

// NewRetryableError creates a retryable error, inferring the category
// from the message.
func NewRetryableError(message string, cause error) *RetryableError {
	return &RetryableError{
		Message:  message,
		Cause:    cause,
		Category: categorizeMessage(message),
	}
}

func (e *RetryableError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *RetryableError) Unwrap() error {
	return e.Cause
}

// PermanentError marks a failure as unrecoverable. The message is
// dead-lettered immediately; retrying would only repeat the failure.
type PermanentError struct {
	Message  string
	Cause    error
	Category ErrorCategory
}

// NewPermanentError creates a permanent error, inferring the category
// from the message. Unclassifiable permanent failures default to the
// validation category since that is their most common source.
func NewPermanentError(message string, cause error) *PermanentError {
	category := categorizeMessage(message)
	if category == ErrorCategoryUnknown {
		category = ErrorCategoryValidation
	}
	return &PermanentError{
		Message:  message,
		Cause:    cause,
		Category: category,
	}
}

func (e *PermanentError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *PermanentError) Unwrap() error {
	return e.Cause
}

func categorizeMessage(message string) ErrorCategory {
	m := strings.ToLower(message)
	switch {
	case containsAny(m, "connection", "connect", "refused", "reset", "network", "broker"):
		return ErrorCategoryConnection
	case containsAny(m, "timeout", "deadline", "timed out"):
		return ErrorCategoryTimeout
	case containsAny(m, "invalid", "validation", "malformed", "parse", "schema"):
		return ErrorCategoryValidation
	case containsAny(m, "database", "store", "sql", "query", "state conflict"):
		return ErrorCategoryDatabase
	case containsAny(m, "extract", "transcribe", "transcription", "analysis", "model", "upstream"):
		return ErrorCategoryCollaborator
	default:
		return ErrorCategoryUnknown
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// IsRetryableError reports whether err wraps a RetryableError.
func IsRetryableError(err error) bool {
	var retryErr *RetryableError
	return errors.As(err, &retryErr)
}

// IsPermanentError reports whether err wraps a PermanentError.
func IsPermanentError(err error) bool {
	var permErr *PermanentError
	return errors.As(err, &permErr)
}

// Categorize extracts the category from a classified error, or
// ErrorCategoryUnknown for unclassified errors.
func Categorize(err error) ErrorCategory {
	var retryErr *RetryableError
	if errors.As(err, &retryErr) {
		return retryErr.Category
	}
	var permErr *PermanentError
	if errors.As(err, &permErr) {
		return permErr.Category
	}
	return ErrorCategoryUnknown
}
