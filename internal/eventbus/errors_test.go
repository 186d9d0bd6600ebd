// Clinsight - Therapy Session Insight Pipeline
// Copyright 2026 M. Preiss (mpreiss)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mpreiss/clinsight

package eventbus

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorClassification(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name      string
		err       error
		retryable bool
		permanent bool
	}{
		{"retryable", NewRetryableError("broker unavailable", base), true, false},
		{"permanent", NewPermanentError("malformed payload", base), false, true},
		{"wrapped retryable", fmt.Errorf("stage: %w", NewRetryableError("timeout", base)), true, false},
		{"wrapped permanent", fmt.Errorf("stage: %w", NewPermanentError("invalid schema", base)), false, true},
		{"plain error", base, false, false},
		{"nil", nil, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryableError(tt.err); got != tt.retryable {
				t.Errorf("IsRetryableError() = %v, want %v", got, tt.retryable)
			}
			if got := IsPermanentError(tt.err); got != tt.permanent {
				t.Errorf("IsPermanentError() = %v, want %v", got, tt.permanent)
			}
		})
	}
}

func TestErrorCategories(t *testing.T) {
	tests := []struct {
		message string
		want    ErrorCategory
	}{
		{"connection refused by broker", ErrorCategoryConnection},
		{"operation timed out", ErrorCategoryTimeout},
		{"malformed insight payload", ErrorCategoryValidation},
		{"database query failed", ErrorCategoryDatabase},
		{"state conflict on transition", ErrorCategoryDatabase},
		{"transcription upstream rejected job", ErrorCategoryCollaborator},
		{"something odd", ErrorCategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			err := NewRetryableError(tt.message, nil)
			if err.Category != tt.want {
				t.Errorf("category = %v, want %v", err.Category, tt.want)
			}
		})
	}
}

func TestPermanentErrorDefaultsToValidation(t *testing.T) {
	err := NewPermanentError("something odd", nil)
	if err.Category != ErrorCategoryValidation {
		t.Errorf("category = %v, want %v", err.Category, ErrorCategoryValidation)
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")

	var err error = NewRetryableError("transient", cause)
	if !errors.Is(err, cause) {
		t.Error("RetryableError did not unwrap to cause")
	}

	err = NewPermanentError("fatal", cause)
	if !errors.Is(err, cause) {
		t.Error("PermanentError did not unwrap to cause")
	}
}

func TestCategorize(t *testing.T) {
	if got := Categorize(NewRetryableError("network down", nil)); got != ErrorCategoryConnection {
		t.Errorf("Categorize(retryable) = %v, want %v", got, ErrorCategoryConnection)
	}
	if got := Categorize(NewPermanentError("invalid payload", nil)); got != ErrorCategoryValidation {
		t.Errorf("Categorize(permanent) = %v, want %v", got, ErrorCategoryValidation)
	}
	if got := Categorize(errors.New("plain")); got != ErrorCategoryUnknown {
		t.Errorf("Categorize(plain) = %v, want %v", got, ErrorCategoryUnknown)
	}
}

func TestErrorCategoryString(t *testing.T) {
	tests := []struct {
		category ErrorCategory
		want     string
	}{
		{ErrorCategoryConnection, "connection"},
		{ErrorCategoryTimeout, "timeout"},
		{ErrorCategoryValidation, "validation"},
		{ErrorCategoryDatabase, "database"},
		{ErrorCategoryCollaborator, "collaborator"},
		{ErrorCategoryUnknown, "unknown"},
	}

	for _, tt := range tests {
		if got := tt.category.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
