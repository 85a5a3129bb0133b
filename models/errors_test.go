package models

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassOf(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Class
	}{
		{"retryable", NewRetryable("getSlot", ErrRateLimited), Retryable},
		{"wrapped retryable", fmt.Errorf("crank: %w", NewRetryable("getSlot", ErrRateLimited)), Retryable},
		{"fatal", NewFatal("build", ErrTxTooLarge), Fatal},
		{"non retryable", NewNonRetryable("decode", ErrInvalidInput), NonRetryable},
		{"plain", errors.New("boom"), NonRetryable},
	}
	for _, tt := range tests {
		if got := ClassOf(tt.err); got != tt.expected {
			t.Errorf("%s: ClassOf = %s, expected %s", tt.name, got, tt.expected)
		}
	}
}

func TestErrorUnwrap(t *testing.T) {
	err := fmt.Errorf("send: %w", NewFatal("build", ErrTxTooLarge))
	if !errors.Is(err, ErrTxTooLarge) {
		t.Errorf("expected errors.Is to find ErrTxTooLarge in %v", err)
	}
	if !IsFatal(err) {
		t.Errorf("expected %v to be fatal", err)
	}
	if IsRetryable(nil) || IsFatal(nil) {
		t.Error("nil error must not be classified")
	}
}
