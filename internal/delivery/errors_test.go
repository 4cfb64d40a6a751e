package delivery

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"retryable error", NewRetryableError(errors.New("http 503")), true},
		{"non-retryable error", NewNonRetryableError(errors.New("http 400")), false},
		{"wrapped retryable error", fmt.Errorf("send: %w", NewRetryableError(errors.New("timeout"))), true},
		{"wrapped non-retryable error", fmt.Errorf("send: %w", NewNonRetryableError(errors.New("bad key"))), false},
		{"plain error defaults to retryable", errors.New("something broke"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsRetryable(tt.err))
		})
	}
}

func TestRetryableError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := NewRetryableError(cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "root cause", err.Error())
}
