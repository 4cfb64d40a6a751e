package delivery

import "errors"

// ErrSubscriptionGone indicates the transport reported the endpoint as
// permanently gone (404/410). The subscription is deactivated and the
// attempt is never retried.
var ErrSubscriptionGone = errors.New("push subscription gone")

// ErrSubscriptionNotFound indicates the referenced subscription row does
// not exist.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// ErrTransportDisabled indicates the push transport is configured off. The
// attempt is neither a success nor a failure and leaves no history.
var ErrTransportDisabled = errors.New("push transport disabled")

// RetryableError wraps an error and marks it as retryable or not.
type RetryableError struct {
	Err       error
	Retryable bool
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

// IsRetryable returns whether the error is retryable.
func (e *RetryableError) IsRetryable() bool {
	return e.Retryable
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a retryable error.
func NewRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: true}
}

// NewNonRetryableError creates a non-retryable error.
func NewNonRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: false}
}

// IsRetryable checks if an error is retryable. Unknown errors default to
// retryable.
func IsRetryable(err error) bool {
	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return true
}
