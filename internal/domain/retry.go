package domain

import (
	"errors"
	"strings"
	"time"
)

// RetryPolicy configures the exponential-backoff retry driver (spec §4.4).
// Attempts run base*2^n capped at MaxDelay, with ±25% uniform jitter when
// Jitter is set.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
}

// DefaultRetryPolicy matches spec §4.4's default: 3 attempts, 1s base, 60s
// max, jitter enabled.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    60 * time.Second,
		Jitter:      true,
	}
}

// IsRetryableUpstream classifies connection/timeout-class errors as
// retryable, matching spec §4.4's retryable_predicate default. Validation,
// not-found, and circuit-open errors are never retryable.
func IsRetryableUpstream(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrCircuitOpen):
		return false
	case errors.Is(err, ErrUpstreamTimeout),
		errors.Is(err, ErrUpstreamUnavailable):
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"connection refused", "timeout", "deadline exceeded", "temporary failure", "connection reset", "no such host"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
