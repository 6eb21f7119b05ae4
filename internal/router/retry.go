package router

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/taskmesh/pkg/schema"
)

// RetryPolicy bounds subtask retries: exponential backoff from BaseDelay,
// capped at MaxDelay, at most MaxAttempts total attempts.
type RetryPolicy struct {
	BaseDelay   time.Duration `json:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay"`
	MaxAttempts int           `json:"max_attempts"`
}

// DefaultRetryPolicy retries up to 5 times with 1s..30s exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 5,
	}
}

// IsRetryableFailure classifies a subtask failure. Timeouts and transient
// network conditions are retryable; validation and fatal errors, and
// cancellation, are terminal.
func IsRetryableFailure(err error) bool {
	if err == nil {
		return false
	}

	// Deadline expiry is a step timeout, retryable.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Cancellation means the workflow is halting; never retry.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var meshErr *schema.MeshError
	if errors.As(err, &meshErr) {
		return meshErr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// Backoff computes the delay before retry attempt n (1-based):
// base * 2^(n-1), capped at MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// waitBackoff sleeps for the delay or returns early when the context is
// cancelled.
func waitBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
