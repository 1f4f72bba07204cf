// Package network wraps outbound HTTP with the service's resilience rules:
// jittered exponential backoff for transient failures and size-capped
// streaming downloads.
package network

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/SaintWyss/ragcore/common"
)

// TransientError marks a failure worth retrying. RetryAfter, when positive,
// overrides the computed backoff delay.
type TransientError struct {
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient failure (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// permanentStatuses never retry: the request itself is wrong.
var permanentStatuses = map[int]bool{400: true, 401: true, 403: true, 404: true}

// Permanent reports whether an HTTP status must not be retried.
func Permanent(status int) bool { return permanentStatuses[status] }

// Policy bounds the retry loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Do runs fn until it succeeds, fails permanently, or exhausts MaxAttempts.
// Only *TransientError values are retried; anything else surfaces
// immediately. delay_n = min(maxDelay, max(retryAfter, base*2^(n-1)*jitter))
// with jitter uniform in [0.5, 1.0].
func (p Policy) Do(ctx context.Context, op string, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		var transient *TransientError
		if !errors.As(lastErr, &transient) {
			return lastErr
		}
		if attempt == attempts {
			break
		}
		delay := p.delay(attempt, transient.RetryAfter)
		common.Logger.WithField("operation", op).
			WithField("attempt", attempt).
			WithField("delay", delay.String()).
			WithError(lastErr).
			Warn("retrying transient failure")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

func (p Policy) delay(attempt int, retryAfter time.Duration) time.Duration {
	jitter := 0.5 + rand.Float64()/2
	backoff := time.Duration(float64(p.BaseDelay) * float64(int64(1)<<(attempt-1)) * jitter)
	if retryAfter > backoff {
		backoff = retryAfter
	}
	if p.MaxDelay > 0 && backoff > p.MaxDelay {
		backoff = p.MaxDelay
	}
	return backoff
}

// Classify turns an HTTP response status into nil, a permanent error, or a
// transient one honoring Retry-After seconds.
func Classify(status int, retryAfterSeconds int, cause error) error {
	if cause == nil {
		cause = errors.New("request failed")
	}
	switch {
	case status >= 200 && status < 300:
		return nil
	case Permanent(status):
		return fmt.Errorf("permanent failure (status %d): %w", status, cause)
	default:
		return &TransientError{
			StatusCode: status,
			RetryAfter: time.Duration(retryAfterSeconds) * time.Second,
			Err:        cause,
		}
	}
}
