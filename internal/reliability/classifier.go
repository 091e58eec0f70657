// Package reliability classifies provider failures and computes retry
// delays. Only transient failures are retried; everything else surfaces
// immediately so the call can fall back to a spoken apology.
package reliability

import (
	"context"
	"errors"
	"time"

	"github.com/lmattei/voiceline/internal/completion"
	"github.com/lmattei/voiceline/internal/speech"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableCompletionErr reports whether a generation attempt is worth
// retrying. Caller cancellation is never retryable; a per-attempt deadline
// and provider overload are.
func IsRetryableCompletionErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return errors.Is(err, completion.ErrOverloaded)
}

// IsRetryableRecognitionEvent classifies upstream recognition error events.
func IsRetryableRecognitionEvent(ev speech.RecognitionEvent) bool {
	if ev.Type != speech.RecognitionError {
		return false
	}
	if ev.Retryable {
		return true
	}
	switch ev.Code {
	case "rate_limited", "resource_exhausted", "queue_overflow":
		return true
	default:
		return false
	}
}

// Backoff computes a deterministic capped exponential backoff duration.
func Backoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
