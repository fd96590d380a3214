// Package resilience guards the pipeline's upstream calls: retry with
// exponential backoff for transient dial failures, and a circuit breaker for
// backends that keep failing across turns.
package resilience

import (
	"math/rand"
	"strings"
	"time"
)

// RetryConfig controls the backoff schedule of Retry.
type RetryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	Jitter            bool
}

// DefaultRetryConfig is the schedule used when Retry gets a nil config:
// three attempts starting at 100ms, doubling, capped at 5s.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// Retry runs fn until it succeeds, the attempts are exhausted, or isRetryable
// rejects the error. A nil isRetryable retries every failure; the last error
// is returned when all attempts fail.
func Retry(fn func() error, cfg *RetryConfig, isRetryable func(error) bool) error {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}

	var lastErr error
	backoff := cfg.InitialBackoff

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if isRetryable != nil && !isRetryable(err) {
			return err
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		sleep := backoff
		if cfg.Jitter {
			// Up to 25% extra, so concurrent dials spread out.
			sleep += time.Duration(rand.Int63n(int64(backoff)/4 + 1))
		}
		if sleep > cfg.MaxBackoff {
			sleep = cfg.MaxBackoff
		}
		time.Sleep(sleep)

		backoff = time.Duration(float64(backoff) * cfg.BackoffMultiplier)
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	return lastErr
}

// retryableFragments are error-text markers for failures that tend to clear
// on their own: connection churn, timeouts, and throttling.
var retryableFragments = []string{
	"connection refused",
	"connection reset",
	"connection closed",
	"network is unreachable",
	"no route to host",
	"deadline exceeded",
	"timeout",
	"i/o timeout",
	"unavailable",
	"too many connections",
	"rate limit",
}

// IsRetryableNetworkError reports whether err looks like a transient network
// failure worth another attempt. Auth and protocol errors are not.
func IsRetryableNetworkError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, fragment := range retryableFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}
