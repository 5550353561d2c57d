package provider

import (
	"errors"
	"time"

	"github.com/charmbracelet/log"
)

const (
	maxAttempts   = 5
	retryBaseWait = 10 * time.Second
	retryMaxWait  = 320 * time.Second
)

// sleepFn is swapped out in tests so retry loops complete instantly.
var sleepFn = time.Sleep

// withRetry runs fn with exponential backoff on transient errors (rate
// limits, overloads, dropped connections). Non-transient errors propagate
// immediately; transient ones surface only after maxAttempts.
func withRetry(fn func() error) error {
	wait := retryBaseWait

	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt >= maxAttempts || !isTransient(err) {
			return err
		}

		retryWait := wait
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.RetryAfterMs > 0 {
			// Prefer the server's Retry-After; it knows when we can retry.
			retryWait = time.Duration(apiErr.RetryAfterMs) * time.Millisecond
		}
		if retryWait > retryMaxWait {
			retryWait = retryMaxWait
		}

		log.Warn("provider request failed, retrying",
			"err", err, "wait", retryWait, "attempt", attempt, "max", maxAttempts)
		sleepFn(retryWait)

		wait *= 2
		if wait > retryMaxWait {
			wait = retryMaxWait
		}
	}
}
