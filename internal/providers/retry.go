package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// HTTPError is a non-200 reply from a provider.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

// ParseRetryAfter reads a Retry-After header value in seconds. Zero if absent or malformed.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

// RetryConfig bounds RetryDo.
type RetryConfig struct {
	Attempts       int           // total tries, >= 1
	AttemptTimeout time.Duration // per-try deadline (0 = none)
	Delay          time.Duration // pause between tries
	MaxDelay       time.Duration // cap for a provider-supplied Retry-After
}

// DefaultRetryConfig is three 10s tries one second apart.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts:       3,
		AttemptTimeout: 10 * time.Second,
		Delay:          time.Second,
		MaxDelay:       10 * time.Second,
	}
}

// IsRetryable reports whether another try could succeed: timeouts, network
// errors, 429 and 5xx. Client errors such as 401 or 400 are not retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status == http.StatusTooManyRequests || he.Status >= 500
	}
	return true
}

// RetryDo calls fn up to cfg.Attempts times, each under its own timeout.
// It stops early on success, on a non-retryable error, or when ctx ends.
// onAttempt, if set, observes every try's result.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error), onAttempt func(attempt int, err error)) (T, error) {
	var zero T
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		actx, cancel := ctx, context.CancelFunc(func() {})
		if cfg.AttemptTimeout > 0 {
			actx, cancel = context.WithTimeout(ctx, cfg.AttemptTimeout)
		}
		v, err := fn(actx)
		cancel()
		if onAttempt != nil {
			onAttempt(attempt, err)
		}
		if err == nil {
			return v, nil
		}
		lastErr = err

		if ctx.Err() != nil || !IsRetryable(err) || attempt == cfg.Attempts {
			break
		}

		delay := cfg.Delay
		var he *HTTPError
		if errors.As(err, &he) && he.RetryAfter > delay {
			delay = min(he.RetryAfter, max(cfg.MaxDelay, cfg.Delay))
		}
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return zero, ctx.Err()
			case <-t.C:
			}
		}
	}
	return zero, lastErr
}
