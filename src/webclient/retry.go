package webclient

import (
	"context"
	"net/http"
	"time"
)

type AttemptFunc func() (status int, body []byte, err error)

// Retryable reports whether an attempt should be repeated: transport errors
// (status 0), 429 and 5xx. Other statuses are final even when the attempt
// returned an error.
func Retryable(status int, err error) bool {
	if status == 0 {
		return err != nil
	}
	return status == http.StatusTooManyRequests || status >= 500
}

// DoWithRetry runs fn until it succeeds, returns a final status, or attempts
// run out. The delay doubles up to 30s.
func DoWithRetry(ctx context.Context, attempts int, initialDelay time.Duration, fn AttemptFunc) (int, []byte, error) {
	if attempts <= 0 {
		attempts = 1
	}
	if initialDelay <= 0 {
		initialDelay = 2 * time.Second
	}
	delay := initialDelay
	for i := 0; ; i++ {
		status, body, err := fn()
		if !Retryable(status, err) || i == attempts-1 {
			return status, body, err
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return status, body, ctx.Err()
		case <-t.C:
		}
		if delay < 30*time.Second {
			delay *= 2
		}
	}
}
