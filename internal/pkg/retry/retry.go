// Package retry runs startup operations with capped exponential backoff.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// MaxBackoff caps the wait between attempts.
const MaxBackoff = 16 * time.Second

// Do calls fn until it succeeds, attempts are exhausted or ctx is done.
// name is used in log messages only.
func Do(ctx context.Context, name string, attempts int, fn func(ctx context.Context) error) error {
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			slog.Info("connected", "target", name, "attempts", attempt)
			return nil
		}
		lastErr = err

		if attempt == attempts {
			break
		}

		backoff := Backoff(attempt)
		slog.Warn("connection attempt failed, retrying",
			"target", name,
			"attempt", attempt,
			"max_attempts", attempts,
			"backoff", backoff,
			"error", err,
		)
		if !sleep(ctx, backoff) {
			return fmt.Errorf("%s connection cancelled: %w", name, ctx.Err())
		}
	}

	return fmt.Errorf("connect to %s after %d attempts: %w", name, attempts, lastErr)
}

// Backoff returns 1s, 2s, 4s ... capped at MaxBackoff.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 5 {
		return MaxBackoff
	}
	backoff := time.Duration(1<<(attempt-1)) * time.Second
	if backoff > MaxBackoff {
		backoff = MaxBackoff
	}
	return backoff
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
