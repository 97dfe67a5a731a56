package notifications

import "time"

// DefaultMaxRetryDelay caps every computed retry delay.
const DefaultMaxRetryDelay = 60 * time.Minute

// RetryDelay returns base * 2^(attempt-1) capped at maxDelay.
// attempt is the attempt count after the failure being handled (1-based).
func RetryDelay(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMaxRetryDelay
	}
	if base <= 0 {
		return 0
	}

	delay := base
	for i := 1; i < attempt; i++ {
		if delay >= maxDelay {
			break
		}
		delay *= 2
	}

	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}
