package scheduler

import "time"

// maxRetryDelay caps the exponential backoff between submission attempts.
const maxRetryDelay = 60 * time.Second

// backoff returns the delay before the given retry attempt (1-based):
// base * 2^(attempt-1), capped at maxRetryDelay.
func backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	// 2^30 seconds already exceeds any sane cap.
	if attempt > 30 {
		return maxRetryDelay
	}
	d := base * time.Duration(1<<(attempt-1))
	if d > maxRetryDelay {
		return maxRetryDelay
	}
	return d
}
