package domain

import "time"

// BackoffDelay returns base * 2^(attempts-1), capped at ceiling when ceiling > 0.
func BackoffDelay(base time.Duration, attempts int, ceiling time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempts < 1 {
		attempts = 1
	}

	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if ceiling > 0 && delay >= ceiling {
			return ceiling
		}
		// overflow guard
		if delay <= 0 {
			if ceiling > 0 {
				return ceiling
			}
			return time.Duration(1<<63 - 1)
		}
	}

	if ceiling > 0 && delay > ceiling {
		return ceiling
	}
	return delay
}
