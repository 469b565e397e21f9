package job

import "time"

// maxBackoffCeiling bounds the delay when Max is unset, so doubling never overflows.
const maxBackoffCeiling = 24 * time.Hour

// Backoff doubles the delay from Min on every attempt, capped at Max.
type Backoff struct {
	Min time.Duration
	Max time.Duration
}

// Delay returns the wait before retry attempt n (1-indexed).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	ceiling := b.Max
	if ceiling <= 0 || ceiling > maxBackoffCeiling {
		ceiling = maxBackoffCeiling
	}

	delay := b.Min
	if delay >= ceiling {
		return ceiling
	}

	for i := 1; i < attempt && delay > 0; i++ {
		if delay >= ceiling/2 {
			return ceiling
		}

		delay *= 2
	}

	return delay
}
