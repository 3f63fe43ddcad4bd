package engine

import (
	"context"
	"time"
)

// Backoff computes exponential delays between executor attempts.
type Backoff struct {
	// Initial is the delay after the first failed attempt.
	Initial time.Duration

	// Max caps any single delay.
	Max time.Duration
}

// DefaultBackoff returns the default backoff curve (2s doubling, capped at 1m).
func DefaultBackoff() Backoff {
	return Backoff{
		Initial: 2 * time.Second,
		Max:     time.Minute,
	}
}

// Delay returns the wait after the given zero-based failed attempt:
// Initial * 2^attempt, capped at Max.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Initial <= 0 {
		return 0
	}
	delay := b.Initial
	for i := 0; i < attempt; i++ {
		delay *= 2
		if b.Max > 0 && delay >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && delay > b.Max {
		delay = b.Max
	}
	return delay
}

// Clamp checks that a wait of delay still leaves time for another attempt
// before deadline. The second return value is false when the wait would
// reach or pass the deadline, meaning no further attempt fits this cycle.
func Clamp(delay time.Duration, now, deadline time.Time) (time.Duration, bool) {
	if deadline.IsZero() {
		return delay, true
	}
	remaining := deadline.Sub(now)
	if remaining <= 0 || delay >= remaining {
		return 0, false
	}
	return delay, true
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
