package connection

import (
	"context"
	"time"
)

const (
	// MaxAttempts before giving up
	MaxAttempts = 5

	// BackoffStep is multiplied by the attempt number: 2s, 4s, 6s, 8s, 10s
	BackoffStep = 2 * time.Second
)

// BackoffFunc returns the delay before the given attempt (starting at 1)
type BackoffFunc func(attempt int) time.Duration

// LinearBackoff waits BackoffStep * attempt
func LinearBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(attempt) * BackoffStep
}

// BackoffSequence returns the delays of all attempts
func BackoffSequence(fn BackoffFunc, attempts int) []time.Duration {
	out := make([]time.Duration, 0, attempts)
	for i := 1; i <= attempts; i++ {
		out = append(out, fn(i))
	}
	return out
}

// WaitFunc blocks for d or until ctx is done
type WaitFunc func(ctx context.Context, d time.Duration) error

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
