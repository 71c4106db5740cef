package retry

import (
	"context"
	"time"
)

// A Policy bounds how often an operation may be attempted and how long to
// wait between attempts. The same policy shape drives provisioning waits,
// deployment readiness probes, and scenario re-dispatch.
type Policy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
}

// Fixed returns a policy that waits the same interval between attempts.
func Fixed(maxAttempts int, interval time.Duration) Policy {
	return Policy{
		MaxAttempts: maxAttempts,
		Backoff:     func(int) time.Duration { return interval },
	}
}

// Exponential returns a policy that doubles the interval after each
// attempt, capped at max.
func Exponential(maxAttempts int, base, max time.Duration) Policy {
	return Policy{
		MaxAttempts: maxAttempts,
		Backoff: func(attempt int) time.Duration {
			d := base << uint(attempt)
			if d > max || d <= 0 {
				return max
			}
			return d
		},
	}
}

// Do runs fn until it succeeds, the policy is exhausted, or ctx is
// cancelled. The backoff sleep is cancellable so an operator interrupt
// never stalls on a retry wait.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			if werr := Sleep(ctx, p.Backoff(attempt-1)); werr != nil {
				return werr
			}
		}
		err = fn()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}

// Sleep blocks for d or until ctx is cancelled, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
