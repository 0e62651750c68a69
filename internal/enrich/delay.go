package enrich

import (
	"context"
	"math/rand/v2"
	"time"
)

// minimumDelay is the floor applied when a policy is configured with a zero range.
const minimumDelay = 100 * time.Millisecond

// DelayPolicy draws a uniformly jittered delay from [Min, Max].
type DelayPolicy struct {
	Min time.Duration
	Max time.Duration
}

// Next returns the next delay. It is never zero.
func (p DelayPolicy) Next() time.Duration {
	lo, hi := p.Min, p.Max
	if lo < minimumDelay {
		lo = minimumDelay
	}
	if hi < lo {
		hi = lo
	}
	if hi == lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func contextSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
