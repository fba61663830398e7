package firewall

import (
	"context"
	"math/rand"
	"time"
)

// Clock abstracts time operations for testing.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// realClock uses the actual system time.
type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// jitter adds random jitter (plus or minus WaitJitter) to a duration.
func (e *Evaluator) jitter(d time.Duration) time.Duration {
	jit := float64(d) * e.cfg.WaitJitter
	delta := (rand.Float64()*2 - 1) * jit
	return time.Duration(float64(d) + delta)
}

// waitUntil polls cond with capped exponential backoff until it holds, the
// wait budget is spent or ctx is done. It reports whether cond held. The
// calling goroutine parks on a timer channel between polls, so a waiting
// evaluation never occupies anything but its own goroutine.
func (e *Evaluator) waitUntil(ctx context.Context, cond func() bool) bool {
	clk := e.clock
	deadline := clk.Now().Add(e.cfg.WaitBudget)
	interval := e.cfg.WaitBase

	for {
		if cond() {
			return true
		}
		remaining := deadline.Sub(clk.Now())
		if remaining <= 0 {
			return false
		}
		delay := e.jitter(interval)
		if delay > remaining {
			delay = remaining
		}
		if delay <= 0 {
			delay = remaining
		}

		select {
		case <-ctx.Done():
			return false
		case <-clk.After(delay):
		}

		interval *= 2
	}
}
