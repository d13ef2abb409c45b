package webhook

import (
	"context"
	"time"
)

type SleepFunc func(ctx context.Context, d time.Duration) error

// DefaultSleep waits for d or until ctx is done.
func DefaultSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retry is the attempt counter for one (event, subscription) delivery loop.
//
//	r := NewRetry(3, time.Second, time.Minute)
//	for r.Next() {
//		if try(r.Attempt()) { break }
//		if r.Exhausted() { break }
//		sleep(r.Delay())
//	}
type Retry struct {
	attempt  int
	max      int
	initial  time.Duration
	maxDelay time.Duration
}

func NewRetry(max int, initial, maxDelay time.Duration) *Retry {
	if max < 1 {
		max = 1
	}
	return &Retry{max: max, initial: initial, maxDelay: maxDelay}
}

// Next moves to the following attempt and reports whether one is allowed.
func (r *Retry) Next() bool {
	if r.attempt >= r.max {
		return false
	}
	r.attempt++
	return true
}

// Attempt is the 1-based number of the current attempt.
func (r *Retry) Attempt() int { return r.attempt }

func (r *Retry) Exhausted() bool { return r.attempt >= r.max }

// Delay is the wait after the current attempt fails:
// min(initial * 2^(attempt-1), maxDelay).
func (r *Retry) Delay() time.Duration {
	return backoff(r.attempt, r.initial, r.maxDelay)
}

func backoff(attempt int, initial, maxDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := initial
	for i := 1; i < attempt; i++ {
		if d >= maxDelay/2 {
			return maxDelay
		}
		d *= 2
	}
	return min(d, maxDelay)
}
