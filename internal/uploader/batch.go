package uploader

import (
	"context"
	"time"
)

// Sized is anything the byte budget can account for.
type Sized interface {
	Size() int64
}

// Admit splits items into the prefix that fits budget and the rest. It
// stops at the first item that would push the total over budget rather
// than skipping ahead, so order is preserved across cycles. The first item
// is always admitted so a single oversized file cannot block the queue.
// A budget <= 0 admits everything.
func Admit[T Sized](items []T, budget int64) (accepted, deferred []T) {
	if budget <= 0 {
		return items, nil
	}
	var total int64
	for i, it := range items {
		if i > 0 && total+it.Size() > budget {
			return items[:i], items[i:]
		}
		total += it.Size()
	}
	return items, nil
}

// RetryPolicy controls whole-batch retries.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	// Backoff is multiplied by the attempt number between tries.
	Backoff time.Duration
	// Timeout bounds each individual attempt; zero means no limit.
	Timeout time.Duration
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
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

// Send runs fn until it succeeds or the policy is exhausted, returning the
// number of attempts made and the last error. Each attempt gets its own
// timeout; only cancellation of ctx cuts the backoff short.
func Send(ctx context.Context, policy RetryPolicy, sleep SleepFunc, fn func(ctx context.Context) error) (int, error) {
	attempts := max(policy.Attempts, 1)
	if sleep == nil {
		sleep = sleepCtx
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = runAttempt(ctx, policy.Timeout, fn)
		if err == nil {
			return attempt, nil
		}
		if attempt == attempts {
			return attempt, err
		}
		if serr := sleep(ctx, policy.Backoff*time.Duration(attempt)); serr != nil {
			return attempt, err
		}
	}
	return attempts, err
}

func runAttempt(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}
