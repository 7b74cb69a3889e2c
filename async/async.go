// Package async provides functionality for interacting with async operations
package async

import (
	"context"
	"errors"
	"fmt"
	"time"

	pkgerrors "github.com/pkg/errors"
)

// RetryContext retries fn with doubling sleeps until it succeeds, the attempts
// are exhausted or ctx is done. If shouldRetry is non-nil, errors it rejects
// are returned immediately without further attempts.
func RetryContext(ctx context.Context, attempts int, sleep time.Duration,
	shouldRetry func(error) bool, fn func() error) error {
	start := time.Now()
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if shouldRetry != nil && !shouldRetry(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return pkgerrors.Wrapf(err, "gave up after %d attempts: %s", attempt, ctx.Err())
		case <-timer.C:
		}
		sleep *= 2
	}
	return pkgerrors.Wrapf(err,
		"failed after %d attempts and %s total duration",
		attempts, time.Since(start))
}

// Await attempts the given condition the specified amount of times, doubling
// the amount of time between each attempt. If the condition doesn't succeed,
// it returns an error saying how many times we tried and how much time it
// took altogether.
func Await(attempts int, sleep time.Duration, fn func() bool, msgs ...string) error {
	start := time.Now()
	if !innerAwait(attempts, sleep, fn) {
		msg := fmt.Sprintf("Condition was not true after %d attempts and %s total waiting time",
			attempts, time.Since(start))
		if len(msgs) != 0 {
			msg += ": "
			for _, m := range msgs {
				msg += m + " "
			}
		}
		return errors.New(msg)
	}
	return nil
}

func innerAwait(attempts int, sleep time.Duration,
	fn func() bool) bool {
	if !fn() {
		if attempts > 1 {
			time.Sleep(sleep)
			return innerAwait(attempts-1, 2*sleep, fn)
		}
		return false
	}
	return true
}
