// Package retry holds the bounded retry policy shared by the watchdog, the
// orchestrator's sandbox creation and the gateway's start wait.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var ErrExhausted = errors.New("retry attempts exhausted")

// Policy calls an operation at most Attempts times, Interval apart. With
// DelayFirst the first call also waits one Interval.
type Policy struct {
	Attempts   int
	Interval   time.Duration
	DelayFirst bool
}

// Permanent stops retrying and makes Do return err unchanged.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

func (p Policy) attempts() int {
	if p.Attempts < 1 {
		return 1
	}
	return p.Attempts
}

func (p Policy) Do(ctx context.Context, op func(attempt int) error) error {
	if p.DelayFirst {
		if err := sleep(ctx, p.Interval); err != nil {
			return err
		}
	}

	var b backoff.BackOff = backoff.NewConstantBackOff(p.Interval)
	b = backoff.WithMaxRetries(b, uint64(p.attempts()-1))
	b = backoff.WithContext(b, ctx)

	attempt := 0
	permanent := false
	var last error
	err := backoff.Retry(func() error {
		attempt++
		last = op(attempt)
		var perm *backoff.PermanentError
		if errors.As(last, &perm) {
			permanent = true
		}
		return last
	}, b)
	switch {
	case err == nil:
		return nil
	case permanent:
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, last)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
