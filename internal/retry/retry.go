// Package retry provides the bounded retry-with-interval primitive used for
// destination writes and for polling asynchronous destination jobs.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/surfdude29/tweets-2-bsky-sub001/internal/clock"
)

// ErrExhausted is returned by Poll when the attempt ceiling is reached before
// the condition reports done.
var ErrExhausted = errors.New("retry: attempts exhausted")

// errPending drives another Poll attempt.
var errPending = errors.New("retry: pending")

// Policy bounds a retry loop. Attempts counts the total number of calls,
// including the first one. Attempts <= 0 means unbounded.
type Policy struct {
	Attempts int
	Interval time.Duration
	Clock    clock.Clock
}

// Do calls op until it succeeds, returns a non-retriable error, the attempt
// ceiling is reached, or ctx is done. retriable decides which errors are
// retried; a nil retriable retries every error. The last error is returned.
func Do(ctx context.Context, p Policy, retriable func(error) bool, op func(attempt int) error) error {
	attempt := 0
	return backoff.RetryNotifyWithTimer(func() error {
		attempt++
		err := op(attempt)
		if err != nil && retriable != nil && !retriable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, p.backOff(ctx), nil, p.timer())
}

// Poll calls cond every Interval until it reports done, returns an error, the
// attempt ceiling is reached (ErrExhausted), or ctx is done.
func Poll(ctx context.Context, p Policy, cond func(ctx context.Context, attempt int) (bool, error)) error {
	attempt := 0
	err := backoff.RetryNotifyWithTimer(func() error {
		attempt++
		done, err := cond(ctx, attempt)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !done {
			return errPending
		}
		return nil
	}, p.backOff(ctx), nil, p.timer())
	if errors.Is(err, errPending) {
		return ErrExhausted
	}
	return err
}

func (p Policy) backOff(ctx context.Context) backoff.BackOffContext {
	var b backoff.BackOff = backoff.NewConstantBackOff(p.Interval)
	if p.Attempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.Attempts-1))
	}
	return backoff.WithContext(b, ctx)
}

func (p Policy) timer() backoff.Timer {
	c := p.Clock
	if c == nil {
		c = clock.Real()
	}
	return &clockTimer{clock: c}
}

// clockTimer adapts clock.Clock to backoff.Timer.
type clockTimer struct {
	clock clock.Clock
	ch    <-chan time.Time
}

func (t *clockTimer) Start(d time.Duration) { t.ch = t.clock.After(d) }
func (t *clockTimer) Stop()                 {}
func (t *clockTimer) C() <-chan time.Time   { return t.ch }
