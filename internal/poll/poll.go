// Package poll is the bounded fixed-interval retry used wherever this service
// waits on something it does not control: a call result, a workflow execution,
// a batch of providers reaching a terminal status, a free call slot.
package poll

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
)

var (
	ErrExhausted = errors.New("poll: attempts exhausted")
	ErrTimeout   = errors.New("poll: timeout")
)

// Policy bounds a wait. MaxAttempts counts every call of the check, including
// the first one. Zero MaxAttempts means unbounded attempts, in which case
// Timeout must be set.
type Policy struct {
	Interval    time.Duration
	MaxAttempts int
	Timeout     time.Duration
}

// Ceiling is the longest the policy can wait between attempts, ignoring the
// time spent inside the check itself.
func (p Policy) Ceiling() time.Duration {
	var byAttempts time.Duration
	if p.MaxAttempts > 0 {
		byAttempts = time.Duration(p.MaxAttempts-1) * p.Interval
	}
	switch {
	case p.Timeout > 0 && (byAttempts == 0 || p.Timeout < byAttempts):
		return p.Timeout
	default:
		return byAttempts
	}
}

// Check reports whether the awaited condition holds. A non-nil error stops the
// wait and is returned unchanged; callers that want to ride out transient
// failures log them and return (false, nil).
type Check func(ctx context.Context) (done bool, err error)

var errNotDone = errors.New("poll: not done")

// Until runs check immediately and then every Interval until it reports done,
// MaxAttempts is reached (ErrExhausted) or Timeout elapses (ErrTimeout).
// Cancellation of ctx itself returns ctx.Err().
func Until(ctx context.Context, p Policy, check Check) error {
	if check == nil {
		return errors.New("poll: check is nil")
	}
	if p.Interval <= 0 {
		p.Interval = time.Second
	}
	if p.MaxAttempts <= 0 && p.Timeout <= 0 {
		return errors.New("poll: policy needs MaxAttempts or Timeout")
	}

	runCtx := ctx
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	b := retry.NewConstant(p.Interval)
	if p.MaxAttempts > 0 {
		b = retry.WithMaxRetries(uint64(p.MaxAttempts-1), b)
	}

	err := retry.Do(runCtx, b, func(ctx context.Context) error {
		done, err := check(ctx)
		if err != nil {
			return err
		}
		if !done {
			return retry.RetryableError(errNotDone)
		}
		return nil
	})

	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case runCtx.Err() != nil:
		return ErrTimeout
	case errors.Is(err, errNotDone):
		return ErrExhausted
	default:
		return err
	}
}
