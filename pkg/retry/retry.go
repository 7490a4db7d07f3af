// Package retry provides a reusable, fixed-attempt retry policy.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/juju/clock"
	jujuretry "github.com/juju/retry"
)

// ErrStopped is returned when the context is cancelled between attempts
var ErrStopped = errors.New("retry stopped")

// minDelay keeps a zero interval valid for the underlying retry loop
const minDelay = time.Millisecond

// Policy describes how often and how many times an operation is attempted.
// Policies are plain values; copy and adjust them with the With* methods.
type Policy struct {
	// Attempts is the total number of attempts, including the first
	Attempts int
	// Interval is the delay between attempts
	Interval time.Duration
	// Clock drives the delays; nil means the wall clock
	Clock clock.Clock
}

// Fixed returns a policy of n attempts separated by interval
func Fixed(n int, interval time.Duration) Policy {
	return Policy{Attempts: n, Interval: interval}
}

// WithClock returns a copy of p driven by c
func (p Policy) WithClock(c clock.Clock) Policy {
	p.Clock = c
	return p
}

// Do calls fn until it succeeds, the attempts are exhausted or ctx is done.
// notify, if non-nil, is called after every failed attempt with its 1-based number.
// When all attempts fail, the last error from fn is returned.
func (p Policy) Do(ctx context.Context, fn func(attempt int) error, notify func(err error, attempt int)) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.Interval
	if delay < minDelay {
		delay = minDelay
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.WallClock
	}

	attempt := 0
	args := jujuretry.CallArgs{
		Func: func() error {
			attempt++
			return fn(attempt)
		},
		NotifyFunc: func(err error, n int) {
			if notify != nil {
				notify(err, n)
			}
		},
		Attempts: attempts,
		Delay:    delay,
		Clock:    clk,
		Stop:     ctx.Done(),
	}

	err := jujuretry.Call(args)
	switch {
	case err == nil:
		return nil
	case jujuretry.IsAttemptsExceeded(err):
		return jujuretry.LastError(err)
	case jujuretry.IsRetryStopped(err):
		if last := jujuretry.LastError(err); last != nil {
			return errors.Join(ErrStopped, last)
		}
		return ErrStopped
	default:
		return err
	}
}
