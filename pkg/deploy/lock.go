package deploy

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/mutex/v2"
)

// drillLockName cannot collide with LockName, which always uses a dash
const drillLockName = "switchyard.drill"

// Locker serializes releases on a host
type Locker interface {
	// Acquire blocks until the lock is held and returns its release func
	Acquire(ctx context.Context) (func(), error)
}

var invalidLockChars = regexp.MustCompile(`[^a-z0-9.-]+`)

// MutexLocker is a machine-wide advisory lock shared by every switchyard
// process managing the same application
type MutexLocker struct {
	name    string
	busy    error
	timeout time.Duration
	clock   clock.Clock
}

// NewMutexLocker creates a lock named after app. timeout bounds how long
// Acquire waits for a release already in progress.
func NewMutexLocker(app string, timeout time.Duration) *MutexLocker {
	return &MutexLocker{
		name:    LockName(app),
		busy:    ErrLocked,
		timeout: timeout,
		clock:   clock.WallClock,
	}
}

// NewDrillLocker creates the host-wide restore drill lock. It is separate
// from every release lock, so a drill can run during a release.
func NewDrillLocker(timeout time.Duration) *MutexLocker {
	return &MutexLocker{
		name:    drillLockName,
		busy:    ErrDrillInProgress,
		timeout: timeout,
		clock:   clock.WallClock,
	}
}

// LockName derives a valid mutex name from an application name
func LockName(app string) string {
	name := "switchyard-" + invalidLockChars.ReplaceAllString(strings.ToLower(app), "-")
	if len(name) > 40 {
		name = name[:40]
	}
	return strings.TrimRight(name, "-.")
}

// Acquire implements Locker
func (l *MutexLocker) Acquire(ctx context.Context) (func(), error) {
	timeout := l.timeout
	if timeout <= 0 {
		timeout = 10 * time.Millisecond
	}

	releaser, err := mutex.Acquire(mutex.Spec{
		Name:    l.name,
		Clock:   l.clock,
		Delay:   10 * time.Millisecond,
		Timeout: timeout,
		Cancel:  ctx.Done(),
	})
	switch {
	case err == nil:
		return releaser.Release, nil
	case errors.Is(err, mutex.ErrTimeout):
		return nil, fmt.Errorf("%w (lock %s)", l.busy, l.name)
	case errors.Is(err, mutex.ErrCancelled):
		return nil, ctx.Err()
	default:
		return nil, fmt.Errorf("failed to acquire lock %s: %w", l.name, err)
	}
}
