package deploy

import (
	"errors"
	"fmt"

	"github.com/cuemby/switchyard/pkg/types"
)

var (
	// ErrLocked is returned when another release holds the release lock
	ErrLocked = errors.New("another release is in progress")

	// ErrDrillInProgress is returned when another restore drill holds the drill lock
	ErrDrillInProgress = errors.New("another restore drill is in progress")

	// ErrTargetUnhealthy is returned when an environment fails its health gate
	ErrTargetUnhealthy = errors.New("environment is unhealthy")

	// ErrNoRollbackTarget is returned when there is no previous environment to return to
	ErrNoRollbackTarget = errors.New("no environment to roll back to")
)

// Error is a terminal failure of a release, rollback or switch. It records
// the state the operation failed in and what happened to live traffic.
type Error struct {
	State   types.ReleaseState
	Traffic types.TrafficOutcome
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("failed in %s (traffic %s): %v", e.State, e.Traffic.Describe(), e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ManualIntervention reports whether traffic may be at an unhealthy environment
func (e *Error) ManualIntervention() bool {
	return e.Traffic == types.TrafficRollbackFailed
}

// AsError extracts a *Error from err
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
