package storage

import (
	"errors"

	"github.com/cuemby/switchyard/pkg/types"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("not found")

	// ErrReleaseFinished is returned when updating a release that reached a terminal state
	ErrReleaseFinished = errors.New("release already finished")
)

// Store defines the interface for the release registry.
// It is implemented by BoltStore.
type Store interface {
	// Environments
	GetEnvironment(env types.Environment) (*types.EnvironmentRecord, error)
	PutEnvironment(rec *types.EnvironmentRecord) error
	ListEnvironments() ([]*types.EnvironmentRecord, error)

	// Releases
	CreateRelease(release *types.Release) error
	// UpdateRelease rewrites an existing release; a finished release is immutable
	UpdateRelease(release *types.Release) error
	GetRelease(id string) (*types.Release, error)
	ListReleases(limit int) ([]*types.Release, error)

	// Drills
	SaveDrill(result *types.DrillResult) error
	ListDrills(limit int) ([]*types.DrillResult, error)

	// Utility
	Close() error
}
