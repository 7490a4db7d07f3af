package types

import (
	"fmt"
	"strings"
	"time"
)

// Environment is one of the two fixed release slots
type Environment string

const (
	EnvironmentBlue  Environment = "blue"
	EnvironmentGreen Environment = "green"
)

// Environments lists both slots in their default preference order
var Environments = []Environment{EnvironmentBlue, EnvironmentGreen}

// ParseEnvironment converts a user-supplied name into an Environment
func ParseEnvironment(name string) (Environment, error) {
	switch Environment(strings.ToLower(strings.TrimSpace(name))) {
	case EnvironmentBlue:
		return EnvironmentBlue, nil
	case EnvironmentGreen:
		return EnvironmentGreen, nil
	default:
		return "", fmt.Errorf("unknown environment %q (expected blue or green)", name)
	}
}

// Opposite returns the other environment
func (e Environment) Opposite() Environment {
	if e == EnvironmentBlue {
		return EnvironmentGreen
	}
	return EnvironmentBlue
}

// Valid reports whether e names one of the two slots
func (e Environment) Valid() bool {
	return e == EnvironmentBlue || e == EnvironmentGreen
}

func (e Environment) String() string {
	return string(e)
}

// EnvironmentStatus is the lifecycle state of an environment as recorded in the registry
type EnvironmentStatus string

const (
	EnvironmentStatusAbsent         EnvironmentStatus = "absent"
	EnvironmentStatusStarting       EnvironmentStatus = "starting"
	EnvironmentStatusHealthy        EnvironmentStatus = "healthy"
	EnvironmentStatusActive         EnvironmentStatus = "active"
	EnvironmentStatusStopped        EnvironmentStatus = "stopped"
	EnvironmentStatusDecommissioned EnvironmentStatus = "decommissioned"
	EnvironmentStatusFailed         EnvironmentStatus = "failed"
)

// EnvironmentRecord is the persisted registry entry for one environment
type EnvironmentRecord struct {
	Name    Environment
	Status  EnvironmentStatus
	Version string
	Since   time.Time
}

// ReleaseState is a state of the release state machine
type ReleaseState string

const (
	ReleaseStateIdle                 ReleaseState = "idle"
	ReleaseStateDetecting            ReleaseState = "detecting"
	ReleaseStatePulling              ReleaseState = "pulling"
	ReleaseStateStarting             ReleaseState = "starting"
	ReleaseStateHealthGating         ReleaseState = "health_gating"
	ReleaseStateSwitching            ReleaseState = "switching"
	ReleaseStatePostSwitchMonitoring ReleaseState = "post_switch_monitoring"
	ReleaseStateDecommissioning      ReleaseState = "decommissioning"
	ReleaseStateRollingBack          ReleaseState = "rolling_back"
	ReleaseStateSucceeded            ReleaseState = "succeeded"
	ReleaseStateFailed               ReleaseState = "failed"
)

// Terminal reports whether no further transitions are possible
func (s ReleaseState) Terminal() bool {
	return s == ReleaseStateSucceeded || s == ReleaseStateFailed
}

// Outcome is the terminal result of a release
type Outcome string

const (
	OutcomeNone       Outcome = ""
	OutcomeSucceeded  Outcome = "succeeded"
	OutcomeRolledBack Outcome = "rolled_back"
	OutcomeFailed     Outcome = "failed"
)

// TrafficOutcome describes what happened to live traffic during a failed operation
type TrafficOutcome string

const (
	// TrafficNeverMoved means production traffic was never pointed at the target
	TrafficNeverMoved TrafficOutcome = "never_moved"
	// TrafficRolledBack means traffic moved and was restored to the origin
	TrafficRolledBack TrafficOutcome = "rolled_back"
	// TrafficRollbackFailed means traffic moved and could not be restored
	TrafficRollbackFailed TrafficOutcome = "rollback_failed"
)

// Describe returns the operator-facing wording of the outcome
func (t TrafficOutcome) Describe() string {
	switch t {
	case TrafficNeverMoved:
		return "never moved"
	case TrafficRolledBack:
		return "moved and rolled back"
	case TrafficRollbackFailed:
		return "moved and rollback failed, manual intervention required"
	default:
		return "unknown"
	}
}

// Transition records entry into a release state
type Transition struct {
	State ReleaseState
	At    time.Time
}

// Release is one promotion attempt
type Release struct {
	ID          string
	Source      Environment
	Target      Environment
	Version     string
	State       ReleaseState
	Outcome     Outcome
	Traffic     TrafficOutcome
	Message     string
	StartedAt   time.Time
	FinishedAt  time.Time
	Transitions []Transition
}

// Duration returns how long the release ran, or zero if it has not finished
func (r *Release) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// HealthCheckResult is the outcome of a single probe attempt
type HealthCheckResult struct {
	Target    string
	Attempt   int
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Latency   time.Duration
}

// BackupArtifact is a backup object read from object storage
type BackupArtifact struct {
	URI      string
	Bucket   string
	Key      string
	Size     int64
	Modified time.Time
	Checksum string
	Age      time.Duration
}

// TableCount is the row count of one sanity table
type TableCount struct {
	Table string
	Rows  int64
}

// DrillResult is the outcome of one restore drill
type DrillResult struct {
	ID         string
	Artifact   BackupArtifact
	RTO        time.Duration
	RPO        time.Duration
	RTOTarget  time.Duration
	RPOTarget  time.Duration
	RTOMet     bool
	RPOMet     bool
	TableCount int
	RowCounts  []TableCount
	Success    bool
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}
