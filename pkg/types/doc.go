/*
Package types defines the core data structures shared by switchyard's release
and recovery pipelines.

The types here are plain values. They carry no behaviour beyond small helpers
(Environment.Opposite, ReleaseState.Terminal) and are persisted as JSON by the
storage package.

# Core Types

Release pipeline:
  - Environment: one of the two fixed slots, blue or green
  - EnvironmentRecord: registry entry {name, status, version, since}
  - Release: one promotion attempt with its state history and outcome
  - ReleaseState: states of the release state machine
  - TrafficOutcome: never_moved, rolled_back, rollback_failed
  - HealthCheckResult: a single probe attempt

Recovery pipeline:
  - BackupArtifact: backup object with size, modification time and age
  - DrillResult: RTO/RPO measurements, sanity row counts, verdict

# Release State Machine

	idle → detecting → pulling → starting → health_gating → switching
	     → post_switch_monitoring → decommissioning → succeeded

	starting | health_gating | switching | post_switch_monitoring
	     → rolling_back → failed

Only post_switch_monitoring failures move live traffic back. Every failure
before switching is plain cleanup and reports TrafficNeverMoved.

# Environment Invariant

At most one environment is Active at any time. The traffic package is the only
writer of the routing rule that decides which one that is; the registry mirrors
it for reporting and bootstrapping.
*/
package types
