/*
Package deploy implements blue/green releases for switchyard.

A release promotes a new image version to the standby environment, moves
traffic to it, and either retires the previous environment or returns
traffic to it. The package also provides the standalone rollback and a
health-gated manual switch used by the CLI.

# State Machine

	Idle → Detecting → Pulling → Starting → HealthGating ─┐
	                                                       │
	  ┌────────────────────────────────────────────────────┘
	  ▼
	Switching → PostSwitchMonitoring → Decommissioning → Succeeded
	    │                 │
	    │                 └──────────→ RollingBack → Failed
	    └── (proxy rejected, reverted) ───────────→ Failed

The boundary at Switching is the whole point of the design:

  - Before Switching nothing customer-visible has changed. A failure tears
    down the half-started target and ends in Failed with traffic "never
    moved". The active environment is not touched.
  - From PostSwitchMonitoring on, traffic has moved. A failure runs the
    RollbackController against the original environment and ends in Failed
    with traffic "rolled back", or "rollback failed" when the original
    environment is unhealthy too.

A failed switch is the traffic package's problem: it restores the previous
routing rule before returning, so the orchestrator treats it like any other
pre-switch failure. Only when that restore itself fails does the release go
through RollingBack.

Once Switching starts, the context passed to Release is detached from its
cancellation so that an interrupted release still reaches a terminal state.

# Errors

Every failure is returned as *Error with the state it happened in and the
traffic outcome. Callers map the outcome to an exit code:

	never moved            exit 1
	moved, rolled back     exit 1
	moved, rollback failed exit 2 (ManualIntervention)

# Locking

Release, Rollback and Switch hold a machine-wide juju/mutex lock named after
the application from before detection until a terminal state. A second
invocation waits up to the configured lock timeout and then fails with
ErrLocked.

# Registry

Each state change is written to the release history in pkg/storage, and
environment records are updated as environments start, become active, stop
or fail. The registry is informational; the locator reconciles it with live
containers on every release.
*/
package deploy
