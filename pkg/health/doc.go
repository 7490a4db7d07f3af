/*
Package health provides the liveness checks and the health prober that gate
every traffic change in switchyard.

# Checkers

Three Checker implementations cover the ways a service can prove it is alive:

	┌────────────┐  GET /health, 200-399 (optionally a required header)
	│ HTTP       │
	├────────────┤  TCP connect to host:port
	│ TCP        │
	├────────────┤  command inside the container via the runtime, exit 0
	│ Exec       │
	└────────────┘

The HTTP checker doubles as the synthetic request used by the traffic package
to confirm that the public path reaches the expected environment: the proxy
adds an X-Active-Environment header and the checker requires its value.

# Prober

Prober.Probe drives a Checker with a fixed retry policy:

 1. Wait StartPeriod once (used as the post-switch settle time)
 2. Run the check with a per-attempt Timeout
 3. Healthy → return VerdictHealthy at once; no streak is required
 4. Unhealthy → sleep Interval and retry
 5. After Retries consecutive failures → VerdictUnhealthy

Every attempt is recorded as a types.HealthCheckResult in the ProbeResult so
callers can log latency and failure messages. The same primitive is used
before the switch (against the standby port) and after it (against the
public URL); only the checker differs.
*/
package health
