/*
Package metrics publishes release and restore drill results to Prometheus.

Switchyard runs as a short-lived command, so there is nothing for Prometheus
to scrape. Results are pushed to a Pushgateway instead, one group per kind:

	PUT <push-url>/metrics/job/<job>/kind/release/app/<app>
	PUT <push-url>/metrics/job/<job>/kind/drill

A push replaces the whole group, so gauges always describe the most recent
release or drill. Without SWITCHYARD_METRICS_PUSH_URL the rendered text
exposition is logged instead.

# Release Metrics

  - switchyard_release_duration_seconds{app}
  - switchyard_release_outcome{app, outcome, traffic}: 1 for what happened
  - switchyard_release_finished_timestamp_seconds{app}
  - switchyard_active_environment{app, environment}: 1 for the serving slot
  - switchyard_command_duration_seconds{command}: histogram fed by Timer

# Drill Metrics

  - switchyard_drill_rto_seconds and switchyard_drill_rto_target_seconds
  - switchyard_drill_rpo_seconds and switchyard_drill_rpo_target_seconds
  - switchyard_drill_success
  - switchyard_drill_target_met{objective="rto"|"rpo"}
  - switchyard_drill_tables and switchyard_drill_rows{table}
  - switchyard_drill_backup_size_bytes
  - switchyard_drill_finished_timestamp_seconds

Alert on switchyard_drill_success == 0 and on time() minus
switchyard_drill_finished_timestamp_seconds exceeding the drill schedule.

# Timer

	timer := metrics.NewTimer()
	rel, err := orch.Release(ctx, version)
	timer.ObserveDurationVec(metrics.CommandDuration, "release")
*/
package metrics
