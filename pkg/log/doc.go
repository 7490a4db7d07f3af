/*
Package log provides structured logging for switchyard using zerolog.

A single global Logger is configured once by Init from the CLI. Components
derive child loggers carrying the field that identifies their work:

	logger := log.WithComponent("traffic")
	logger.Info().Str("to", "green").Msg("Switching traffic")

	rlog := log.WithReleaseID(release.ID)
	rlog.Warn().Msg("Both environments appear active")

	elog := log.WithEnvironment(logger, "blue")
	elog.Warn().Msg("Reconciling registry record")

Console output (RFC3339 timestamps) is the default because switchyard is
usually run from a terminal or a CI job log. LOG_JSON=true switches to JSON
lines for log shippers.

# Log Levels

  - debug: probe attempts, rendered proxy config, raw exec output
  - info: state transitions, switch and drill milestones
  - warn: ambiguous environment detection, RPO missed, pruning failures
  - error: terminal failures; rollback failures add manual_intervention=true

Logs go to stderr so that command output on stdout (status tables, backup
listings) stays machine-readable.
*/
package log
