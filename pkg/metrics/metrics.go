package metrics

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/prometheus/common/expfmt"
	"github.com/rs/zerolog"

	"github.com/cuemby/switchyard/pkg/log"
	"github.com/cuemby/switchyard/pkg/types"
)

// Release metrics
var (
	releaseDuration = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "switchyard_release_duration_seconds",
			Help: "Duration of the last release",
		},
		[]string{"app"},
	)

	releaseOutcome = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "switchyard_release_outcome",
			Help: "Outcome of the last release (1 for the outcome that happened)",
		},
		[]string{"app", "outcome", "traffic"},
	)

	releaseFinished = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "switchyard_release_finished_timestamp_seconds",
			Help: "Unix time the last release finished",
		},
		[]string{"app"},
	)

	activeEnvironment = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "switchyard_active_environment",
			Help: "Environment serving traffic after the last release (1 = active)",
		},
		[]string{"app", "environment"},
	)

	// CommandDuration is observed by the CLI before it pushes the release group
	CommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "switchyard_command_duration_seconds",
			Help:    "Duration of switchyard commands in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"command"},
	)
)

// Drill metrics
var (
	drillRTO = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "switchyard_drill_rto_seconds",
		Help: "Restore time of the last drill",
	})

	drillRPO = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "switchyard_drill_rpo_seconds",
		Help: "Age of the backup restored by the last drill",
	})

	drillRTOTarget = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "switchyard_drill_rto_target_seconds",
		Help: "RTO target of the last drill",
	})

	drillRPOTarget = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "switchyard_drill_rpo_target_seconds",
		Help: "RPO target of the last drill",
	})

	drillSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "switchyard_drill_success",
		Help: "Whether the last drill succeeded (1 = success)",
	})

	drillTargetMet = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "switchyard_drill_target_met",
			Help: "Whether the last drill met an objective (1 = met)",
		},
		[]string{"objective"},
	)

	drillTables = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "switchyard_drill_tables",
		Help: "Tables found in the restored database",
	})

	drillRows = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "switchyard_drill_rows",
			Help: "Rows in each sanity table of the restored database",
		},
		[]string{"table"},
	)

	drillBackupSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "switchyard_drill_backup_size_bytes",
		Help: "Size of the backup restored by the last drill",
	})

	drillFinished = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "switchyard_drill_finished_timestamp_seconds",
		Help: "Unix time the last drill finished",
	})

	drillDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "switchyard_drill_duration_seconds",
		Help: "Wall time of the last drill, cleanup excluded",
	})
)

// Reporter publishes release and drill results to a Prometheus Pushgateway.
// Without a push URL the metrics are written to the debug log instead.
type Reporter struct {
	pushURL string
	job     string
	release *prometheus.Registry
	drill   *prometheus.Registry
	client  push.HTTPDoer
	logger  zerolog.Logger
}

// NewReporter creates a reporter pushing to pushURL under job
func NewReporter(pushURL, job string) *Reporter {
	release := prometheus.NewRegistry()
	release.MustRegister(releaseDuration, releaseOutcome, releaseFinished, activeEnvironment, CommandDuration)

	drill := prometheus.NewRegistry()
	drill.MustRegister(drillRTO, drillRPO, drillRTOTarget, drillRPOTarget, drillSuccess,
		drillTargetMet, drillTables, drillRows, drillBackupSize, drillFinished, drillDuration)

	if job == "" {
		job = "switchyard"
	}
	return &Reporter{
		pushURL: pushURL,
		job:     job,
		release: release,
		drill:   drill,
		logger:  log.WithComponent("metrics"),
	}
}

// WithClient returns a reporter that pushes through client
func (r *Reporter) WithClient(client push.HTTPDoer) *Reporter {
	cp := *r
	cp.client = client
	return &cp
}

// ReportRelease publishes the result of a release of app
func (r *Reporter) ReportRelease(ctx context.Context, app string, rel *types.Release) error {
	releaseDuration.Reset()
	releaseOutcome.Reset()
	releaseFinished.Reset()
	activeEnvironment.Reset()

	releaseDuration.WithLabelValues(app).Set(rel.Duration().Seconds())
	releaseOutcome.WithLabelValues(app, string(rel.Outcome), string(rel.Traffic)).Set(1)
	if !rel.FinishedAt.IsZero() {
		releaseFinished.WithLabelValues(app).Set(float64(rel.FinishedAt.Unix()))
	}

	active := servingEnvironment(rel)
	for _, env := range types.Environments {
		v := 0.0
		if env == active {
			v = 1
		}
		activeEnvironment.WithLabelValues(app, string(env)).Set(v)
	}

	return r.push(ctx, r.release, "release", app)
}

// servingEnvironment is the environment holding traffic once rel finished.
// A failed rollback leaves traffic on the target.
func servingEnvironment(rel *types.Release) types.Environment {
	switch rel.Traffic {
	case types.TrafficRollbackFailed:
		return rel.Target
	case types.TrafficNeverMoved, types.TrafficRolledBack:
		return rel.Source
	}
	if rel.Outcome == types.OutcomeSucceeded {
		return rel.Target
	}
	return rel.Source
}

// ReportDrill publishes the result of a restore drill
func (r *Reporter) ReportDrill(ctx context.Context, res *types.DrillResult) error {
	drillRows.Reset()

	drillRTO.Set(res.RTO.Seconds())
	drillRPO.Set(res.RPO.Seconds())
	drillRTOTarget.Set(res.RTOTarget.Seconds())
	drillRPOTarget.Set(res.RPOTarget.Seconds())
	drillSuccess.Set(boolValue(res.Success))
	drillTargetMet.WithLabelValues("rto").Set(boolValue(res.RTOMet))
	drillTargetMet.WithLabelValues("rpo").Set(boolValue(res.RPOMet))
	drillTables.Set(float64(res.TableCount))
	for _, tc := range res.RowCounts {
		drillRows.WithLabelValues(tc.Table).Set(float64(tc.Rows))
	}
	drillBackupSize.Set(float64(res.Artifact.Size))
	drillFinished.Set(float64(res.FinishedAt.Unix()))
	drillDuration.Set(res.FinishedAt.Sub(res.StartedAt).Seconds())

	return r.push(ctx, r.drill, "drill", "")
}

func (r *Reporter) push(ctx context.Context, g prometheus.Gatherer, kind, app string) error {
	if r.pushURL == "" {
		text, err := Render(g)
		if err != nil {
			return err
		}
		r.logger.Info().Str("kind", kind).Str("metrics", text).Msg("No push URL configured, metrics not pushed")
		return nil
	}

	pusher := push.New(r.pushURL, r.job).
		Gatherer(g).
		Grouping("kind", kind).
		Format(expfmt.NewFormat(expfmt.TypeTextPlain))
	if app != "" {
		pusher = pusher.Grouping("app", app)
	}
	if r.client != nil {
		pusher = pusher.Client(r.client)
	}

	// Push replaces the whole group, so stale sanity tables disappear
	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push %s metrics: %w", kind, err)
	}
	r.logger.Debug().Str("kind", kind).Str("url", r.pushURL).Msg("Metrics pushed")
	return nil
}

// Render gathers g in the Prometheus text format
func Render(g prometheus.Gatherer) (string, error) {
	families, err := g.Gather()
	if err != nil {
		return "", fmt.Errorf("failed to gather metrics: %w", err)
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return "", fmt.Errorf("failed to encode metrics: %w", err)
		}
	}
	return strings.TrimSpace(buf.String()), nil
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
