package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/switchyard/pkg/locator"
	"github.com/cuemby/switchyard/pkg/log"
	"github.com/cuemby/switchyard/pkg/traffic"
	"github.com/cuemby/switchyard/pkg/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show environments, live traffic and recent history",
	Long: `Show which environment serves traffic, the state of both environments,
recent releases and recent restore drills.

Status only reads: it never changes the registry, so it is safe to run
while a release is in progress.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().Bool("json", false, "Print status as JSON")
}

// statusReport is the output of the status command
type statusReport struct {
	App          string                                   `json:"app"`
	Traffic      types.Environment                        `json:"traffic,omitempty"`
	Environments []*types.EnvironmentRecord               `json:"environments"`
	Observed     map[types.Environment]locator.Observation `json:"observed,omitempty"`
	Releases     []*types.Release                         `json:"releases"`
	Drills       []*types.DrillResult                     `json:"drills"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")

	return withApp(func(a *app) error {
		report := statusReport{App: a.cfg.Deployment.App}
		logger := log.WithComponent("status")

		var err error
		if report.Environments, err = a.store.ListEnvironments(); err != nil {
			return err
		}
		if report.Releases, err = a.store.ListReleases(a.cfg.Release.History); err != nil {
			return err
		}
		if report.Drills, err = a.store.ListDrills(5); err != nil {
			return err
		}

		// Live state is best effort; the registry is still worth showing
		if rt, err := a.runtime(); err != nil {
			logger.Warn().Err(err).Msg("Container runtime unavailable, showing recorded state only")
		} else {
			sw := a.trafficSwitch(rt)
			current, err := sw.Current()
			if err != nil && !errors.Is(err, traffic.ErrNoRule) {
				logger.Warn().Err(err).Msg("Failed to read routing rule")
			}
			report.Traffic = current

			observed, err := locator.New(a.cfg.Deployment.App, a.store, rt, sw).Observe(cmd.Context())
			if err != nil {
				logger.Warn().Err(err).Msg("Failed to observe environments")
			}
			report.Observed = observed
		}

		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}
		printStatus(cmd.OutOrStdout(), report)
		return nil
	})
}

func printStatus(out io.Writer, r statusReport) {
	serving := string(r.Traffic)
	if serving == "" {
		serving = "none (no routing rule)"
	}
	fmt.Fprintf(out, "App:     %s\n", r.App)
	fmt.Fprintf(out, "Traffic: %s\n\n", serving)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ENVIRONMENT\tRECORDED\tVERSION\tCONTAINERS\tSINCE")
	for _, env := range types.Environments {
		status, version, since := "-", "-", "-"
		for _, rec := range r.Environments {
			if rec.Name == env {
				status, version = string(rec.Status), orDash(rec.Version)
				since = rec.Since.Format(time.RFC3339)
			}
		}
		containers := "-"
		if obs, ok := r.Observed[env]; ok {
			containers = fmt.Sprintf("%d/%d running", obs.Running, obs.Containers)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", env, status, version, containers, since)
	}
	w.Flush()

	fmt.Fprintln(out, "\nRECENT RELEASES")
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tVERSION\tROUTE\tOUTCOME\tTRAFFIC\tSTARTED\tDURATION")
	for _, rel := range r.Releases {
		outcome := string(rel.Outcome)
		if outcome == "" {
			outcome = "in progress (" + string(rel.State) + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%s -> %s\t%s\t%s\t%s\t%s\n",
			shortID(rel.ID), rel.Version, orDash(string(rel.Source)), orDash(string(rel.Target)),
			outcome, orDash(string(rel.Traffic)), rel.StartedAt.Format(time.RFC3339),
			rel.Duration().Round(time.Second))
	}
	w.Flush()

	fmt.Fprintln(out, "\nRECENT DRILLS")
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tRESULT\tRTO\tRPO\tTABLES\tBACKUP\tSTARTED")
	for _, d := range r.Drills {
		result := "ok"
		if !d.Success {
			result = "failed"
		}
		fmt.Fprintf(w, "%s\t%s\t%s%s\t%s%s\t%d\t%s\t%s\n",
			shortID(d.ID), result,
			d.RTO.Round(time.Second), missMark(d.RTOMet),
			d.RPO.Round(time.Second), missMark(d.RPOMet),
			d.TableCount, orDash(d.Artifact.URI), d.StartedAt.Format(time.RFC3339))
	}
	w.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func missMark(met bool) string {
	if met {
		return ""
	}
	return " (missed)"
}
