package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/switchyard/pkg/log"
	"github.com/cuemby/switchyard/pkg/metrics"
	"github.com/cuemby/switchyard/pkg/types"
)

var releaseCmd = &cobra.Command{
	Use:   "release --version VERSION",
	Short: "Release a version to the standby environment",
	Long: `Release a new version with a blue/green switch.

The version is started in the environment that is not serving traffic and
health gated. Traffic then moves to it; if the public endpoint does not
stay healthy after the switch, traffic is rolled back.

Exit status is 0 on success, 1 on failure and 2 when a rollback failed and
manual intervention is required.

Examples:
  # Release a tag
  switchyard release --version v1.4.0

  # Release a digest-pinned build
  switchyard release --version sha-3f9c2e1`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRelease,
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback ENVIRONMENT",
	Short: "Return traffic to an environment and stop the other",
	Long: `Roll back to a previously active environment.

The environment is restarted if it was stopped, health gated, and traffic
is moved to it. The other environment is stopped afterwards.

Examples:
  switchyard rollback blue`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		to, err := types.ParseEnvironment(args[0])
		if err != nil {
			return err
		}
		return withApp(func(a *app) error {
			orch, err := a.orchestrator()
			if err != nil {
				return err
			}
			a.watch(cmd.OutOrStdout())
			err = orch.Rollback(cmd.Context(), to)
			a.flush()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Traffic rolled back to %s\n", to)
			return nil
		})
	},
}

var switchCmd = &cobra.Command{
	Use:   "switch ENVIRONMENT",
	Short: "Move traffic to a healthy environment",
	Long: `Switch traffic to an environment without stopping the other.

The environment must pass its health gate first. Use this to return to a
known state after manual intervention.

Examples:
  switchyard switch green`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		to, err := types.ParseEnvironment(args[0])
		if err != nil {
			return err
		}
		return withApp(func(a *app) error {
			orch, err := a.orchestrator()
			if err != nil {
				return err
			}
			a.watch(cmd.OutOrStdout())
			err = orch.Switch(cmd.Context(), to)
			a.flush()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Traffic switched to %s\n", to)
			return nil
		})
	},
}

func init() {
	releaseCmd.Flags().String("version", "", "Version (image tag) to release")
}

func runRelease(cmd *cobra.Command, args []string) error {
	version, _ := cmd.Flags().GetString("version")
	if version == "" && len(args) == 1 {
		version = args[0]
	}
	if version == "" {
		return fmt.Errorf("--version is required")
	}

	return withApp(func(a *app) error {
		timer := metrics.NewTimer()
		orch, err := a.orchestrator()
		if err != nil {
			return err
		}

		a.watch(cmd.OutOrStdout())
		rel, err := orch.Release(cmd.Context(), version)
		timer.ObserveDurationVec(metrics.CommandDuration, "release")
		a.flush()
		if rel == nil {
			return err
		}

		printRelease(cmd.OutOrStdout(), rel)

		// Cancellation must not prevent the result from being published
		ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), 30*time.Second)
		defer cancel()
		if rerr := a.reporter.ReportRelease(ctx, a.cfg.Deployment.App, rel); rerr != nil {
			log.Logger.Warn().Err(rerr).Msg("Failed to report release metrics")
		}
		return err
	})
}

func printRelease(w io.Writer, rel *types.Release) {
	source := string(rel.Source)
	if source == "" {
		source = "none"
	}

	switch rel.Outcome {
	case types.OutcomeSucceeded:
		fmt.Fprintf(w, "✓ Released %s to %s\n", rel.Version, rel.Target)
	case types.OutcomeRolledBack:
		fmt.Fprintf(w, "✗ Release of %s rolled back to %s\n", rel.Version, source)
	default:
		fmt.Fprintf(w, "✗ Release of %s failed\n", rel.Version)
	}
	fmt.Fprintf(w, "  Release:  %s\n", rel.ID)
	fmt.Fprintf(w, "  Source:   %s\n", source)
	fmt.Fprintf(w, "  Target:   %s\n", rel.Target)
	fmt.Fprintf(w, "  Duration: %s\n", rel.Duration().Round(time.Millisecond))
	if rel.Outcome != types.OutcomeSucceeded {
		fmt.Fprintf(w, "  Traffic:  %s\n", rel.Traffic.Describe())
	}
	if rel.Message != "" {
		fmt.Fprintf(w, "  Details:  %s\n", rel.Message)
	}
	if rel.Traffic == types.TrafficRollbackFailed {
		fmt.Fprintln(w, "  ! Manual intervention required: check the proxy and both environments,")
		fmt.Fprintln(w, "    then run 'switchyard switch <environment>'")
	}
}
