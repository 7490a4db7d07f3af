package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/switchyard/pkg/config"
	"github.com/cuemby/switchyard/pkg/deploy"
	"github.com/cuemby/switchyard/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Exit codes
const (
	exitOK                 = 0
	exitFailure            = 1
	exitManualIntervention = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	code := exitCode(err)
	if err != nil {
		ev := log.Logger.Error().Err(err)
		if code == exitManualIntervention {
			ev = ev.Bool("manual_intervention", true)
		}
		ev.Msg("Command failed")
	}
	os.Exit(code)
}

// exitCode maps an error to the process exit status. Only a failed rollback,
// which may leave traffic on an unhealthy environment, is distinguished.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	if e, ok := deploy.AsError(err); ok && e.ManualIntervention() {
		return exitManualIntervention
	}
	return exitFailure
}

var rootCmd = &cobra.Command{
	Use:   "switchyard",
	Short: "Switchyard - blue/green releases and restore drills",
	Long: `Switchyard promotes a new version of an application by starting it in
the standby environment, gating it on health checks and atomically moving
reverse proxy traffic to it. Failures after the switch roll traffic back.

It also runs backup restore drills that prove the latest database backup
restores within the recovery time objective.

Configuration is read from SWITCHYARD_* environment variables and the
optional deploy file; run "switchyard config" to list them.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Switchyard version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(releaseCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(switchCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(drillCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "Switchyard version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "List the environment variables switchyard reads",
	RunE: func(cmd *cobra.Command, args []string) error {
		return config.Usage()
	},
}
