package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/switchyard/pkg/types"
)

var drillCmd = &cobra.Command{
	Use:   "drill",
	Short: "Restore the latest backup into a throwaway database",
	Long: `Run a backup restore drill.

The newest backup in the configured bucket is downloaded and restored into
a fresh PostgreSQL container. The restore time is checked against the RTO
target and the backup age against the RPO target. Only a missed RPO is a
warning; every other problem fails the drill. The container and the
download are removed whatever the outcome.

Examples:
  # Run a drill
  switchyard drill

  # List the backups a drill would choose from
  switchyard drill --list`,
	Args: cobra.NoArgs,
	RunE: runDrill,
}

func init() {
	drillCmd.Flags().Bool("list", false, "List backups instead of running a drill")
}

func runDrill(cmd *cobra.Command, args []string) error {
	list, _ := cmd.Flags().GetBool("list")

	return withApp(func(a *app) error {
		if list {
			backups, err := a.backups(cmd.Context())
			if err != nil {
				return err
			}
			artifacts, err := backups.List(cmd.Context())
			if err != nil {
				return err
			}
			printArtifacts(cmd.OutOrStdout(), artifacts, a.cfg.Drill.RPOTarget)
			return nil
		}

		runner, err := a.drillRunner(cmd.Context())
		if err != nil {
			return err
		}
		a.watch(cmd.OutOrStdout())
		res, err := runner.Run(cmd.Context())
		a.flush()
		printDrill(cmd.OutOrStdout(), res)
		return err
	})
}

func printArtifacts(out io.Writer, artifacts []types.BackupArtifact, rpo time.Duration) {
	if len(artifacts) == 0 {
		fmt.Fprintln(out, "No backups found")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "URI\tSIZE\tMODIFIED\tAGE")
	for _, art := range artifacts {
		age := art.Age.Round(time.Second).String()
		if art.Age > rpo {
			age += " (older than RPO)"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", art.URI, art.Size, art.Modified.Format(time.RFC3339), age)
	}
	w.Flush()
}

func printDrill(out io.Writer, res *types.DrillResult) {
	if res == nil {
		return
	}
	if res.Success {
		fmt.Fprintln(out, "✓ Restore drill succeeded")
	} else {
		fmt.Fprintln(out, "✗ Restore drill failed")
	}
	fmt.Fprintf(out, "  Drill:   %s\n", res.ID)
	if res.Artifact.URI != "" {
		fmt.Fprintf(out, "  Backup:  %s (%d bytes)\n", res.Artifact.URI, res.Artifact.Size)
		fmt.Fprintf(out, "  RPO:     %s (target %s)%s\n", res.RPO.Round(time.Second), res.RPOTarget, missMark(res.RPOMet))
	}
	if res.RTO > 0 {
		fmt.Fprintf(out, "  RTO:     %s (target %s)%s\n", res.RTO.Round(time.Millisecond), res.RTOTarget, missMark(res.RTOMet))
	}
	if res.TableCount > 0 {
		fmt.Fprintf(out, "  Tables:  %d\n", res.TableCount)
	}
	for _, tc := range res.RowCounts {
		fmt.Fprintf(out, "    %s: %d rows\n", tc.Table, tc.Rows)
	}
	if res.Error != "" {
		fmt.Fprintf(out, "  Error:   %s\n", res.Error)
	}
}
