package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/hyperengineering/fitsync/internal/config"
	"github.com/hyperengineering/fitsync/internal/health"
	"github.com/spf13/cobra"
)

var recoverDryRun bool

var recoverActions = []string{
	health.ActionRestartStuckBatches,
	health.ActionCleanupInactiveSessions,
	health.ActionResolveSimpleConflicts,
	health.ActionRetryFailedOperations,
}

var recoverCmd = &cobra.Command{
	Use:       "recover <action>",
	Short:     "Run an auto-recovery action",
	Long:      "Run one corrective action against the database. Actions: " + strings.Join(recoverActions, ", ") + ".",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: recoverActions,
	RunE:      runRecover,
}

func init() {
	recoverCmd.Flags().BoolVar(&recoverDryRun, "dry-run", false,
		"Report what would change without modifying anything")
}

func runRecover(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, _ *config.Config, a *app) error {
		res, err := a.recovery.Run(ctx, args[0], recoverDryRun)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, res)
		}

		verb := "affected"
		if res.DryRun {
			verb = color.CyanString("would affect")
		}
		fmt.Fprintf(out, "%s: %d found, %s %d", res.Action, res.Found, verb, res.Affected)
		if res.Failed > 0 {
			fmt.Fprint(out, ", ", color.RedString("%d failed", res.Failed))
		}
		fmt.Fprintln(out)

		for _, it := range res.Items {
			switch {
			case it.Error != "":
				fmt.Fprintf(out, "  %s %s: %s\n", color.RedString("x"), it.ID, it.Error)
			case it.Detail != "":
				fmt.Fprintf(out, "  %s %s: %s\n", color.GreenString("+"), it.ID, it.Detail)
			default:
				fmt.Fprintf(out, "  %s %s\n", color.GreenString("+"), it.ID)
			}
		}
		return nil
	})
}
