package main

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/hyperengineering/fitsync/internal/apperr"
	"github.com/hyperengineering/fitsync/internal/config"
	"github.com/hyperengineering/fitsync/internal/health"
	"github.com/hyperengineering/fitsync/internal/types"
	"github.com/spf13/cobra"
)

var healthEntityType string

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check sync health and per-entity status",
	Long:  "Run a health check against the database and print the classified signals, recommendations and per-entity sync status.",
	Args:  cobra.NoArgs,
	RunE:  runHealth,
}

func init() {
	healthCmd.Flags().StringVar(&healthEntityType, "entity-type", "",
		"Limit the status table to one entity type")
}

func runHealth(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, _ *config.Config, a *app) error {
		rep, err := a.monitor.Check(ctx)
		if err != nil {
			return fmt.Errorf("health check: %w", err)
		}
		// Per-entity failures are reported on their rows.
		status, err := a.monitor.SyncStatus(ctx, types.EntityType(healthEntityType))
		if apperr.Is(err, apperr.KindValidation) {
			return err
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, map[string]any{
				"health": rep,
				"status": status,
			})
		}

		fmt.Fprintf(out, "Status:  %s\n", levelString(rep.Status))
		fmt.Fprintf(out, "Checked: %s\n\n", rep.CheckedAt.Format("2006-01-02 15:04:05 MST"))

		w := newTabWriter(out)
		fmt.Fprintln(w, "SIGNAL\tVALUE\tSTATUS")
		for _, s := range rep.Signals {
			fmt.Fprintf(w, "%s\t%s\t%s\n", s.Name, formatSignal(s), levelString(s.Status))
		}
		w.Flush()

		if len(rep.Recommendations) > 0 {
			fmt.Fprintln(out, "\nRecommendations:")
			for _, r := range rep.Recommendations {
				fmt.Fprintf(out, "  - %s\n", r)
			}
		}

		fmt.Fprintln(out)
		w = newTabWriter(out)
		fmt.Fprintln(w, "ENTITY\tENABLED\tRECORDS\tDIRTY\tCONFLICTS\tBATCHES\tLAST SYNC")
		for _, s := range status {
			fmt.Fprintf(w, "%s\t%t\t%s\t%s\t%d\t%d\t%s\n",
				s.EntityType,
				s.SyncEnabled,
				humanize.Comma(int64(s.RecordCount)),
				humanize.Comma(int64(s.DirtyCount)),
				s.UnresolvedConflicts,
				s.RunningBatches,
				lastSync(s),
			)
		}
		return w.Flush()
	})
}

func formatSignal(s health.Signal) string {
	if s.Name == health.SignalErrorRate {
		return fmt.Sprintf("%.1f%%", s.Value*100)
	}
	return humanize.Ftoa(s.Value)
}

func lastSync(s health.EntityStatus) string {
	switch {
	case s.Error != "":
		return "error: " + s.Error
	case s.LastSync == nil:
		return "never"
	default:
		return humanize.Time(*s.LastSync)
	}
}
