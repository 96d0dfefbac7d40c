package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hyperengineering/fitsync/internal/archive"
	"github.com/hyperengineering/fitsync/internal/config"
	"github.com/hyperengineering/fitsync/internal/metrics"
	"github.com/hyperengineering/fitsync/internal/types"
	"github.com/spf13/cobra"
)

var (
	reportType        string
	reportEntityTypes []string
	reportSince       time.Duration
	reportDetails     bool
	reportArchive     bool
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Generate a sync report",
	Long:  "Generate a daily, weekly, monthly or custom sync report from the database, optionally uploading it to the archive bucket.",
	Args:  cobra.NoArgs,
	RunE:  runReport,
}

func init() {
	reportCmd.Flags().StringVar(&reportType, "type", string(metrics.ReportDaily),
		"Report type: daily, weekly, monthly or custom")
	reportCmd.Flags().StringSliceVar(&reportEntityTypes, "entity-type", nil,
		"Restrict the report to these entity types (repeatable)")
	reportCmd.Flags().DurationVar(&reportSince, "since", 0,
		"Custom reports: cover this long a period ending now")
	reportCmd.Flags().BoolVar(&reportDetails, "details", false,
		"Include per-entity details")
	reportCmd.Flags().BoolVar(&reportArchive, "archive", false,
		"Upload the report to the archive bucket")
}

func runReport(cmd *cobra.Command, args []string) error {
	req := metrics.ReportRequest{
		Type:           metrics.ReportType(reportType),
		IncludeDetails: reportDetails,
	}
	for _, et := range reportEntityTypes {
		req.EntityTypes = append(req.EntityTypes, types.EntityType(et))
	}
	if req.Type == metrics.ReportCustom {
		if reportSince <= 0 {
			return fmt.Errorf("custom reports need --since")
		}
		now := time.Now().UTC()
		req.Range = types.TimeRange{Start: now.Add(-reportSince), End: now}
	}

	return withApp(cmd, func(ctx context.Context, _ *config.Config, a *app) error {
		rep, err := a.metrics.Report(ctx, req)
		if err != nil {
			return err
		}
		var obj *archive.Object
		if reportArchive {
			if obj, err = a.archive.PutReport(ctx, rep); err != nil {
				return fmt.Errorf("archive report: %w", err)
			}
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, map[string]any{
				"report": rep,
				"object": obj,
			})
		}

		t := rep.Totals
		fmt.Fprintf(out, "%s report, %s to %s\n\n", rep.Type,
			rep.Range.Start.Format("2006-01-02 15:04"), rep.Range.End.Format("2006-01-02 15:04"))
		fmt.Fprintf(out, "Events:     %s (%s failed, %.1f%% error rate)\n",
			humanize.Comma(int64(t.Events)), humanize.Comma(int64(t.FailedEvents)), t.ErrorRate*100)
		fmt.Fprintf(out, "Batches:    %s (%s completed, %s failed)\n",
			humanize.Comma(int64(t.Batches)), humanize.Comma(int64(t.CompletedBatches)), humanize.Comma(int64(t.FailedBatches)))
		fmt.Fprintf(out, "Conflicts:  %s detected, %s resolved\n",
			humanize.Comma(int64(t.ConflictsDetected)), humanize.Comma(int64(t.ConflictsResolved)))

		if len(rep.PerEntity) > 0 {
			fmt.Fprintln(out)
			w := newTabWriter(out)
			fmt.Fprintln(w, "ENTITY\tEVENTS\tFAILED\tCONFLICTS\tUNRESOLVED\tBATCHES")
			for _, e := range rep.PerEntity {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\n",
					e.EntityType,
					humanize.Comma(int64(e.Events)),
					humanize.Comma(int64(e.FailedEvents)),
					e.Conflicts,
					e.UnresolvedConflicts,
					e.Batches,
				)
			}
			w.Flush()
		}

		if len(rep.TopErrors) > 0 {
			fmt.Fprintln(out, "\nTop errors:")
			for _, e := range rep.TopErrors {
				fmt.Fprintf(out, "  %6s  %s\n", humanize.Comma(int64(e.Count)), e.Message)
			}
		}
		if len(rep.Recommendations) > 0 {
			fmt.Fprintln(out, "\nRecommendations:")
			for _, r := range rep.Recommendations {
				fmt.Fprintf(out, "  - %s\n", r)
			}
		}
		if obj != nil {
			fmt.Fprintf(out, "\nArchived %s (%s)\n", obj.Key, humanize.Bytes(uint64(obj.Size)))
		}
		return nil
	})
}
