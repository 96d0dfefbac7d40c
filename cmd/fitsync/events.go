package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hyperengineering/fitsync/internal/archive"
	"github.com/hyperengineering/fitsync/internal/config"
	"github.com/hyperengineering/fitsync/internal/types"
	"github.com/spf13/cobra"
)

var (
	cleanupOlderThanDays int
	cleanupKeepConflicts bool

	exportEntityType string
	exportWindow     string
	exportMetadata   bool
	exportArchive    bool
	exportOutput     string
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Maintain the sync event log",
}

var eventsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete old sync events",
	Long:  "Delete sync events older than the given number of days. Unresolved conflict events are kept unless --keep-conflicts=false.",
	Args:  cobra.NoArgs,
	RunE:  runEventsCleanup,
}

var eventsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export sync events as JSON",
	Args:  cobra.NoArgs,
	RunE:  runEventsExport,
}

func init() {
	eventsCleanupCmd.Flags().IntVar(&cleanupOlderThanDays, "older-than-days", 0,
		"Delete events older than this many days (default: worker.retention_days)")
	eventsCleanupCmd.Flags().BoolVar(&cleanupKeepConflicts, "keep-conflicts", true,
		"Keep conflict events that are not resolved")

	eventsExportCmd.Flags().StringVar(&exportEntityType, "entity-type", "",
		"Only export events of this entity type")
	eventsExportCmd.Flags().StringVar(&exportWindow, "window", "24h",
		"Time window: 1h, 24h, 7d or 30d")
	eventsExportCmd.Flags().BoolVar(&exportMetadata, "metadata", false,
		"Include payloads and metadata")
	eventsExportCmd.Flags().BoolVar(&exportArchive, "archive", false,
		"Upload the export to the archive bucket")
	eventsExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "",
		"Write the export to this file instead of stdout")

	eventsCmd.AddCommand(eventsCleanupCmd)
	eventsCmd.AddCommand(eventsExportCmd)
}

func runEventsCleanup(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, cfg *config.Config, a *app) error {
		days := cleanupOlderThanDays
		if days == 0 {
			days = cfg.Worker.RetentionDays
		}
		n, err := a.events.Cleanup(ctx, days, cleanupKeepConflicts)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, map[string]any{
				"deleted":         n,
				"older_than_days": days,
				"keep_conflicts":  cleanupKeepConflicts,
			})
		}
		fmt.Fprintf(out, "Deleted %s events older than %d days\n", humanize.Comma(n), days)
		return nil
	})
}

func runEventsExport(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, _ *config.Config, a *app) error {
		r, err := types.ParseWindow(exportWindow, time.Now().UTC())
		if err != nil {
			return err
		}
		exp, err := a.events.Export(ctx, types.EntityType(exportEntityType), r, exportMetadata)
		if err != nil {
			return err
		}

		var obj *archive.Object
		if exportArchive {
			if obj, err = a.archive.PutExport(ctx, exp); err != nil {
				return fmt.Errorf("archive export: %w", err)
			}
		}

		if exportOutput == "" {
			if obj != nil && !jsonOutput {
				fmt.Fprintf(cmd.ErrOrStderr(), "Archived %s (%s)\n", obj.Key, humanize.Bytes(uint64(obj.Size)))
			}
			return printJSON(cmd.OutOrStdout(), exp)
		}

		f, err := os.Create(exportOutput)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		if err := printJSON(f, exp); err != nil {
			return fmt.Errorf("write export: %w", err)
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, map[string]any{
				"path":      exportOutput,
				"count":     exp.Count,
				"truncated": exp.Truncated,
				"object":    obj,
			})
		}
		fmt.Fprintf(out, "Exported %s events to %s\n", humanize.Comma(int64(exp.Count)), exportOutput)
		if exp.Truncated {
			fmt.Fprintln(out, "Export truncated; narrow the window or entity type.")
		}
		if obj != nil {
			fmt.Fprintf(out, "Archived %s (%s)\n", obj.Key, humanize.Bytes(uint64(obj.Size)))
		}
		return nil
	})
}
