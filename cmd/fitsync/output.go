package main

import (
	"context"
	"encoding/json"
	"io"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/hyperengineering/fitsync/internal/config"
	"github.com/hyperengineering/fitsync/internal/health"
	"github.com/spf13/cobra"
)

// jsonOutput is shared by every operator command.
var jsonOutput bool

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output in JSON format")
}

// withApp loads configuration without the API key requirement, opens the
// database and runs fn. Logs go to stderr so stdout stays parseable.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.Config, a *app) error) error {
	cfg, err := config.LoadOffline()
	if err != nil {
		return err
	}
	initLogger(config.LogConfig{Level: "warn", Format: cfg.Log.Format}, cmd.ErrOrStderr())

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, cfg, a)
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

// levelString colors a health level for terminals; color disables itself
// when stdout is not a TTY.
func levelString(l health.Level) string {
	switch l {
	case health.LevelHealthy:
		return color.GreenString(string(l))
	case health.LevelWarning:
		return color.YellowString(string(l))
	case health.LevelCritical:
		return color.New(color.FgRed, color.Bold).Sprint(string(l))
	default:
		return color.New(color.Faint).Sprint(string(l))
	}
}
