package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hyperengineering/fitsync/internal/api"
	"github.com/hyperengineering/fitsync/internal/config"
	"github.com/hyperengineering/fitsync/internal/worker"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:           "fitsync",
	Short:         "FitSync - sync and conflict engine for fitness business data",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and background workers",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(configCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	initLogger(cfg.Log, os.Stdout)
	slog.Info("configuration loaded", "level", cfg.Log.Level, "dev_mode", config.DevMode())

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "path", cfg.Database.Path, "archive_enabled", a.archive.Enabled())

	handler := api.NewHandler(a.services(), cfg.Auth.APIKey, Version)
	router := api.NewRouter(handler)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	var wg sync.WaitGroup
	registry := worker.NewRegistry()
	worker.RegisterBuiltins(registry, a.workerDeps(cfg.Worker))
	startWorker(ctx, &wg, worker.NewSchedulerRunner(
		a.scheduler, registry, a.configs,
		time.Duration(cfg.Worker.SchedulerInterval), cfg.Worker.DequeueBatchSize,
	).Run)
	startWorker(ctx, &wg, worker.NewCacheSweeper(
		a.cache, time.Duration(cfg.Worker.CacheSweepInterval),
	).Run)
	startWorker(ctx, &wg, worker.NewRetentionCoordinator(
		a.events, a.archive,
		time.Duration(cfg.Worker.RetentionInterval), cfg.Worker.RetentionDays, cfg.Worker.KeepConflicts,
	).Run)

	go func() {
		slog.Info("server starting", "address", addr, "version", Version)
		// ErrServerClosed is the expected error after Shutdown.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// Workers stop on ctx; a task in flight finishes first.
	wg.Wait()

	if err := a.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// startWorker runs fn in a goroutine tracked by wg.
func startWorker(ctx context.Context, wg *sync.WaitGroup, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		fn(ctx)
	}()
}
