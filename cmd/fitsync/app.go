package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/hyperengineering/fitsync/internal/api"
	"github.com/hyperengineering/fitsync/internal/archive"
	"github.com/hyperengineering/fitsync/internal/batch"
	"github.com/hyperengineering/fitsync/internal/cache"
	"github.com/hyperengineering/fitsync/internal/config"
	"github.com/hyperengineering/fitsync/internal/conflict"
	"github.com/hyperengineering/fitsync/internal/eventlog"
	"github.com/hyperengineering/fitsync/internal/health"
	"github.com/hyperengineering/fitsync/internal/metrics"
	"github.com/hyperengineering/fitsync/internal/scheduler"
	"github.com/hyperengineering/fitsync/internal/session"
	"github.com/hyperengineering/fitsync/internal/store"
	"github.com/hyperengineering/fitsync/internal/syncconfig"
	"github.com/hyperengineering/fitsync/internal/worker"
	"github.com/sethvargo/go-retry"
)

// Store open retry bounds. A second process holding the write lock during
// its migrations surfaces as SQLITE_BUSY.
const (
	openRetries = 5
	openBackoff = 200 * time.Millisecond
)

// app holds every component wired over one store.
type app struct {
	store     *store.SQLiteStore
	events    *eventlog.Log
	configs   *syncconfig.Store
	conflicts *conflict.Engine
	batches   *batch.Orchestrator
	scheduler *scheduler.Scheduler
	sessions  *session.Registry
	cache     *cache.Cache
	monitor   *health.Monitor
	recovery  *health.Recovery
	metrics   *metrics.Service
	archive   *archive.Archive
}

func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	s, err := openStore(ctx, cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	uploader, err := archive.NewUploader(cfg.Archive)
	if err != nil {
		s.Close()
		return nil, err
	}

	logger := slog.Default()
	t := thresholds(cfg.Health)
	events := eventlog.New(s, logger)
	configs := syncconfig.New(s, logger)
	batches := batch.New(s, events, logger)
	sessions := session.New(s, events, logger)
	conflicts := conflict.New(s, events, logger)
	monitor := health.NewMonitor(s, configs, t, logger)

	return &app{
		store:     s,
		events:    events,
		configs:   configs,
		conflicts: conflicts,
		batches:   batches,
		scheduler: scheduler.New(s, events, logger),
		sessions:  sessions,
		cache:     cache.New(s, events, time.Duration(cfg.Cache.DefaultTTL), logger),
		monitor:   monitor,
		recovery:  health.NewRecovery(s, events, batches, sessions, conflicts, t, logger),
		metrics:   metrics.New(s, monitor, logger),
		archive:   archive.New(uploader),
	}, nil
}

// Close closes the underlying store.
func (a *app) Close() error {
	return a.store.Close()
}

func (a *app) services() api.Services {
	return api.Services{
		Store:     a.store,
		Events:    a.events,
		Configs:   a.configs,
		Conflicts: a.conflicts,
		Batches:   a.batches,
		Scheduler: a.scheduler,
		Sessions:  a.sessions,
		Cache:     a.cache,
		Monitor:   a.monitor,
		Recovery:  a.recovery,
		Metrics:   a.metrics,
		Archive:   a.archive,
	}
}

func (a *app) workerDeps(w config.WorkerConfig) worker.Deps {
	return worker.Deps{
		Store:         a.store,
		Events:        a.events,
		Configs:       a.configs,
		Batches:       a.batches,
		Conflicts:     a.conflicts,
		Cache:         a.cache,
		Metrics:       a.metrics,
		Monitor:       a.monitor,
		RetentionDays: w.RetentionDays,
		KeepConflicts: w.KeepConflicts,
	}
}

// openStore opens the database, retrying while another process holds the
// write lock.
func openStore(ctx context.Context, path string) (*store.SQLiteStore, error) {
	var s *store.SQLiteStore
	b := retry.WithMaxRetries(openRetries, retry.NewExponential(openBackoff))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		var err error
		s, err = store.NewSQLiteStore(path)
		if err == nil {
			return nil
		}
		if isBusy(err) {
			slog.Warn("database busy, retrying",
				"component", "main",
				"action", "store_open_retry",
				"path", path,
				"error", err,
			)
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return s, nil
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func thresholds(h config.HealthConfig) health.Thresholds {
	return health.Thresholds{
		ErrorRateWarning:  h.ErrorRateWarning,
		ErrorRateCritical: h.ErrorRateCritical,
		ConflictsWarning:  h.ConflictsWarning,
		ConflictsCritical: h.ConflictsCritical,
		IdleWarning:       h.IdleWarning,
		IdleCritical:      h.IdleCritical,
		StuckBatchAfter:   time.Duration(h.StuckBatchAfter),
		IdleSessionAfter:  time.Duration(h.IdleSessionAfter),
	}
}

// initLogger installs the default logger. Format "text" selects the text
// handler; anything else logs JSON.
func initLogger(cfg config.LogConfig, w io.Writer) {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var h slog.Handler
	if cfg.Format == "text" {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	slog.SetDefault(slog.New(h))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
