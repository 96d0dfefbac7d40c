package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/hyperengineering/fitsync/internal/archive"
	"github.com/hyperengineering/fitsync/internal/eventlog"
	"github.com/hyperengineering/fitsync/internal/types"
)

// EventRetainer exports and deletes old sync events.
// Implemented by eventlog.Log.
type EventRetainer interface {
	Export(ctx context.Context, et types.EntityType, r types.TimeRange, includeMetadata bool) (*eventlog.Export, error)
	Cleanup(ctx context.Context, olderThanDays int, keepConflicts bool) (int64, error)
}

// ExportArchiver stores event exports off-box.
// Implemented by archive.Archive.
type ExportArchiver interface {
	Enabled() bool
	PutExport(ctx context.Context, exp *eventlog.Export) (*archive.Object, error)
}

// RetentionCoordinator applies event retention. When an archiver is
// enabled, events due for deletion are exported to it first and a failed
// upload postpones the deletion to the next cycle.
type RetentionCoordinator struct {
	events        EventRetainer
	archiver      ExportArchiver
	interval      time.Duration
	days          int
	keepConflicts bool
}

// NewRetentionCoordinator creates a coordinator deleting events older than
// days every interval. The archiver parameter is optional.
func NewRetentionCoordinator(
	events EventRetainer,
	archiver ExportArchiver,
	interval time.Duration,
	days int,
	keepConflicts bool,
) *RetentionCoordinator {
	return &RetentionCoordinator{
		events:        events,
		archiver:      archiver,
		interval:      interval,
		days:          days,
		keepConflicts: keepConflicts,
	}
}

// Run starts the coordinator loop. Blocks until ctx is cancelled.
//
// The first pass waits for one interval so a restart loop does not
// repeatedly export the same window.
func (c *RetentionCoordinator) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "retention-coordinator",
		"action", "worker_started",
		"interval", c.interval.String(),
		"retention_days", c.days,
		"archive_enabled", c.archiveEnabled(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "retention-coordinator",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

func (c *RetentionCoordinator) archiveEnabled() bool {
	return c.archiver != nil && c.archiver.Enabled()
}

// RunOnce runs one retention cycle and returns the number of deleted
// events.
func (c *RetentionCoordinator) RunOnce(ctx context.Context) int64 {
	start := time.Now()

	if c.archiveEnabled() && !c.archiveExpiring(ctx) {
		return 0
	}

	deleted, err := c.events.Cleanup(ctx, c.days, c.keepConflicts)
	if err != nil {
		if ctx.Err() != nil {
			return 0 // Graceful shutdown
		}
		slog.Error("event retention failed",
			"component", "worker",
			"worker", "retention-coordinator",
			"action", "retention_failed",
			"error", err,
		)
		return 0
	}

	slog.Info("retention cycle completed",
		"component", "worker",
		"worker", "retention-coordinator",
		"action", "cycle_complete",
		"deleted", deleted,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return deleted
}

// archiveExpiring uploads the events about to be deleted. It returns false
// when deletion must wait.
func (c *RetentionCoordinator) archiveExpiring(ctx context.Context) bool {
	// A minute past the cleanup cutoff so nothing is deleted unarchived.
	end := time.Now().UTC().AddDate(0, 0, -c.days).Add(time.Minute)
	exp, err := c.events.Export(ctx, "", types.TimeRange{End: end}, true)
	if err != nil {
		slog.Error("failed to export expiring events",
			"component", "worker",
			"worker", "retention-coordinator",
			"action", "export_failed",
			"error", err,
		)
		return false
	}
	if exp.Count == 0 {
		return true
	}
	if exp.Truncated {
		slog.Warn("expiring events exceed one export",
			"component", "worker",
			"worker", "retention-coordinator",
			"action", "export_truncated",
			"exported", exp.Count,
		)
	}

	obj, err := c.archiver.PutExport(ctx, exp)
	if err != nil {
		slog.Error("failed to archive expiring events",
			"component", "worker",
			"worker", "retention-coordinator",
			"action", "archive_failed",
			"error", err,
		)
		return false
	}
	slog.Info("expiring events archived",
		"component", "worker",
		"worker", "retention-coordinator",
		"action", "events_archived",
		"key", obj.Key,
		"events", exp.Count,
	)
	return true
}
