package worker

import (
	"context"
	"log/slog"
	"time"
)

// ExpiredEvicter removes expired cache entries.
// Implemented by cache.Cache.
type ExpiredEvicter interface {
	EvictExpired(ctx context.Context) (int64, error)
}

// CacheSweeper periodically evicts expired cache entries. Reads already
// treat expired entries as missing; the sweep only reclaims space.
type CacheSweeper struct {
	cache    ExpiredEvicter
	interval time.Duration
}

// NewCacheSweeper creates a sweeper running every interval.
func NewCacheSweeper(c ExpiredEvicter, interval time.Duration) *CacheSweeper {
	return &CacheSweeper{cache: c, interval: interval}
}

// Run starts the sweeper loop. Blocks until ctx is cancelled.
func (s *CacheSweeper) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "cache-sweeper",
		"action", "worker_started",
		"interval", s.interval.String(),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "cache-sweeper",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *CacheSweeper) sweep(ctx context.Context) {
	start := time.Now()
	n, err := s.cache.EvictExpired(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return // Graceful shutdown
		}
		slog.Error("cache sweep failed",
			"component", "worker",
			"worker", "cache-sweeper",
			"action", "sweep_failed",
			"error", err,
		)
		return
	}
	if n > 0 {
		slog.Info("cache sweep completed",
			"component", "worker",
			"worker", "cache-sweeper",
			"action", "cache_swept",
			"evicted", n,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
