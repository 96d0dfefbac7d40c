// Package health classifies the sync engine's health signals and runs
// bounded auto-recovery actions against stuck state.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/fitsync/internal/store"
	"github.com/hyperengineering/fitsync/internal/syncconfig"
	"github.com/hyperengineering/fitsync/internal/types"
	"golang.org/x/sync/errgroup"
)

// Level is the classification of one signal or of the whole system.
type Level string

const (
	LevelHealthy  Level = "healthy"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"

	// LevelUnknown is reported when the signals could not be read.
	LevelUnknown Level = "unknown"
)

func (l Level) rank() int {
	switch l {
	case LevelWarning:
		return 1
	case LevelCritical:
		return 2
	}
	return 0
}

// Worst returns the more severe of a and b.
func Worst(a, b Level) Level {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// Signal names.
const (
	SignalErrorRate     = "error_rate"
	SignalConflicts     = "unresolved_conflicts"
	SignalStuckBatches  = "stuck_batches"
	SignalIdleSessions  = "idle_sessions"
	SignalSyncFrequency = "sync_frequency"
)

// Thresholds configures signal classification. Rates are fractions.
type Thresholds struct {
	ErrorRateWarning  float64       `json:"error_rate_warning"`
	ErrorRateCritical float64       `json:"error_rate_critical"`
	ConflictsWarning  int           `json:"conflicts_warning"`
	ConflictsCritical int           `json:"conflicts_critical"`
	IdleWarning       int           `json:"idle_warning"`
	IdleCritical      int           `json:"idle_critical"`
	StuckBatchAfter   time.Duration `json:"stuck_batch_after"`
	IdleSessionAfter  time.Duration `json:"idle_session_after"`
	ErrorRateWindow   time.Duration `json:"error_rate_window"`
	FrequencyWindow   time.Duration `json:"frequency_window"`
}

// DefaultThresholds returns the standard classification thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ErrorRateWarning:  0.05,
		ErrorRateCritical: 0.10,
		ConflictsWarning:  10,
		ConflictsCritical: 20,
		IdleWarning:       5,
		IdleCritical:      10,
		StuckBatchAfter:   2 * time.Hour,
		IdleSessionAfter:  30 * time.Minute,
		ErrorRateWindow:   time.Hour,
		FrequencyWindow:   24 * time.Hour,
	}
}

func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.ErrorRateWarning <= 0 {
		t.ErrorRateWarning = d.ErrorRateWarning
	}
	if t.ErrorRateCritical <= 0 {
		t.ErrorRateCritical = d.ErrorRateCritical
	}
	if t.ConflictsWarning <= 0 {
		t.ConflictsWarning = d.ConflictsWarning
	}
	if t.ConflictsCritical <= 0 {
		t.ConflictsCritical = d.ConflictsCritical
	}
	if t.IdleWarning <= 0 {
		t.IdleWarning = d.IdleWarning
	}
	if t.IdleCritical <= 0 {
		t.IdleCritical = d.IdleCritical
	}
	if t.StuckBatchAfter <= 0 {
		t.StuckBatchAfter = d.StuckBatchAfter
	}
	if t.IdleSessionAfter <= 0 {
		t.IdleSessionAfter = d.IdleSessionAfter
	}
	if t.ErrorRateWindow <= 0 {
		t.ErrorRateWindow = d.ErrorRateWindow
	}
	if t.FrequencyWindow <= 0 {
		t.FrequencyWindow = d.FrequencyWindow
	}
	return t
}

// Signal is one classified indicator.
type Signal struct {
	Name   string  `json:"name"`
	Value  float64 `json:"value"`
	Status Level   `json:"status"`
}

// Report is the result of a health check.
type Report struct {
	Status              Level     `json:"status"`
	CheckedAt           time.Time `json:"checked_at"`
	Signals             []Signal  `json:"signals"`
	TotalEvents         int       `json:"total_events"`
	FailedEvents        int       `json:"failed_events"`
	ErrorRate           float64   `json:"error_rate"`
	UnresolvedConflicts int       `json:"unresolved_conflicts"`
	StuckBatches        int       `json:"stuck_batches"`
	IdleSessions        int       `json:"idle_sessions"`
	EventsLast24h       int       `json:"events_last_24h"`
	Recommendations     []string  `json:"recommendations"`
}

// Signal returns the named signal.
func (r *Report) Signal(name string) (Signal, bool) {
	for _, s := range r.Signals {
		if s.Name == name {
			return s, true
		}
	}
	return Signal{}, false
}

// Monitor computes health reports and per-entity sync status.
type Monitor struct {
	store      *store.SQLiteStore
	configs    *syncconfig.Store
	thresholds Thresholds
	logger     *slog.Logger
}

// NewMonitor creates a monitor. Zero threshold fields take defaults.
func NewMonitor(s *store.SQLiteStore, configs *syncconfig.Store, t Thresholds, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		store:      s,
		configs:    configs,
		thresholds: t.withDefaults(),
		logger:     logger.With("component", "health"),
	}
}

// Thresholds returns the monitor's effective thresholds.
func (m *Monitor) Thresholds() Thresholds {
	return m.thresholds
}

// Check gathers every signal concurrently and classifies them.
func (m *Monitor) Check(ctx context.Context) (*Report, error) {
	now := time.Now().UTC()
	t := m.thresholds
	r := &Report{CheckedAt: now}

	errRange := types.TimeRange{Start: now.Add(-t.ErrorRateWindow)}
	freqRange := types.TimeRange{Start: now.Add(-t.FrequencyWindow)}
	unresolved := false
	active := true

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := m.store.CountEvents(gctx, store.EventFilter{Range: errRange})
		r.TotalEvents = n
		return err
	})
	g.Go(func() error {
		n, err := m.store.CountEvents(gctx, store.EventFilter{Range: errRange, FailedOnly: true})
		r.FailedEvents = n
		return err
	})
	g.Go(func() error {
		n, err := m.store.CountConflicts(gctx, store.ConflictFilter{Resolved: &unresolved})
		r.UnresolvedConflicts = n
		return err
	})
	g.Go(func() error {
		n, err := m.store.CountBatches(gctx, store.BatchFilter{
			Statuses:      []types.BatchStatus{types.BatchRunning},
			StartedBefore: now.Add(-t.StuckBatchAfter),
		})
		r.StuckBatches = n
		return err
	})
	g.Go(func() error {
		n, err := m.store.CountSessions(gctx, store.SessionFilter{
			Active:     &active,
			IdleBefore: now.Add(-t.IdleSessionAfter),
		})
		r.IdleSessions = n
		return err
	})
	g.Go(func() error {
		n, err := m.store.CountEvents(gctx, store.EventFilter{Range: freqRange})
		r.EventsLast24h = n
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, store.Classify("health.check", err)
	}

	if r.TotalEvents > 0 {
		r.ErrorRate = float64(r.FailedEvents) / float64(r.TotalEvents)
	}
	r.Signals = []Signal{
		{SignalErrorRate, r.ErrorRate, classifyRate(r.ErrorRate, t.ErrorRateWarning, t.ErrorRateCritical)},
		{SignalConflicts, float64(r.UnresolvedConflicts), classifyCount(r.UnresolvedConflicts, t.ConflictsWarning, t.ConflictsCritical)},
		{SignalStuckBatches, float64(r.StuckBatches), classifyStuck(r.StuckBatches)},
		{SignalIdleSessions, float64(r.IdleSessions), classifyCount(r.IdleSessions, t.IdleWarning, t.IdleCritical)},
		{SignalSyncFrequency, float64(r.EventsLast24h), classifyFrequency(r.EventsLast24h)},
	}
	r.Status = LevelHealthy
	for _, s := range r.Signals {
		r.Status = Worst(r.Status, s.Status)
	}
	r.Recommendations = recommendations(r)

	m.logger.Debug("health checked",
		"action", "health_checked",
		"status", r.Status,
		"error_rate", r.ErrorRate,
		"unresolved_conflicts", r.UnresolvedConflicts,
		"stuck_batches", r.StuckBatches,
		"idle_sessions", r.IdleSessions,
		"duration_ms", time.Since(now).Milliseconds(),
	)
	return r, nil
}

func classifyRate(v, warning, critical float64) Level {
	switch {
	case v > critical:
		return LevelCritical
	case v > warning:
		return LevelWarning
	}
	return LevelHealthy
}

func classifyCount(n, warning, critical int) Level {
	switch {
	case n > critical:
		return LevelCritical
	case n > warning:
		return LevelWarning
	}
	return LevelHealthy
}

func classifyStuck(n int) Level {
	if n > 0 {
		return LevelWarning
	}
	return LevelHealthy
}

func classifyFrequency(n int) Level {
	if n < 1 {
		return LevelWarning
	}
	return LevelHealthy
}

func recommendations(r *Report) []string {
	out := []string{}
	for _, s := range r.Signals {
		if s.Status == LevelHealthy {
			continue
		}
		switch s.Name {
		case SignalErrorRate:
			out = append(out, fmt.Sprintf("Error rate is %.1f%%; inspect recent failed events and retry transient failures.", r.ErrorRate*100))
		case SignalConflicts:
			out = append(out, fmt.Sprintf("%d conflicts are unresolved; review them or run resolve_simple_conflicts.", r.UnresolvedConflicts))
		case SignalStuckBatches:
			out = append(out, fmt.Sprintf("%d batches have been running too long; run restart_stuck_batches.", r.StuckBatches))
		case SignalIdleSessions:
			out = append(out, fmt.Sprintf("%d sessions are idle but still active; run cleanup_inactive_sessions.", r.IdleSessions))
		case SignalSyncFrequency:
			out = append(out, "No sync activity in the last 24 hours; check that clients and scheduled tasks are running.")
		}
	}
	return out
}
