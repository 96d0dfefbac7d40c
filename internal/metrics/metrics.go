// Package metrics records sync time series and derives overviews,
// performance statistics and reports from the event log.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/hyperengineering/fitsync/internal/apperr"
	"github.com/hyperengineering/fitsync/internal/health"
	"github.com/hyperengineering/fitsync/internal/store"
	"github.com/hyperengineering/fitsync/internal/types"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
	TopErrorsLimit    = 10
)

// Filter selects metric points.
type Filter struct {
	EntityType types.EntityType `json:"entity_type,omitempty"`
	MetricType types.MetricType `json:"metric_type,omitempty"`
	TimeWindow types.TimeWindow `json:"time_window,omitempty"`
	Range      types.TimeRange  `json:"range"`
	Limit      int              `json:"limit,omitempty"`
}

// Service records and aggregates metrics.
type Service struct {
	store   *store.SQLiteStore
	monitor *health.Monitor
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a metrics service. monitor tints the overview with the
// current health status and may be nil.
func New(s *store.SQLiteStore, monitor *health.Monitor, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   s,
		monitor: monitor,
		logger:  logger.With("component", "metrics"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Record appends one metric point.
func (s *Service) Record(ctx context.Context, et types.EntityType, mt types.MetricType, value float64, window types.TimeWindow) (*types.SyncMetric, error) {
	const op = "metrics.record"
	if !et.Valid() {
		return nil, apperr.Validation(op, "unknown entity type %q", et)
	}
	if !mt.Valid() {
		return nil, apperr.Validation(op, "unknown metric type %q", mt)
	}
	if !window.Valid() {
		return nil, apperr.Validation(op, "unknown time window %q", window)
	}
	m := &types.SyncMetric{
		ID:         ulid.Make().String(),
		EntityType: et,
		MetricType: mt,
		Value:      value,
		Timestamp:  s.now().Truncate(time.Millisecond),
		TimeWindow: window,
	}
	if err := s.store.InsertMetric(ctx, m); err != nil {
		return nil, store.Classify(op, err)
	}
	return m, nil
}

// Query returns matching points newest first.
func (s *Service) Query(ctx context.Context, f Filter) ([]types.SyncMetric, error) {
	const op = "metrics.query"
	if f.EntityType != "" && !f.EntityType.Valid() {
		return nil, apperr.Validation(op, "unknown entity type %q", f.EntityType)
	}
	if f.MetricType != "" && !f.MetricType.Valid() {
		return nil, apperr.Validation(op, "unknown metric type %q", f.MetricType)
	}
	if f.TimeWindow != "" && !f.TimeWindow.Valid() {
		return nil, apperr.Validation(op, "unknown time window %q", f.TimeWindow)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}
	out, err := s.store.QueryMetrics(ctx, store.MetricFilter{
		EntityType: f.EntityType,
		MetricType: f.MetricType,
		TimeWindow: f.TimeWindow,
		Range:      f.Range,
		Limit:      limit,
	})
	if err != nil {
		return nil, store.Classify(op, err)
	}
	if out == nil {
		out = []types.SyncMetric{}
	}
	return out, nil
}

// Overview is a last-24h snapshot across the engine.
type Overview struct {
	GeneratedAt         time.Time       `json:"generated_at"`
	Range               types.TimeRange `json:"range"`
	Events              int             `json:"events"`
	FailedEvents        int             `json:"failed_events"`
	ConflictEvents      int             `json:"conflict_events"`
	Batches             int             `json:"batches"`
	RunningBatches      int             `json:"running_batches"`
	FailedBatches       int             `json:"failed_batches"`
	Conflicts           int             `json:"conflicts"`
	UnresolvedConflicts int             `json:"unresolved_conflicts"`
	ActiveSessions      int             `json:"active_sessions"`
	ErrorRate           float64         `json:"error_rate"`
	HealthStatus        health.Level    `json:"health_status,omitempty"`
}

// Overview aggregates the last 24 hours.
func (s *Service) Overview(ctx context.Context) (*Overview, error) {
	now := s.now()
	r := types.TimeRange{Start: now.Add(-24 * time.Hour)}
	o := &Overview{GeneratedAt: now, Range: r}
	unresolved := false
	active := true

	g, gctx := errgroup.WithContext(ctx)
	count := func(dst *int, fn func(context.Context) (int, error)) {
		g.Go(func() error {
			n, err := fn(gctx)
			*dst = n
			return err
		})
	}
	count(&o.Events, func(ctx context.Context) (int, error) {
		return s.store.CountEvents(ctx, store.EventFilter{Range: r})
	})
	count(&o.FailedEvents, func(ctx context.Context) (int, error) {
		return s.store.CountEvents(ctx, store.EventFilter{Range: r, FailedOnly: true})
	})
	count(&o.ConflictEvents, func(ctx context.Context) (int, error) {
		return s.store.CountEvents(ctx, store.EventFilter{Range: r, Actions: []types.Action{types.ActionConflict}})
	})
	count(&o.Batches, func(ctx context.Context) (int, error) {
		return s.store.CountBatches(ctx, store.BatchFilter{Range: r})
	})
	count(&o.RunningBatches, func(ctx context.Context) (int, error) {
		return s.store.CountBatches(ctx, store.BatchFilter{Statuses: []types.BatchStatus{types.BatchRunning}})
	})
	count(&o.FailedBatches, func(ctx context.Context) (int, error) {
		return s.store.CountBatches(ctx, store.BatchFilter{Range: r, Statuses: []types.BatchStatus{types.BatchFailed}})
	})
	count(&o.Conflicts, func(ctx context.Context) (int, error) {
		return s.store.CountConflicts(ctx, store.ConflictFilter{Range: r})
	})
	count(&o.UnresolvedConflicts, func(ctx context.Context) (int, error) {
		return s.store.CountConflicts(ctx, store.ConflictFilter{Resolved: &unresolved})
	})
	count(&o.ActiveSessions, func(ctx context.Context) (int, error) {
		return s.store.CountSessions(ctx, store.SessionFilter{Active: &active})
	})
	if err := g.Wait(); err != nil {
		return nil, store.Classify("metrics.overview", err)
	}
	o.ErrorRate = ratio(o.FailedEvents, o.Events)

	if s.monitor != nil {
		if h, err := s.monitor.Check(ctx); err != nil {
			s.logger.Warn("overview health check failed", "action", "overview_health_failed", "error", err)
		} else {
			o.HealthStatus = h.Status
		}
	}
	return o, nil
}

// Performance is throughput and failure statistics over a range.
type Performance struct {
	Range           types.TimeRange    `json:"range"`
	EntityType      types.EntityType   `json:"entity_type,omitempty"`
	TotalEvents     int                `json:"total_events"`
	EventsPerMinute float64            `json:"events_per_minute"`
	EventsPerHour   float64            `json:"events_per_hour"`
	PeakMinute      int                `json:"peak_minute"`
	ErrorRate       float64            `json:"error_rate"`
	ConflictRate    float64            `json:"conflict_rate"`
	RetryRate       float64            `json:"retry_rate"`
	TopErrors       []store.ErrorCount `json:"top_errors"`
}

// PerformanceStats derives throughput and failure rates for events in r.
// An open range start defaults to 24 hours before its end.
func (s *Service) PerformanceStats(ctx context.Context, r types.TimeRange, et types.EntityType) (*Performance, error) {
	const op = "metrics.performance"
	if et != "" && !et.Valid() {
		return nil, apperr.Validation(op, "unknown entity type %q", et)
	}
	openEnd := r.End.IsZero()
	r, err := s.closeRange(r)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, op, err)
	}
	p := &Performance{Range: r, EntityType: et}
	minutes := r.Duration().Minutes()
	if openEnd {
		r.End = time.Time{}
	}

	var failed, conflicts, retried int
	var buckets []store.EventBucket

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		p.TotalEvents, err = s.store.CountEvents(gctx, store.EventFilter{EntityType: et, Range: r})
		return err
	})
	g.Go(func() (err error) {
		failed, err = s.store.CountEvents(gctx, store.EventFilter{EntityType: et, Range: r, FailedOnly: true})
		return err
	})
	g.Go(func() (err error) {
		conflicts, err = s.store.CountEvents(gctx, store.EventFilter{EntityType: et, Range: r, Actions: []types.Action{types.ActionConflict}})
		return err
	})
	g.Go(func() (err error) {
		retried, err = s.store.CountEvents(gctx, store.EventFilter{EntityType: et, Range: r, RetriedOnly: true})
		return err
	})
	g.Go(func() (err error) {
		buckets, err = s.store.EventBuckets(gctx, store.EventFilter{EntityType: et, Range: r}, time.Minute)
		return err
	})
	g.Go(func() (err error) {
		p.TopErrors, err = s.store.TopErrors(gctx, store.EventFilter{EntityType: et, Range: r}, TopErrorsLimit)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, store.Classify(op, err)
	}

	if minutes > 0 {
		p.EventsPerMinute = float64(p.TotalEvents) / minutes
		p.EventsPerHour = p.EventsPerMinute * 60
	}
	for _, b := range buckets {
		if b.Total > p.PeakMinute {
			p.PeakMinute = b.Total
		}
	}
	p.ErrorRate = ratio(failed, p.TotalEvents)
	p.ConflictRate = ratio(conflicts, p.TotalEvents)
	p.RetryRate = ratio(retried, p.TotalEvents)
	if p.TopErrors == nil {
		p.TopErrors = []store.ErrorCount{}
	}
	return p, nil
}

// closeRange fills an open end with now and an open start with 24 hours
// before the end. Callers that want events up to the present keep
// querying with an open end, so events stamped in the current
// millisecond are not cut off.
func (s *Service) closeRange(r types.TimeRange) (types.TimeRange, error) {
	if r.End.IsZero() {
		r.End = s.now()
	}
	if r.Start.IsZero() {
		r.Start = r.End.Add(-24 * time.Hour)
	}
	if !r.Start.Before(r.End) {
		return r, errRangeOrder
	}
	return r, nil
}

func ratio(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total)
}
