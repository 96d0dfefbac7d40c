package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/fitsync/internal/apperr"
	"github.com/hyperengineering/fitsync/internal/store"
	"github.com/hyperengineering/fitsync/internal/types"
)

var errRangeOrder = errors.New("range start must precede its end")

// ReportType selects the period a report covers.
type ReportType string

const (
	ReportDaily   ReportType = "daily"
	ReportWeekly  ReportType = "weekly"
	ReportMonthly ReportType = "monthly"
	ReportCustom  ReportType = "custom"
)

// Sample caps applied when a report includes details.
const (
	MaxSampleEvents    = 100
	MaxSampleBatches   = 50
	MaxSampleConflicts = 50
)

// ReportRequest configures Report. Range is required for custom reports
// and ignored otherwise.
type ReportRequest struct {
	Type           ReportType         `json:"type"`
	Range          types.TimeRange    `json:"range"`
	EntityTypes    []types.EntityType `json:"entity_types,omitempty"`
	IncludeDetails bool               `json:"include_details"`
}

// Totals summarises the report period.
type Totals struct {
	Events             int     `json:"events"`
	FailedEvents       int     `json:"failed_events"`
	ConflictsDetected  int     `json:"conflicts_detected"`
	ConflictsResolved  int     `json:"conflicts_resolved"`
	Batches            int     `json:"batches"`
	CompletedBatches   int     `json:"completed_batches"`
	FailedBatches      int     `json:"failed_batches"`
	ErrorRate          float64 `json:"error_rate"`
	BatchSuccessRate   float64 `json:"batch_success_rate"`
	ConflictResolution float64 `json:"conflict_resolution_rate"`
}

// EntityBreakdown is the per-entity-type slice of a report.
type EntityBreakdown struct {
	EntityType          types.EntityType `json:"entity_type"`
	Events              int              `json:"events"`
	FailedEvents        int              `json:"failed_events"`
	Conflicts           int              `json:"conflicts"`
	UnresolvedConflicts int              `json:"unresolved_conflicts"`
	Batches             int              `json:"batches"`
}

// ConflictAnalysis groups the period's conflicts.
type ConflictAnalysis struct {
	ByType         []store.ConflictTypeCount `json:"by_type"`
	Total          int                       `json:"total"`
	Resolved       int                       `json:"resolved"`
	ResolutionRate float64                   `json:"resolution_rate"`
}

// Details holds bounded samples of the period's records.
type Details struct {
	Events    []types.SyncEvent      `json:"events"`
	Batches   []types.SyncBatch      `json:"batches"`
	Conflicts []types.ConflictRecord `json:"conflicts"`
}

// Report is a structured summary of one period.
type Report struct {
	Type            ReportType          `json:"type"`
	GeneratedAt     time.Time           `json:"generated_at"`
	Range           types.TimeRange     `json:"range"`
	EntityTypes     []types.EntityType  `json:"entity_types"`
	Totals          Totals              `json:"totals"`
	PerEntity       []EntityBreakdown   `json:"per_entity"`
	BucketWidth     types.Millis        `json:"bucket_width_ms"`
	Trend           []store.EventBucket `json:"trend"`
	TopErrors       []store.ErrorCount  `json:"top_errors"`
	Conflicts       ConflictAnalysis    `json:"conflict_analysis"`
	Recommendations []string            `json:"recommendations"`
	Details         *Details            `json:"details,omitempty"`
}

// reportRange resolves the period of req ending at now.
func reportRange(req ReportRequest, now time.Time) (types.TimeRange, time.Duration, error) {
	switch req.Type {
	case ReportDaily:
		return types.TimeRange{Start: now.Add(-24 * time.Hour), End: now}, time.Hour, nil
	case ReportWeekly:
		return types.TimeRange{Start: now.Add(-7 * 24 * time.Hour), End: now}, 24 * time.Hour, nil
	case ReportMonthly:
		return types.TimeRange{Start: now.Add(-30 * 24 * time.Hour), End: now}, 24 * time.Hour, nil
	case ReportCustom:
		r := req.Range
		if r.Start.IsZero() || r.End.IsZero() {
			return r, 0, errors.New("custom reports require both range bounds")
		}
		if !r.Start.Before(r.End) {
			return r, 0, errRangeOrder
		}
		width := (r.Duration() / 24).Truncate(time.Minute)
		if width < time.Minute {
			width = time.Minute
		}
		return r, width, nil
	}
	return types.TimeRange{}, 0, fmt.Errorf("unknown report type %q", req.Type)
}

// Report builds a summary for req. Every section is limited to the
// requested entity types; an empty list covers all events.
func (s *Service) Report(ctx context.Context, req ReportRequest) (*Report, error) {
	const op = "metrics.report"
	now := s.now()
	r, width, err := reportRange(req, now)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, op, err)
	}
	for _, et := range req.EntityTypes {
		if !et.Stored() {
			return nil, apperr.Validation(op, "unknown entity type %q", et)
		}
	}
	start := time.Now()

	// Periods ending now are queried with an open end.
	q := r
	if req.Type != ReportCustom {
		q.End = time.Time{}
	}

	rep := &Report{
		Type:        req.Type,
		GeneratedAt: now,
		Range:       r,
		EntityTypes: req.EntityTypes,
		BucketWidth: types.MillisOf(width),
	}
	if len(rep.EntityTypes) == 0 {
		rep.EntityTypes = types.StoredEntityTypes()
	}

	for _, et := range rep.EntityTypes {
		b, err := s.breakdown(ctx, et, q)
		if err != nil {
			return nil, store.Classify(op, err)
		}
		rep.PerEntity = append(rep.PerEntity, b)
	}

	scope := req.EntityTypes
	if err := s.fillTotals(ctx, rep, scope, q); err != nil {
		return nil, store.Classify(op, err)
	}
	if rep.Trend, err = s.store.EventBuckets(ctx, store.EventFilter{EntityTypes: scope, Range: q}, width); err != nil {
		return nil, store.Classify(op, err)
	}
	if rep.TopErrors, err = s.store.TopErrors(ctx, store.EventFilter{EntityTypes: scope, Range: q}, TopErrorsLimit); err != nil {
		return nil, store.Classify(op, err)
	}
	if rep.Trend == nil {
		rep.Trend = []store.EventBucket{}
	}
	if rep.TopErrors == nil {
		rep.TopErrors = []store.ErrorCount{}
	}
	rep.Recommendations = reportRecommendations(rep)

	if req.IncludeDetails {
		if rep.Details, err = s.details(ctx, scope, q); err != nil {
			return nil, store.Classify(op, err)
		}
	}

	s.logger.Info("report generated",
		"action", "report_generated",
		"report_type", req.Type,
		"events", rep.Totals.Events,
		"entity_types", len(rep.EntityTypes),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return rep, nil
}

func (s *Service) breakdown(ctx context.Context, et types.EntityType, r types.TimeRange) (EntityBreakdown, error) {
	b := EntityBreakdown{EntityType: et}
	var err error
	if b.Events, err = s.store.CountEvents(ctx, store.EventFilter{EntityType: et, Range: r}); err != nil {
		return b, err
	}
	if b.FailedEvents, err = s.store.CountEvents(ctx, store.EventFilter{EntityType: et, Range: r, FailedOnly: true}); err != nil {
		return b, err
	}
	if b.Conflicts, err = s.store.CountConflicts(ctx, store.ConflictFilter{EntityType: et, Range: r}); err != nil {
		return b, err
	}
	unresolved := false
	if b.UnresolvedConflicts, err = s.store.CountConflicts(ctx, store.ConflictFilter{EntityType: et, Range: r, Resolved: &unresolved}); err != nil {
		return b, err
	}
	if b.Batches, err = s.store.CountBatches(ctx, store.BatchFilter{EntityType: et, Range: r}); err != nil {
		return b, err
	}
	return b, nil
}

func (s *Service) fillTotals(ctx context.Context, rep *Report, scope []types.EntityType, r types.TimeRange) error {
	t := &rep.Totals
	var err error
	if t.Events, err = s.store.CountEvents(ctx, store.EventFilter{EntityTypes: scope, Range: r}); err != nil {
		return err
	}
	if t.FailedEvents, err = s.store.CountEvents(ctx, store.EventFilter{EntityTypes: scope, Range: r, FailedOnly: true}); err != nil {
		return err
	}
	if t.Batches, err = s.store.CountBatches(ctx, store.BatchFilter{EntityTypes: scope, Range: r}); err != nil {
		return err
	}
	if t.CompletedBatches, err = s.store.CountBatches(ctx, store.BatchFilter{
		EntityTypes: scope, Range: r, Statuses: []types.BatchStatus{types.BatchCompleted},
	}); err != nil {
		return err
	}
	if t.FailedBatches, err = s.store.CountBatches(ctx, store.BatchFilter{
		EntityTypes: scope, Range: r, Statuses: []types.BatchStatus{types.BatchFailed},
	}); err != nil {
		return err
	}

	byType, err := s.store.ConflictsByType(ctx, store.ConflictFilter{EntityTypes: scope, Range: r})
	if err != nil {
		return err
	}
	if byType == nil {
		byType = []store.ConflictTypeCount{}
	}
	rep.Conflicts.ByType = byType
	for _, c := range byType {
		rep.Conflicts.Total += c.Total
		rep.Conflicts.Resolved += c.Resolved
	}
	rep.Conflicts.ResolutionRate = ratio(rep.Conflicts.Resolved, rep.Conflicts.Total)

	t.ConflictsDetected = rep.Conflicts.Total
	t.ConflictsResolved = rep.Conflicts.Resolved
	t.ErrorRate = ratio(t.FailedEvents, t.Events)
	t.BatchSuccessRate = ratio(t.CompletedBatches, t.CompletedBatches+t.FailedBatches)
	t.ConflictResolution = rep.Conflicts.ResolutionRate
	return nil
}

func (s *Service) details(ctx context.Context, scope []types.EntityType, r types.TimeRange) (*Details, error) {
	d := &Details{}
	var err error
	if d.Events, err = s.store.QueryEvents(ctx, store.EventFilter{EntityTypes: scope, Range: r, Limit: MaxSampleEvents}); err != nil {
		return nil, err
	}
	if d.Batches, err = s.store.QueryBatches(ctx, store.BatchFilter{EntityTypes: scope, Range: r, Limit: MaxSampleBatches}); err != nil {
		return nil, err
	}
	if d.Conflicts, err = s.store.QueryConflicts(ctx, store.ConflictFilter{EntityTypes: scope, Range: r, Limit: MaxSampleConflicts}); err != nil {
		return nil, err
	}
	if d.Events == nil {
		d.Events = []types.SyncEvent{}
	}
	if d.Batches == nil {
		d.Batches = []types.SyncBatch{}
	}
	if d.Conflicts == nil {
		d.Conflicts = []types.ConflictRecord{}
	}
	return d, nil
}

func reportRecommendations(rep *Report) []string {
	out := []string{}
	t := rep.Totals
	if t.Events == 0 {
		out = append(out, "No sync activity in this period; confirm clients and scheduled tasks are running.")
	}
	if t.ErrorRate > 0.05 {
		out = append(out, fmt.Sprintf("Error rate was %.1f%%; review the top errors below.", t.ErrorRate*100))
	}
	if rep.Conflicts.Total > 0 && rep.Conflicts.ResolutionRate < 0.8 {
		out = append(out, fmt.Sprintf("Only %.0f%% of conflicts were resolved; consider rules that auto-resolve common cases.",
			rep.Conflicts.ResolutionRate*100))
	}
	if t.FailedBatches > 0 {
		out = append(out, fmt.Sprintf("%d batches failed; inspect their error lists.", t.FailedBatches))
	}
	for _, b := range rep.PerEntity {
		if b.UnresolvedConflicts > 10 {
			out = append(out, fmt.Sprintf("%s has %d unresolved conflicts from this period.", b.EntityType, b.UnresolvedConflicts))
		}
	}
	return out
}
