package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hyperengineering/fitsync/internal/apperr"
	"github.com/hyperengineering/fitsync/internal/archive"
	"github.com/hyperengineering/fitsync/internal/health"
	"github.com/hyperengineering/fitsync/internal/metrics"
	"github.com/hyperengineering/fitsync/internal/types"
	"github.com/hyperengineering/fitsync/internal/validation"
)

// SyncStatus handles GET /api/v1/sync/status. Entity types whose figures
// cannot be read are reported zeroed; the call still answers 200.
func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	c := &validation.Collector{}
	et := queryEntityType(r, false, c)
	if c.HasErrors() {
		writeValidation(w, r, "api.sync_status", c)
		return
	}
	out, err := h.svc.Monitor.SyncStatus(r.Context(), et)
	if err != nil {
		if apperr.Is(err, apperr.KindValidation) {
			writeError(w, r, err)
			return
		}
		writeDegraded(w, r, out, err)
		return
	}
	writeOK(w, out)
}

// SyncHealth handles GET /api/v1/sync/health. A failed check answers 200
// with an unknown status and zeroed signals.
func (h *Handler) SyncHealth(w http.ResponseWriter, r *http.Request) {
	rep, err := h.svc.Monitor.Check(r.Context())
	if err != nil {
		writeDegraded(w, r, &health.Report{
			Status:          health.LevelUnknown,
			CheckedAt:       time.Now().UTC(),
			Signals:         []health.Signal{},
			Recommendations: []string{},
		}, err)
		return
	}
	writeOK(w, rep)
}

// Recover handles POST /api/v1/recovery/{action}. dry_run=true reports
// what would change without mutating anything.
func (h *Handler) Recover(w http.ResponseWriter, r *http.Request) {
	c := &validation.Collector{}
	action := chi.URLParam(r, "action")
	c.Add(validation.ValidateEnum("action", action, []string{
		health.ActionRestartStuckBatches,
		health.ActionCleanupInactiveSessions,
		health.ActionResolveSimpleConflicts,
		health.ActionRetryFailedOperations,
	}))
	dryRun := queryBool(r, "dry_run", c)
	if c.HasErrors() {
		writeValidation(w, r, "api.recover", c)
		return
	}
	res, err := h.svc.Recovery.Run(r.Context(), action, dryRun != nil && *dryRun)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, res)
}

// --- metrics ---

// RecordMetricBody is the body of POST /api/v1/metrics.
type RecordMetricBody struct {
	EntityType types.EntityType `json:"entity_type"`
	MetricType types.MetricType `json:"metric_type"`
	Value      float64          `json:"value"`
	TimeWindow types.TimeWindow `json:"time_window"`
}

// RecordMetric handles POST /api/v1/metrics
func (h *Handler) RecordMetric(w http.ResponseWriter, r *http.Request) {
	var body RecordMetricBody
	if !decodeJSON(w, r, &body) {
		return
	}
	m, err := h.svc.Metrics.Record(r.Context(), body.EntityType, body.MetricType, body.Value, body.TimeWindow)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeCreated(w, m)
}

// QueryMetrics handles GET /api/v1/metrics
func (h *Handler) QueryMetrics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	c := &validation.Collector{}
	f := metrics.Filter{
		EntityType: queryEntityType(r, true, c),
		MetricType: types.MetricType(q.Get("metric_type")),
		TimeWindow: types.TimeWindow(q.Get("time_window")),
		Range:      queryRange(r, c),
		Limit:      queryInt(r, "limit", c),
	}
	if c.HasErrors() {
		writeValidation(w, r, "api.query_metrics", c)
		return
	}
	out, err := h.svc.Metrics.Query(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, out)
}

// MetricsOverview handles GET /api/v1/metrics/overview
func (h *Handler) MetricsOverview(w http.ResponseWriter, r *http.Request) {
	o, err := h.svc.Metrics.Overview(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, o)
}

// Performance handles GET /api/v1/metrics/performance
func (h *Handler) Performance(w http.ResponseWriter, r *http.Request) {
	c := &validation.Collector{}
	et := queryEntityType(r, true, c)
	rng := queryRange(r, c)
	if c.HasErrors() {
		writeValidation(w, r, "api.performance", c)
		return
	}
	p, err := h.svc.Metrics.PerformanceStats(r.Context(), rng, et)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, p)
}

// ReportBody is the body of POST /api/v1/reports. Range fields are only
// read for custom reports.
type ReportBody struct {
	Type           metrics.ReportType `json:"type"`
	EntityTypes    []types.EntityType `json:"entity_types,omitempty"`
	IncludeDetails bool               `json:"include_details"`
	Archive        bool               `json:"archive"`
	RangeParams
}

// ReportResponse carries a report and, when archived, its object.
type ReportResponse struct {
	Report *metrics.Report `json:"report"`
	Object *archive.Object `json:"object,omitempty"`
}

// GenerateReport handles POST /api/v1/reports
func (h *Handler) GenerateReport(w http.ResponseWriter, r *http.Request) {
	var body ReportBody
	if !decodeJSON(w, r, &body) {
		return
	}
	c := &validation.Collector{}
	req := metrics.ReportRequest{
		Type:           body.Type,
		EntityTypes:    body.EntityTypes,
		IncludeDetails: body.IncludeDetails,
	}
	if body.Type == metrics.ReportCustom {
		req.Range = body.resolve("range", c)
	}
	if c.HasErrors() {
		writeValidation(w, r, "api.report", c)
		return
	}
	rep, err := h.svc.Metrics.Report(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := ReportResponse{Report: rep}
	if body.Archive {
		obj, err := h.svc.Archive.PutReport(r.Context(), rep)
		if err != nil {
			writeError(w, r, err)
			return
		}
		resp.Object = obj
	}
	writeOK(w, resp)
}
