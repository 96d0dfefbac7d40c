package api

import (
	"net/http"

	"github.com/hyperengineering/fitsync/internal/archive"
	"github.com/hyperengineering/fitsync/internal/eventlog"
	"github.com/hyperengineering/fitsync/internal/types"
	"github.com/hyperengineering/fitsync/internal/validation"
)

// AppendEvent handles POST /api/v1/events
func (h *Handler) AppendEvent(w http.ResponseWriter, r *http.Request) {
	var ev types.SyncEvent
	if !decodeJSON(w, r, &ev) {
		return
	}
	ev.ActorID = actorOr(r.Context(), ev.ActorID)
	out, err := h.svc.Events.Append(r.Context(), ev)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeCreated(w, out)
}

// QueryEvents handles GET /api/v1/events
func (h *Handler) QueryEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	c := &validation.Collector{}
	f := eventlog.Filter{
		EntityType: queryEntityType(r, true, c),
		EntityID:   q.Get("entity_id"),
		ActorID:    q.Get("actor_id"),
		Action:     types.Action(q.Get("action")),
		BatchID:    q.Get("batch_id"),
		Range:      queryRange(r, c),
		Limit:      queryInt(r, "limit", c),
	}
	if f.Action != "" && !f.Action.Valid() {
		c.Add(validation.ValidateEnum("action", string(f.Action), []string{"create", "update", "delete", "conflict", "sync"}))
	}
	if c.HasErrors() {
		writeValidation(w, r, "api.query_events", c)
		return
	}
	events, err := h.svc.Events.Query(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, events)
}

// EventHistory handles GET /api/v1/events/history
func (h *Handler) EventHistory(w http.ResponseWriter, r *http.Request) {
	c := &validation.Collector{}
	et := types.EntityType(r.URL.Query().Get("entity_type"))
	c.Add(validation.ValidateEntityType("entity_type", string(et), true))
	id := r.URL.Query().Get("entity_id")
	c.Add(validation.ValidateIdentifier("entity_id", id, validation.MaxIDLength))
	limit := queryInt(r, "limit", c)
	if c.HasErrors() {
		writeValidation(w, r, "api.event_history", c)
		return
	}
	events, err := h.svc.Events.History(r.Context(), et, id, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, events)
}

// CleanupBody is the body of POST /api/v1/events/cleanup.
type CleanupBody struct {
	OlderThanDays int   `json:"older_than_days"`
	KeepConflicts *bool `json:"keep_conflicts,omitempty"`
}

// CleanupEvents handles POST /api/v1/events/cleanup. Unresolved conflict
// events are kept unless keep_conflicts is false.
func (h *Handler) CleanupEvents(w http.ResponseWriter, r *http.Request) {
	var body CleanupBody
	if !decodeJSON(w, r, &body) {
		return
	}
	keep := true
	if body.KeepConflicts != nil {
		keep = *body.KeepConflicts
	}
	deleted, err := h.svc.Events.Cleanup(r.Context(), body.OlderThanDays, keep)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, map[string]any{"deleted": deleted, "older_than_days": body.OlderThanDays, "keep_conflicts": keep})
}

// ExportBody is the body of POST /api/v1/events/export.
type ExportBody struct {
	EntityType      string `json:"entity_type,omitempty"`
	IncludeMetadata bool   `json:"include_metadata"`
	Archive         bool   `json:"archive"`
	RangeParams
}

// ExportResponse carries an export and, when archived, its object.
type ExportResponse struct {
	Export *eventlog.Export `json:"export"`
	Object *archive.Object  `json:"object,omitempty"`
}

// ExportEvents handles POST /api/v1/events/export
func (h *Handler) ExportEvents(w http.ResponseWriter, r *http.Request) {
	var body ExportBody
	if !decodeJSON(w, r, &body) {
		return
	}
	c := &validation.Collector{}
	if body.EntityType != "" {
		c.Add(validation.ValidateEntityType("entity_type", body.EntityType, true))
	}
	rng := body.resolve("range", c)
	if c.HasErrors() {
		writeValidation(w, r, "api.export_events", c)
		return
	}
	exp, err := h.svc.Events.Export(r.Context(), types.EntityType(body.EntityType), rng, body.IncludeMetadata)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := ExportResponse{Export: exp}
	if body.Archive {
		obj, err := h.svc.Archive.PutExport(r.Context(), exp)
		if err != nil {
			writeError(w, r, err)
			return
		}
		resp.Object = obj
	}
	writeOK(w, resp)
}
