package api

import (
	"net/http"

	"github.com/hyperengineering/fitsync/internal/conflict"
	"github.com/hyperengineering/fitsync/internal/types"
	"github.com/hyperengineering/fitsync/internal/validation"
)

// ListConflicts handles GET /api/v1/conflicts. It is a dashboard read: a
// storage failure degrades to an empty list with the error set.
func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	c := &validation.Collector{}
	f := conflict.ListFilter{
		EntityType:   queryEntityType(r, false, c),
		EntityID:     q.Get("entity_id"),
		ConflictType: types.ConflictType(q.Get("conflict_type")),
		Priority:     types.ConflictPriority(q.Get("priority")),
		Resolved:     queryBool(r, "resolved", c),
		Limit:        queryInt(r, "limit", c),
	}
	if f.Priority != "" && !f.Priority.Valid() {
		c.Add(validation.ValidateEnum("priority", string(f.Priority), []string{"low", "medium", "high", "critical"}))
	}
	if f.ConflictType != "" && !f.ConflictType.Valid() {
		c.Add(&validation.ValidationError{Field: "conflict_type", Message: "is not a known conflict type"})
	}
	if c.HasErrors() {
		writeValidation(w, r, "api.list_conflicts", c)
		return
	}
	out, err := h.svc.Conflicts.List(r.Context(), f)
	if err != nil {
		writeDegraded(w, r, []types.ConflictRecord{}, err)
		return
	}
	writeOK(w, out)
}

// GetConflict handles GET /api/v1/conflicts/{id}
func (h *Handler) GetConflict(w http.ResponseWriter, r *http.Request) {
	c := &validation.Collector{}
	id := pathID(r, "id", c)
	if c.HasErrors() {
		writeValidation(w, r, "api.get_conflict", c)
		return
	}
	rec, err := h.svc.Conflicts.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, rec)
}

// ResolveBody is the body of POST /api/v1/conflicts/{id}/resolve.
type ResolveBody struct {
	Resolution   types.Resolution `json:"resolution"`
	ResolvedData types.Data       `json:"resolved_data,omitempty"`
	ResolvedBy   string           `json:"resolved_by,omitempty"`
}

// ResolveConflict handles POST /api/v1/conflicts/{id}/resolve
func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var body ResolveBody
	if !decodeJSON(w, r, &body) {
		return
	}
	c := &validation.Collector{}
	id := pathID(r, "id", c)
	if !body.Resolution.Valid() {
		c.Add(validation.ValidateEnum("resolution", string(body.Resolution), []string{"server_wins", "client_wins", "merge", "manual"}))
	}
	if c.HasErrors() {
		writeValidation(w, r, "api.resolve_conflict", c)
		return
	}
	res, err := h.svc.Conflicts.Resolve(r.Context(), id, body.Resolution, body.ResolvedData, actorOr(r.Context(), body.ResolvedBy))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, res)
}

// BulkResolveBody is the body of POST /api/v1/conflicts/bulk-resolve.
type BulkResolveBody struct {
	ConflictIDs []string         `json:"conflict_ids"`
	Resolution  types.Resolution `json:"resolution"`
	UserID      string           `json:"user_id,omitempty"`
}

// DetectConflict handles POST /api/v1/conflicts/detect. It records a
// conflict a client observed outside the guarded write path.
func (h *Handler) DetectConflict(w http.ResponseWriter, r *http.Request) {
	var body conflict.DetectRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	c := &validation.Collector{}
	c.Add(validation.ValidateIdentifier("entity_id", body.EntityID, validation.MaxIDLength))
	if c.HasErrors() {
		writeValidation(w, r, "api.detect_conflict", c)
		return
	}
	body.ActorID = actorOr(r.Context(), body.ActorID)
	rec, err := h.svc.Conflicts.Detect(r.Context(), body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeCreated(w, rec)
}

// BulkResolve handles POST /api/v1/conflicts/bulk-resolve. Per-conflict
// failures are reported in the result and do not fail the call.
func (h *Handler) BulkResolve(w http.ResponseWriter, r *http.Request) {
	var body BulkResolveBody
	if !decodeJSON(w, r, &body) {
		return
	}
	res, err := h.svc.Conflicts.BulkResolve(r.Context(), body.ConflictIDs, body.Resolution, actorOr(r.Context(), body.UserID))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, res)
}

// RulesBody is the body of PUT /api/v1/rules/{type}.
type RulesBody struct {
	Rules []types.CustomRule `json:"rules"`
}

// ConfigureRules handles PUT /api/v1/rules/{type}
func (h *Handler) ConfigureRules(w http.ResponseWriter, r *http.Request) {
	var body RulesBody
	if !decodeJSON(w, r, &body) {
		return
	}
	c := &validation.Collector{}
	et := pathEntityType(r, c)
	if c.HasErrors() {
		writeValidation(w, r, "api.configure_rules", c)
		return
	}
	cfg, err := h.svc.Conflicts.ConfigureRules(r.Context(), et, body.Rules)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, cfg)
}

// ApplyRulesBody is the body of POST /api/v1/rules/{type}/apply.
type ApplyRulesBody struct {
	EntityID     string     `json:"entity_id"`
	EntityData   types.Data `json:"entity_data"`
	ConflictData types.Data `json:"conflict_data,omitempty"`
}

// ApplyRules handles POST /api/v1/rules/{type}/apply
func (h *Handler) ApplyRules(w http.ResponseWriter, r *http.Request) {
	var body ApplyRulesBody
	if !decodeJSON(w, r, &body) {
		return
	}
	c := &validation.Collector{}
	et := pathEntityType(r, c)
	c.Add(validation.ValidateIdentifier("entity_id", body.EntityID, validation.MaxIDLength))
	if c.HasErrors() {
		writeValidation(w, r, "api.apply_rules", c)
		return
	}
	out, err := h.svc.Conflicts.ApplyRules(r.Context(), et, body.EntityID, body.EntityData, body.ConflictData)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, out)
}

// ListConfigs handles GET /api/v1/configs
func (h *Handler) ListConfigs(w http.ResponseWriter, r *http.Request) {
	cfgs, err := h.svc.Configs.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, cfgs)
}

// GetConfig handles GET /api/v1/configs/{type}. Types never configured
// report their defaults.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	c := &validation.Collector{}
	et := pathEntityType(r, c)
	if c.HasErrors() {
		writeValidation(w, r, "api.get_config", c)
		return
	}
	cfg, err := h.svc.Configs.Get(r.Context(), et)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, cfg)
}

// PutConfig handles PUT /api/v1/configs/{type}. The entity type is taken
// from the path.
func (h *Handler) PutConfig(w http.ResponseWriter, r *http.Request) {
	var cfg types.SyncConfiguration
	if !decodeJSON(w, r, &cfg) {
		return
	}
	c := &validation.Collector{}
	cfg.EntityType = pathEntityType(r, c)
	if c.HasErrors() {
		writeValidation(w, r, "api.put_config", c)
		return
	}
	out, err := h.svc.Configs.Put(r.Context(), cfg)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, out)
}
