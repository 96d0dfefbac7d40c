package api

import (
	"net/http"
	"time"

	"github.com/hyperengineering/fitsync/internal/archive"
	"github.com/hyperengineering/fitsync/internal/batch"
	"github.com/hyperengineering/fitsync/internal/cache"
	"github.com/hyperengineering/fitsync/internal/conflict"
	"github.com/hyperengineering/fitsync/internal/eventlog"
	"github.com/hyperengineering/fitsync/internal/health"
	"github.com/hyperengineering/fitsync/internal/metrics"
	"github.com/hyperengineering/fitsync/internal/scheduler"
	"github.com/hyperengineering/fitsync/internal/session"
	"github.com/hyperengineering/fitsync/internal/store"
	"github.com/hyperengineering/fitsync/internal/syncconfig"
	"github.com/hyperengineering/fitsync/internal/types"
	"github.com/hyperengineering/fitsync/internal/validation"
)

// Services are the engine components the API exposes.
type Services struct {
	Store     *store.SQLiteStore
	Events    *eventlog.Log
	Configs   *syncconfig.Store
	Conflicts *conflict.Engine
	Batches   *batch.Orchestrator
	Scheduler *scheduler.Scheduler
	Sessions  *session.Registry
	Cache     *cache.Cache
	Monitor   *health.Monitor
	Recovery  *health.Recovery
	Metrics   *metrics.Service
	Archive   *archive.Archive
}

// Handler implements the API handlers
type Handler struct {
	svc     Services
	apiKey  string
	version string
}

// NewHandler creates a new Handler. A nil Archive disables archiving.
func NewHandler(svc Services, apiKey, version string) *Handler {
	if svc.Archive == nil {
		svc.Archive = archive.New(nil)
	}
	return &Handler{
		svc:     svc,
		apiKey:  apiKey,
		version: version,
	}
}

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	Status         string    `json:"status"`
	Version        string    `json:"version"`
	Time           time.Time `json:"time"`
	ArchiveEnabled bool      `json:"archive_enabled"`
}

// Health reports process liveness and store reachability. It is the only
// unauthenticated route and uses the plain body probes expect.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:         "healthy",
		Version:        h.version,
		Time:           time.Now().UTC(),
		ArchiveEnabled: h.svc.Archive.Enabled(),
	}
	status := http.StatusOK
	if err := h.svc.Store.Ping(r.Context()); err != nil {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// --- entities ---

// EntityWriteBody is the body of the entity mutation routes.
type EntityWriteBody struct {
	ID              string     `json:"id"`
	Action          string     `json:"action,omitempty"`
	Data            types.Data `json:"data"`
	ExpectedVersion int64      `json:"expected_version"`
	ActorID         string     `json:"actor_id,omitempty"`
	Source          string     `json:"source,omitempty"`
	BatchID         string     `json:"batch_id,omitempty"`
}

// GetEntity handles GET /api/v1/entities/{type}/{id}
func (h *Handler) GetEntity(w http.ResponseWriter, r *http.Request) {
	c := &validation.Collector{}
	et := pathEntityType(r, c)
	id := pathID(r, "id", c)
	if c.HasErrors() {
		writeValidation(w, r, "api.get_entity", c)
		return
	}
	rec, err := h.svc.Store.GetEntity(r.Context(), et, id)
	if err != nil {
		writeError(w, r, store.Classify("api.get_entity", err))
		return
	}
	writeOK(w, rec)
}

// ListEntities handles GET /api/v1/entities/{type}
func (h *Handler) ListEntities(w http.ResponseWriter, r *http.Request) {
	c := &validation.Collector{}
	et := pathEntityType(r, c)
	dirty := queryBool(r, "dirty", c)
	limit := queryInt(r, "limit", c)
	if c.HasErrors() {
		writeValidation(w, r, "api.list_entities", c)
		return
	}
	f := store.EntityFilter{Limit: limit}
	if f.Limit == 0 || f.Limit > eventlog.MaxQueryLimit {
		f.Limit = eventlog.DefaultQueryLimit
	}
	if dirty != nil && *dirty {
		f.DirtyOnly = true
	}
	recs, err := h.svc.Store.ListEntities(r.Context(), et, f)
	if err != nil {
		writeError(w, r, store.Classify("api.list_entities", err))
		return
	}
	writeOK(w, recs)
}

// CreateEntity handles POST /api/v1/entities/{type}. An omitted id is
// generated.
func (h *Handler) CreateEntity(w http.ResponseWriter, r *http.Request) {
	h.writeEntity(w, r, types.ActionCreate, false)
}

// WriteEntity handles POST /api/v1/entities/{type}/{id}/write
func (h *Handler) WriteEntity(w http.ResponseWriter, r *http.Request) {
	h.writeEntity(w, r, types.ActionUpdate, true)
}

// DeleteEntity handles DELETE /api/v1/entities/{type}/{id}. The expected
// version is read from the expected_version query parameter.
func (h *Handler) DeleteEntity(w http.ResponseWriter, r *http.Request) {
	c := &validation.Collector{}
	et := pathEntityType(r, c)
	id := pathID(r, "id", c)
	version := queryInt64(r, "expected_version", c)
	if c.HasErrors() {
		writeValidation(w, r, "api.delete_entity", c)
		return
	}
	h.applyWrite(w, r, conflict.WriteRequest{
		EntityType:      et,
		EntityID:        id,
		Action:          types.ActionDelete,
		ExpectedVersion: version,
		ActorID:         ActorFromContext(r.Context()),
		Source:          types.SourceAPI,
	})
}

func (h *Handler) writeEntity(w http.ResponseWriter, r *http.Request, defaultAction types.Action, idFromPath bool) {
	var body EntityWriteBody
	if !decodeJSON(w, r, &body) {
		return
	}
	c := &validation.Collector{}
	et := pathEntityType(r, c)
	if idFromPath {
		body.ID = pathID(r, "id", c)
	} else if body.ID != "" {
		c.Add(validation.ValidateIdentifier("id", body.ID, validation.MaxIDLength))
	}
	if body.Action == "" {
		body.Action = string(defaultAction)
	}
	c.Add(validation.ValidateEnum("action", body.Action, []string{"create", "update", "delete"}))
	if body.Source != "" {
		c.Add(validation.ValidateEnum("source", body.Source, []string{"internal", "api", "client"}))
	}
	if c.HasErrors() {
		writeValidation(w, r, "api.write_entity", c)
		return
	}
	source := types.SourceAPI
	if body.Source != "" {
		source = types.Source(body.Source)
	}
	h.applyWrite(w, r, conflict.WriteRequest{
		EntityType:      et,
		EntityID:        body.ID,
		Action:          types.Action(body.Action),
		Data:            body.Data,
		ExpectedVersion: body.ExpectedVersion,
		ActorID:         actorOr(r.Context(), body.ActorID),
		Source:          source,
		BatchID:         body.BatchID,
	})
}

// applyWrite runs a guarded write. A rejected write that recorded a
// conflict answers 409 with the conflict as data.
func (h *Handler) applyWrite(w http.ResponseWriter, r *http.Request, req conflict.WriteRequest) {
	res, err := h.svc.Conflicts.Write(r.Context(), req)
	if err != nil {
		if rec, ok := conflict.ConflictOf(err); ok {
			writeErrorData(w, r, err, rec)
			return
		}
		writeError(w, r, err)
		return
	}
	if req.Action == types.ActionCreate && res.Record != nil {
		writeCreated(w, res)
		return
	}
	writeOK(w, res)
}
