package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hyperengineering/fitsync/internal/apperr"
	"github.com/hyperengineering/fitsync/internal/session"
	"github.com/hyperengineering/fitsync/internal/types"
	"github.com/hyperengineering/fitsync/internal/validation"
)

// OpenSession handles POST /api/v1/sessions. A missing session_id is
// generated.
func (h *Handler) OpenSession(w http.ResponseWriter, r *http.Request) {
	var req session.OpenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s, err := h.svc.Sessions.Open(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeCreated(w, s)
}

// ListSessions handles GET /api/v1/sessions
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	c := &validation.Collector{}
	f := session.ListFilter{
		UserID:   q.Get("user_id"),
		UserType: types.UserType(q.Get("user_type")),
		Active:   queryBool(r, "active", c),
		Limit:    queryInt(r, "limit", c),
	}
	if f.UserType != "" && !f.UserType.Valid() {
		c.Add(&validation.ValidationError{Field: "user_type", Message: "is not a known user type"})
	}
	if c.HasErrors() {
		writeValidation(w, r, "api.list_sessions", c)
		return
	}
	out, err := h.svc.Sessions.List(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, out)
}

// Heartbeat handles POST /api/v1/sessions/{id}/heartbeat
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var status types.SessionSyncStatus
	if !decodeJSON(w, r, &status) {
		return
	}
	c := &validation.Collector{}
	id := pathID(r, "id", c)
	if c.HasErrors() {
		writeValidation(w, r, "api.heartbeat", c)
		return
	}
	s, err := h.svc.Sessions.Heartbeat(r.Context(), id, status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, s)
}

// CloseSessionBody is the body of POST /api/v1/sessions/{id}/close.
type CloseSessionBody struct {
	ClosedBy string `json:"closed_by,omitempty"`
}

// CloseSession handles POST /api/v1/sessions/{id}/close
func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	var body CloseSessionBody
	if !decodeJSON(w, r, &body) {
		return
	}
	c := &validation.Collector{}
	id := pathID(r, "id", c)
	if c.HasErrors() {
		writeValidation(w, r, "api.close_session", c)
		return
	}
	s, err := h.svc.Sessions.Close(r.Context(), id, actorOr(r.Context(), body.ClosedBy))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, s)
}

// --- cache ---

// CachePutBody is the body of PUT /api/v1/cache/{key}.
type CachePutBody struct {
	Data  json.RawMessage `json:"data"`
	TTLMs int64           `json:"ttl_ms,omitempty"`
	Tags  []string        `json:"tags,omitempty"`
}

func cacheKey(r *http.Request, c *validation.Collector) string {
	key := chi.URLParam(r, "key")
	c.Add(validation.ValidateIdentifier("key", key, validation.MaxCacheKeyLength))
	return key
}

// PutCache handles PUT /api/v1/cache/{key}. A zero ttl_ms uses the
// configured default.
func (h *Handler) PutCache(w http.ResponseWriter, r *http.Request) {
	var body CachePutBody
	if !decodeJSON(w, r, &body) {
		return
	}
	c := &validation.Collector{}
	key := cacheKey(r, c)
	if len(body.Data) == 0 {
		c.Add(&validation.ValidationError{Field: "data", Message: "is required"})
	}
	if c.HasErrors() {
		writeValidation(w, r, "api.put_cache", c)
		return
	}
	e, err := h.svc.Cache.Put(r.Context(), key, body.Data, time.Duration(body.TTLMs)*time.Millisecond, body.Tags)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, e)
}

// GetCache handles GET /api/v1/cache/{key}. Missing and expired entries
// are both not found.
func (h *Handler) GetCache(w http.ResponseWriter, r *http.Request) {
	c := &validation.Collector{}
	key := cacheKey(r, c)
	if c.HasErrors() {
		writeValidation(w, r, "api.get_cache", c)
		return
	}
	e, found, err := h.svc.Cache.Get(r.Context(), key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, Envelope{Success: false, Error: "cache miss", Kind: apperr.KindNotFound})
		return
	}
	writeOK(w, e)
}

// EvictBody is the body of POST /api/v1/cache/evict. With expired set,
// every expired entry is evicted; otherwise entries carrying any of tags.
type EvictBody struct {
	Tags    []string `json:"tags,omitempty"`
	Expired bool     `json:"expired"`
}

// EvictCache handles POST /api/v1/cache/evict
func (h *Handler) EvictCache(w http.ResponseWriter, r *http.Request) {
	var body EvictBody
	if !decodeJSON(w, r, &body) {
		return
	}
	var (
		n   int64
		err error
	)
	if body.Expired {
		n, err = h.svc.Cache.EvictExpired(r.Context())
	} else {
		n, err = h.svc.Cache.EvictByTags(r.Context(), body.Tags)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, map[string]int64{"evicted": n})
}

// CacheStats handles GET /api/v1/cache
func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Cache.Stats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, stats)
}
