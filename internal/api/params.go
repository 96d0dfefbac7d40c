package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hyperengineering/fitsync/internal/types"
	"github.com/hyperengineering/fitsync/internal/validation"
)

// RangeParams is the time range of a request body: either a named window
// (1h, 24h, 7d, 30d) or explicit epoch-millisecond bounds.
type RangeParams struct {
	Window  string `json:"window,omitempty"`
	StartMs int64  `json:"start_ms,omitempty"`
	EndMs   int64  `json:"end_ms,omitempty"`
}

// resolve turns p into a range. A window wins over explicit bounds; with
// neither set the range is open.
func (p RangeParams) resolve(field string, c *validation.Collector) types.TimeRange {
	if p.Window != "" {
		r, err := types.ParseWindow(p.Window, time.Now().UTC())
		if err != nil {
			c.Add(&validation.ValidationError{Field: field, Message: "must be one of: 1h, 24h, 7d, 30d"})
		}
		return r
	}
	if p.StartMs < 0 || p.EndMs < 0 {
		c.Add(&validation.ValidationError{Field: field, Message: "bounds must not be negative"})
		return types.TimeRange{}
	}
	r := types.RangeFromMillis(p.StartMs, p.EndMs)
	c.Add(validation.ValidateTimeRange(field, r))
	return r
}

// queryRange reads window or start/end query parameters.
func queryRange(r *http.Request, c *validation.Collector) types.TimeRange {
	q := r.URL.Query()
	p := RangeParams{Window: q.Get("window")}
	p.StartMs = queryInt64(r, "start", c)
	p.EndMs = queryInt64(r, "end", c)
	return p.resolve("range", c)
}

func queryInt64(r *http.Request, name string, c *validation.Collector) int64 {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		c.Add(&validation.ValidationError{Field: name, Message: "must be an integer"})
		return 0
	}
	return n
}

func queryInt(r *http.Request, name string, c *validation.Collector) int {
	n := queryInt64(r, name, c)
	if n < 0 {
		c.Add(&validation.ValidationError{Field: name, Message: "must not be negative"})
		return 0
	}
	return int(n)
}

// queryBool returns nil when the parameter is absent.
func queryBool(r *http.Request, name string, c *validation.Collector) *bool {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		c.Add(&validation.ValidationError{Field: name, Message: "must be true or false"})
		return nil
	}
	return &b
}

// queryEntityType reads an optional entity type filter.
func queryEntityType(r *http.Request, allowGlobal bool, c *validation.Collector) types.EntityType {
	raw := r.URL.Query().Get("entity_type")
	if raw == "" {
		return ""
	}
	c.Add(validation.ValidateEntityType("entity_type", raw, allowGlobal))
	return types.EntityType(raw)
}

// pathEntityType reads the {type} URL parameter.
func pathEntityType(r *http.Request, c *validation.Collector) types.EntityType {
	raw := chi.URLParam(r, "type")
	c.Add(validation.ValidateEntityType("type", raw, false))
	return types.EntityType(raw)
}

// pathID reads an identifier URL parameter.
func pathID(r *http.Request, name string, c *validation.Collector) string {
	id := chi.URLParam(r, name)
	c.Add(validation.ValidateIdentifier(name, id, validation.MaxIDLength))
	return id
}
