package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/hyperengineering/fitsync/internal/apperr"
	"github.com/hyperengineering/fitsync/internal/validation"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 1 << 20

// Envelope is the body of every operation response.
type Envelope struct {
	Success bool                         `json:"success"`
	Data    any                          `json:"data,omitempty"`
	Error   string                       `json:"error,omitempty"`
	Kind    apperr.Kind                  `json:"kind,omitempty"`
	Errors  []validation.ValidationError `json:"errors,omitempty"`
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindValidation:
		return http.StatusUnprocessableEntity
	case apperr.KindVersionConflict:
		return http.StatusConflict
	case apperr.KindPolicy:
		return http.StatusForbidden
	case apperr.KindTransient:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}

// writeOK writes a 200 success envelope.
func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Envelope{Success: true, Data: data})
}

// writeCreated writes a 201 success envelope.
func writeCreated(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusCreated, Envelope{Success: true, Data: data})
}

// writeError reports a typed failure. The cause is logged; transient and
// internal causes never reach the body.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	writeErrorData(w, r, err, nil)
}

// writeErrorData is writeError with a payload, such as the conflict a
// rejected write recorded.
func writeErrorData(w http.ResponseWriter, r *http.Request, err error, data any) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)
	attrs := []any{
		"component", "api",
		"action", "request_failed",
		"method", r.Method,
		"path", r.URL.Path,
		"kind", kind,
		"status", status,
		"error", err,
	}
	if status >= http.StatusInternalServerError {
		slog.Error("operation failed", attrs...)
	} else {
		slog.Debug("operation rejected", attrs...)
	}
	writeJSON(w, status, Envelope{
		Success: false,
		Data:    data,
		Error:   apperr.PublicMessage(err),
		Kind:    kind,
	})
}

// writeValidation reports every collected field failure at once.
func writeValidation(w http.ResponseWriter, r *http.Request, op string, c *validation.Collector) {
	err := c.Err(op)
	slog.Debug("request validation failed",
		"component", "api",
		"action", "validation_failed",
		"path", r.URL.Path,
		"error", err,
	)
	writeJSON(w, http.StatusUnprocessableEntity, Envelope{
		Success: false,
		Error:   apperr.PublicMessage(err),
		Kind:    apperr.KindValidation,
		Errors:  c.Errors(),
	})
}

// writeDegraded answers a dashboard read that could not be fully served:
// status 200, zeroed data and the failure in the error field.
func writeDegraded(w http.ResponseWriter, r *http.Request, data any, err error) {
	slog.Warn("read degraded",
		"component", "api",
		"action", "read_degraded",
		"path", r.URL.Path,
		"kind", apperr.KindOf(err),
		"error", err,
	)
	writeJSON(w, http.StatusOK, Envelope{
		Success: false,
		Data:    data,
		Error:   apperr.PublicMessage(err),
		Kind:    apperr.KindOf(err),
	})
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched.
// Malformed JSON is answered with a 400 problem and false.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return true
		}
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return false
	}
	return true
}
