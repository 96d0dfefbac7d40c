package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Problem represents an RFC 7807 Problem Details response. Problems are
// used for transport failures (auth, malformed bodies, unknown routes);
// operation failures use the Envelope.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

const problemBaseURI = "https://fitsync.dev/errors/"

// problemSlugs names the problem type of each status the transport layer
// produces. Other statuses fall back to "unknown".
var problemSlugs = map[int]string{
	http.StatusBadRequest:            "bad-request",
	http.StatusUnauthorized:          "unauthorized",
	http.StatusNotFound:              "not-found",
	http.StatusMethodNotAllowed:      "method-not-allowed",
	http.StatusRequestEntityTooLarge: "payload-too-large",
	http.StatusInternalServerError:   "internal-error",
}

// WriteProblem writes an application/problem+json response for r.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	slug, ok := problemSlugs[status]
	if !ok {
		slug = "unknown"
	}
	p := Problem{
		Type:     problemBaseURI + slug,
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		slog.Error("failed to encode problem response", "component", "api", "error", err)
	}
}

// NotFoundHandler answers unknown routes.
func NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	WriteProblem(w, r, http.StatusNotFound, "No route for "+r.Method+" "+r.URL.Path)
}

// MethodNotAllowedHandler answers known routes called with the wrong method.
func MethodNotAllowedHandler(w http.ResponseWriter, r *http.Request) {
	WriteProblem(w, r, http.StatusMethodNotAllowed, r.Method+" is not supported on "+r.URL.Path)
}
