// Package api is the Control Layer's versioned HTTP surface (spec §4.8): a
// chi router under /api/v1 with a fixed middleware chain, standardized
// error envelope, API-key auth, rate limiting, and the WebSocket routes
// from internal/fanout.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/modax/controllayer/internal/apierr"
)

// errorEnvelope is the exact non-2xx response shape from spec §4.8.
type errorEnvelope struct {
	Error     string                 `json:"error"`
	Message   string                 `json:"message"`
	StatusCode int                   `json:"status_code"`
	Timestamp string                 `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// writeError maps err onto the standard envelope. Any error that is not an
// *apierr.Error is treated as InternalError and its detail is never
// included in the response body (spec §7: "stack captured in logs only").
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *apierr.Error
	kind := apierr.KindInternal
	message := "internal error"
	if errors.As(err, &apiErr) {
		kind = apiErr.Kind
		message = apiErr.Message
	}

	status := kind.StatusCode()
	body := errorEnvelope{
		Error:      string(kind),
		Message:    message,
		StatusCode: status,
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Details: map[string]interface{}{
			"path":   r.URL.Path,
			"method": r.Method,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
