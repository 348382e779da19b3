package handler

import (
	"encoding/json"
	"net/http"

	"github.com/felixge/httpsnoop"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string, detail string) {
	writeJSON(w, status, errorBody{Error: msg, Message: detail})
}

func (h *Handler) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
}

// accessLog logs every request once it completes. SSE requests log when the
// stream ends.
func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		h.logger.Debug("%s %s %d %dB %s", r.Method, r.URL.Path, m.Code, m.Written, m.Duration)
	})
}
