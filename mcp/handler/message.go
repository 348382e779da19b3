package handler

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/agentuity/mcp-sse/logger"
	"github.com/agentuity/mcp-sse/mcp/transport/sse"
	"github.com/agentuity/mcp-sse/mcp/types"
	"github.com/agentuity/mcp-sse/telemetry"
	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// messagePoster is implemented by transports that accept POSTed messages.
type messagePoster interface {
	HandlePostMessage(w http.ResponseWriter, r *http.Request, body []byte) error
}

// connectionID reads the session id from the header, then the query string.
func connectionID(r *http.Request) string {
	if id := r.Header.Get(ConnectionIDHeader); id != "" {
		return id
	}
	return r.URL.Query().Get(ConnectionIDParam)
}

func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	ctx, log, span := telemetry.StartSpan(r.Context(), h.logger, h.tracer, "mcp.message",
		trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageBytes))
	if err != nil || !json.Valid(body) {
		span.SetStatus(codes.Error, "invalid json")
		writeError(w, http.StatusBadRequest, "Invalid JSON", "")
		return
	}

	id := connectionID(r)
	if id == "" {
		span.SetStatus(codes.Error, "missing connection id")
		writeError(w, http.StatusBadRequest, "Missing connection id", "")
		return
	}
	span.SetAttributes(attribute.String("mcp.connection_id", id))
	log = logger.WithKV(log, "connectionId", id)

	sess, ok := h.sessions.Get(id)
	if !ok || !sess.Active() {
		span.SetStatus(codes.Error, "connection not found")
		writeError(w, http.StatusNotFound, "Connection not found", "")
		return
	}
	poster, ok := sess.Transport().(messagePoster)
	if !ok {
		// registered but still being set up
		writeError(w, http.StatusNotFound, "Connection not found", "")
		return
	}

	if err := poster.HandlePostMessage(w, r.WithContext(ctx), body); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, sse.ErrClosed) {
			writeError(w, http.StatusNotFound, "Connection not found", "")
			return
		}
		log.Debug("rejected message: %s", err)
		if errors.Is(err, types.ErrEmptyBatch) {
			writeError(w, http.StatusBadRequest, "Invalid Request", err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
}
