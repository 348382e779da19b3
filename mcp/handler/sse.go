package handler

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/agentuity/mcp-sse/eventing"
	"github.com/agentuity/mcp-sse/logger"
	"github.com/agentuity/mcp-sse/mcp/server"
	"github.com/agentuity/mcp-sse/mcp/session"
	"github.com/agentuity/mcp-sse/mcp/transport/sse"
	"github.com/agentuity/mcp-sse/telemetry"
	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// errStreamStarted marks a setup failure after the SSE headers went out, when
// an HTTP error response is no longer possible.
var errStreamStarted = errors.New("stream already started")

func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	if !h.enter() {
		writeError(w, http.StatusInternalServerError, "Internal server error", "server is shutting down")
		return
	}
	defer h.active.Done()

	ctx, log, span := telemetry.StartSpan(r.Context(), h.logger, h.tracer, "mcp.session",
		trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	if err := h.guard.Authenticate(r); err != nil {
		h.metrics.AuthFailure()
		span.SetStatus(codes.Error, "unauthorized")
		log.Debug("rejected sse request from %s: %s", r.RemoteAddr, err)
		writeError(w, http.StatusUnauthorized, "Unauthorized", err.Error())
		return
	}

	id := h.newID()
	log = logger.WithKV(log, "connectionId", id)
	span.SetAttributes(attribute.String("mcp.connection_id", id))

	sess, err := h.sessions.Acquire(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("failed to register session: %s", err)
		writeError(w, http.StatusInternalServerError, "Internal server error", err.Error())
		return
	}

	t, err := h.establish(ctx, w, sess, log)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if cerr := sess.Close(context.WithoutCancel(ctx)); cerr != nil {
			log.Warn("failed to release session after setup error: %s", cerr)
		}
		if errors.Is(err, errStreamStarted) {
			log.Warn("session setup failed after stream start: %s", err)
			return
		}
		log.Error("session setup failed: %s", err)
		writeError(w, http.StatusInternalServerError, "Internal server error", err.Error())
		return
	}

	h.metrics.SessionOpened()
	h.publish(ctx, log, eventing.EventSessionEstablished, id, map[string]string{
		"remoteAddr": r.RemoteAddr,
		"userAgent":  r.UserAgent(),
	})
	log.Info("session established")

	var expired <-chan time.Time
	if h.cfg.MaxDuration > 0 {
		timer := h.clock.NewTimer(h.cfg.MaxDuration)
		defer timer.Stop()
		expired = timer.Chan()
	}

	reason := "disconnected"
	select {
	case <-t.Done():
	case <-expired:
		reason = "max duration reached"
	case <-h.shutdown:
		reason = "server shutdown"
	}

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()
	if err := sess.Close(closeCtx); err != nil {
		log.Warn("session release failed: %s", err)
	}
	<-t.Done()
	h.metrics.SessionClosed()
	h.publish(closeCtx, log, eventing.EventSessionClosed, id, map[string]string{"reason": reason})
	log.Info("session closed: %s", reason)
}

// establish wires the protocol server and transport for sess and starts the
// stream. Errors wrapping errStreamStarted happened after the headers were
// written.
func (h *Handler) establish(ctx context.Context, w http.ResponseWriter, sess *session.Session, log logger.Logger) (*sse.Transport, error) {
	values, _, err := h.sessions.LoadContext(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	srv, err := server.New(sess.ID, h.tools, h.cfg.ServerInfo,
		server.WithContext(server.NewContext(values)),
		server.WithContextSaver(h.sessions.SaveContext),
		server.WithObserver(h.metrics.Message),
		server.WithLogger(log),
		server.WithInstructions(h.cfg.Instructions),
	)
	if err != nil {
		return nil, errors.Wrap(err, "creating protocol server")
	}
	endpoint := h.cfg.MessagePath + "?" + ConnectionIDParam + "=" + url.QueryEscape(sess.ID)
	t, err := sse.New(w, sess.ID, endpoint, sse.WithLogger(log))
	if err != nil {
		return nil, errors.Wrap(err, "creating sse transport")
	}
	srv.Connect(t)
	sess.Attach(t, srv)

	if err := t.Start(ctx); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "starting sse stream"), errStreamStarted)
	}
	sess.SetHeartbeat(sse.StartHeartbeat(h.clock, h.cfg.HeartbeatInterval, t.Heartbeat))
	return t, nil
}

func (h *Handler) publish(ctx context.Context, log logger.Logger, kind string, id string, attrs map[string]string) {
	err := h.publisher.Publish(ctx, eventing.Event{
		Type:         kind,
		ConnectionID: id,
		Timestamp:    h.clock.Now().UTC(),
		Attributes:   attrs,
	})
	if err != nil {
		log.Warn("failed to publish %s event: %s", kind, err)
	}
}
