package ws

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"relay-service/internal/observability"
)

// Opener creates the protocol session of a freshly upgraded client. A non-empty token was
// supplied in the handshake and should be used to authenticate the connection right away.
type Opener interface {
	Open(ctx context.Context, c *Client, token string) Session
}

// Handler upgrades HTTP requests to websocket clients.
type Handler struct {
	hub      *Hub
	opener   Opener
	events   *observability.Events
	opts     ClientOptions
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler constructs a Handler. Origin checks run as gin middleware before Handle.
func NewHandler(hub *Hub, opener Opener, events *observability.Events, opts ClientOptions, logger *slog.Logger) *Handler {
	return &Handler{
		hub:    hub,
		opener: opener,
		events: events,
		opts:   opts,
		logger: logger.With(slog.String("component", "ws")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handle upgrades the connection and serves it until it closes.
func (h *Handler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("relay-service/ws").Start(c.Request.Context(), "ws.handshake", trace.WithSpanKind(trace.SpanKindServer))
	traceID := span.SpanContext().TraceID().String()
	token := observability.TokenFromRequest(c.Request)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		span.End()
		h.logger.Info("websocket upgrade failed", slog.Any("error", err))
		return
	}
	span.End()

	info := newConnInfo(uuid.NewString(), traceID, c.Request)
	client := NewClient(conn, info, h.opts, h.logger)
	h.hub.Register(client)
	observability.IncWSEvent(observability.EventWSConnect)

	// The request context ends with the hijacked handler; sessions outlive it.
	sessionCtx := context.WithoutCancel(ctx)
	session := h.opener.Open(sessionCtx, client, token)
	h.publish(sessionCtx, observability.EventWSConnect, info, sessionUser(session), "")
	reason := client.Serve(sessionCtx, session)

	h.hub.Unregister(client.ID())
	observability.IncWSEvent(observability.EventWSDisconnect)
	h.publish(sessionCtx, observability.EventWSDisconnect, info, sessionUser(session), reason)
}

// sessionUser returns the authenticated user of sessions that track one.
func sessionUser(s Session) string {
	if u, ok := s.(interface{ UserID() string }); ok {
		return u.UserID()
	}
	return ""
}

func (h *Handler) publish(ctx context.Context, event string, info ConnInfo, userID, reason string) {
	envelope := observability.NewConnEnvelope(event, info.ConnID, info.ConnectedAt, reason, observability.Identity{
		UserID:   userID,
		DeviceID: info.DeviceID,
		IP:       info.IP,
	})
	_ = h.events.Publish(ctx, observability.RoutingKeyWS, envelope, observability.BuildHeaders(info.RequestID, info.TraceID))
}
