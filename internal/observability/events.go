package observability

import (
	"context"
	"log/slog"
	"time"
)

const (
	EventTypeWS       = "ws_events"
	EventWSConnect    = "ws_connect"
	EventWSDisconnect = "ws_disconnect"

	EventTypePresence    = "presence_events"
	EventPresenceOnline  = "presence_online"
	EventPresenceOffline = "presence_offline"

	RoutingKeyWS       = "ws_events.relay"
	RoutingKeyPresence = "presence_events.relay"
)

// Publisher sends a JSON message to the lifecycle events exchange.
type Publisher interface {
	PublishJSON(ctx context.Context, routingKey string, message interface{}, headers map[string]string) error
}

// Events publishes lifecycle events. A nil publisher turns it into a no-op.
type Events struct {
	publisher Publisher
	logger    *slog.Logger
}

func NewEvents(publisher Publisher, logger *slog.Logger) *Events {
	return &Events{publisher: publisher, logger: logger}
}

func (e *Events) Publish(ctx context.Context, routingKey string, message interface{}, headers map[string]string) error {
	if e == nil || e.publisher == nil {
		return nil
	}

	err := e.publisher.PublishJSON(ctx, routingKey, message, headers)
	if err != nil {
		IncAMQPPublishError()
		e.logger.Warn("lifecycle event publish failed", slog.String("routing_key", routingKey), slog.Any("error", err))
	}
	return err
}

type EventEnvelope struct {
	EventType string      `json:"event_type"`
	EventName string      `json:"event_name"`
	Payload   interface{} `json:"payload"`
}

// ConnEvent describes a websocket lifecycle transition.
type ConnEvent struct {
	Event      string `json:"event"`
	ConnID     string `json:"conn_id"`
	DurationMS int64  `json:"duration_ms"`
	Reason     string `json:"reason"`
}

type Identity struct {
	UserID   string `json:"user_id,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
	IP       string `json:"ip"`
}

type ConnEventPayload struct {
	WS       ConnEvent `json:"ws"`
	Identity Identity  `json:"identity"`
}

// NewConnEnvelope builds the envelope published for a lifecycle event.
func NewConnEnvelope(event, connID string, connectedAt time.Time, reason string, identity Identity) EventEnvelope {
	var duration int64
	if event != EventWSConnect {
		duration = time.Since(connectedAt).Milliseconds()
	}
	return EventEnvelope{
		EventType: EventTypeWS,
		EventName: event,
		Payload: ConnEventPayload{
			WS: ConnEvent{
				Event:      event,
				ConnID:     connID,
				DurationMS: duration,
				Reason:     reason,
			},
			Identity: identity,
		},
	}
}

// PresenceEventPayload describes a user going online or offline across the cluster.
type PresenceEventPayload struct {
	UserID    string    `json:"user_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// NewPresenceEnvelope builds the envelope published for a presence transition. status is
// "online" or "offline".
func NewPresenceEnvelope(userID, status string, at time.Time) EventEnvelope {
	name := EventPresenceOffline
	if status == "online" {
		name = EventPresenceOnline
	}
	return EventEnvelope{
		EventType: EventTypePresence,
		EventName: name,
		Payload:   PresenceEventPayload{UserID: userID, Status: status, Timestamp: at},
	}
}

func BuildHeaders(requestID, traceID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}
