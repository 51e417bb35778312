package fanout

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
)

const (
	// TargetAll is bound by every process.
	TargetAll = "all"

	roomTargetPrefix = "room."
)

// RoomTarget is the routing key of a room.
func RoomTarget(roomID string) string {
	return roomTargetPrefix + roomID
}

// RoomOf extracts the room id of a room target.
func RoomOf(target string) (string, bool) {
	if !strings.HasPrefix(target, roomTargetPrefix) {
		return "", false
	}
	return strings.TrimPrefix(target, roomTargetPrefix), true
}

// Envelope is what crosses process boundaries. Payload is the JSON data of the event frame.
type Envelope struct {
	Origin  string          `json:"origin"`
	Target  string          `json:"target"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Skip    string          `json:"skip,omitempty"`
}

// Bus carries envelopes between relay processes. A process only receives envelopes for
// targets it has bound.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	Bind(ctx context.Context, target string) error
	Unbind(ctx context.Context, target string) error
	// Consume delivers received envelopes until ctx is done or the bus fails.
	Consume(ctx context.Context, deliver func(Envelope)) error
	Close() error
}

// NewBus builds an AMQP bus or a noop bus when AMQP is disabled or unreachable. The AMQP bus
// also carries lifecycle events to eventsExchange.
func NewBus(amqpURL, exchange, eventsExchange string, logger *slog.Logger) Bus {
	if amqpURL == "" {
		logger.Info("cluster fan-out disabled, using noop", slog.String("reason", "empty amqp url"))
		return NoopBus{reason: "empty amqp url"}
	}

	bus, err := NewAMQPBus(amqpURL, exchange, eventsExchange, logger)
	if err != nil {
		logger.Warn("cluster fan-out disabled, using noop", slog.Any("error", err))
		return NoopBus{reason: err.Error()}
	}
	logger.Info("cluster fan-out connected", slog.String("exchange", exchange))
	return bus
}

// BusMode reports the bus mode for logging.
func BusMode(b Bus) string {
	switch b.(type) {
	case *AMQPBus:
		return "amqp"
	case NoopBus, *NoopBus:
		return "noop"
	case *LoopbackBus:
		return "loopback"
	default:
		return "unknown"
	}
}

// NoopBus is the single-process bus: nothing leaves the process.
type NoopBus struct {
	reason string
}

func (NoopBus) Publish(context.Context, Envelope) error { return nil }

func (NoopBus) Bind(context.Context, string) error { return nil }

func (NoopBus) Unbind(context.Context, string) error { return nil }

func (NoopBus) Consume(ctx context.Context, _ func(Envelope)) error {
	<-ctx.Done()
	return nil
}

func (NoopBus) Close() error { return nil }

// Reason explains why the noop bus is in use.
func (b NoopBus) Reason() string { return b.reason }
