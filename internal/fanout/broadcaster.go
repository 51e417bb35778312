package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"relay-service/internal/models"
	"relay-service/internal/observability"
	"relay-service/internal/ws"
)

const bindTimeout = 5 * time.Second

// Backoff spaces out attempts to restore the bus, doubling from Initial up to Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{Initial: 500 * time.Millisecond, Max: 30 * time.Second}
}

// Delay returns the wait before the given attempt (1-indexed).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Initial
	for i := 1; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// Broadcaster delivers room and cluster-wide events to local peers and forwards them to the
// other relay processes over the bus.
type Broadcaster struct {
	hub    *ws.Hub
	bus    Bus
	origin string
	logger *slog.Logger
	retry  Backoff

	bindMu sync.Mutex
	bound  map[string]struct{}
}

// NewBroadcaster wires the hub's room activity to bus bindings. origin identifies this
// process on the bus.
func NewBroadcaster(hub *ws.Hub, bus Bus, origin string, logger *slog.Logger) *Broadcaster {
	b := &Broadcaster{
		hub:    hub,
		bus:    bus,
		origin: origin,
		logger: logger.With(slog.String("component", "fanout"), slog.String("origin", origin)),
		retry:  DefaultBackoff(),
		bound:  make(map[string]struct{}),
	}
	hub.OnRoomActivity(b.reconcile, b.reconcile)
	return b
}

// Origin returns the process identity used on the bus.
func (b *Broadcaster) Origin() string { return b.origin }

// Room sends an event to every member of the room, except the connection skip, on every
// process. A fan-out failure is returned after local delivery happened.
func (b *Broadcaster) Room(ctx context.Context, roomID, event string, payload any, skip string) error {
	return b.broadcast(ctx, RoomTarget(roomID), event, payload, skip)
}

// All sends an event to every connection of the cluster except skip.
func (b *Broadcaster) All(ctx context.Context, event string, payload any, skip string) error {
	return b.broadcast(ctx, TargetAll, event, payload, skip)
}

func (b *Broadcaster) broadcast(ctx context.Context, target, event string, payload any, skip string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	b.deliverLocal(target, event, data, skip)

	err = b.bus.Publish(ctx, Envelope{
		Origin:  b.origin,
		Target:  target,
		Event:   event,
		Payload: data,
		Skip:    skip,
	})
	if err != nil {
		b.logger.Warn("fan-out publish failed", slog.String("target", target), slog.String("event", event), slog.Any("error", err))
		return err
	}
	observability.IncFanout("out")
	return nil
}

// Run binds this process's targets and consumes until ctx is done. When the bus fails the
// process keeps delivering locally, and the bindings and consumer are restored with backoff.
func (b *Broadcaster) Run(ctx context.Context) error {
	attempt := 0
	for {
		err := b.attach(ctx)
		if err == nil {
			attempt = 0
			err = b.bus.Consume(ctx, b.receive)
		}
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = errors.New("consumer stopped")
		}

		attempt++
		delay := b.retry.Delay(attempt)
		observability.IncFanoutReconnect()
		b.logger.Warn("fan-out bus lost, delivering locally only",
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", delay),
			slog.Any("error", err),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// attach binds the cluster-wide target and every room with local members from scratch.
func (b *Broadcaster) attach(ctx context.Context) error {
	if err := b.bus.Bind(ctx, TargetAll); err != nil {
		return err
	}
	b.bindMu.Lock()
	b.bound = make(map[string]struct{})
	b.bindMu.Unlock()
	for _, roomID := range b.hub.Rooms() {
		b.reconcile(roomID)
	}
	return nil
}

func (b *Broadcaster) receive(env Envelope) {
	if env.Origin == b.origin {
		return
	}
	observability.IncFanout("in")
	b.deliverLocal(env.Target, env.Event, env.Payload, env.Skip)
}

func (b *Broadcaster) deliverLocal(target, event string, data json.RawMessage, skip string) {
	frame, err := models.EncodeFrame(event, data)
	if err != nil {
		b.logger.Warn("dropping unencodable event", slog.String("event", event), slog.Any("error", err))
		return
	}
	if target == TargetAll {
		b.hub.DeliverAll(frame, skip)
		return
	}
	if roomID, ok := RoomOf(target); ok {
		b.hub.DeliverRoom(roomID, frame, skip)
	}
}

// reconcile makes the bus binding of a room match whether this process has local members.
// It re-reads the hub state, so concurrent activity callbacks converge.
func (b *Broadcaster) reconcile(roomID string) {
	b.bindMu.Lock()
	defer b.bindMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), bindTimeout)
	defer cancel()

	_, bound := b.bound[roomID]
	active := b.hub.HasRoom(roomID)
	switch {
	case active && !bound:
		if err := b.bus.Bind(ctx, RoomTarget(roomID)); err != nil {
			b.logger.Warn("room bind failed", slog.String("room_id", roomID), slog.Any("error", err))
			return
		}
		b.bound[roomID] = struct{}{}
	case !active && bound:
		if err := b.bus.Unbind(ctx, RoomTarget(roomID)); err != nil {
			b.logger.Warn("room unbind failed", slog.String("room_id", roomID), slog.Any("error", err))
			return
		}
		delete(b.bound, roomID)
	}
}
