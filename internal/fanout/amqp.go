package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"relay-service/internal/observability"
)

// redialInterval bounds how often a lost connection is dialed again.
const redialInterval = time.Second

var (
	ErrBusUnavailable = errors.New("amqp connection unavailable")
	ErrBusClosed      = errors.New("amqp bus closed")
)

// AMQPBus fans out over a direct exchange. Each process owns one exclusive, auto-deleted
// queue bound to the targets it currently serves. Lifecycle events are published to a topic
// exchange over the same connection.
//
// A lost connection is dialed again on next use. The new queue starts without bindings, so
// the consumer has to bind its targets again after Consume fails.
type AMQPBus struct {
	url            string
	exchange       string
	eventsExchange string
	logger         *slog.Logger

	mu       sync.Mutex
	conn     *amqp.Connection
	pub      *amqp.Channel
	sub      *amqp.Channel
	queue    string
	lastDial time.Time
	closed   bool
}

// NewAMQPBus dials the broker. eventsExchange may be empty to disable lifecycle events.
func NewAMQPBus(url, exchange, eventsExchange string, logger *slog.Logger) (*AMQPBus, error) {
	b := &AMQPBus{
		url:            url,
		exchange:       exchange,
		eventsExchange: eventsExchange,
		logger:         logger.With(slog.String("component", "fanout")),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.dialLocked(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *AMQPBus) dialLocked() error {
	b.lastDial = time.Now()

	conn, err := amqp.Dial(b.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}

	pub, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open publish channel: %w", err)
	}
	if err := pub.ExchangeDeclare(b.exchange, "direct", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}
	if b.eventsExchange != "" {
		if err := pub.ExchangeDeclare(b.eventsExchange, "topic", true, false, false, false, nil); err != nil {
			_ = conn.Close()
			return fmt.Errorf("declare events exchange: %w", err)
		}
	}

	sub, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open consume channel: %w", err)
	}
	q, err := sub.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("declare queue: %w", err)
	}

	b.conn, b.pub, b.sub, b.queue = conn, pub, sub, q.Name
	b.logger.Info("amqp connected", slog.String("exchange", b.exchange), slog.String("queue", q.Name))
	return nil
}

// channels returns the live channels and queue, dialing again when the connection is gone.
func (b *AMQPBus) channels() (*amqp.Channel, *amqp.Channel, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, nil, "", ErrBusClosed
	}
	if b.conn != nil && !b.conn.IsClosed() && !b.pub.IsClosed() && !b.sub.IsClosed() {
		return b.pub, b.sub, b.queue, nil
	}
	if time.Since(b.lastDial) < redialInterval {
		return nil, nil, "", ErrBusUnavailable
	}
	b.closeLocked()
	if err := b.dialLocked(); err != nil {
		b.logger.Warn("amqp redial failed", slog.Any("error", err))
		return nil, nil, "", err
	}
	return b.pub, b.sub, b.queue, nil
}

func (b *AMQPBus) Publish(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	pub, _, _, err := b.channels()
	if err != nil {
		observability.IncAMQPPublishError()
		return fmt.Errorf("publish %s: %w", env.Target, err)
	}

	err = pub.PublishWithContext(ctx, b.exchange, env.Target, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		observability.IncAMQPPublishError()
		return fmt.Errorf("publish %s: %w", env.Target, err)
	}
	return nil
}

// PublishJSON implements observability.Publisher on the events exchange.
func (b *AMQPBus) PublishJSON(ctx context.Context, routingKey string, message interface{}, headers map[string]string) error {
	if b.eventsExchange == "" {
		return nil
	}
	body, err := json.Marshal(message)
	if err != nil {
		return err
	}
	pub, _, _, err := b.channels()
	if err != nil {
		return err
	}

	table := amqp.Table{}
	for key, value := range headers {
		table[key] = value
	}
	return pub.PublishWithContext(ctx, b.eventsExchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      table,
		Body:         body,
	})
}

func (b *AMQPBus) Bind(_ context.Context, target string) error {
	_, sub, queue, err := b.channels()
	if err != nil {
		return fmt.Errorf("bind %s: %w", target, err)
	}
	if err := sub.QueueBind(queue, target, b.exchange, false, nil); err != nil {
		return fmt.Errorf("bind %s: %w", target, err)
	}
	return nil
}

func (b *AMQPBus) Unbind(_ context.Context, target string) error {
	_, sub, queue, err := b.channels()
	if err != nil {
		return fmt.Errorf("unbind %s: %w", target, err)
	}
	if err := sub.QueueUnbind(queue, target, b.exchange, nil); err != nil {
		return fmt.Errorf("unbind %s: %w", target, err)
	}
	return nil
}

func (b *AMQPBus) Consume(ctx context.Context, deliver func(Envelope)) error {
	_, sub, queue, err := b.channels()
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	deliveries, err := sub.Consume(queue, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("amqp delivery channel closed")
			}
			var env Envelope
			if err := json.Unmarshal(d.Body, &env); err != nil {
				b.logger.Warn("dropping undecodable envelope", slog.Any("error", err))
				continue
			}
			deliver(env)
		}
	}
}

func (b *AMQPBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return b.closeLocked()
}

func (b *AMQPBus) closeLocked() error {
	if b.sub != nil {
		_ = b.sub.Close()
	}
	if b.pub != nil {
		_ = b.pub.Close()
	}
	var err error
	if b.conn != nil && !b.conn.IsClosed() {
		err = b.conn.Close()
	}
	b.conn, b.pub, b.sub = nil, nil, nil
	return err
}

var _ observability.Publisher = (*AMQPBus)(nil)
