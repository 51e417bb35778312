package ws

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Session is the per-connection protocol state driven by a Client. HandleFrame and Heartbeat
// are only called from the client's read goroutine; Closed is called exactly once after the
// last HandleFrame returned.
type Session interface {
	HandleFrame(ctx context.Context, raw []byte)
	Heartbeat(ctx context.Context)
	Closed()
}

// ClientOptions bounds a connection's resources.
type ClientOptions struct {
	MaxMessageSize int64
	WriteTimeout   time.Duration
	PongTimeout    time.Duration
	PingInterval   time.Duration
	SendBuffer     int
}

// DefaultClientOptions mirrors the configuration defaults.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		MaxMessageSize: 10 << 20,
		WriteTimeout:   10 * time.Second,
		PongTimeout:    60 * time.Second,
		PingInterval:   25 * time.Second,
		SendBuffer:     256,
	}
}

// Client owns one websocket connection: a read pump feeding the Session and a write pump
// draining the send queue.
type Client struct {
	id     string
	conn   *websocket.Conn
	info   ConnInfo
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	opts   ClientOptions
	logger *slog.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn, info ConnInfo, opts ClientOptions, logger *slog.Logger) *Client {
	if info.ConnID == "" {
		info.ConnID = uuid.NewString()
	}
	defaults := DefaultClientOptions()
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaults.SendBuffer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaults.WriteTimeout
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = defaults.PongTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaults.PingInterval
	}
	return &Client{
		id:     info.ConnID,
		conn:   conn,
		info:   info,
		send:   make(chan []byte, opts.SendBuffer),
		done:   make(chan struct{}),
		opts:   opts,
		logger: logger.With(slog.String("conn_id", info.ConnID)),
	}
}

func (c *Client) ID() string { return c.id }

func (c *Client) Info() ConnInfo { return c.info }

// RemoteAddr returns the client address as seen by the handshake.
func (c *Client) RemoteAddr() string { return c.info.IP }

// Send queues a frame. A full queue drops the frame for this client only.
func (c *Client) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Warn("send queue full, dropping frame")
		return false
	}
}

// Close shuts the connection down. The read pump then fails and runs the session cleanup.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Done is closed once the client is closed.
func (c *Client) Done() <-chan struct{} { return c.done }

// Serve runs the pumps and blocks until the connection ends. The session context is
// cancelled when Serve returns.
func (c *Client) Serve(ctx context.Context, session Session) string {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump()

	reason := c.readPump(ctx, session)
	c.Close()
	session.Closed()
	return reason
}

func (c *Client) readPump(ctx context.Context, session Session) string {
	if c.opts.MaxMessageSize > 0 {
		c.conn.SetReadLimit(c.opts.MaxMessageSize)
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout)); err != nil {
		return err.Error()
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout)); err != nil {
			return err
		}
		session.Heartbeat(ctx)
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return c.readError(err)
		}
		session.HandleFrame(ctx, raw)
	}
}

func (c *Client) readError(err error) string {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("frame exceeded maximum size", slog.Int64("max_bytes", c.opts.MaxMessageSize))
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		c.logger.Debug("client disconnected", slog.Any("error", err))
	case isClosedConnError(err):
		c.logger.Debug("connection closed", slog.Any("error", err))
	default:
		c.logger.Info("websocket read error", slog.Any("error", err))
	}
	return err.Error()
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			if !c.write(websocket.TextMessage, frame) {
				return
			}
		case <-ticker.C:
			if !c.write(websocket.PingMessage, nil) {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Client) write(messageType int, payload []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return false
	}
	if err := c.conn.WriteMessage(messageType, payload); err != nil {
		if !isClosedConnError(err) {
			c.logger.Info("websocket write error", slog.Any("error", err))
		}
		return false
	}
	return true
}

func isClosedConnError(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent)
}
