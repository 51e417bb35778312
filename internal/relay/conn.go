package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"relay-service/internal/models"
	"relay-service/internal/rooms"
	"relay-service/internal/session"
	"relay-service/internal/ws"
)

// State is the lifecycle state of a connection.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var ErrNotAuthenticated = errors.New("connection not authenticated")

// Peer is the transport of a connection.
type Peer interface {
	ws.Peer
	Close()
}

// Conn is the relay's view of one client connection. Frames of a connection are handled
// sequentially; Closed runs once after the last frame.
type Conn struct {
	id         string
	remoteAddr string
	createdAt  time.Time
	peer       Peer
	server     *Server
	limiter    *rate.Limiter
	logger     *slog.Logger

	mu     sync.Mutex
	state  State
	userID string

	closeOnce sync.Once
}

var _ ws.Session = (*Conn)(nil)

func (c *Conn) ID() string { return c.id }

func (c *Conn) RemoteAddr() string { return c.remoteAddr }

func (c *Conn) CreatedAt() time.Time { return c.createdAt }

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UserID returns the bound user or "" before authentication.
func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Conn) authenticatedUser() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateAuthenticated {
		return "", ErrNotAuthenticated
	}
	return c.userID, nil
}

func (c *Conn) setAuthenticated(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return false
	}
	c.state = StateAuthenticated
	c.userID = userID
	return true
}

// markClosed moves the connection to Closed and returns the user it was bound to.
func (c *Conn) markClosed() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return "", false
	}
	userID := c.userID
	if c.state != StateAuthenticated {
		userID = ""
	}
	c.state = StateClosed
	return userID, true
}

func (c *Conn) member(userID string) rooms.Member {
	return rooms.Member{Peer: c.peer, UserID: userID}
}

// HandleFrame decodes and dispatches one inbound frame.
func (c *Conn) HandleFrame(ctx context.Context, raw []byte) {
	c.server.handle(ctx, c, raw)
}

// Heartbeat keeps the session of a live connection from expiring.
func (c *Conn) Heartbeat(ctx context.Context) {
	userID, err := c.authenticatedUser()
	if err != nil {
		return
	}
	c.server.refresh(ctx, c, userID)
}

// Closed runs the disconnect cleanup exactly once.
func (c *Conn) Closed() {
	c.closeOnce.Do(func() {
		c.server.disconnect(c)
	})
}

// Close shuts the transport down; cleanup follows through Closed.
func (c *Conn) Close() {
	c.peer.Close()
}

func (c *Conn) send(event string, payload any) bool {
	frame, err := models.EncodeFrame(event, payload)
	if err != nil {
		c.logger.Error("encode outbound event", slog.String("event", event), slog.Any("error", err))
		return false
	}
	return c.peer.Send(frame)
}

func (c *Conn) sendError(code, message string) {
	c.send(models.EventError, models.ErrorPayload{Code: code, Message: message})
}

func isSessionGone(err error) bool {
	return errors.Is(err, session.ErrNotFound)
}
