package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"relay-service/internal/models"
	"relay-service/internal/observability"
	"relay-service/internal/presence"
	"relay-service/internal/repositories"
	"relay-service/internal/rooms"
	"relay-service/internal/session"
	"relay-service/internal/ws"
)

// TokenVerifier resolves an access token to a user id.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// Broadcaster delivers events to rooms and to every connection, cluster-wide.
type Broadcaster interface {
	Room(ctx context.Context, roomID, event string, payload any, skip string) error
	All(ctx context.Context, event string, payload any, skip string) error
}

// Options tunes the relay.
type Options struct {
	SessionTTL     time.Duration
	BacklogLimit   int
	RateLimit      float64
	RateBurst      int
	SweepInterval  time.Duration
	CleanupTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		SessionTTL:     24 * time.Hour,
		BacklogLimit:   100,
		RateLimit:      20,
		RateBurst:      40,
		SweepInterval:  time.Minute,
		CleanupTimeout: 5 * time.Second,
	}
}

// Deps are the collaborators of the relay. Events receives presence transitions and may be
// nil.
type Deps struct {
	Verifier    TokenVerifier
	Sessions    session.Store
	Presence    *presence.Tracker
	Rooms       *rooms.Registry
	Messages    repositories.MessageRepository
	Broadcaster Broadcaster
	Events      *observability.Events
	Logger      *slog.Logger
}

type handlerFunc func(ctx context.Context, c *Conn, ev models.ClientEvent)

// route describes how one client event is authorised and handled. Silent routes drop
// unauthenticated or invalid events without telling the client.
type route struct {
	requireAuth bool
	silent      bool
	handle      handlerFunc
}

// Server is the event relay core.
type Server struct {
	verifier    TokenVerifier
	sessions    session.Store
	presence    *presence.Tracker
	rooms       *rooms.Registry
	messages    repositories.MessageRepository
	broadcaster Broadcaster
	events      *observability.Events
	opts        Options
	logger      *slog.Logger
	routes      map[string]route
	now         func() time.Time

	mu    sync.Mutex
	conns map[string]*Conn
	// pending counts connections whose cleanup has not finished. idle is closed when it
	// drops to zero while someone waits.
	pending int
	idle    chan struct{}
}

func NewServer(deps Deps, opts Options) *Server {
	defaults := DefaultOptions()
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = defaults.SessionTTL
	}
	if opts.BacklogLimit <= 0 {
		opts.BacklogLimit = defaults.BacklogLimit
	}
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = defaults.CleanupTimeout
	}

	s := &Server{
		verifier:    deps.Verifier,
		sessions:    deps.Sessions,
		presence:    deps.Presence,
		rooms:       deps.Rooms,
		messages:    deps.Messages,
		broadcaster: deps.Broadcaster,
		events:      deps.Events,
		opts:        opts,
		logger:      deps.Logger.With(slog.String("component", "relay")),
		now:         time.Now,
		conns:       make(map[string]*Conn),
	}
	s.routes = map[string]route{
		models.EventAuthenticate:     {handle: s.handleAuthenticate},
		models.EventJoinRoom:         {requireAuth: true, handle: s.handleJoinRoom},
		models.EventLeaveRoom:        {requireAuth: true, silent: true, handle: s.handleLeaveRoom},
		models.EventSendMessage:      {requireAuth: true, handle: s.handleSendMessage},
		models.EventTypingStart:      {requireAuth: true, silent: true, handle: s.handleTyping},
		models.EventTypingStop:       {requireAuth: true, silent: true, handle: s.handleTyping},
		models.EventMessageDelivered: {requireAuth: true, silent: true, handle: s.handleMessageDelivered},
		models.EventMessageRead:      {requireAuth: true, silent: true, handle: s.handleMessageRead},
		models.EventGetOnlineUsers:   {handle: s.handleGetOnlineUsers},
	}
	return s
}

// Connect registers a new unauthenticated connection.
func (s *Server) Connect(peer Peer, remoteAddr string) *Conn {
	id := peer.ID()
	if id == "" {
		id = uuid.NewString()
	}
	c := &Conn{
		id:         id,
		remoteAddr: remoteAddr,
		createdAt:  s.now(),
		peer:       peer,
		server:     s,
		logger:     s.logger.With(slog.String("conn_id", id)),
		state:      StateUnauthenticated,
	}
	if s.opts.RateLimit > 0 {
		burst := s.opts.RateBurst
		if burst <= 0 {
			burst = int(s.opts.RateLimit)
		}
		c.limiter = rate.NewLimiter(rate.Limit(s.opts.RateLimit), burst)
	}

	s.mu.Lock()
	s.conns[id] = c
	s.pending++
	s.mu.Unlock()

	c.logger.Info("client connected", slog.String("remote_addr", remoteAddr))
	return c
}

// Open implements ws.Opener. A handshake token authenticates the connection immediately.
func (s *Server) Open(ctx context.Context, client *ws.Client, token string) ws.Session {
	c := s.Connect(client, client.RemoteAddr())
	if token != "" {
		s.authenticate(ctx, c, token)
	}
	return c
}

// Connections returns the number of open connections on this process.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// CloseAll closes every open connection. Their cleanup runs on their own goroutines.
func (s *Server) CloseAll() {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// Wait blocks until the cleanup of every connection has finished or ctx is done.
func (s *Server) Wait(ctx context.Context) error {
	s.mu.Lock()
	if s.pending == 0 {
		s.mu.Unlock()
		return nil
	}
	if s.idle == nil {
		s.idle = make(chan struct{})
	}
	idle := s.idle
	s.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) cleaned() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending--
	if s.pending == 0 && s.idle != nil {
		close(s.idle)
		s.idle = nil
	}
}

func (s *Server) handle(ctx context.Context, c *Conn, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panic",
				slog.String("event", models.EventNameOf(raw)),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	if c.State() == StateClosed {
		return
	}
	if c.limiter != nil && !c.limiter.Allow() {
		observability.IncWSEvent("rate_limited")
		c.sendError(models.CodeRateLimited, "too many events")
		return
	}

	// The route decides how a bad frame is reported. A known event with a bad payload still
	// names its route.
	ev, decodeErr := models.DecodeClientEvent(raw)
	name := ""
	if decodeErr == nil {
		name = ev.Name()
	} else {
		var dErr *models.DecodeError
		if errors.As(decodeErr, &dErr) {
			name = dErr.Event
		}
	}
	rt, ok := s.routes[name]
	if !ok {
		c.logger.Debug("rejecting frame", slog.Any("error", decodeErr))
		if decodeErr != nil {
			c.sendError(models.CodeInvalidRequest, decodeErr.Error())
		} else {
			c.sendError(models.CodeInvalidRequest, fmt.Sprintf("unknown event %q", name))
		}
		return
	}

	if rt.requireAuth && c.State() != StateAuthenticated {
		if !rt.silent {
			c.sendError(models.CodeNotAuthenticated, "not authenticated")
		}
		return
	}
	if decodeErr != nil {
		c.logger.Debug("rejecting frame", slog.String("event", name), slog.Any("error", decodeErr))
		if !rt.silent {
			c.sendError(models.CodeInvalidRequest, decodeErr.Error())
		}
		return
	}
	if err := ev.Validate(); err != nil {
		if !rt.silent {
			c.sendError(models.CodeInvalidRequest, err.Error())
		}
		return
	}

	observability.IncWSEvent(ev.Name())
	rt.handle(ctx, c, ev)
}

// refresh extends the session of a live connection, re-binding it when the shared store
// already expired it.
func (s *Server) refresh(ctx context.Context, c *Conn, userID string) {
	err := s.sessions.Touch(ctx, c.id, s.opts.SessionTTL)
	if err == nil {
		return
	}
	if !isSessionGone(err) {
		c.logger.Warn("session refresh failed", slog.Any("error", err))
		return
	}
	if _, err := s.sessions.Bind(ctx, c.id, userID, s.opts.SessionTTL); err != nil {
		c.logger.Warn("session rebind failed", slog.Any("error", err))
		return
	}
	s.rooms.Restore(ctx, c.member(userID))
	s.markOnline(ctx, userID)
}

// disconnect is the cleanup of a closed connection. It runs on a detached context since the
// connection context is already cancelled.
func (s *Server) disconnect(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()

	userID, ok := c.markClosed()
	if !ok {
		return
	}
	defer s.cleaned()
	c.logger.Info("client disconnected", slog.String("user_id", userID), slog.Duration("duration", s.now().Sub(c.createdAt)))
	if userID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.CleanupTimeout)
	defer cancel()
	s.release(ctx, c, userID)
}

// release undoes everything authentication did for userID on this connection.
func (s *Server) release(ctx context.Context, c *Conn, userID string) {
	if _, err := s.sessions.Unbind(ctx, c.id); err != nil && !isSessionGone(err) {
		c.logger.Warn("session unbind failed", slog.String("user_id", userID), slog.Any("error", err))
	}
	s.rooms.LeaveAll(ctx, c.member(userID))

	offline, err := s.presence.MarkOfflineIfLastSession(ctx, userID)
	if err != nil {
		c.logger.Warn("presence update failed", slog.String("user_id", userID), slog.Any("error", err))
		return
	}
	if offline {
		s.broadcastStatus(ctx, userID, models.StatusOffline)
	}
}

func (s *Server) markOnline(ctx context.Context, userID string) {
	online, err := s.presence.MarkOnline(ctx, userID)
	if err != nil {
		s.logger.Warn("presence update failed", slog.String("user_id", userID), slog.Any("error", err))
		return
	}
	if online {
		s.broadcastStatus(ctx, userID, models.StatusOnline)
	}
}

func (s *Server) broadcastStatus(ctx context.Context, userID, status string) {
	observability.IncPresenceTransition(status)
	at := s.now().UTC()
	payload := models.UserStatus{UserID: userID, Status: status, Timestamp: at}
	if err := s.broadcaster.All(ctx, models.EventUserStatus, payload, ""); err != nil {
		s.logger.Warn("status broadcast not fanned out", slog.String("user_id", userID), slog.Any("error", err))
	}
	_ = s.events.Publish(ctx, observability.RoutingKeyPresence, observability.NewPresenceEnvelope(userID, status, at), nil)
}

// RunSweeper periodically clears users whose sessions all expired without a disconnect, as
// happens when a relay process dies.
func (s *Server) RunSweeper(ctx context.Context) error {
	if s.opts.SweepInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one presence sweep, announces the users that went offline and reclaims the
// room memberships of expired connections.
func (s *Server) Sweep(ctx context.Context) {
	for _, userID := range s.presence.Sweep(ctx) {
		s.broadcastStatus(ctx, userID, models.StatusOffline)
	}
	s.rooms.Reclaim(ctx)
}
