package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"relay-service/internal/auth"
	"relay-service/internal/fanout"
	"relay-service/internal/mocks"
	"relay-service/internal/models"
	"relay-service/internal/observability"
	"relay-service/internal/presence"
	"relay-service/internal/repositories"
	"relay-service/internal/rooms"
	"relay-service/internal/session"
	"relay-service/internal/ws"
)

const testSecret = "test-secret"

type fakePeer struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Send(frame []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.frames = append(p.frames, frame)
	return true
}

func (p *fakePeer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

// received returns the data of every frame carrying event.
func (p *fakePeer) received(event string) []gjson.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []gjson.Result
	for _, f := range p.frames {
		if models.EventNameOf(f) == event {
			out = append(out, gjson.GetBytes(f, "data"))
		}
	}
	return out
}

func (p *fakePeer) errorCodes() []string {
	var codes []string
	for _, data := range p.received(models.EventError) {
		codes = append(codes, data.Get("code").String())
	}
	return codes
}

func (p *fakePeer) statuses(status string) []string {
	var users []string
	for _, data := range p.received(models.EventUserStatus) {
		if data.Get("status").String() == status {
			users = append(users, data.Get("user_id").String())
		}
	}
	return users
}

func (p *fakePeer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

type node struct {
	hub         *ws.Hub
	broadcaster *fanout.Broadcaster
	rooms       *rooms.Registry
	server      *Server
}

type harness struct {
	t         *testing.T
	ctx       context.Context
	store     *session.MemoryStore
	repo      *mocks.MessageRepositoryMock
	publisher *mocks.PublisherMock
	network   *fanout.LoopbackNetwork
	opts      Options
	nodes     []*node
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, nodes int, opts Options) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := &harness{
		t:         t,
		ctx:       ctx,
		store:     session.NewMemoryStore(),
		repo:      &mocks.MessageRepositoryMock{},
		publisher: &mocks.PublisherMock{},
		network:   fanout.NewLoopbackNetwork(),
		opts:      opts,
	}
	h.publisher.On("PublishJSON", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	for i := 0; i < nodes; i++ {
		bus := h.network.Join()
		h.addNode(bus, string(rune('A'+i)))
		require.Eventually(t, func() bool { return bus.Bound(fanout.TargetAll) }, time.Second, time.Millisecond)
	}
	return h
}

func (h *harness) addNode(bus fanout.Bus, origin string) *node {
	logger := discardLogger()
	hub := ws.NewHub()
	b := fanout.NewBroadcaster(hub, bus, origin, logger)
	registry := rooms.NewRegistry(hub, h.store, b, logger)
	server := NewServer(Deps{
		Verifier:    auth.NewVerifier(testSecret),
		Sessions:    h.store,
		Presence:    presence.NewTracker(h.store, logger),
		Rooms:       registry,
		Messages:    h.repo,
		Broadcaster: b,
		Events:      observability.NewEvents(h.publisher, logger),
		Logger:      logger,
	}, h.opts)

	if _, ok := bus.(*fanout.LoopbackBus); ok {
		go func() { _ = b.Run(h.ctx) }()
	}
	nd := &node{hub: hub, broadcaster: b, rooms: registry, server: server}
	h.nodes = append(h.nodes, nd)
	return nd
}

func (h *harness) connect(n int, id string) (*Conn, *fakePeer) {
	peer := &fakePeer{id: id}
	nd := h.nodes[n]
	nd.hub.Register(peer)
	return nd.server.Connect(peer, "127.0.0.1"), peer
}

func (h *harness) disconnect(c *Conn) {
	c.Close()
	c.Closed()
	for _, nd := range h.nodes {
		nd.hub.Unregister(c.ID())
	}
}

func (h *harness) login(c *Conn, userID string) {
	h.t.Helper()
	h.repo.On("FetchUndelivered", mock.Anything, userID, mock.Anything).Return(nil, nil).Once()
	c.HandleFrame(h.ctx, frame(models.EventAuthenticate, map[string]any{"token": token(h.t, userID, time.Hour)}))
	require.Equal(h.t, StateAuthenticated, c.State())
}

func (h *harness) send(c *Conn, event string, data any) {
	c.HandleFrame(h.ctx, frame(event, data))
}

func token(t *testing.T, userID string, ttl time.Duration) string {
	t.Helper()
	tok, err := auth.NewToken(testSecret, userID, ttl)
	require.NoError(t, err)
	return tok
}

func frame(event string, data any) []byte {
	raw := map[string]any{"event": event}
	if data != nil {
		raw["data"] = data
	}
	b, _ := json.Marshal(raw)
	return b
}

func TestAuthenticateBindsSessionAndAnnouncesOnline(t *testing.T) {
	h := newHarness(t, 1, DefaultOptions())
	c, peer := h.connect(0, "conn-a")

	h.login(c, "1")

	authenticated := peer.received(models.EventAuthenticated)
	require.Len(t, authenticated, 1)
	assert.Equal(t, "1", authenticated[0].Get("user_id").String())
	assert.Equal(t, []string{"1"}, peer.statuses(models.StatusOnline), "the sender sees its own status")
	assert.Empty(t, peer.received(models.EventUndeliveredMessages))

	conns, err := h.store.ConnectionsOf(h.ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, []string{"conn-a"}, conns)
	assert.True(t, h.nodes[0].hub.HasRoom(rooms.PersonalRoomID("1")))
}

func TestAuthenticateRejectsBadTokens(t *testing.T) {
	h := newHarness(t, 1, DefaultOptions())
	c, peer := h.connect(0, "conn-a")

	h.send(c, models.EventAuthenticate, map[string]any{})
	h.send(c, models.EventAuthenticate, map[string]any{"token": "not-a-token"})
	h.send(c, models.EventAuthenticate, map[string]any{"token": token(t, "1", -time.Minute)})

	assert.Equal(t, []string{models.CodeAuthRequired, models.CodeAuthFailed, models.CodeAuthFailed}, peer.errorCodes())
	errs := peer.received(models.EventError)
	assert.Equal(t, "invalid token", errs[1].Get("message").String())
	assert.Equal(t, "token expired", errs[2].Get("message").String())
	assert.Equal(t, StateUnauthenticated, c.State())
	assert.Empty(t, peer.received(models.EventUserStatus))
}

func TestAuthenticateWithHandshakeToken(t *testing.T) {
	h := newHarness(t, 1, DefaultOptions())
	peer := &fakePeer{id: "conn-a"}
	h.nodes[0].hub.Register(peer)
	h.repo.On("FetchUndelivered", mock.Anything, "1", mock.Anything).Return(nil, nil).Once()

	c := h.nodes[0].server.Connect(peer, "127.0.0.1")
	h.nodes[0].server.authenticate(h.ctx, c, token(t, "1", time.Hour))

	assert.Equal(t, StateAuthenticated, c.State())
	assert.Equal(t, "1", c.UserID())
	assert.Len(t, peer.received(models.EventAuthenticated), 1)
}

func TestAuthenticateDeliversBacklog(t *testing.T) {
	h := newHarness(t, 1, DefaultOptions())
	c, peer := h.connect(0, "conn-a")
	backlog := []models.Message{
		{ID: 9, SenderID: "2", ReceiverID: "1", Content: "later", MessageType: "text"},
		{ID: 8, SenderID: "2", ReceiverID: "1", Content: "earlier", MessageType: "text"},
	}
	h.repo.On("FetchUndelivered", mock.Anything, "1", 100).Return(backlog, nil).Once()

	h.send(c, models.EventAuthenticate, map[string]any{"token": token(t, "1", time.Hour)})

	undelivered := peer.received(models.EventUndeliveredMessages)
	require.Len(t, undelivered, 1)
	messages := undelivered[0].Get("messages").Array()
	require.Len(t, messages, 2)
	assert.Equal(t, int64(9), messages[0].Get("message_id").Int())
	h.repo.AssertExpectations(t)
}

func TestPresenceEdgesAreEmittedOnce(t *testing.T) {
	h := newHarness(t, 1, DefaultOptions())
	_, observer := h.connect(0, "observer")
	first, _ := h.connect(0, "conn-a")
	second, _ := h.connect(0, "conn-b")

	h.login(first, "1")
	h.login(second, "1")
	assert.Equal(t, []string{"1"}, observer.statuses(models.StatusOnline))

	h.disconnect(first)
	assert.Empty(t, observer.statuses(models.StatusOffline), "one session remains")
	assert.True(t, h.nodes[0].server.presence.IsOnline(h.ctx, "1"))

	h.disconnect(second)
	assert.Equal(t, []string{"1"}, observer.statuses(models.StatusOffline))
	assert.False(t, h.nodes[0].server.presence.IsOnline(h.ctx, "1"))
}

func TestReauthenticateSameUserDoesNotDoubleCount(t *testing.T) {
	h := newHarness(t, 1, DefaultOptions())
	_, observer := h.connect(0, "observer")
	c, _ := h.connect(0, "conn-a")

	h.login(c, "1")
	h.login(c, "1")

	conns, err := h.store.ConnectionsOf(h.ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, []string{"conn-a"}, conns)
	assert.Equal(t, []string{"1"}, observer.statuses(models.StatusOnline))

	h.disconnect(c)
	assert.Equal(t, []string{"1"}, observer.statuses(models.StatusOffline))
}

func TestPresenceTransitionsArePublished(t *testing.T) {
	h := newHarness(t, 1, DefaultOptions())
	a, _ := h.connect(0, "conn-a")
	second, _ := h.connect(0, "conn-b")
	h.login(a, "1")
	h.login(second, "1")
	h.disconnect(second)
	h.disconnect(a)

	var names []string
	for _, call := range h.publisher.Calls {
		if call.Arguments.String(1) != observability.RoutingKeyPresence {
			continue
		}
		envelope := call.Arguments.Get(2).(observability.EventEnvelope)
		payload := envelope.Payload.(observability.PresenceEventPayload)
		assert.Equal(t, "1", payload.UserID)
		names = append(names, envelope.EventName)
	}
	assert.Equal(t, []string{observability.EventPresenceOnline, observability.EventPresenceOffline}, names)
}

func TestReauthenticateAsAnotherUserReleasesThePrevious(t *testing.T) {
	h := newHarness(t, 1, DefaultOptions())
	_, observer := h.connect(0, "observer")
	c, _ := h.connect(0, "conn-a")

	h.login(c, "1")
	h.login(c, "2")

	assert.Equal(t, []string{"1", "2"}, observer.statuses(models.StatusOnline))
	assert.Equal(t, []string{"1"}, observer.statuses(models.StatusOffline))
	assert.Equal(t, []string{"2"}, h.nodes[0].server.presence.AllOnline(h.ctx))
	assert.False(t, h.nodes[0].hub.HasRoom(rooms.PersonalRoomID("1")))
	assert.True(t, h.nodes[0].hub.HasRoom(rooms.PersonalRoomID("2")))
}

func TestJoinRoom(t *testing.T) {
	h := newHarness(t, 1, DefaultOptions())
	a, peerA := h.connect(0, "conn-a")
	b, peerB := h.connect(0, "conn-b")

	h.send(a, models.EventJoinRoom, map[string]any{"room_id": "chat_1_2"})
	assert.Equal(t, []string{models.CodeNotAuthenticated}, peerA.errorCodes())

	h.login(a, "1")
	h.login(b, "2")
	h.send(a, models.EventJoinRoom, map[string]any{"room_id": " "})
	assert.Equal(t, []string{models.CodeNotAuthenticated, models.CodeInvalidRequest}, peerA.errorCodes())

	h.send(b, models.EventJoinRoom, map[string]any{"room_id": "chat_1_2"})
	h.send(a, models.EventJoinRoom, map[string]any{"room_id": "chat_1_2"})

	joined := peerA.received(models.EventRoomJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, "chat_1_2", joined[0].Get("room_id").String())

	userJoined := peerB.received(models.EventUserJoined)
	require.Len(t, userJoined, 1)
	assert.Equal(t, "1", userJoined[0].Get("user_id").String())
	assert.Empty(t, peerA.received(models.EventUserJoined), "the joiner is not told about itself")

	members, err := h.nodes[0].rooms.MembersOf(h.ctx, "chat_1_2")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, members)
}

func TestLeaveRoomIsSilentWithoutSession(t *testing.T) {
	h := newHarness(t, 1, DefaultOptions())
	a, peerA := h.connect(0, "conn-a")
	b, peerB := h.connect(0, "conn-b")

	h.send(a, models.EventLeaveRoom, map[string]any{"room_id": "chat_1_2"})
	assert.Zero(t, peerA.count())

	h.login(a, "1")
	h.login(b, "2")
	h.send(a, models.EventJoinRoom, map[string]any{"room_id": "chat_1_2"})
	h.send(b, models.EventJoinRoom, map[string]any{"room_id": "chat_1_2"})
	h.send(b, models.EventLeaveRoom, map[string]any{"room_id": "chat_1_2"})

	left := peerA.received(models.EventUserLeft)
	require.Len(t, left, 1)
	assert.Equal(t, "2", left[0].Get("user_id").String())
	assert.Empty(t, peerB.received(models.EventUserLeft))
}

func TestPersonalRoomsAreNotClientManaged(t *testing.T) {
	h := newHarness(t, 1, DefaultOptions())
	a, peerA := h.connect(0, "conn-a")
	b, peerB := h.connect(0, "conn-b")
	h.login(a, "3")
	h.login(b, "2")

	h.send(a, models.EventJoinRoom, map[string]any{"room_id": rooms.PersonalRoomID("2")})
	h.send(a, models.EventJoinRoom, map[string]any{"room_id": "chat_1_2"})
	h.send(b, models.EventLeaveRoom, map[string]any{"room_id": rooms.PersonalRoomID("2")})

	assert.Equal(t, []string{models.CodeInvalidRequest, models.CodeInvalidRequest}, peerA.errorCodes())
	assert.Equal(t, []string{models.CodeInvalidRequest}, peerB.errorCodes())
	assert.Empty(t, peerA.received(models.EventRoomJoined))
	assert.Empty(t, peerB.received(models.EventUserJoined))
	assert.Empty(t, peerB.received(models.EventUserLeft))

	h.repo.On("SaveMessage", mock.Anything, "1", "2", "for 2 only", models.DefaultMessageType, mock.Anything).
		Return(models.Message{ID: 9, SenderID: "1", ReceiverID: "2", Content: "for 2 only", MessageType: "text"}, nil).Once()
	sender, _ := h.connect(0, "conn-c")
	h.login(sender, "1")
	h.send(sender, models.EventSendMessage, map[string]any{"receiver_id": "2", "content": "for 2 only"})

	assert.Len(t, peerB.received(models.EventNewMessage), 1, "the receiver keeps its personal room")
	assert.Empty(t, peerA.received(models.EventNewMessage), "another user cannot listen on it")
}

func TestRepeatedJoinAndForeignLeaveAreNotAnnounced(t *testing.T) {
	h := newHarness(t, 1, DefaultOptions())
	a, _ := h.connect(0, "conn-a")
	b, peerB := h.connect(0, "conn-b")
	h.login(a, "1")
	h.login(b, "2")
	h.send(b, models.EventJoinRoom, map[string]any{"room_id": "lobby"})

	h.send(a, models.EventJoinRoom, map[string]any{"room_id": "lobby"})
	h.send(a, models.EventJoinRoom, map[string]any{"room_id": "lobby"})
	h.send(a, models.EventLeaveRoom, map[string]any{"room_id": "elsewhere"})

	assert.Len(t, peerB.received(models.EventUserJoined), 1)
	assert.Empty(t, peerB.received(models.EventUserLeft))
}

func TestSendMessageFansOutToRoomAndReceiver(t *testing.T) {
	h := newHarness(t, 1, DefaultOptions())
	a, peerA := h.connect(0, "conn-a")
	b, peerB := h.connect(0, "conn-b")
	h.login(a, "1")
	h.login(b, "2")
	h.send(a, models.EventJoinRoom, map[string]any{"room_id": rooms.DirectRoomID("2", "1")})

	createdAt := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	h.repo.On("SaveMessage", mock.Anything, "1", "2", "hi", models.DefaultMessageType, mock.Anything).
		Return(models.Message{ID: 7, SenderID: "1", ReceiverID: "2", Content: "hi", MessageType: "text", CreatedAt: createdAt}, nil).Once()

	h.send(a, models.EventSendMessage, map[string]any{"receiver_id": 2, "content": "hi"})

	sent := peerA.received(models.EventMessageSent)
	require.Len(t, sent, 1)
	assert.Equal(t, int64(7), sent[0].Get("message_id").Int())

	roomCopy := peerA.received(models.EventNewMessage)
	require.Len(t, roomCopy, 1, "the direct room receives new_message")
	personalCopy := peerB.received(models.EventNewMessage)
	require.Len(t, personalCopy, 1, "the receiver's personal room receives new_message")
	assert.Equal(t, "hi", personalCopy[0].Get("content").String())
	assert.Equal(t, "1", personalCopy[0].Get("sender_id").String())
	h.repo.AssertExpectations(t)
}

func TestSendMessageValidation(t *testing.T) {
	h := newHarness(t, 1, DefaultOptions())
	a, peerA := h.connect(0, "conn-a")

	h.send(a, models.EventSendMessage, map[string]any{"receiver_id": "2", "content": "hi"})
	h.login(a, "1")
	h.send(a, models.EventSendMessage, map[string]any{"receiver_id": "2"})
	h.send(a, models.EventSendMessage, map[string]any{"content": "hi"})

	assert.Equal(t, []string{models.CodeNotAuthenticated, models.CodeInvalidRequest, models.CodeInvalidRequest}, peerA.errorCodes())
	h.repo.AssertNotCalled(t, "SaveMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSendMessageSaveFailureBroadcastsNothing(t *testing.T) {
	h := newHarness(t, 1, DefaultOptions())
	a, peerA := h.connect(0, "conn-a")
	b, peerB := h.connect(0, "conn-b")
	h.login(a, "1")
	h.login(b, "2")
	h.send(b, models.EventJoinRoom, map[string]any{"room_id": "chat_1_2"})

	saveErr := &repositories.PersistenceError{Op: "save message", Err: errors.New("connection refused")}
	h.repo.On("SaveMessage", mock.Anything, "1", "2", "hi", "text", mock.Anything).Return(nil, saveErr).Once()

	h.send(a, models.EventSendMessage, map[string]any{"receiver_id": "2", "content": "hi"})

	assert.Equal(t, []string{models.CodeMessageSaveFailed}, peerA.errorCodes())
	assert.Empty(t, peerA.received(models.EventMessageSent))
	assert.Empty(t, peerB.received(models.EventNewMessage))
}

func TestTypingSkipsSender(t *testing.T) {
	h := newHarness(t, 1, DefaultOptions())
	a, peerA := h.connect(0, "conn-a")
	b, peerB := h.connect(0, "conn-b")

	h.send(a, models.EventTypingStart, map[string]any{"receiver_id": "2"})
	assert.Zero(t, peerA.count(), "passive events are dropped silently")

	h.login(a, "1")
	h.login(b, "2")
	h.send(a, models.EventJoinRoom, map[string]any{"room_id": "chat_1_2"})
	h.send(b, models.EventJoinRoom, map[string]any{"room_id": "chat_1_2"})

	h.send(a, models.EventTypingStart, map[string]any{"receiver_id": "2"})
	h.send(a, models.EventTypingStop, map[string]any{"receiver_id": "2"})

	typing := peerB.received(models.EventUserTyping)
	require.Len(t, typing, 2)
	assert.True(t, typing[0].Get("typing").Bool())
	assert.False(t, typing[1].Get("typing").Bool())
	assert.Equal(t, "1", typing[0].Get("user_id").String())
	assert.Empty(t, peerA.received(models.EventUserTyping))
}

func TestDeliveredAndReadAcknowledgements(t *testing.T) {
	h := newHarness(t, 1, DefaultOptions())
	a, peerA := h.connect(0, "conn-a")
	b, peerB := h.connect(0, "conn-b")
	h.login(a, "1")
	h.login(b, "2")
	before := peerA.count()

	h.repo.On("MarkDelivered", mock.Anything, int64(7), "1").Return(nil).Once()
	h.repo.On("MarkDelivered", mock.Anything, int64(8), "1").Return(repositories.ErrMessageNotFound).Once()
	h.repo.On("MarkRead", mock.Anything, int64(7), "1").Return("2", nil).Once()
	h.repo.On("MarkRead", mock.Anything, int64(8), "1").Return("", errors.New("db down")).Once()

	h.send(a, models.EventMessageDelivered, map[string]any{"message_id": 7})
	h.send(a, models.EventMessageDelivered, map[string]any{"message_id": "8"})
	h.send(a, models.EventMessageRead, map[string]any{"message_id": 7})
	h.send(a, models.EventMessageRead, map[string]any{"message_id": 8})
	h.send(a, models.EventMessageRead, map[string]any{})

	assert.Equal(t, before, peerA.count(), "acknowledgement failures are not reported")
	receipts := peerB.received(models.EventMessageReadReceipt)
	require.Len(t, receipts, 1)
	assert.Equal(t, int64(7), receipts[0].Get("message_id").Int())
	assert.Equal(t, "1", receipts[0].Get("read_by").String())
	h.repo.AssertExpectations(t)
}

func TestGetOnlineUsersNeedsNoSession(t *testing.T) {
	h := newHarness(t, 1, DefaultOptions())
	a, _ := h.connect(0, "conn-a")
	b, _ := h.connect(0, "conn-b")
	h.login(a, "1")
	h.login(b, "2")

	observer, peer := h.connect(0, "late")
	h.send(observer, models.EventGetOnlineUsers, nil)

	online := peer.received(models.EventOnlineUsers)
	require.Len(t, online, 1)
	assert.Equal(t, int64(2), online[0].Get("count").Int())
	assert.ElementsMatch(t, []string{"1", "2"}, []string{online[0].Get("users.0").String(), online[0].Get("users.1").String()})
}

func TestRejectsMalformedFrames(t *testing.T) {
	h := newHarness(t, 1, DefaultOptions())
	c, peer := h.connect(0, "conn-a")

	c.HandleFrame(h.ctx, []byte(`{"event":`))
	c.HandleFrame(h.ctx, []byte(`{"event":"self_destruct","data":{}}`))
	c.HandleFrame(h.ctx, []byte(`{"event":"join_room","data":"chat_1_2"}`))
	h.login(c, "1")
	c.HandleFrame(h.ctx, []byte(`{"event":"join_room","data":"chat_1_2"}`))

	assert.Equal(t, []string{
		models.CodeInvalidRequest,
		models.CodeInvalidRequest,
		models.CodeNotAuthenticated,
		models.CodeInvalidRequest,
	}, peer.errorCodes())
}

func TestSilentRoutesDropMalformedPayloads(t *testing.T) {
	h := newHarness(t, 1, DefaultOptions())
	c, peer := h.connect(0, "conn-a")

	c.HandleFrame(h.ctx, []byte(`{"event":"message_delivered","data":{"message_id":"abc"}}`))
	c.HandleFrame(h.ctx, []byte(`{"event":"typing_start","data":"2"}`))
	assert.Zero(t, peer.count(), "unauthenticated passive events are dropped")

	h.login(c, "1")
	before := peer.count()
	c.HandleFrame(h.ctx, []byte(`{"event":"message_read","data":{"message_id":[1]}}`))
	c.HandleFrame(h.ctx, []byte(`{"event":"typing_stop","data":{"receiver_id":{}}}`))
	c.HandleFrame(h.ctx, []byte(`{"event":"leave_room","data":7}`))

	assert.Equal(t, before, peer.count())
	assert.Empty(t, peer.errorCodes())
	h.repo.AssertNotCalled(t, "MarkRead", mock.Anything, mock.Anything, mock.Anything)
}

func TestRateLimitedConnection(t *testing.T) {
	opts := DefaultOptions()
	opts.RateLimit = 1
	opts.RateBurst = 1
	h := newHarness(t, 1, opts)
	c, peer := h.connect(0, "conn-a")

	h.send(c, models.EventGetOnlineUsers, nil)
	h.send(c, models.EventGetOnlineUsers, nil)

	assert.Len(t, peer.received(models.EventOnlineUsers), 1)
	assert.Equal(t, []string{models.CodeRateLimited}, peer.errorCodes())
}

func TestHandlerPanicIsContained(t *testing.T) {
	h := newHarness(t, 1, DefaultOptions())
	c, peer := h.connect(0, "conn-a")
	h.login(c, "1")
	h.repo.On("SaveMessage", mock.Anything, "1", "2", "boom", "text", mock.Anything).
		Run(func(mock.Arguments) { panic("driver bug") }).Return(nil, nil).Once()

	assert.NotPanics(t, func() {
		h.send(c, models.EventSendMessage, map[string]any{"receiver_id": "2", "content": "boom"})
	})

	h.send(c, models.EventGetOnlineUsers, nil)
	assert.Len(t, peer.received(models.EventOnlineUsers), 1)
	assert.Equal(t, StateAuthenticated, c.State())
}

func TestDisconnectCleansUpOnce(t *testing.T) {
	h := newHarness(t, 1, DefaultOptions())
	a, _ := h.connect(0, "conn-a")
	b, peerB := h.connect(0, "conn-b")
	h.login(a, "1")
	h.login(b, "2")
	h.send(a, models.EventJoinRoom, map[string]any{"room_id": "chat_1_2"})
	h.send(b, models.EventJoinRoom, map[string]any{"room_id": "chat_1_2"})

	h.disconnect(a)
	a.Closed()

	left := peerB.received(models.EventUserLeft)
	require.Len(t, left, 1)
	assert.Equal(t, "1", left[0].Get("user_id").String())
	assert.Equal(t, []string{"1"}, peerB.statuses(models.StatusOffline))
	assert.Equal(t, StateClosed, a.State())
	assert.Equal(t, 1, h.nodes[0].server.Connections())

	conns, err := h.store.ConnectionsOf(h.ctx, "1")
	require.NoError(t, err)
	assert.Empty(t, conns)
	members, err := h.nodes[0].rooms.MembersOf(h.ctx, "chat_1_2")
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, members)
	assert.NotContains(t, h.store.Rooms(), rooms.PersonalRoomID("1"))
	assert.Empty(t, h.nodes[0].hub.RoomsOf("conn-a"))

	h.send(b, models.EventGetOnlineUsers, nil)
	online := peerB.received(models.EventOnlineUsers)
	require.Len(t, online, 1)
	assert.Equal(t, "2", online[0].Get("users.0").String())
	assert.Equal(t, int64(1), online[0].Get("count").Int())
}

func TestWaitReturnsOnceCleanupFinished(t *testing.T) {
	h := newHarness(t, 1, DefaultOptions())
	a, _ := h.connect(0, "conn-a")
	b, _ := h.connect(0, "conn-b")
	h.login(a, "1")

	short, cancel := context.WithTimeout(h.ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.nodes[0].server.Wait(short), context.DeadlineExceeded)

	h.disconnect(a)
	h.disconnect(b)

	require.NoError(t, h.nodes[0].server.Wait(h.ctx))
	assert.Empty(t, h.nodes[0].server.presence.AllOnline(h.ctx))
}

func TestSweepAndHeartbeatAfterExpiry(t *testing.T) {
	h := newHarness(t, 1, DefaultOptions())
	now := time.Now()
	h.store.SetClock(func() time.Time { return now })
	_, observer := h.connect(0, "observer")
	c, _ := h.connect(0, "conn-a")
	h.login(c, "1")
	h.send(c, models.EventJoinRoom, map[string]any{"room_id": "chat_1_2"})

	h.nodes[0].server.Sweep(h.ctx)
	assert.Empty(t, observer.statuses(models.StatusOffline), "live sessions survive the sweep")
	assert.Equal(t, []string{"chat_1_2", rooms.PersonalRoomID("1")}, h.store.Rooms())

	now = now.Add(h.opts.SessionTTL + time.Minute)
	h.nodes[0].server.Sweep(h.ctx)
	assert.Equal(t, []string{"1"}, observer.statuses(models.StatusOffline))
	assert.Empty(t, h.store.Rooms(), "the sweep reclaims memberships of expired connections")

	c.Heartbeat(h.ctx)
	assert.Equal(t, []string{"1", "1"}, observer.statuses(models.StatusOnline), "a live connection re-binds its expired session")
	assert.True(t, h.nodes[0].server.presence.IsOnline(h.ctx, "1"))
	members, err := h.nodes[0].rooms.MembersOf(h.ctx, "chat_1_2")
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, members, "a re-bound connection restores its shared memberships")
}

func TestRunSweeperStopsWithContext(t *testing.T) {
	opts := DefaultOptions()
	opts.SweepInterval = time.Millisecond
	h := newHarness(t, 1, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.nodes[0].server.RunSweeper(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestMessageCrossesProcesses(t *testing.T) {
	h := newHarness(t, 2, DefaultOptions())
	a, peerA := h.connect(0, "conn-a")
	b, peerB := h.connect(1, "conn-b")
	h.login(b, "2")
	h.login(a, "1")

	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"2", "1"}, peerB.statuses(models.StatusOnline))
	}, time.Second, time.Millisecond)

	h.repo.On("SaveMessage", mock.Anything, "1", "2", "across", "text", mock.Anything).
		Return(models.Message{ID: 11, SenderID: "1", ReceiverID: "2", Content: "across", MessageType: "text"}, nil).Once()
	h.send(a, models.EventSendMessage, map[string]any{"receiver_id": "2", "content": "across"})

	assert.Len(t, peerA.received(models.EventMessageSent), 1)
	assert.Eventually(t, func() bool { return len(peerB.received(models.EventNewMessage)) == 1 }, time.Second, time.Millisecond)

	h.disconnect(a)
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"1"}, peerB.statuses(models.StatusOffline))
	}, time.Second, time.Millisecond)
}

func TestFanoutFailureStillAcknowledgesSender(t *testing.T) {
	h := newHarness(t, 0, DefaultOptions())
	bus := &mocks.BusMock{}
	bus.On("Bind", mock.Anything, mock.Anything).Return(nil)
	bus.On("Unbind", mock.Anything, mock.Anything).Return(nil)
	bus.On("Publish", mock.Anything, mock.Anything).Return(errors.New("broker unreachable"))
	h.addNode(bus, "A")

	a, peerA := h.connect(0, "conn-a")
	b, peerB := h.connect(0, "conn-b")
	h.login(a, "1")
	h.login(b, "2")
	h.repo.On("SaveMessage", mock.Anything, "1", "2", "hi", "text", mock.Anything).
		Return(models.Message{ID: 3, SenderID: "1", ReceiverID: "2", Content: "hi", MessageType: "text"}, nil).Once()

	h.send(a, models.EventSendMessage, map[string]any{"receiver_id": "2", "content": "hi"})

	assert.Len(t, peerA.received(models.EventMessageSent), 1)
	assert.Len(t, peerB.received(models.EventNewMessage), 1, "local members are served without the bus")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "unauthenticated", StateUnauthenticated.String())
	assert.Equal(t, "authenticated", StateAuthenticated.String())
	assert.Equal(t, "closed", StateClosed.String())
}
