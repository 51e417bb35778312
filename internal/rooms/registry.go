package rooms

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"relay-service/internal/models"
	"relay-service/internal/session"
	"relay-service/internal/ws"
)

const (
	directRoomPrefix   = "chat_"
	personalRoomPrefix = "user_"
)

// DirectRoomID is the room shared by two users. It is symmetric in its arguments.
func DirectRoomID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return directRoomPrefix + a + "_" + b
}

// PersonalRoomID is the room every connection of a user is placed in.
func PersonalRoomID(userID string) string {
	return personalRoomPrefix + userID
}

// IsPersonal reports whether roomID is a personal room.
func IsPersonal(roomID string) bool {
	return strings.HasPrefix(roomID, personalRoomPrefix)
}

var (
	ErrPersonalRoom   = errors.New("personal rooms cannot be joined or left")
	ErrNotParticipant = errors.New("not a participant of this conversation")
)

// CheckAccess reports whether userID may join or leave roomID on request. Personal rooms are
// managed by the relay only, and a direct room is open to its two participants only.
func CheckAccess(userID, roomID string) error {
	if IsPersonal(roomID) {
		return ErrPersonalRoom
	}
	if !strings.HasPrefix(roomID, directRoomPrefix) {
		return nil
	}
	pair := strings.TrimPrefix(roomID, directRoomPrefix)
	var other string
	switch {
	case strings.HasPrefix(pair, userID+"_"):
		other = strings.TrimPrefix(pair, userID+"_")
	case strings.HasSuffix(pair, "_"+userID):
		other = strings.TrimSuffix(pair, "_"+userID)
	default:
		return ErrNotParticipant
	}
	if DirectRoomID(userID, other) != roomID {
		return ErrNotParticipant
	}
	return nil
}

// Member is an authenticated connection taking part in rooms.
type Member struct {
	Peer   ws.Peer
	UserID string
}

func (m Member) ConnID() string { return m.Peer.ID() }

// Notifier broadcasts membership changes to the other members of a room.
type Notifier interface {
	Room(ctx context.Context, roomID, event string, payload any, skip string) error
}

// Registry tracks room membership locally in the hub and cluster-wide in the shared store.
// Shared store failures are logged and leave the local view intact.
type Registry struct {
	hub      *ws.Hub
	store    session.MembershipStore
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

func NewRegistry(hub *ws.Hub, store session.MembershipStore, notifier Notifier, logger *slog.Logger) *Registry {
	return &Registry{
		hub:      hub,
		store:    store,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "rooms")),
		now:      time.Now,
	}
}

// Join adds the member to the room and tells the other members. It reports false, and
// notifies nobody, when the connection was already in the room.
func (r *Registry) Join(ctx context.Context, m Member, roomID string) bool {
	if !r.join(ctx, m, roomID) {
		return false
	}
	r.notify(ctx, models.EventUserJoined, m, roomID)
	return true
}

// Leave removes the member from the room and tells the remaining members. It reports false,
// and notifies nobody, when the connection was not in the room.
func (r *Registry) Leave(ctx context.Context, m Member, roomID string) bool {
	if !r.leave(ctx, m, roomID) {
		return false
	}
	r.notify(ctx, models.EventUserLeft, m, roomID)
	return true
}

// JoinPersonal places the connection in its user's personal room without notifying anyone.
func (r *Registry) JoinPersonal(ctx context.Context, m Member) {
	r.join(ctx, m, PersonalRoomID(m.UserID))
}

// LeaveAll removes the member from every room it joined on this process. The personal room
// is left silently.
func (r *Registry) LeaveAll(ctx context.Context, m Member) {
	personal := PersonalRoomID(m.UserID)
	for _, roomID := range r.hub.RoomsOf(m.ConnID()) {
		if roomID == personal {
			r.leave(ctx, m, roomID)
			continue
		}
		r.Leave(ctx, m, roomID)
	}
}

// Restore rewrites the shared membership of every room the connection holds locally. It is
// used after the connection's session had expired and was bound again.
func (r *Registry) Restore(ctx context.Context, m Member) {
	for _, roomID := range r.hub.RoomsOf(m.ConnID()) {
		if err := r.store.AddMember(ctx, roomID, m.ConnID(), m.UserID); err != nil {
			r.logger.Warn("shared room restore failed", slog.String("room_id", roomID), slog.String("conn_id", m.ConnID()), slog.Any("error", err))
		}
	}
}

// Reclaim drops shared memberships left behind by connections whose session expired, as
// happens when a relay process dies.
func (r *Registry) Reclaim(ctx context.Context) {
	removed, err := r.store.PruneRooms(ctx)
	if err != nil {
		r.logger.Warn("room reclaim failed", slog.Any("error", err))
		return
	}
	if removed > 0 {
		r.logger.Info("reclaimed stale room members", slog.Int("removed", removed))
	}
}

// MembersOf returns the distinct users with a live connection in the room, across the
// cluster. The view is eventually consistent.
func (r *Registry) MembersOf(ctx context.Context, roomID string) ([]string, error) {
	return r.store.Members(ctx, roomID)
}

func (r *Registry) join(ctx context.Context, m Member, roomID string) bool {
	joined := r.hub.Join(roomID, m.Peer)
	if err := r.store.AddMember(ctx, roomID, m.ConnID(), m.UserID); err != nil {
		r.logger.Warn("shared room join failed", slog.String("room_id", roomID), slog.String("conn_id", m.ConnID()), slog.Any("error", err))
	}
	return joined
}

func (r *Registry) leave(ctx context.Context, m Member, roomID string) bool {
	present := r.hub.Leave(roomID, m.ConnID())
	if err := r.store.RemoveMember(ctx, roomID, m.ConnID()); err != nil {
		r.logger.Warn("shared room leave failed", slog.String("room_id", roomID), slog.String("conn_id", m.ConnID()), slog.Any("error", err))
	}
	return present
}

func (r *Registry) notify(ctx context.Context, event string, m Member, roomID string) {
	payload := models.RoomMembership{UserID: m.UserID, RoomID: roomID, Timestamp: r.now().UTC()}
	if err := r.notifier.Room(ctx, roomID, event, payload, m.ConnID()); err != nil {
		r.logger.Warn("membership notification not fanned out", slog.String("room_id", roomID), slog.String("event", event), slog.Any("error", err))
	}
}
