package session

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("session not found")

// Store maps connection handles to user identities and back. Implementations must make each
// operation atomic with respect to the shared store.
type Store interface {
	// Bind records connID -> userID with an expiry. It is idempotent and returns the user the
	// connection was previously bound to, or "" when it was unbound or bound to the same user.
	Bind(ctx context.Context, connID, userID string, ttl time.Duration) (string, error)
	Resolve(ctx context.Context, connID string) (string, error)
	// Unbind removes both directions of the mapping and returns the user that was unbound.
	Unbind(ctx context.Context, connID string) (string, error)
	ConnectionsOf(ctx context.Context, userID string) ([]string, error)
	// Touch extends the expiry of a live session. It returns ErrNotFound when it already expired.
	Touch(ctx context.Context, connID string, ttl time.Duration) error
}

// PresenceStore keeps the set of online users.
type PresenceStore interface {
	// AddOnline reports true only when the user was not online before.
	AddOnline(ctx context.Context, userID string) (bool, error)
	// RemoveOnlineIfNoSessions drops expired session references of the user and removes the
	// user from the online set when no live session remains, in one atomic step. It reports
	// true only when the user was removed.
	RemoveOnlineIfNoSessions(ctx context.Context, userID string) (bool, error)
	IsOnline(ctx context.Context, userID string) (bool, error)
	OnlineUsers(ctx context.Context) ([]string, error)
}

// MembershipStore keeps cluster-wide room membership keyed by connection.
type MembershipStore interface {
	AddMember(ctx context.Context, roomID, connID, userID string) error
	RemoveMember(ctx context.Context, roomID, connID string) error
	// Members returns the distinct users with at least one live connection in the room.
	Members(ctx context.Context, roomID string) ([]string, error)
	// PruneRooms drops the members of every room whose session expired and forgets rooms left
	// empty. It returns the number of members dropped.
	PruneRooms(ctx context.Context) (int, error)
}

// Backend is the full distributed state shared by every relay process.
type Backend interface {
	Store
	PresenceStore
	MembershipStore
	Ping(ctx context.Context) error
	Close() error
}

const (
	sessionKeyPrefix      = "session:"
	userSessionsKeyPrefix = "user_sessions:"
	onlineUsersKey        = "online_users"
	roomMembersKeyPrefix  = "room_members:"
	activeRoomsKey        = "active_rooms"
)

func sessionKey(connID string) string      { return sessionKeyPrefix + connID }
func userSessionsKey(userID string) string { return userSessionsKeyPrefix + userID }
func roomMembersKey(roomID string) string  { return roomMembersKeyPrefix + roomID }
