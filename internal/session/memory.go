package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memorySession struct {
	userID  string
	expires time.Time
}

// MemoryStore is a single-process Backend. Every operation runs under one mutex, which gives
// it the same atomicity the Redis scripts provide.
type MemoryStore struct {
	mu           sync.Mutex
	sessions     map[string]memorySession
	userSessions map[string]map[string]struct{}
	online       map[string]struct{}
	roomMembers  map[string]map[string]string
	now          func() time.Time
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:     make(map[string]memorySession),
		userSessions: make(map[string]map[string]struct{}),
		online:       make(map[string]struct{}),
		roomMembers:  make(map[string]map[string]string),
		now:          time.Now,
	}
}

var _ Backend = (*MemoryStore)(nil)

// SetClock replaces the time source. Tests use it to expire sessions.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) live(connID string) (memorySession, bool) {
	sess, ok := s.sessions[connID]
	if !ok {
		return memorySession{}, false
	}
	if !s.now().Before(sess.expires) {
		delete(s.sessions, connID)
		return memorySession{}, false
	}
	return sess, true
}

func (s *MemoryStore) Bind(_ context.Context, connID, userID string, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prev string
	if sess, ok := s.sessions[connID]; ok && sess.userID != userID {
		prev = sess.userID
		s.removeUserSession(prev, connID)
	}
	s.sessions[connID] = memorySession{userID: userID, expires: s.now().Add(ttl)}
	conns, ok := s.userSessions[userID]
	if !ok {
		conns = make(map[string]struct{})
		s.userSessions[userID] = conns
	}
	conns[connID] = struct{}{}
	return prev, nil
}

func (s *MemoryStore) removeUserSession(userID, connID string) {
	if conns, ok := s.userSessions[userID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(s.userSessions, userID)
		}
	}
}

func (s *MemoryStore) Resolve(_ context.Context, connID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.live(connID)
	if !ok {
		return "", ErrNotFound
	}
	return sess.userID, nil
}

func (s *MemoryStore) Unbind(_ context.Context, connID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.live(connID)
	if !ok {
		return "", ErrNotFound
	}
	delete(s.sessions, connID)
	s.removeUserSession(sess.userID, connID)
	return sess.userID, nil
}

func (s *MemoryStore) ConnectionsOf(_ context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conns := make([]string, 0, len(s.userSessions[userID]))
	for connID := range s.userSessions[userID] {
		conns = append(conns, connID)
	}
	sort.Strings(conns)
	return conns, nil
}

func (s *MemoryStore) Touch(_ context.Context, connID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.live(connID)
	if !ok {
		return ErrNotFound
	}
	sess.expires = s.now().Add(ttl)
	s.sessions[connID] = sess
	return nil
}

func (s *MemoryStore) AddOnline(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.online[userID]; ok {
		return false, nil
	}
	s.online[userID] = struct{}{}
	return true, nil
}

func (s *MemoryStore) RemoveOnlineIfNoSessions(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := 0
	for connID := range s.userSessions[userID] {
		if _, ok := s.live(connID); ok {
			live++
			continue
		}
		s.removeUserSession(userID, connID)
	}
	if live > 0 {
		return false, nil
	}
	if _, ok := s.online[userID]; !ok {
		return false, nil
	}
	delete(s.online, userID)
	return true, nil
}

func (s *MemoryStore) IsOnline(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.online[userID]
	return ok, nil
}

func (s *MemoryStore) OnlineUsers(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	users := make([]string, 0, len(s.online))
	for userID := range s.online {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users, nil
}

func (s *MemoryStore) AddMember(_ context.Context, roomID, connID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.roomMembers[roomID]
	if !ok {
		members = make(map[string]string)
		s.roomMembers[roomID] = members
	}
	members[connID] = userID
	return nil
}

func (s *MemoryStore) RemoveMember(_ context.Context, roomID, connID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if members, ok := s.roomMembers[roomID]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(s.roomMembers, roomID)
		}
	}
	return nil
}

func (s *MemoryStore) Members(_ context.Context, roomID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneRoom(roomID)
	users := make([]string, 0, len(s.roomMembers[roomID]))
	for _, userID := range s.roomMembers[roomID] {
		users = append(users, userID)
	}
	return distinctSorted(users), nil
}

func (s *MemoryStore) PruneRooms(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for roomID := range s.roomMembers {
		removed += s.pruneRoom(roomID)
	}
	return removed, nil
}

// pruneRoom drops members whose session expired and forgets the room once it is empty.
func (s *MemoryStore) pruneRoom(roomID string) int {
	removed := 0
	for connID := range s.roomMembers[roomID] {
		if _, ok := s.live(connID); !ok {
			delete(s.roomMembers[roomID], connID)
			removed++
		}
	}
	if len(s.roomMembers[roomID]) == 0 {
		delete(s.roomMembers, roomID)
	}
	return removed
}

// Rooms returns the rooms that still have members, sorted.
func (s *MemoryStore) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	rooms := make([]string, 0, len(s.roomMembers))
	for roomID := range s.roomMembers {
		rooms = append(rooms, roomID)
	}
	sort.Strings(rooms)
	return rooms
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
