package ws

import (
	"sort"
	"sync"

	"relay-service/internal/observability"
)

// Peer is a locally connected client that can receive encoded frames.
type Peer interface {
	ID() string
	// Send queues a frame for writing. It reports false when the peer is closed or its
	// buffer is full.
	Send(frame []byte) bool
}

// Hub maintains the local view of rooms: which peers of this process are in which room.
type Hub struct {
	mu       sync.RWMutex
	peers    map[string]Peer
	rooms    map[string]map[string]Peer
	memberOf map[string]map[string]struct{}

	onRoomActive func(roomID string)
	onRoomIdle   func(roomID string)
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		peers:    make(map[string]Peer),
		rooms:    make(map[string]map[string]Peer),
		memberOf: make(map[string]map[string]struct{}),
	}
}

// OnRoomActivity registers callbacks fired when a room gets its first local peer and when it
// loses its last one. They run outside the hub lock.
func (h *Hub) OnRoomActivity(active, idle func(roomID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRoomActive = active
	h.onRoomIdle = idle
}

// Register adds a peer to the set of connected peers.
func (h *Hub) Register(p Peer) {
	h.mu.Lock()
	h.peers[p.ID()] = p
	h.mu.Unlock()
	observability.SetWSActive(h.Count())
}

// Unregister removes a peer and all of its room memberships.
func (h *Hub) Unregister(peerID string) {
	for _, roomID := range h.RoomsOf(peerID) {
		h.Leave(roomID, peerID)
	}
	h.mu.Lock()
	delete(h.peers, peerID)
	delete(h.memberOf, peerID)
	h.mu.Unlock()
	observability.SetWSActive(h.Count())
}

// Count returns the number of registered peers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// Join places a peer in a room. It reports true when the peer was not in the room before.
func (h *Hub) Join(roomID string, p Peer) bool {
	h.mu.Lock()
	members, ok := h.rooms[roomID]
	created := !ok
	if created {
		members = make(map[string]Peer)
		h.rooms[roomID] = members
	}
	_, already := members[p.ID()]
	members[p.ID()] = p
	rooms, ok := h.memberOf[p.ID()]
	if !ok {
		rooms = make(map[string]struct{})
		h.memberOf[p.ID()] = rooms
	}
	rooms[roomID] = struct{}{}
	active := h.onRoomActive
	h.mu.Unlock()

	if created && active != nil {
		active(roomID)
	}
	return !already
}

// Leave removes a peer from a room. It reports true when the peer was in the room.
func (h *Hub) Leave(roomID, peerID string) bool {
	h.mu.Lock()
	members, ok := h.rooms[roomID]
	if !ok {
		h.mu.Unlock()
		return false
	}
	_, present := members[peerID]
	delete(members, peerID)
	emptied := len(members) == 0
	if emptied {
		delete(h.rooms, roomID)
	}
	if rooms, ok := h.memberOf[peerID]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(h.memberOf, peerID)
		}
	}
	idle := h.onRoomIdle
	h.mu.Unlock()

	if emptied && idle != nil {
		idle(roomID)
	}
	return present
}

// RoomsOf returns the rooms a peer is in, sorted.
func (h *Hub) RoomsOf(peerID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rooms := make([]string, 0, len(h.memberOf[peerID]))
	for roomID := range h.memberOf[peerID] {
		rooms = append(rooms, roomID)
	}
	sort.Strings(rooms)
	return rooms
}

// Rooms returns every room with at least one local peer, sorted.
func (h *Hub) Rooms() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rooms := make([]string, 0, len(h.rooms))
	for roomID := range h.rooms {
		rooms = append(rooms, roomID)
	}
	sort.Strings(rooms)
	return rooms
}

// DeliverRoom sends a frame to every local peer in the room except skip and returns the
// number of peers that accepted it.
func (h *Hub) DeliverRoom(roomID string, frame []byte, skip string) int {
	h.mu.RLock()
	targets := make([]Peer, 0, len(h.rooms[roomID]))
	for id, p := range h.rooms[roomID] {
		if id != skip {
			targets = append(targets, p)
		}
	}
	h.mu.RUnlock()
	return deliver(targets, frame)
}

// DeliverAll sends a frame to every registered peer except skip.
func (h *Hub) DeliverAll(frame []byte, skip string) int {
	h.mu.RLock()
	targets := make([]Peer, 0, len(h.peers))
	for id, p := range h.peers {
		if id != skip {
			targets = append(targets, p)
		}
	}
	h.mu.RUnlock()
	return deliver(targets, frame)
}

// SendTo sends a frame to a single registered peer.
func (h *Hub) SendTo(peerID string, frame []byte) bool {
	h.mu.RLock()
	p, ok := h.peers[peerID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return p.Send(frame)
}

func deliver(targets []Peer, frame []byte) int {
	sent := 0
	for _, p := range targets {
		if p.Send(frame) {
			sent++
		} else {
			observability.IncWSEvent("send_dropped")
		}
	}
	return sent
}

// HasRoom reports whether at least one local peer is in the room.
func (h *Hub) HasRoom(roomID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[roomID]
	return ok
}
