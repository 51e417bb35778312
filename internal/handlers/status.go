package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const checkTimeout = 2 * time.Second

// Check is a dependency pinged by the health endpoint.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// PresenceReader lists the users currently online.
type PresenceReader interface {
	AllOnline(ctx context.Context) []string
}

// MembersReader lists the users with a live connection in a room.
type MembersReader interface {
	MembersOf(ctx context.Context, roomID string) ([]string, error)
}

// ConnectionCounter reports the connections served by this process.
type ConnectionCounter interface {
	Connections() int
}

// StatusHandler serves the operational endpoints of a relay process.
type StatusHandler struct {
	checks     []Check
	presence   PresenceReader
	rooms      MembersReader
	conns      ConnectionCounter
	fanoutMode string
}

// NewStatusHandler builds a StatusHandler.
func NewStatusHandler(checks []Check, presence PresenceReader, rooms MembersReader, conns ConnectionCounter, fanoutMode string) *StatusHandler {
	return &StatusHandler{
		checks:     checks,
		presence:   presence,
		rooms:      rooms,
		conns:      conns,
		fanoutMode: fanoutMode,
	}
}

// Health pings every dependency and answers 503 when one of them fails.
func (h *StatusHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), checkTimeout)
	defer cancel()

	results := gin.H{}
	healthy := true
	for _, check := range h.checks {
		if err := check.Ping(ctx); err != nil {
			results[check.Name] = err.Error()
			healthy = false
			continue
		}
		results[check.Name] = "ok"
	}

	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":      status,
		"checks":      results,
		"fanout":      h.fanoutMode,
		"connections": h.conns.Connections(),
		"timestamp":   time.Now().UTC(),
	})
}

// OnlineUsers returns the cluster-wide online set.
func (h *StatusHandler) OnlineUsers(c *gin.Context) {
	users := h.presence.AllOnline(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"users": users, "count": len(users)})
}

// RoomMembers returns the users with a live connection in a room.
func (h *StatusHandler) RoomMembers(c *gin.Context) {
	roomID := strings.TrimSpace(c.Param("room_id"))
	if roomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "room_id is required"})
		return
	}

	members, err := h.rooms.MembersOf(c.Request.Context(), roomID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "room membership unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"room_id": roomID, "members": members, "count": len(members)})
}
