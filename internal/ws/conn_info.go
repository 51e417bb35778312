package ws

import (
	"net/http"
	"time"

	"relay-service/internal/observability"
)

// ConnInfo is the handshake metadata of a client, attached to lifecycle events.
type ConnInfo struct {
	ConnID      string
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}

func newConnInfo(connID, traceID string, r *http.Request) ConnInfo {
	return ConnInfo{
		ConnID:      connID,
		DeviceID:    observability.DeviceIDFromRequest(r),
		IP:          observability.IPFromRequest(r),
		RequestID:   observability.RequestIDFromRequest(r),
		TraceID:     traceID,
		ConnectedAt: time.Now(),
	}
}
