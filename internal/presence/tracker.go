package presence

import (
	"context"
	"log/slog"

	"relay-service/internal/session"
)

// Tracker derives online/offline state from live sessions. A user is online while it holds at
// least one live session.
type Tracker struct {
	store  session.PresenceStore
	logger *slog.Logger
}

// NewTracker constructs a Tracker over the shared presence store.
func NewTracker(store session.PresenceStore, logger *slog.Logger) *Tracker {
	return &Tracker{store: store, logger: logger.With(slog.String("component", "presence"))}
}

// MarkOnline adds the user to the online set. It reports true only on the 0 -> 1 edge, so
// redundant calls for additional sessions never produce a second online event.
func (t *Tracker) MarkOnline(ctx context.Context, userID string) (bool, error) {
	return t.store.AddOnline(ctx, userID)
}

// MarkOfflineIfLastSession must run after the departing connection was unbound. It reports
// true only on the 1 -> 0 edge.
func (t *Tracker) MarkOfflineIfLastSession(ctx context.Context, userID string) (bool, error) {
	return t.store.RemoveOnlineIfNoSessions(ctx, userID)
}

// IsOnline degrades to false when the store is unavailable.
func (t *Tracker) IsOnline(ctx context.Context, userID string) bool {
	online, err := t.store.IsOnline(ctx, userID)
	if err != nil {
		t.logger.Warn("presence lookup failed", slog.String("user_id", userID), slog.Any("error", err))
		return false
	}
	return online
}

// AllOnline degrades to an empty set when the store is unavailable.
func (t *Tracker) AllOnline(ctx context.Context) []string {
	users, err := t.store.OnlineUsers(ctx)
	if err != nil {
		t.logger.Warn("online users lookup failed", slog.Any("error", err))
		return []string{}
	}
	return users
}

// Sweep re-evaluates every online user and returns those whose sessions all expired. It is the
// fallback that clears users left online by a process that died without disconnect cleanup.
func (t *Tracker) Sweep(ctx context.Context) []string {
	users, err := t.store.OnlineUsers(ctx)
	if err != nil {
		t.logger.Warn("presence sweep skipped", slog.Any("error", err))
		return nil
	}

	var offline []string
	for _, userID := range users {
		if ctx.Err() != nil {
			break
		}
		changed, err := t.store.RemoveOnlineIfNoSessions(ctx, userID)
		if err != nil {
			t.logger.Warn("presence sweep failed", slog.String("user_id", userID), slog.Any("error", err))
			continue
		}
		if changed {
			offline = append(offline, userID)
		}
	}
	if len(offline) > 0 {
		t.logger.Info("presence sweep marked users offline", slog.Int("count", len(offline)))
	}
	return offline
}
