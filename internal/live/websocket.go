package live

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/dayboard/internal/identity"
)

const writeTimeout = 10 * time.Second

// SnapshotFunc returns the full state of a user's workspace.
type SnapshotFunc func(ctx context.Context, userID string) (any, error)

// Handler upgrades requests to a websocket that streams the caller's
// workspace events. The first message is always a full snapshot.
type Handler struct {
	hub           *Hub
	snapshot      SnapshotFunc
	allowedOrigin string
	isDev         bool
}

// NewHandler creates a feed handler.
func NewHandler(hub *Hub, snapshot SnapshotFunc, allowedOrigin string, isDev bool) *Handler {
	return &Handler{hub: hub, snapshot: snapshot, allowedOrigin: allowedOrigin, isDev: isDev}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "feed ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	sub := h.hub.Subscribe(userID, sessionID)
	defer h.hub.Unsubscribe(sub)
	slog.Info("Live feed connected", "user_id", userID, "session_id", sessionID, "remote_ip", identity.IPFromRequest(r))

	// The feed is one-way; CloseRead handles pings and cancels on close.
	ctx := ws.CloseRead(r.Context())

	if h.snapshot != nil {
		state, err := h.snapshot(ctx, userID)
		if err != nil {
			slog.Warn("Failed to build live snapshot", "user_id", userID, "error", err)
			return
		}
		if err := writeEvent(ctx, ws, Event{Type: EventSnapshot, Payload: state, At: time.Now()}); err != nil {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			slog.Debug("Live feed closed by client", "user_id", userID)
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := writeEvent(ctx, ws, ev); err != nil {
				if ctx.Err() == nil {
					slog.Debug("Live feed write failed", "user_id", userID, "error", err)
				}
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, ws *websocket.Conn, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}
