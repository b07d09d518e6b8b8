package api

import (
	"log/slog"
	"net/http"
	"net/url"

	"github.com/ashureev/agentroom/internal/hub"
	"github.com/ashureev/agentroom/internal/identity"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// socketReadLimit bounds client frames; clients only ever send pings.
const socketReadLimit = 4 << 10

// RoomSocket upgrades to a room socket after checking the room exists.
func (h *Handler) RoomSocket(w http.ResponseWriter, r *http.Request) {
	tenantID := identity.TenantIDFromContext(r.Context())
	roomID := chi.URLParam(r, "roomID")

	if _, err := h.repo.GetRoom(r.Context(), tenantID, roomID); err != nil {
		storeError(w, err, "failed to get room", "tenant_id", tenantID, "room_id", roomID)
		return
	}
	h.serveSocket(w, r, hub.RoomKey(tenantID, roomID))
}

// LobbySocket upgrades to the tenant's lobby socket.
func (h *Handler) LobbySocket(w http.ResponseWriter, r *http.Request) {
	h.serveSocket(w, r, hub.LobbyKey(identity.TenantIDFromContext(r.Context())))
}

func (h *Handler) serveSocket(w http.ResponseWriter, r *http.Request, key string) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(h.cfg.AllowedOrigins),
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "key", key)
		return
	}
	ws.SetReadLimit(socketReadLimit)

	slog.Debug("WebSocket connected", "key", key)
	h.registry.Serve(r.Context(), key, ws)
	slog.Debug("WebSocket disconnected", "key", key)
}

// originPatterns turns configured origins into the host patterns
// websocket.Accept matches against.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, o)
	}
	return patterns
}
