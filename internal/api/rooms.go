package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ashureev/agentroom/internal/domain"
	"github.com/ashureev/agentroom/internal/hub"
	"github.com/ashureev/agentroom/internal/identity"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const maxRoomNameLength = 100

type createRoomRequest struct {
	Name string `json:"name"`
}

// ListRooms returns the tenant's rooms.
func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	tenantID := identity.TenantIDFromContext(r.Context())
	rooms, err := h.repo.ListRooms(r.Context(), tenantID)
	if err != nil {
		storeError(w, err, "failed to list rooms", "tenant_id", tenantID)
		return
	}
	if rooms == nil {
		rooms = []*domain.Room{}
	}
	JSON(w, http.StatusOK, map[string]any{"rooms": rooms})
}

// CreateRoom creates a room and announces it on the tenant's lobby.
func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	tenantID := identity.TenantIDFromContext(r.Context())

	var req createRoomRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		Error(w, http.StatusBadRequest, "name is required")
		return
	}
	if utf8.RuneCountInString(name) > maxRoomNameLength {
		Error(w, http.StatusBadRequest, "name is too long")
		return
	}

	room := &domain.Room{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Name:      name,
		CreatedAt: time.Now(),
	}
	if err := h.repo.CreateRoom(r.Context(), room); err != nil {
		storeError(w, err, "failed to create room", "tenant_id", tenantID)
		return
	}

	slog.Info("Room created", "tenant_id", tenantID, "room_id", room.ID)
	h.dispatcher.Send(hub.LobbyKey(tenantID), domain.Frame{Type: domain.FrameRoomCreated, Room: room})
	JSON(w, http.StatusCreated, room)
}

// GetRoom returns one room.
func (h *Handler) GetRoom(w http.ResponseWriter, r *http.Request) {
	tenantID := identity.TenantIDFromContext(r.Context())
	room, err := h.repo.GetRoom(r.Context(), tenantID, chi.URLParam(r, "roomID"))
	if err != nil {
		storeError(w, err, "failed to get room", "tenant_id", tenantID)
		return
	}
	JSON(w, http.StatusOK, room)
}

// DeleteRoom removes a room with its messages and reviews.
func (h *Handler) DeleteRoom(w http.ResponseWriter, r *http.Request) {
	tenantID := identity.TenantIDFromContext(r.Context())
	roomID := chi.URLParam(r, "roomID")

	if err := h.repo.DeleteRoom(r.Context(), tenantID, roomID); err != nil {
		storeError(w, err, "failed to delete room", "tenant_id", tenantID, "room_id", roomID)
		return
	}

	slog.Info("Room deleted", "tenant_id", tenantID, "room_id", roomID)
	h.dispatcher.Send(hub.LobbyKey(tenantID), domain.Frame{Type: domain.FrameRoomDeleted, Room: &domain.Room{ID: roomID}})
	w.WriteHeader(http.StatusNoContent)
}
