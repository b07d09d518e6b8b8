package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/agentroom/internal/domain"
	"github.com/ashureev/agentroom/internal/identity"
	"github.com/google/uuid"
)

// IssueKey creates a new tenant and returns its raw API key. The raw key
// is only ever shown in this response.
func (h *Handler) IssueKey(w http.ResponseWriter, r *http.Request) {
	raw, err := identity.GenerateKey()
	if err != nil {
		slog.Error("Failed to generate api key", "error", err)
		Error(w, http.StatusInternalServerError, "failed to issue key")
		return
	}

	key := &domain.TenantKey{
		Hash:      identity.HashKey(raw),
		TenantID:  uuid.NewString(),
		CreatedAt: time.Now(),
	}
	if err := h.repo.CreateTenantKey(r.Context(), key); err != nil {
		slog.Error("Failed to store api key", "error", err)
		Error(w, http.StatusInternalServerError, "failed to issue key")
		return
	}

	slog.Info("Issued api key", "tenant_id", key.TenantID, "ip", identity.IPFromRequest(r))
	JSON(w, http.StatusCreated, map[string]string{
		"key":       raw,
		"tenant_id": key.TenantID,
	})
}
