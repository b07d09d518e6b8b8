package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ashureev/agentroom/internal/approval"
	"github.com/ashureev/agentroom/internal/domain"
	"github.com/ashureev/agentroom/internal/identity"
	"github.com/ashureev/agentroom/internal/store"
	"github.com/go-chi/chi/v5"
)

// ReviewHandler handles approval review endpoints.
type ReviewHandler struct {
	*Handler
	svc *approval.Service
}

// NewReviewHandler creates a ReviewHandler.
func NewReviewHandler(base *Handler, svc *approval.Service) *ReviewHandler {
	return &ReviewHandler{Handler: base, svc: svc}
}

// RegisterRoutes registers review routes. The caller has already applied
// identity middleware.
func (h *ReviewHandler) RegisterRoutes(r chi.Router) {
	r.Post("/rooms/{roomID}/reviews", h.Create)
	r.Get("/reviews/{reviewID}", h.Status)
	r.Post("/reviews/{reviewID}/resolve", h.Resolve)
	r.Post("/reviews/{reviewID}/expire", h.Expire)
}

// Create opens a review and posts its anchor message.
func (h *ReviewHandler) Create(w http.ResponseWriter, r *http.Request) {
	tenantID := identity.TenantIDFromContext(r.Context())
	roomID := chi.URLParam(r, "roomID")

	var req approval.CreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	review, anchor, err := h.svc.Create(r.Context(), tenantID, roomID, req)
	if errors.Is(err, approval.ErrInvalidRequest) {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		storeError(w, err, "failed to create review", "tenant_id", tenantID, "room_id", roomID)
		return
	}
	JSON(w, http.StatusCreated, map[string]any{
		"review":  review,
		"message": anchor,
	})
}

// Status returns the current state of a review.
func (h *ReviewHandler) Status(w http.ResponseWriter, r *http.Request) {
	tenantID := identity.TenantIDFromContext(r.Context())
	review, err := h.svc.Status(r.Context(), tenantID, chi.URLParam(r, "reviewID"))
	if err != nil {
		storeError(w, err, "failed to get review", "tenant_id", tenantID)
		return
	}
	JSON(w, http.StatusOK, review)
}

type resolveRequest struct {
	approval.Outcome
	Actor string `json:"actor,omitempty"`
}

// Resolve records a human decision.
func (h *ReviewHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	tenantID := identity.TenantIDFromContext(r.Context())
	reviewID := chi.URLParam(r, "reviewID")

	var req resolveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	review, err := h.svc.Resolve(r.Context(), tenantID, reviewID, req.Outcome, actorOrDefault(req.Actor, "human"))
	if errors.Is(err, approval.ErrInvalidOutcome) {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	h.writeDecision(w, review, err, tenantID, reviewID)
}

// Expire moves a pending review to expired. Requesters call it when
// their own deadline passes.
func (h *ReviewHandler) Expire(w http.ResponseWriter, r *http.Request) {
	tenantID := identity.TenantIDFromContext(r.Context())
	reviewID := chi.URLParam(r, "reviewID")

	var req struct {
		Actor string `json:"actor,omitempty"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	review, err := h.svc.Expire(r.Context(), tenantID, reviewID, actorOrDefault(req.Actor, "timeout"))
	h.writeDecision(w, review, err, tenantID, reviewID)
}

// writeDecision answers a resolve or expire. A lost race is 409 and
// carries the decision that won.
func (h *ReviewHandler) writeDecision(w http.ResponseWriter, review *domain.Review, err error, tenantID, reviewID string) {
	if errors.Is(err, store.ErrAlreadyDecided) {
		JSON(w, http.StatusConflict, map[string]any{
			"error":  "review already decided",
			"review": review,
		})
		return
	}
	if err != nil {
		storeError(w, err, "failed to decide review", "tenant_id", tenantID, "review_id", reviewID)
		return
	}
	JSON(w, http.StatusOK, review)
}

func actorOrDefault(actor, fallback string) string {
	if a := strings.TrimSpace(actor); a != "" {
		return a
	}
	return fallback
}
