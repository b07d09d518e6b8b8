package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/agentroom/internal/identity"
	"github.com/ashureev/agentroom/internal/middleware"
	"github.com/ashureev/agentroom/internal/ratelimit"
	"github.com/ashureev/agentroom/internal/unfurl"
)

// UnfurlHandler serves link previews.
type UnfurlHandler struct {
	*Handler
	svc    *unfurl.Service
	policy ratelimit.Policy
}

// NewUnfurlHandler creates an UnfurlHandler limited by the tenant unfurl
// policy.
func NewUnfurlHandler(base *Handler, svc *unfurl.Service) *UnfurlHandler {
	return &UnfurlHandler{
		Handler: base,
		svc:     svc,
		policy:  ratelimit.UnfurlPolicy(base.cfg.RateLimit.UnfurlPerMinute),
	}
}

// Preview returns the preview for ?url=. Cached previews are served
// without touching the rate limiter; only a miss counts against it.
func (h *UnfurlHandler) Preview(w http.ResponseWriter, r *http.Request) {
	tenantID := identity.TenantIDFromContext(r.Context())

	pageURL, err := unfurl.ValidateURL(r.URL.Query().Get("url"))
	if err != nil {
		Error(w, http.StatusBadRequest, "url must be an absolute http(s) url")
		return
	}

	preview, err := h.svc.Cached(r.Context(), pageURL)
	if err != nil {
		slog.Warn("Preview cache lookup failed", "url", pageURL, "error", err)
	}
	if preview != nil {
		JSON(w, http.StatusOK, preview)
		return
	}

	if !h.policy.Allow(h.limiter, tenantID) {
		middleware.RateLimitExceeded(w, h.policy.Name)
		return
	}

	preview, err = h.svc.Fetch(r.Context(), pageURL)
	if err != nil {
		if errors.Is(err, unfurl.ErrInvalidURL) {
			Error(w, http.StatusBadRequest, "url must be an absolute http(s) url")
			return
		}
		slog.Warn("Failed to unfurl url", "url", pageURL, "tenant_id", tenantID, "error", err)
		Error(w, http.StatusBadGateway, "failed to fetch preview")
		return
	}
	JSON(w, http.StatusOK, preview)
}
