// Package api provides HTTP handlers for the agentroom API.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/ashureev/agentroom/internal/bus"
	"github.com/ashureev/agentroom/internal/config"
	"github.com/ashureev/agentroom/internal/hub"
	"github.com/ashureev/agentroom/internal/ratelimit"
	"github.com/ashureev/agentroom/internal/store"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// Handler provides common handler utilities.
type Handler struct {
	repo       store.Repository
	registry   *hub.Registry
	dispatcher *bus.Dispatcher
	limiter    *ratelimit.Limiter
	cfg        *config.Config
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, registry *hub.Registry, dispatcher *bus.Dispatcher, limiter *ratelimit.Limiter, cfg *config.Config) *Handler {
	return &Handler{
		repo:       repo,
		registry:   registry,
		dispatcher: dispatcher,
		limiter:    limiter,
		cfg:        cfg,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v
// untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("decode request body: %w", err)
}

// storeError maps persistence errors to responses. Anything that is not
// a known sentinel is logged and reported as 500.
func storeError(w http.ResponseWriter, err error, msg string, attrs ...any) {
	switch {
	case errors.Is(err, store.ErrRoomNotFound):
		Error(w, http.StatusNotFound, "room not found")
	case errors.Is(err, store.ErrMessageNotFound):
		Error(w, http.StatusNotFound, "message not found")
	case errors.Is(err, store.ErrReviewNotFound):
		Error(w, http.StatusNotFound, "review not found")
	default:
		slog.Error(msg, append(attrs, "error", err)...)
		Error(w, http.StatusInternalServerError, msg)
	}
}
