package api

import (
	"github.com/ashureev/agentroom/internal/identity"
	"github.com/ashureev/agentroom/internal/middleware"
	"github.com/ashureev/agentroom/internal/ratelimit"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires every route onto a chi router.
func NewRouter(base *Handler, reviews *ReviewHandler, previews *UnfurlHandler) chi.Router {
	cfg := base.cfg
	messagesPolicy := ratelimit.MessagesPolicy(cfg.RateLimit.MessagesPerMinute)
	keysPolicy := ratelimit.KeysPolicy(cfg.RateLimit.KeysPerHour)

	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.Metrics)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Public routes.
	r.Get("/health", base.Health)
	r.Handle("/metrics", promhttp.Handler())
	r.With(middleware.IPRateLimit(base.limiter, keysPolicy)).Post("/api/keys", base.IssueKey)

	// Tenant routes.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(base.repo))

		r.Route("/api", func(r chi.Router) {
			r.Get("/rooms", base.ListRooms)
			r.Post("/rooms", base.CreateRoom)
			r.Get("/rooms/{roomID}", base.GetRoom)
			r.Delete("/rooms/{roomID}", base.DeleteRoom)

			r.Get("/rooms/{roomID}/messages", base.ListMessages)
			r.Get("/rooms/{roomID}/logs", base.ListLogs)
			r.Group(func(r chi.Router) {
				r.Use(middleware.TenantRateLimit(base.limiter, messagesPolicy))
				r.Post("/rooms/{roomID}/messages", base.PostMessage)
				r.Post("/rooms/{roomID}/logs", base.PostLog)
			})

			reviews.RegisterRoutes(r)
			r.Get("/unfurl", previews.Preview)
		})

		r.Get("/ws/rooms/{roomID}", base.RoomSocket)
		r.Get("/ws/lobby", base.LobbySocket)
	})

	return r
}
