package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/agentroom/internal/identity"
	"github.com/ashureev/agentroom/internal/metrics"
	"github.com/ashureev/agentroom/internal/ratelimit"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// RateLimitExceeded writes the 429 body shared by every policy.
func RateLimitExceeded(w http.ResponseWriter, policy string) {
	metrics.RateLimitRejections.WithLabelValues(policy).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}` + "\n"))
}

// TenantRateLimit limits by the tenant resolved by identity.Middleware.
func TenantRateLimit(l *ratelimit.Limiter, p ratelimit.Policy) func(http.Handler) http.Handler {
	return limitBy(l, p, func(r *http.Request) string {
		return identity.TenantIDFromContext(r.Context())
	})
}

// IPRateLimit limits by client address.
func IPRateLimit(l *ratelimit.Limiter, p ratelimit.Policy) func(http.Handler) http.Handler {
	return limitBy(l, p, identity.IPFromRequest)
}

func limitBy(l *ratelimit.Limiter, p ratelimit.Policy, subject func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !p.Allow(l, subject(r)) {
				RateLimitExceeded(w, p.Name)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Metrics records request duration labelled by the matched chi route.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequestDuration.
			WithLabelValues(r.Method, route, strconv.Itoa(status)).
			Observe(time.Since(start).Seconds())
	})
}
