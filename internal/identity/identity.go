// Package identity resolves API keys to tenants.
package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// KeyPrefix marks issued keys so they are recognizable in configs and logs.
const KeyPrefix = "ar_"

type contextKey int

const tenantIDKey contextKey = iota

// KeyResolver maps a key hash to its tenant. An unknown hash yields "".
type KeyResolver interface {
	TenantForKey(ctx context.Context, hash string) (string, error)
}

// TenantIDFromContext extracts the tenant ID from the request context.
func TenantIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(tenantIDKey).(string); ok {
		return v
	}
	return ""
}

// WithTenantID returns ctx carrying tenantID.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// GenerateKey returns a new raw API key. Only its hash is ever stored.
func GenerateKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return KeyPrefix + hex.EncodeToString(buf), nil
}

// HashKey returns the hex SHA-256 of a raw key.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// KeyFromRequest reads the key from "Authorization: Bearer" or, for
// WebSocket upgrades that cannot set headers, the key query parameter.
func KeyFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("key")
}

// Middleware rejects requests without a valid key and stores the
// resolved tenant in the request context.
func Middleware(resolver KeyResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := KeyFromRequest(r)
			if key == "" {
				writeError(w, http.StatusUnauthorized, "missing api key")
				return
			}

			tenantID, err := resolver.TenantForKey(r.Context(), HashKey(key))
			if err != nil {
				slog.Error("Failed to resolve api key", "error", err)
				writeError(w, http.StatusInternalServerError, "failed to resolve api key")
				return
			}
			if tenantID == "" {
				writeError(w, http.StatusUnauthorized, "invalid api key")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithTenantID(r.Context(), tenantID)))
		})
	}
}

// IPFromRequest returns a normalized remote IP. chi's RealIP middleware
// has already rewritten RemoteAddr when a proxy header is present.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `{"error":%q}`, message)
}
