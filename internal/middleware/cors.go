// Package middleware provides HTTP middleware for the agentroom API.
package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORS returns middleware that handles CORS headers. Credentials are
// only allowed when every origin is explicit; a wildcard never echoes
// credentials.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	credentials := len(allowedOrigins) > 0
	for _, o := range allowedOrigins {
		if o == "*" {
			credentials = false
			break
		}
	}

	return cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: credentials,
		MaxAge:           300,
	})
}
