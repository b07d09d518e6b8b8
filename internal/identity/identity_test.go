package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type fakeResolver map[string]string

func (f fakeResolver) TenantForKey(_ context.Context, hash string) (string, error) {
	if hash == "boom" {
		return "", errors.New("db down")
	}
	return f[hash], nil
}

func TestGenerateKeyAndHash(t *testing.T) {
	t.Parallel()
	a, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	b, _ := GenerateKey()
	if a == b || !strings.HasPrefix(a, KeyPrefix) {
		t.Fatalf("unexpected keys %q %q", a, b)
	}
	if HashKey(a) != HashKey(a) || HashKey(a) == HashKey(b) || len(HashKey(a)) != 64 {
		t.Fatal("HashKey must be deterministic hex SHA-256")
	}
}

func TestMiddleware(t *testing.T) {
	t.Parallel()
	resolver := fakeResolver{HashKey("good"): "tenant-1"}

	var gotTenant string
	handler := Middleware(resolver)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTenant = TenantIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name       string
		header     string
		query      string
		wantStatus int
		wantTenant string
	}{
		{"bearer", "Bearer good", "", http.StatusNoContent, "tenant-1"},
		{"query param", "", "?key=good", http.StatusNoContent, "tenant-1"},
		{"missing", "", "", http.StatusUnauthorized, ""},
		{"unknown", "Bearer bad", "", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotTenant = ""
			req := httptest.NewRequest(http.MethodGet, "/api/rooms"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, w.Code)
			}
			if gotTenant != tt.wantTenant {
				t.Errorf("expected tenant %q, got %q", tt.wantTenant, gotTenant)
			}
		})
	}
}

func TestIPFromRequest(t *testing.T) {
	t.Parallel()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.7:5555"
	if got := IPFromRequest(req); got != "10.0.0.7" {
		t.Errorf("expected 10.0.0.7, got %s", got)
	}
}
