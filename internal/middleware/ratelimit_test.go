package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ashureev/agentroom/internal/identity"
	"github.com/ashureev/agentroom/internal/ratelimit"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
}

func TestTenantRateLimit(t *testing.T) {
	t.Parallel()
	l := ratelimit.New()
	h := TenantRateLimit(l, ratelimit.MessagesPolicy(2))(okHandler())

	send := func(tenant string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/rooms/r1/messages", nil)
		req = req.WithContext(identity.WithTenantID(req.Context(), tenant))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	for i := 0; i < 2; i++ {
		if w := send("t1"); w.Code != http.StatusCreated {
			t.Fatalf("request %d: expected 201, got %d", i+1, w.Code)
		}
	}
	w := send("t1")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"rate limit exceeded"`) {
		t.Errorf("unexpected body %q", w.Body.String())
	}
	if w := send("t2"); w.Code != http.StatusCreated {
		t.Fatalf("other tenant should not be limited, got %d", w.Code)
	}
}

func TestIPRateLimit(t *testing.T) {
	t.Parallel()
	l := ratelimit.New()
	h := IPRateLimit(l, ratelimit.KeysPolicy(1))(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/api/keys", nil)
	req.RemoteAddr = "192.0.2.1:1000"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/keys", nil)
	req.RemoteAddr = "192.0.2.1:2000"
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for same IP, got %d", w.Code)
	}
}

func TestCORSWildcardDisablesCredentials(t *testing.T) {
	t.Parallel()
	h := CORS([]string{"*"})(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/rooms", nil)
	req.Header.Set("Origin", "https://evil.example")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Header().Get("Access-Control-Allow-Credentials") == "true" {
		t.Error("wildcard origin must not allow credentials")
	}
	if w.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Error("expected allow-origin header for wildcard")
	}
}
