package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/agentroom/internal/domain"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := New(srv.URL, "ar_test", srv.Client())
	c.retryBase = time.Millisecond
	return c
}

func TestPostMessageRetriesTransientFailures(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer ar_test" {
			t.Errorf("missing bearer key")
		}
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusServiceUnavailable)
		case 2:
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
		default:
			var req MessageRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			seq := int64(7)
			_ = json.NewEncoder(w).Encode(domain.Message{ID: "m1", Content: req.Content, Seq: &seq})
		}
	})

	msg, err := c.PostMessage(context.Background(), "r1", MessageRequest{Sender: "bot", SenderType: domain.SenderAgent, Content: "hi"})
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if msg.SeqValue() != 7 || msg.Content != "hi" {
		t.Fatalf("unexpected message %+v", msg)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestPostMessageClientErrorIsPermanent(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"content is required"}`))
	})

	_, err := c.PostMessage(context.Background(), "r1", MessageRequest{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest || apiErr.Message != "content is required" {
		t.Fatalf("expected 400 APIError, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected no retry, got %d attempts", calls.Load())
	}
}

func TestPostMessageGivesUpAfterThreeAttempts(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.PostMessage(context.Background(), "r1", MessageRequest{Content: "x"})
	if !IsStatus(err, http.StatusBadGateway) {
		t.Fatalf("expected 502, got %v", err)
	}
	if calls.Load() != maxAttempts {
		t.Fatalf("expected %d attempts, got %d", maxAttempts, calls.Load())
	}
}

func TestCatchUpQuery(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/rooms/r1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("since_seq") != "4" || q.Get("exclude") != "alice" || q.Get("limit") != "50" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"messages":[{"id":"m5","seq":5},{"id":"m6","seq":6}]}`))
	})

	msgs, err := c.CatchUp(context.Background(), "r1", 4, "alice", 50)
	if err != nil {
		t.Fatalf("CatchUp: %v", err)
	}
	if len(msgs) != 2 || msgs[1].SeqValue() != 6 {
		t.Fatalf("unexpected messages %+v", msgs)
	}
}

func TestExpireReviewConflictCarriesWinner(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"review already decided","review":{"id":"rv1","status":"approved"}}`))
	})

	_, err := c.ExpireReview(context.Background(), "rv1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusConflict {
		t.Fatalf("expected 409, got %v", err)
	}
	if apiErr.Review == nil || apiErr.Review.Status != domain.ReviewApproved {
		t.Fatalf("expected winning review, got %+v", apiErr.Review)
	}
}

func TestSocketURL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		base string
		want string
	}{
		{"http://localhost:8080", "ws://localhost:8080/ws/rooms/r1?key=k"},
		{"https://chat.example/", "wss://chat.example/ws/rooms/r1?key=k"},
	}
	for _, tt := range tests {
		got, err := New(tt.base, "k", nil).RoomSocketURL("r1")
		if err != nil {
			t.Fatalf("RoomSocketURL: %v", err)
		}
		if got != tt.want {
			t.Errorf("RoomSocketURL(%s) = %s, want %s", tt.base, got, tt.want)
		}
	}
}
