package hub

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

type fakeSocket struct {
	mu       sync.Mutex
	writes   [][]byte
	failErr  error
	block    chan struct{}
	received chan []byte
	closed   chan websocket.StatusCode
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		received: make(chan []byte, 16),
		closed:   make(chan websocket.StatusCode, 1),
	}
}

func (s *fakeSocket) Write(ctx context.Context, data []byte) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.failErr != nil {
		return s.failErr
	}
	s.mu.Lock()
	s.writes = append(s.writes, data)
	s.mu.Unlock()
	s.received <- data
	return nil
}

func (s *fakeSocket) Close(code websocket.StatusCode, _ string) error {
	select {
	case s.closed <- code:
	default:
	}
	return nil
}

func recv(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case data := <-ch:
		return data
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func recvClose(t *testing.T, s *fakeSocket) websocket.StatusCode {
	t.Helper()
	select {
	case code := <-s.closed:
		return code
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close")
		return 0
	}
}

func TestKeys(t *testing.T) {
	t.Parallel()
	if got := RoomKey("t1", "r1"); got != "room:t1:r1" {
		t.Errorf("unexpected room key %q", got)
	}
	if got := LobbyKey("t1"); got != "lobby:t1" {
		t.Errorf("unexpected lobby key %q", got)
	}
}

func TestBroadcastDeliversToEveryMember(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Options{})
	key := RoomKey("t1", "r1")

	a, b := newFakeSocket(), newFakeSocket()
	ma, _ := r.Join(key, a)
	mb, _ := r.Join(key, b)
	defer r.Leave(ma)
	defer r.Leave(mb)

	if err := r.Broadcast(context.Background(), key, []byte(`{"type":"message"}`)); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if got := string(recv(t, a.received)); got != `{"type":"message"}` {
		t.Errorf("unexpected payload %q", got)
	}
	if got := string(recv(t, b.received)); got != `{"type":"message"}` {
		t.Errorf("unexpected payload %q", got)
	}
}

func TestFailingSocketIsIsolated(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Options{})
	key := RoomKey("t1", "r1")

	healthy := []*fakeSocket{newFakeSocket(), newFakeSocket()}
	broken := newFakeSocket()
	broken.failErr = errors.New("connection reset")

	for _, s := range append(healthy, broken) {
		m, err := r.Join(key, s)
		if err != nil {
			t.Fatalf("Join: %v", err)
		}
		defer r.Leave(m)
	}

	if err := r.Broadcast(context.Background(), key, []byte("m1")); err != nil {
		t.Fatalf("Broadcast must not report per-socket failures: %v", err)
	}
	for _, s := range healthy {
		recv(t, s.received)
	}
	if code := recvClose(t, broken); code != websocket.StatusInternalError {
		t.Errorf("expected close 1011, got %d", code)
	}

	if err := r.Broadcast(context.Background(), key, []byte("m2")); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	for _, s := range healthy {
		if got := string(recv(t, s.received)); got != "m2" {
			t.Errorf("expected m2, got %q", got)
		}
	}
}

func TestSlowConsumerClosedWithTryAgainLater(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Options{QueueSize: 1, WriteTimeout: time.Minute})
	key := RoomKey("t1", "r1")

	slow := newFakeSocket()
	slow.block = make(chan struct{})
	defer close(slow.block)
	fast := newFakeSocket()

	ms, _ := r.Join(key, slow)
	mf, _ := r.Join(key, fast)
	defer r.Leave(ms)
	defer r.Leave(mf)

	// One frame sits in the writer, one in the queue, the third overflows.
	for i := 0; i < 3; i++ {
		if err := r.Broadcast(context.Background(), key, []byte("x")); err != nil {
			t.Fatalf("Broadcast: %v", err)
		}
		recv(t, fast.received)
	}
	if code := recvClose(t, slow); code != websocket.StatusTryAgainLater {
		t.Errorf("expected close 1013, got %d", code)
	}
}

func TestBroadcastWithoutActorIsNoop(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Options{})
	if err := r.Broadcast(context.Background(), RoomKey("t1", "nobody"), []byte("x")); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}

func TestActorStopsWhenLastMemberLeaves(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Options{})
	key := LobbyKey("t1")

	m1, _ := r.Join(key, newFakeSocket())
	m2, _ := r.Join(key, newFakeSocket())
	if r.Members(key) != 2 {
		t.Fatalf("expected 2 members, got %d", r.Members(key))
	}

	r.Leave(m1)
	r.Leave(m1)
	if r.Members(key) != 1 {
		t.Fatalf("expected double Leave to be ignored, got %d members", r.Members(key))
	}
	r.Leave(m2)
	if r.Members(key) != 0 {
		t.Fatalf("expected actor to be gone, got %d members", r.Members(key))
	}

	m3, _ := r.Join(key, newFakeSocket())
	defer r.Leave(m3)
	if r.Members(key) != 1 {
		t.Fatalf("expected a fresh actor, got %d members", r.Members(key))
	}
}

func TestShutdownClosesWithServiceRestart(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Options{})

	s1, s2 := newFakeSocket(), newFakeSocket()
	_, _ = r.Join(RoomKey("t1", "r1"), s1)
	_, _ = r.Join(LobbyKey("t2"), s2)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	for _, s := range []*fakeSocket{s1, s2} {
		if code := recvClose(t, s); code != websocket.StatusServiceRestart {
			t.Errorf("expected close 1012, got %d", code)
		}
	}
	if _, err := r.Join(RoomKey("t1", "r1"), newFakeSocket()); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("expected ErrShuttingDown, got %v", err)
	}
}

func TestServeAnswersPingAndDelivers(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Options{})
	key := RoomKey("t1", "r1")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := websocket.Accept(w, req, nil)
		if err != nil {
			return
		}
		r.Serve(req.Context(), key, conn)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if string(data) != `{"type":"pong"}` {
		t.Fatalf("expected pong, got %q", data)
	}

	// The ping round-trip proves the member has joined.
	if err := r.Broadcast(ctx, key, []byte(`{"type":"message"}`)); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	_, data, err = conn.Read(ctx)
	if err != nil {
		t.Fatalf("read broadcast: %v", err)
	}
	if string(data) != `{"type":"message"}` {
		t.Fatalf("unexpected frame %q", data)
	}
}
