// Package hub fans serialized frames out to the WebSocket connections
// subscribed to a room or a tenant lobby.
//
// Each key is served by one actor goroutine that owns its member set.
// Each member owns a bounded send queue and a writer goroutine, so one
// slow or broken socket never delays delivery to the others.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/agentroom/internal/metrics"
	"github.com/coder/websocket"
)

// ErrShuttingDown is returned by Join after Shutdown has started.
var ErrShuttingDown = errors.New("hub shutting down")

// RoomKey returns the registry key for a tenant's room.
func RoomKey(tenantID, roomID string) string {
	return "room:" + tenantID + ":" + roomID
}

// LobbyKey returns the registry key for a tenant's lobby.
func LobbyKey(tenantID string) string {
	return "lobby:" + tenantID
}

// Socket is the part of a WebSocket connection the hub writes to.
type Socket interface {
	Write(ctx context.Context, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Options tunes per-member delivery.
type Options struct {
	QueueSize    int
	WriteTimeout time.Duration
}

// Registry maps keys to live actors. An actor exists while at least
// one member is joined to its key.
type Registry struct {
	opts Options

	mu       sync.Mutex
	actors   map[string]*actor
	shutdown bool
	wg       sync.WaitGroup
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &Registry{
		opts:   opts,
		actors: make(map[string]*actor),
	}
}

// Join subscribes sock to key, starting the key's actor if needed.
func (r *Registry) Join(key string, sock Socket) (*Member, error) {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return nil, ErrShuttingDown
	}
	a, ok := r.actors[key]
	if !ok {
		a = newActor(key)
		r.actors[key] = a
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			a.run()
		}()
	}
	a.refs++
	r.mu.Unlock()

	m := newMember(key, sock, r.opts)
	a.send(command{kind: cmdJoin, member: m})
	metrics.LiveSockets.Inc()
	slog.Debug("Hub member joined", "key", key)
	return m, nil
}

// Leave unsubscribes m and stops the actor when it was the last member.
// Calling Leave twice for the same member is a no-op.
func (r *Registry) Leave(m *Member) {
	if !m.left.CompareAndSwap(false, true) {
		return
	}
	metrics.LiveSockets.Dec()

	r.mu.Lock()
	a, ok := r.actors[m.key]
	if !ok {
		r.mu.Unlock()
		return
	}
	a.refs--
	last := a.refs == 0
	if last {
		delete(r.actors, m.key)
	}
	r.mu.Unlock()

	a.send(command{kind: cmdLeave, member: m})
	if last {
		a.send(command{kind: cmdStop})
	}
	slog.Debug("Hub member left", "key", m.key, "actor_stopped", last)
}

// Broadcast hands payload to the key's actor. Delivery is asynchronous
// and per-socket failures are handled inside the hub, so the error is
// non-nil only when ctx ends first. A key without an actor is a no-op.
func (r *Registry) Broadcast(ctx context.Context, key string, payload []byte) error {
	r.mu.Lock()
	a, ok := r.actors[key]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	kind, _, _ := strings.Cut(key, ":")
	metrics.Broadcasts.WithLabelValues(kind).Inc()

	select {
	case a.inbox <- command{kind: cmdBroadcast, payload: payload}:
		return nil
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Members returns the number of members joined to key.
func (r *Registry) Members(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.actors[key]; ok {
		return a.refs
	}
	return 0
}

// Shutdown closes every socket with 1012 (service restart) and waits for
// the actors to exit or ctx to end.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.shutdown = true
	actors := make([]*actor, 0, len(r.actors))
	for key, a := range r.actors {
		actors = append(actors, a)
		delete(r.actors, key)
	}
	r.mu.Unlock()

	for _, a := range actors {
		a.send(command{kind: cmdShutdown})
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Hub stopped", "actors", len(actors))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
