package hub

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/agentroom/internal/metrics"
	"github.com/coder/websocket"
)

type cmdKind int

const (
	cmdJoin cmdKind = iota
	cmdLeave
	cmdBroadcast
	cmdStop
	cmdShutdown
)

type command struct {
	kind    cmdKind
	member  *Member
	payload []byte
}

type actor struct {
	key     string
	inbox   chan command
	done    chan struct{}
	members map[*Member]struct{}
	refs    int // guarded by Registry.mu
}

func newActor(key string) *actor {
	return &actor{
		key:     key,
		inbox:   make(chan command, 64),
		done:    make(chan struct{}),
		members: make(map[*Member]struct{}),
	}
}

// send delivers cmd unless the actor has already exited.
func (a *actor) send(cmd command) {
	select {
	case a.inbox <- cmd:
	case <-a.done:
	}
}

func (a *actor) run() {
	defer close(a.done)
	for cmd := range a.inbox {
		switch cmd.kind {
		case cmdJoin:
			a.members[cmd.member] = struct{}{}
		case cmdLeave:
			delete(a.members, cmd.member)
		case cmdBroadcast:
			a.fanOut(cmd.payload)
		case cmdStop:
			for m := range a.members {
				m.close(websocket.StatusGoingAway, "hub stopped")
			}
			return
		case cmdShutdown:
			for m := range a.members {
				m.close(websocket.StatusServiceRestart, "server restarting")
			}
			return
		}
	}
}

func (a *actor) fanOut(payload []byte) {
	for m := range a.members {
		if m.closed() {
			delete(a.members, m)
			continue
		}
		select {
		case m.queue <- payload:
		default:
			slog.Warn("Dropping slow socket", "key", a.key)
			metrics.SocketSendFailures.WithLabelValues("slow_consumer").Inc()
			m.close(websocket.StatusTryAgainLater, "slow consumer")
			delete(a.members, m)
		}
	}
}

// Member is one socket subscribed to a key.
type Member struct {
	key          string
	sock         Socket
	queue        chan []byte
	done         chan struct{}
	writeTimeout time.Duration
	closeOnce    sync.Once
	left         atomic.Bool
}

func newMember(key string, sock Socket, opts Options) *Member {
	m := &Member{
		key:          key,
		sock:         sock,
		queue:        make(chan []byte, opts.QueueSize),
		done:         make(chan struct{}),
		writeTimeout: opts.WriteTimeout,
	}
	go m.writeLoop()
	return m
}

// Key returns the registry key the member joined.
func (m *Member) Key() string { return m.key }

// Done is closed once the hub has closed the member's socket.
func (m *Member) Done() <-chan struct{} { return m.done }

func (m *Member) closed() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

func (m *Member) close(code websocket.StatusCode, reason string) {
	m.closeOnce.Do(func() {
		close(m.done)
		// Close blocks on the closing handshake; never hold the actor on it.
		go func() {
			if err := m.sock.Close(code, reason); err != nil {
				slog.Debug("Failed to close socket", "key", m.key, "code", int(code), "error", err)
			}
		}()
	})
}

func (m *Member) writeLoop() {
	for {
		select {
		case <-m.done:
			return
		case payload := <-m.queue:
			ctx, cancel := context.WithTimeout(context.Background(), m.writeTimeout)
			err := m.sock.Write(ctx, payload)
			cancel()
			if err != nil {
				slog.Debug("Socket write failed", "key", m.key, "error", err)
				metrics.SocketSendFailures.WithLabelValues("write_error").Inc()
				m.close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}
