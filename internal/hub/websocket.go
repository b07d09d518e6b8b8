package hub

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ashureev/agentroom/internal/domain"
	"github.com/coder/websocket"
)

// wsSocket adapts *websocket.Conn to Socket.
type wsSocket struct {
	conn *websocket.Conn
}

func (s wsSocket) Write(ctx context.Context, data []byte) error {
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s wsSocket) Close(code websocket.StatusCode, reason string) error {
	return s.conn.Close(code, reason)
}

// wsMessage is the only client frame the server reads.
type wsMessage struct {
	Type string `json:"type"`
}

var pongFrame = []byte(`{"type":"` + domain.FramePong + `"}`)

// Serve joins conn to key and runs its read loop until the client goes
// away, ctx ends, or the hub closes the socket. Pings are answered here
// directly and never pass through the actor.
func (r *Registry) Serve(ctx context.Context, key string, conn *websocket.Conn) {
	member, err := r.Join(key, wsSocket{conn: conn})
	if err != nil {
		_ = conn.Close(websocket.StatusServiceRestart, "server restarting")
		return
	}
	defer r.Leave(member)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-member.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "key", key)
			} else if ctx.Err() == nil {
				slog.Debug("WebSocket read error", "key", key, "error", err)
			}
			// The hub has already picked a close code for sockets it dropped.
			if !member.closed() {
				member.close(websocket.StatusNormalClosure, "session ended")
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == domain.FramePing {
			if err := conn.Write(ctx, websocket.MessageText, pongFrame); err != nil {
				slog.Debug("Failed to send pong", "key", key, "error", err)
			}
		}
	}
}
