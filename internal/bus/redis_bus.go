package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// envelope is what travels over the Redis channel.
type envelope struct {
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload"`
	Origin  string          `json:"origin"`
}

// RedisBus broadcasts locally and publishes every frame to a Redis
// channel; frames published by other processes are replayed into the
// local hub. Frames that carry this process's origin id are skipped.
type RedisBus struct {
	rdb     *goredis.Client
	channel string
	origin  string
	local   Broadcaster
}

// NewRedis connects to addr and verifies the connection.
func NewRedis(ctx context.Context, addr, channel string, local Broadcaster) (*RedisBus, error) {
	if addr == "" {
		return nil, fmt.Errorf("missing redis address")
	}
	if channel == "" {
		return nil, fmt.Errorf("missing redis channel")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return newRedisBus(rdb, channel, local), nil
}

func newRedisBus(rdb *goredis.Client, channel string, local Broadcaster) *RedisBus {
	return &RedisBus{
		rdb:     rdb,
		channel: channel,
		origin:  uuid.NewString(),
		local:   local,
	}
}

// Broadcast delivers to local sockets first, then publishes.
func (b *RedisBus) Broadcast(ctx context.Context, key string, payload []byte) error {
	if err := b.local.Broadcast(ctx, key, payload); err != nil {
		return err
	}

	raw, err := json.Marshal(envelope{Key: key, Payload: payload, Origin: b.origin})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, raw).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// StartForwarder subscribes to the channel and replays remote frames into
// the local hub until ctx ends.
func (b *RedisBus) StartForwarder(ctx context.Context) error {
	sub := b.rdb.Subscribe(ctx, b.channel)

	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				b.forward(ctx, m.Payload)
			}
		}
	}()

	slog.Info("Redis bus forwarder started", "channel", b.channel, "origin", b.origin)
	return nil
}

func (b *RedisBus) forward(ctx context.Context, raw string) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		slog.Warn("Bad redis bus payload", "error", err)
		return
	}
	if env.Origin == b.origin || env.Key == "" {
		return
	}
	if err := b.local.Broadcast(ctx, env.Key, env.Payload); err != nil {
		slog.Debug("Failed to forward remote frame", "key", env.Key, "error", err)
	}
}

// Close closes the Redis client.
func (b *RedisBus) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}
