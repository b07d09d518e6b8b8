// Package bus forwards hub broadcasts between server processes.
package bus

import (
	"context"
)

// Broadcaster delivers a serialized frame to the sockets subscribed to key.
type Broadcaster interface {
	Broadcast(ctx context.Context, key string, payload []byte) error
}

// Bus is a Broadcaster that may also reach other processes.
type Bus interface {
	Broadcaster
	Close() error
}

// Local returns a Bus that only reaches sockets in this process.
func Local(hub Broadcaster) Bus {
	return localBus{hub: hub}
}

type localBus struct {
	hub Broadcaster
}

func (b localBus) Broadcast(ctx context.Context, key string, payload []byte) error {
	return b.hub.Broadcast(ctx, key, payload)
}

func (localBus) Close() error { return nil }
