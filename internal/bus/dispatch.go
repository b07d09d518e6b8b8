package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/agentroom/internal/domain"
)

// Dispatcher serializes frames and broadcasts them in the background so
// a request's outcome never depends on fan-out.
type Dispatcher struct {
	b       Broadcaster
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewDispatcher creates a Dispatcher whose broadcasts each get timeout.
func NewDispatcher(b Broadcaster, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{b: b, timeout: timeout}
}

// Send broadcasts frame to key asynchronously.
func (d *Dispatcher) Send(key string, frame domain.Frame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		slog.Error("Failed to marshal frame", "type", frame.Type, "error", err)
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.b.Broadcast(ctx, key, payload); err != nil {
			slog.Warn("Broadcast failed", "key", key, "type", frame.Type, "error", err)
		}
	}()
}

// Wait blocks until every in-flight broadcast has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
