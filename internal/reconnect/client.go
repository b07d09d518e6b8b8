// Package reconnect keeps a room subscription alive across network
// failures. A Client dials, watches for silent stalls, reconnects with
// capped exponential backoff, and on every reconnect catches up from the
// highest sequence number it has seen, suppressing duplicates.
package reconnect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/ashureev/agentroom/internal/clock"
	"github.com/ashureev/agentroom/internal/domain"
)

// Close codes the client distinguishes.
const (
	CloseNormal         = 1000
	CloseAbnormal       = 1006
	CloseConnectTimeout = 4000
)

// State is the connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Open
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	default:
		return "disconnected"
	}
}

// CloseError carries the close code a connection ended with.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("connection closed: %d %s", e.Code, e.Reason)
}

// CloseCode extracts the close code from a read error. Anything that is
// not a CloseError counts as an abnormal closure.
func CloseCode(err error) int {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CloseAbnormal
}

// Conn is one established connection.
type Conn interface {
	// Read blocks for the next frame. It returns a *CloseError when the
	// peer closes the connection.
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code int, reason string) error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// CatchUpFunc fetches messages with seq greater than sinceSeq.
type CatchUpFunc func(ctx context.Context, sinceSeq int64) ([]*domain.Message, error)

// Options configures a Client. Zero values take the defaults.
type Options struct {
	ConnectTimeout    time.Duration // 10s
	KeepaliveInterval time.Duration // 25s
	BaseDelay         time.Duration // 1s
	MaxDelay          time.Duration // 30s
	CatchUpTimeout    time.Duration // 15s
	SeenCapacity      int           // 200

	Clock clock.Clock
	// Rand returns a value in [0, 1) used for jitter.
	Rand func() float64

	// OnMessage receives each distinct message once, in arrival order.
	OnMessage func(msg *domain.Message)
	// OnFrame receives every non-message frame except pong.
	OnFrame func(frameType string, raw []byte)
	// OnState and OnDisconnect run with the client's lock held and must
	// not call back into the Client.
	OnState      func(state State)
	OnDisconnect func(code int)
}

func (o *Options) setDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.KeepaliveInterval <= 0 {
		o.KeepaliveInterval = 25 * time.Second
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.CatchUpTimeout <= 0 {
		o.CatchUpTimeout = 15 * time.Second
	}
	if o.SeenCapacity <= 0 {
		o.SeenCapacity = 200
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Rand == nil {
		o.Rand = rand.Float64
	}
}

// Backoff returns the reconnect delay for attempt:
// min(base*2^min(attempt,4), max) plus up to 50% jitter.
func Backoff(attempt int, base, maxDelay time.Duration, jitter float64) time.Duration {
	d := base << min(attempt, 4)
	if d > maxDelay {
		d = maxDelay
	}
	return d + time.Duration(jitter*0.5*float64(d))
}

var pingFrame = []byte(`{"type":"` + domain.FramePing + `"}`)

// Client is a self-healing subscription.
type Client struct {
	dialer  Dialer
	catchUp CatchUpFunc
	opts    Options

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	state          State
	gen            uint64 // bumped for every connection attempt; older events are stale
	conn           Conn
	opened         bool
	closed         bool
	attempt        int
	cursor         int64
	seen           *SeenSet
	connectTimer   *clock.Timer
	reconnectTimer *clock.Timer
	cancelDial     context.CancelFunc
	cancelConn     context.CancelFunc
	stopKeepalive  func()

	deliverMu sync.Mutex
}

// New creates a Client. catchUp may be nil to disable catch-up.
func New(dialer Dialer, catchUp CatchUpFunc, opts Options) *Client {
	opts.setDefaults()
	return &Client{
		dialer:  dialer,
		catchUp: catchUp,
		opts:    opts,
		seen:    NewSeenSet(opts.SeenCapacity),
	}
}

// Start begins connecting. The client runs until Close or ctx ends.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.connectLocked()
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Cursor returns the highest sequence number delivered so far.
func (c *Client) Cursor() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// SetCursor seeds the cursor, e.g. from history loaded before Start.
func (c *Client) SetCursor(seq int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq > c.cursor {
		c.cursor = seq
	}
}

// Resume reacts to the application becoming active again. A
// disconnected client reconnects immediately, skipping any pending
// backoff; an open client catches up in case frames were missed while
// it was suspended.
func (c *Client) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.ctx == nil {
		return
	}
	switch c.state {
	case Open:
		go c.runCatchUp(c.gen)
	case Disconnected:
		if c.reconnectTimer != nil {
			c.reconnectTimer.Stop()
			c.reconnectTimer = nil
		}
		c.connectLocked()
	case Connecting:
		// Attempt already in flight.
	}
}

// Close stops the client for good and closes the socket with 1000.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.gen++
	c.stopTimersLocked()
	if c.cancelDial != nil {
		c.cancelDial()
	}
	conn := c.conn
	c.conn = nil
	cancelConn := c.takeCancelConnLocked()
	c.setStateLocked(Disconnected)
	c.mu.Unlock()

	// Close before cancelling the read so the peer sees 1000.
	if conn != nil {
		if err := conn.Close(CloseNormal, "client closed"); err != nil {
			slog.Debug("Failed to close connection", "error", err)
		}
	}
	cancelConn()
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	if c.opts.OnState != nil {
		c.opts.OnState(s)
	}
}

func (c *Client) stopTimersLocked() {
	if c.connectTimer != nil {
		c.connectTimer.Stop()
		c.connectTimer = nil
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.stopKeepalive != nil {
		c.stopKeepalive()
		c.stopKeepalive = nil
	}
}

func (c *Client) takeCancelConnLocked() context.CancelFunc {
	cancel := c.cancelConn
	c.cancelConn = nil
	if cancel == nil {
		return func() {}
	}
	return cancel
}

func (c *Client) connectLocked() {
	if c.closed || c.state != Disconnected {
		return
	}
	c.gen++
	gen := c.gen
	c.setStateLocked(Connecting)

	dialCtx, cancel := context.WithCancel(c.ctx)
	c.cancelDial = cancel
	c.connectTimer = c.opts.Clock.AfterFunc(c.opts.ConnectTimeout, func() { c.onConnectTimeout(gen) })
	go c.dial(dialCtx, gen)
}

func (c *Client) onConnectTimeout(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.state != Connecting {
		return
	}
	slog.Warn("Connect timed out", "timeout", c.opts.ConnectTimeout)
	c.connectTimer = nil
	c.cancelDial()
	// Supersede the attempt so a late dial result is closed, not adopted.
	c.gen++
	c.disconnectedLocked(CloseConnectTimeout)
}

func (c *Client) dial(ctx context.Context, gen uint64) {
	conn, err := c.dialer.Dial(ctx)

	c.mu.Lock()
	if gen != c.gen || c.closed {
		closed := c.closed
		c.mu.Unlock()
		if conn != nil {
			if closed {
				_ = conn.Close(CloseNormal, "client closed")
			} else {
				_ = conn.Close(CloseConnectTimeout, "connect timeout")
			}
		}
		return
	}
	if c.connectTimer != nil {
		c.connectTimer.Stop()
		c.connectTimer = nil
	}
	if err != nil {
		slog.Debug("Dial failed", "error", err)
		c.disconnectedLocked(CloseAbnormal)
		c.mu.Unlock()
		return
	}

	c.conn = conn
	c.attempt = 0
	reconnect := c.opened
	c.opened = true
	connCtx, cancelConn := context.WithCancel(c.ctx)
	c.cancelConn = cancelConn
	c.startKeepaliveLocked(connCtx, conn)
	c.setStateLocked(Open)
	c.mu.Unlock()

	go c.readLoop(connCtx, gen, conn)
	if reconnect {
		go c.runCatchUp(gen)
	}
}

// disconnectedLocked records the end of a connection and schedules the
// next attempt unless the close was intentional.
func (c *Client) disconnectedLocked(code int) {
	c.stopTimersLocked()
	c.takeCancelConnLocked()()
	c.conn = nil
	c.setStateLocked(Disconnected)
	if c.opts.OnDisconnect != nil {
		c.opts.OnDisconnect(code)
	}
	if c.closed || code == CloseNormal || c.ctx.Err() != nil {
		return
	}

	delay := Backoff(c.attempt, c.opts.BaseDelay, c.opts.MaxDelay, c.opts.Rand())
	c.attempt++
	gen := c.gen
	slog.Info("Reconnecting", "code", code, "attempt", c.attempt, "delay", delay)
	c.reconnectTimer = c.opts.Clock.AfterFunc(delay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if gen != c.gen {
			return
		}
		c.reconnectTimer = nil
		c.connectLocked()
	})
}

func (c *Client) startKeepaliveLocked(ctx context.Context, conn Conn) {
	ticker := c.opts.Clock.NewTicker(c.opts.KeepaliveInterval)
	stop := make(chan struct{})
	c.stopKeepalive = func() {
		ticker.Stop()
		close(stop)
	}

	go func() {
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				if err := conn.Write(writeCtx, pingFrame); err != nil {
					// The read loop observes the broken connection.
					slog.Debug("Keepalive ping failed", "error", err)
				}
				cancel()
			}
		}
	}()
}

func (c *Client) readLoop(ctx context.Context, gen uint64, conn Conn) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			if gen == c.gen && !c.closed {
				c.disconnectedLocked(CloseCode(err))
			}
			c.mu.Unlock()
			return
		}

		c.mu.Lock()
		stale := gen != c.gen
		c.mu.Unlock()
		if stale {
			return
		}
		c.handleFrame(data)
	}
}

type inboundFrame struct {
	Type    string          `json:"type"`
	Message *domain.Message `json:"message,omitempty"`
}

func (c *Client) handleFrame(data []byte) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		slog.Debug("Ignoring malformed frame", "error", err)
		return
	}
	switch f.Type {
	case domain.FramePong:
	case domain.FrameMessage:
		if f.Message != nil {
			c.deliver(f.Message)
		}
	default:
		if c.opts.OnFrame != nil {
			c.opts.OnFrame(f.Type, data)
		}
	}
}

func (c *Client) runCatchUp(gen uint64) {
	if c.catchUp == nil {
		return
	}
	c.mu.Lock()
	cursor := c.cursor
	ctx := c.ctx
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.opts.CatchUpTimeout)
	defer cancel()
	msgs, err := c.catchUp(ctx, cursor)
	if err != nil {
		slog.Warn("Catch-up failed", "since_seq", cursor, "error", err)
		return
	}
	slog.Debug("Catch-up complete", "since_seq", cursor, "count", len(msgs), "gen", gen)
	for _, msg := range msgs {
		c.deliver(msg)
	}
}

// deliver hands msg to OnMessage unless its id was seen recently. Live
// frames and catch-up results share this path.
func (c *Client) deliver(msg *domain.Message) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	if msg.ID != "" && !c.seen.Add(msg.ID) {
		c.mu.Unlock()
		return
	}
	if seq := msg.SeqValue(); seq > c.cursor {
		c.cursor = seq
	}
	c.mu.Unlock()

	if c.opts.OnMessage != nil {
		c.opts.OnMessage(msg)
	}
}
