// Package ratelimit implements fixed-window request limits keyed by
// tenant or client address.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	count   int
	resetAt time.Time
}

// Limiter counts requests per key in fixed windows. State is in-process
// only; each server process enforces its own limits.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

// New creates an empty limiter.
func New() *Limiter {
	return &Limiter{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Allow reports whether another request for key fits in the current
// window. The check and the increment happen under one lock, so at most
// limit callers are admitted per window no matter how many race.
func (l *Limiter) Allow(key string, limit int, period time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		l.windows[key] = &window{count: 1, resetAt: now.Add(period)}
		return limit > 0
	}
	if w.count >= limit {
		return false
	}
	w.count++
	return true
}

// Sweep drops windows that have already expired.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// StartEviction runs Sweep every interval until ctx is cancelled.
func (l *Limiter) StartEviction(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Sweep()
			}
		}
	}()
}

// Policy names one limit and how a request maps to its key.
type Policy struct {
	Name   string
	Limit  int
	Window time.Duration
	// Scope is prefixed to the caller-supplied key so policies sharing
	// a limiter never collide.
	Scope string
}

// Allow applies p to the given subject (tenant id or client IP).
func (p Policy) Allow(l *Limiter, subject string) bool {
	return l.Allow(p.Name+":"+p.Scope+":"+subject, p.Limit, p.Window)
}

// Policies used by the HTTP layer.
func MessagesPolicy(perMinute int) Policy {
	return Policy{Name: "messages", Limit: perMinute, Window: time.Minute, Scope: "tenant"}
}

func KeysPolicy(perHour int) Policy {
	return Policy{Name: "keys", Limit: perHour, Window: time.Hour, Scope: "ip"}
}

func UnfurlPolicy(perMinute int) Policy {
	return Policy{Name: "unfurl", Limit: perMinute, Window: time.Minute, Scope: "tenant"}
}
