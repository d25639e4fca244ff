// Package ratelimit bounds activation attempts per caller address.
//
// The limiter is in-memory and process-local: a restart resets all
// counters. That trade-off (availability over strict abuse-prevention
// continuity) is deliberate; the limiter is a mitigation, not a
// security boundary.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Result is the outcome of a limit check. RetryAfter is only
// meaningful when Allowed is false.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter is the injected, swappable attempt limiter used by the
// activation path.
type Limiter interface {
	Allow(addr string) Result
	CleanupExpired()
}

type window struct {
	count        int
	firstAttempt time.Time
}

// FixedWindow allows at most max attempts per address within a window
// that resets a fixed duration after the first attempt.
type FixedWindow struct {
	mu      sync.Mutex
	windows map[string]*window
	size    time.Duration
	max     int
	now     func() time.Time
}

// NewFixedWindow creates a limiter with the given window duration and
// attempt cap.
func NewFixedWindow(size time.Duration, max int) *FixedWindow {
	return &FixedWindow{
		windows: make(map[string]*window),
		size:    size,
		max:     max,
		now:     time.Now,
	}
}

// Allow records one attempt for addr and reports whether it is within
// the cap. The attempt is counted even when denied.
func (l *FixedWindow) Allow(addr string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[addr]
	if !ok || now.Sub(w.firstAttempt) > l.size {
		l.windows[addr] = &window{count: 1, firstAttempt: now}
		return Result{Allowed: true}
	}

	if w.count >= l.max {
		return Result{
			Allowed:    false,
			RetryAfter: l.size - now.Sub(w.firstAttempt),
		}
	}

	w.count++
	return Result{Allowed: true}
}

// CleanupExpired drops windows older than the window size.
func (l *FixedWindow) CleanupExpired() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for addr, w := range l.windows {
		if now.Sub(w.firstAttempt) > l.size {
			delete(l.windows, addr)
		}
	}
}

// Start runs the periodic cleanup sweep until ctx is cancelled.
func (l *FixedWindow) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.CleanupExpired()
			}
		}
	}()
}
