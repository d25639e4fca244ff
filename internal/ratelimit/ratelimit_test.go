package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestLimiter(max int) (*FixedWindow, *time.Time) {
	l := NewFixedWindow(15*time.Minute, max)
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestAllow_WithinCap(t *testing.T) {
	l, _ := newTestLimiter(5)

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("203.0.113.1").Allowed, "attempt %d should be allowed", i+1)
	}
}

func TestAllow_SixthAttemptDenied(t *testing.T) {
	l, _ := newTestLimiter(5)

	for i := 0; i < 5; i++ {
		l.Allow("203.0.113.1")
	}
	verdict := l.Allow("203.0.113.1")
	assert.False(t, verdict.Allowed)
	assert.Greater(t, verdict.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, verdict.RetryAfter, 15*time.Minute)
}

func TestAllow_WindowExpiryResets(t *testing.T) {
	l, now := newTestLimiter(5)

	for i := 0; i < 6; i++ {
		l.Allow("203.0.113.1")
	}
	assert.False(t, l.Allow("203.0.113.1").Allowed)

	*now = now.Add(16 * time.Minute)
	assert.True(t, l.Allow("203.0.113.1").Allowed, "attempt after window elapse succeeds on its own merits")
}

func TestAllow_AddressesIndependent(t *testing.T) {
	l, _ := newTestLimiter(2)

	l.Allow("203.0.113.1")
	l.Allow("203.0.113.1")
	assert.False(t, l.Allow("203.0.113.1").Allowed)
	assert.True(t, l.Allow("198.51.100.2").Allowed)
}

func TestAllow_RestartForgetsCounters(t *testing.T) {
	l, _ := newTestLimiter(2)
	l.Allow("203.0.113.1")
	l.Allow("203.0.113.1")
	assert.False(t, l.Allow("203.0.113.1").Allowed)

	// Rate-limit state is process-local: a fresh limiter (process
	// restart) starts with a clean slate.
	fresh, _ := newTestLimiter(2)
	assert.True(t, fresh.Allow("203.0.113.1").Allowed)
}

func TestCleanupExpired(t *testing.T) {
	l, now := newTestLimiter(5)
	l.Allow("203.0.113.1")
	l.Allow("198.51.100.2")

	*now = now.Add(16 * time.Minute)
	l.CleanupExpired()

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Empty(t, l.windows)
}
