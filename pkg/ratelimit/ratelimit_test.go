package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestLimitBreach tests that the limit applies within one window
func TestLimitBreach(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewLimiterWithClock(Config{Enabled: true, MaxPerWindow: 3, WindowSecs: 60}, func() time.Time { return now })

	assert.True(t, l.Allow("sys"))
	assert.True(t, l.Allow("sys"))
	assert.True(t, l.Allow("sys"))
	assert.False(t, l.Allow("sys"))

	// The rejected publish consumed no slot.
	assert.Equal(t, 3, l.Count("sys"))
}

// TestWindowEdge tests the boundary at exactly windowStart
func TestWindowEdge(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	l := NewLimiterWithClock(Config{Enabled: true, MaxPerWindow: 1, WindowSecs: 60}, func() time.Time { return now })

	assert.True(t, l.Allow("sys"))
	assert.False(t, l.Allow("sys"))

	// Exactly one window later: the old entry sits at windowStart and is
	// not counted.
	now = base.Add(60 * time.Second)
	assert.True(t, l.Allow("sys"))

	// One millisecond inside the window the new entry still counts.
	now = base.Add(60*time.Second + 59*time.Second + 999*time.Millisecond)
	assert.False(t, l.Allow("sys"))
}

// TestPerSenderOverride tests sender-specific higher limits
func TestPerSenderOverride(t *testing.T) {
	now := time.Now()
	l := NewLimiterWithClock(Config{
		Enabled:      true,
		MaxPerWindow: 1,
		WindowSecs:   60,
		Overrides:    map[string]int{"bulk": 3},
	}, func() time.Time { return now })

	assert.True(t, l.Allow("normal"))
	assert.False(t, l.Allow("normal"))

	assert.True(t, l.Allow("bulk"))
	assert.True(t, l.Allow("bulk"))
	assert.True(t, l.Allow("bulk"))
	assert.False(t, l.Allow("bulk"))
}

// TestDisabled tests that a disabled limiter admits everything
func TestDisabled(t *testing.T) {
	l := NewLimiter(Config{Enabled: false, MaxPerWindow: 1, WindowSecs: 1})
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("sys"))
	}
	assert.Equal(t, 0, l.Count("sys"))
}

// TestSendersIsolated tests that windows are tracked per sender
func TestSendersIsolated(t *testing.T) {
	now := time.Now()
	l := NewLimiterWithClock(Config{Enabled: true, MaxPerWindow: 1, WindowSecs: 60}, func() time.Time { return now })

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
	assert.False(t, l.Allow("a"))
	assert.False(t, l.Allow("b"))
}
