// Package ratelimit implements sliding-window per-sender publish limits
// with optional per-sender overrides.
package ratelimit

import (
	"sync"
	"time"
)

// Config holds rate limiter configuration.
type Config struct {
	Enabled      bool
	MaxPerWindow int
	WindowSecs   int
	// Overrides maps a sender to a higher per-window limit.
	Overrides map[string]int
}

// DefaultConfig returns the limiter defaults used by the relay.
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		MaxPerWindow: 60,
		WindowSecs:   60,
	}
}

// Limiter tracks a sliding-window log of publish timestamps per sender.
// Safe for concurrent use.
type Limiter struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	windows map[string][]time.Time
}

// NewLimiter creates a limiter using the wall clock.
func NewLimiter(cfg Config) *Limiter {
	return &Limiter{cfg: cfg, now: time.Now, windows: make(map[string][]time.Time)}
}

// NewLimiterWithClock creates a limiter with an injected clock.
func NewLimiterWithClock(cfg Config, now func() time.Time) *Limiter {
	return &Limiter{cfg: cfg, now: now, windows: make(map[string][]time.Time)}
}

// Allow checks whether sender may publish now and, if so, records the
// publish in the window. A rejected publish consumes no window slot.
func (l *Limiter) Allow(sender string) bool {
	if !l.cfg.Enabled {
		return true
	}

	limit := l.cfg.MaxPerWindow
	if override, ok := l.cfg.Overrides[sender]; ok {
		limit = override
	}

	now := l.now()
	windowStart := now.Add(-time.Duration(l.cfg.WindowSecs) * time.Second)

	l.mu.Lock()
	defer l.mu.Unlock()

	// Drop entries at or before the window edge. A message at exactly
	// windowStart is no longer counted; one millisecond later still is.
	log := l.windows[sender]
	kept := log[:0]
	for _, ts := range log {
		if ts.After(windowStart) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= limit {
		l.windows[sender] = kept
		return false
	}

	l.windows[sender] = append(kept, now)
	return true
}

// Count returns the number of publishes currently inside sender's window.
func (l *Limiter) Count(sender string) int {
	if !l.cfg.Enabled {
		return 0
	}

	windowStart := l.now().Add(-time.Duration(l.cfg.WindowSecs) * time.Second)

	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, ts := range l.windows[sender] {
		if ts.After(windowStart) {
			n++
		}
	}
	return n
}
