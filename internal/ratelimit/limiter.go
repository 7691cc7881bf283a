package ratelimit

import (
	"sync"
	"time"
)

const (
	defaultWindow      = 60 * time.Second
	defaultMaxRequests = 10
)

// Limiter admits up to MaxRequests calls per identifier within a trailing
// Window. Rejected calls are not recorded against the window.
type Limiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	clock   func() time.Time
	entries map[string][]time.Time
}

// Config describes limiter construction parameters.
type Config struct {
	Window      time.Duration
	MaxRequests int
	Clock       func() time.Time
}

// NewLimiter builds a limiter, substituting defaults for zero values.
func NewLimiter(cfg Config) *Limiter {
	window := cfg.Window
	if window <= 0 {
		window = defaultWindow
	}
	max := cfg.MaxRequests
	if max <= 0 {
		max = defaultMaxRequests
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Limiter{
		window:  window,
		max:     max,
		clock:   clock,
		entries: make(map[string][]time.Time),
	}
}

// Allow reports whether a request for identifier may proceed now, recording
// it when admitted.
func (l *Limiter) Allow(identifier string) bool {
	now := l.clock()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	recent := l.entries[identifier][:0]
	for _, stamp := range l.entries[identifier] {
		if stamp.After(cutoff) {
			recent = append(recent, stamp)
		}
	}

	if len(recent) >= l.max {
		l.entries[identifier] = recent
		return false
	}

	l.entries[identifier] = append(recent, now)
	return true
}

// Sweep drops identifiers whose most recent request fell out of the window,
// bounding memory under sustained unique-identifier traffic.
func (l *Limiter) Sweep() int {
	cutoff := l.clock().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for identifier, stamps := range l.entries {
		if len(stamps) == 0 || !stamps[len(stamps)-1].After(cutoff) {
			delete(l.entries, identifier)
			removed++
		}
	}
	return removed
}

// TrackedIdentifiers reports how many identifiers currently hold state.
func (l *Limiter) TrackedIdentifiers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
