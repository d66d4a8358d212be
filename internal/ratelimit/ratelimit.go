// Package ratelimit provides the fixed-window request budget guarding the
// payment verification flow. It is an abuse guard, not a correctness
// mechanism; both stores implement the same interface so tests can drive the
// in-memory one with a fake clock.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Result reports one Allow decision.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter grants or refuses one request against a per-key budget.
type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
}

// FixedWindow is an in-memory fixed-window limiter. Expired windows are
// dropped lazily on access, so no background goroutine is needed.
type FixedWindow struct {
	mu      sync.Mutex
	entries map[string]*windowEntry
	max     int
	window  time.Duration
	now     func() time.Time
}

type windowEntry struct {
	count   int
	resetAt time.Time
}

func NewFixedWindow(max int, window time.Duration) *FixedWindow {
	return &FixedWindow{
		entries: make(map[string]*windowEntry),
		max:     max,
		window:  window,
		now:     time.Now,
	}
}

// WithClock replaces the time source; tests use this to control windows.
func (l *FixedWindow) WithClock(now func() time.Time) *FixedWindow {
	l.now = now
	return l
}

func (l *FixedWindow) Allow(_ context.Context, key string) (Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.pruneLocked(now)

	e, ok := l.entries[key]
	if !ok || !e.resetAt.After(now) {
		e = &windowEntry{count: 1, resetAt: now.Add(l.window)}
		l.entries[key] = e
		return Result{Allowed: true, Remaining: l.max - 1, ResetAt: e.resetAt}, nil
	}
	if e.count >= l.max {
		return Result{Allowed: false, Remaining: 0, ResetAt: e.resetAt}, nil
	}
	e.count++
	return Result{Allowed: true, Remaining: l.max - e.count, ResetAt: e.resetAt}, nil
}

// pruneLocked drops expired windows once the map grows past a small bound.
func (l *FixedWindow) pruneLocked(now time.Time) {
	if len(l.entries) < 1024 {
		return
	}
	for k, e := range l.entries {
		if !e.resetAt.After(now) {
			delete(l.entries, k)
		}
	}
}
