package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/relaymesh/llm-dispatch/internal/catalog"
)

// FixedWindow is an in-process fixed-window rate limiter.
//
// All counters share one window. Every admission check runs inside a single
// critical section doing O(1) arithmetic and map access — no I/O ever happens
// under the lock, so the section stays short even under heavy concurrency.
// The window reset is part of the same critical section, which guarantees it
// happens at most once per elapsed window: two goroutines that both observe
// an elapsed window serialize on the mutex, and the second one sees the
// already-reset state.
//
// Admission decisions are linearizable: if one Admit call's critical section
// fully precedes another's, the second observes the first's increment.
type FixedWindow struct {
	window time.Duration
	quotas map[catalog.Identity]int // read-only after construction; 0 = unlimited

	mu          sync.Mutex
	windowStart time.Time
	counts      map[catalog.Identity]int

	now func() time.Time // swapped out in tests
}

// NewFixedWindow creates a FixedWindow limiter with the given window length
// and per-identity quotas. A window ≤ 0 falls back to DefaultWindow.
func NewFixedWindow(window time.Duration, quotas map[catalog.Identity]int) *FixedWindow {
	if window <= 0 {
		window = DefaultWindow
	}
	l := &FixedWindow{
		window: window,
		quotas: quotas,
		counts: make(map[catalog.Identity]int, len(quotas)),
		now:    time.Now,
	}
	l.windowStart = l.now()
	return l
}

// Admit checks id's counter against its quota for the current window.
//
// A request that would push the counter over quota is rejected without
// incrementing — counters never exceed quota. RetryAfter on rejection is
// the time remaining until the current window elapses.
func (l *FixedWindow) Admit(_ context.Context, id catalog.Identity) Decision {
	if exempt(id) {
		return Decision{Allowed: true}
	}
	quota := l.quotas[id]
	if quota <= 0 {
		// Unlimited — admitted without touching shared state.
		return Decision{Allowed: true}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.windowStart) >= l.window {
		l.windowStart = now
		for k := range l.counts {
			delete(l.counts, k)
		}
	}

	if l.counts[id] >= quota {
		return Decision{
			Allowed:    false,
			RetryAfter: l.windowStart.Add(l.window).Sub(now),
		}
	}

	l.counts[id]++
	return Decision{Allowed: true}
}
