package rate

import (
	"context"
	"sync"
	"time"
)

const (
	// gcSizeThreshold triggers an expired-entry sweep once the table grows
	// past it. emergencyCeiling unconditionally clears the table to bound
	// memory regardless of entry freshness.
	gcSizeThreshold  = 4_096
	emergencyCeiling = 65_536
)

type MemoryLimiter struct {
	mu           sync.Mutex
	limit        int
	window       time.Duration
	entries      map[string]*entry
	lastCleanup  time.Time
	cleanupEvery time.Duration
}

type entry struct {
	count int
	reset time.Time
}

func NewMemory(limit int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		limit:        limit,
		window:       window,
		entries:      map[string]*entry{},
		lastCleanup:  time.Now(),
		cleanupEvery: window,
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string, now time.Time) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.maybeCleanup(now)

	e, ok := l.entries[key]
	if !ok || now.After(e.reset) {
		l.entries[key] = &entry{count: 1, reset: now.Add(l.window)}
		return true, 0, nil
	}

	if e.count >= l.limit {
		retryAfter := e.reset.Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return false, retryAfter, nil
	}

	e.count++
	return true, 0, nil
}

func (l *MemoryLimiter) maybeCleanup(now time.Time) {
	if len(l.entries) >= emergencyCeiling {
		l.entries = map[string]*entry{}
		l.lastCleanup = now
		return
	}

	// Size pressure shortens the sweep interval rather than forcing a sweep
	// per call, so a table stuck above the threshold stays O(1) per Allow.
	interval := l.cleanupEvery
	if len(l.entries) >= gcSizeThreshold {
		interval /= 8
	}
	if now.Sub(l.lastCleanup) < interval {
		return
	}

	for k, v := range l.entries {
		if now.After(v.reset) {
			delete(l.entries, k)
		}
	}
	l.lastCleanup = now
}

// Size reports the live entry count, for tests and gauges.
func (l *MemoryLimiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
