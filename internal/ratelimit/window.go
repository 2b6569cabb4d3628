// Package ratelimit implements the sliding-window admission primitives used to
// bound request volume at both account and provider granularity.
package ratelimit

import (
	"sync"
	"time"
)

// Window is a sliding-window counter: it stores up to Max recent admission
// timestamps and admits a new one only if fewer than Max remain after pruning
// everything older than Duration.
type Window struct {
	mu       sync.Mutex
	duration time.Duration
	max      int
	hits     []time.Time
}

// NewWindow builds a Window admitting at most max requests per duration.
func NewWindow(duration time.Duration, max int) *Window {
	return &Window{
		duration: duration,
		max:      max,
		hits:     make([]time.Time, 0, max),
	}
}

// prune removes entries older than duration relative to now. Caller must hold mu.
func (w *Window) prune(now time.Time) {
	cutoff := now.Add(-w.duration)
	i := 0
	for i < len(w.hits) && w.hits[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.hits = append(w.hits[:0], w.hits[i:]...)
	}
}

// Allow reports whether a request at now would be admitted, without recording it.
func (w *Window) Allow(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)
	return len(w.hits) < w.max
}

// Record unconditionally appends now to the window. Callers must only do this
// after confirming Allow (or via Limiter's atomic admit+record).
func (w *Window) Record(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.hits = append(w.hits, now)
}

// NextAvailable returns the time at which the oldest tracked hit will have
// aged out, i.e. the earliest time a new admission becomes possible. It is a
// best-effort hint for logging only.
func (w *Window) NextAvailable(now time.Time) time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)
	if len(w.hits) < w.max || len(w.hits) == 0 {
		return now
	}
	return w.hits[0].Add(w.duration)
}
