package ratelimit

import (
	"sync"
	"time"
)

// Rule describes one configured rate window: duration and max request count.
type Rule struct {
	Duration time.Duration
	Max      int
}

// Limiter composes multiple Windows and admits a request only when every
// window admits. Admission records the timestamp in every window atomically:
// if any window refuses, none are updated.
type Limiter struct {
	mu      sync.Mutex
	windows []*Window
}

// NewLimiter builds a Limiter from a set of rules. A Limiter with no rules
// always admits.
func NewLimiter(rules []Rule) *Limiter {
	windows := make([]*Window, 0, len(rules))
	for _, r := range rules {
		windows = append(windows, NewWindow(r.Duration, r.Max))
	}
	return &Limiter{windows: windows}
}

// Admit reports whether a request at now is allowed and, if so, records the
// consumption in every window. The whole operation is a single critical
// section so admission-check and record never race against a concurrent
// caller observing partial state.
func (l *Limiter) Admit(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, w := range l.windows {
		if !w.Allow(now) {
			return false
		}
	}
	for _, w := range l.windows {
		w.Record(now)
	}
	return true
}

// AdmitAll checks every limiter in limiters and, only if all of them
// currently admit, records the consumption in all of them. A refusal by any
// one leaves every limiter's windows untouched, so (for example) a
// provider-level admission is never consumed for a request an account-level
// limiter then refuses. Locks are held across the whole check-then-record
// section, so this is atomic even under concurrent callers. nil limiters are
// ignored.
func AdmitAll(now time.Time, limiters ...*Limiter) bool {
	active := make([]*Limiter, 0, len(limiters))
	for _, l := range limiters {
		if l != nil {
			active = append(active, l)
		}
	}
	for _, l := range active {
		l.mu.Lock()
		defer l.mu.Unlock()
	}

	for _, l := range active {
		for _, w := range l.windows {
			if !w.Allow(now) {
				return false
			}
		}
	}
	for _, l := range active {
		for _, w := range l.windows {
			w.Record(now)
		}
	}
	return true
}

// NextAvailable returns the max over windows of the earliest time a new
// admission becomes possible. Best-effort, used only for logging/backoff
// hints.
func (l *Limiter) NextAvailable(now time.Time) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := now
	for _, w := range l.windows {
		if candidate := w.NextAvailable(now); candidate.After(next) {
			next = candidate
		}
	}
	return next
}
