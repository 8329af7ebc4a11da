package search

import (
	"sync"
	"time"
)

// Window is a sliding-window admission limiter over the last N request
// timestamps. Check-and-record is atomic: a call that is admitted consumes
// quota immediately, before any network I/O, so a later provider failure
// still counts against the cap.
type Window struct {
	mu       sync.Mutex
	capacity int
	period   time.Duration
	stamps   []time.Time
	now      func() time.Time
}

// NewWindow creates a limiter admitting capacity calls per period.
func NewWindow(capacity int, period time.Duration) *Window {
	return &Window{
		capacity: capacity,
		period:   period,
		now:      time.Now,
	}
}

// Allow admits or rejects one request. On rejection it returns an estimate
// of how long until a slot frees, always at most the window period.
func (w *Window) Allow() (bool, time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-w.period)

	kept := w.stamps[:0]
	for _, s := range w.stamps {
		if s.After(cutoff) {
			kept = append(kept, s)
		}
	}
	w.stamps = kept

	if len(w.stamps) >= w.capacity {
		wait := w.stamps[0].Add(w.period).Sub(now)
		if wait < 0 {
			wait = 0
		}
		return false, wait
	}

	w.stamps = append(w.stamps, now)
	return true, 0
}

// Len returns the number of admissions currently inside the window.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.stamps)
}
