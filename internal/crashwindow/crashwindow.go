// Package crashwindow implements the sliding-window crash counter that
// decides when a worker has failed too often and should self-disable.
//
// Grounded on autophone's worker.py Crashes class: no persistence, reset on
// process start, pruned relative to the newest recorded timestamp rather
// than the current wall clock.
package crashwindow

import "time"

// Window records crash timestamps and prunes entries older than the newest
// by more than the configured window. It is not safe for concurrent use
// across goroutines; each Worker owns exactly one Window.
type Window struct {
	window time.Duration
	limit  int
	times  []time.Time
}

// New constructs a Window with the given crash window and crash limit, §3.
func New(window time.Duration, limit int) *Window {
	return &Window{window: window, limit: limit}
}

// AddCrash records a crash at the current time and prunes entries that now
// fall outside the window relative to this new entry.
func (w *Window) AddCrash() {
	w.AddCrashAt(time.Now())
}

// AddCrashAt is AddCrash with an explicit timestamp, for deterministic tests.
func (w *Window) AddCrashAt(t time.Time) {
	w.times = append(w.times, t)
	cutoff := t.Add(-w.window)
	kept := w.times[:0]
	for _, ts := range w.times {
		if !ts.Before(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.times = kept
}

// TooMany reports whether at least crash_limit timestamps currently lie
// within the window of the latest recorded crash.
func (w *Window) TooMany() bool {
	return len(w.times) >= w.limit
}

// Len returns the number of crashes currently retained in the window.
// Exposed for the crash_window_size metric gauge.
func (w *Window) Len() int {
	return len(w.times)
}
