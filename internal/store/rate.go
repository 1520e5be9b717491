package store

import "time"

// RateWindow counts timestamped occurrences inside a trailing window. Counts
// are recomputed by scanning the ring on demand; O(capacity) is fine because
// the ring is bounded.
type RateWindow struct {
	window time.Duration
	ring   *Ring[time.Time]
}

func NewRateWindow(window time.Duration, capacity int) *RateWindow {
	if window <= 0 {
		window = time.Minute
	}
	if capacity < 1 {
		capacity = 1024
	}
	return &RateWindow{window: window, ring: NewRing[time.Time](capacity)}
}

// Observe records one occurrence and returns the count as of that instant.
func (w *RateWindow) Observe(ts time.Time) int {
	w.ring.Push(ts)
	return w.Count(ts)
}

// Count scans for entries strictly newer than now-window, so an entry aged
// exactly one window no longer counts.
func (w *RateWindow) Count(now time.Time) int {
	cutoff := now.Add(-w.window)
	n := 0
	for _, ts := range w.ring.Items() {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}
