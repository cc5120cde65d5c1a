// Package anomaly flags finalized metric values that deviate from their own
// recent history, using rolling mean/stddev over a bounded window.
package anomaly

import "math"

// Rolling maintains Welford mean/variance over a sliding window of the last
// W observed values. Not safe for concurrent use; the detector serializes
// access.
type Rolling struct {
	window []float64
	next   int
	count  int

	mean float64
	m2   float64
}

// NewRolling creates a rolling accumulator over a window of size w (≥ 2).
func NewRolling(w int) *Rolling {
	return &Rolling{window: make([]float64, w)}
}

// Push absorbs a value, evicting the oldest when the window is full.
func (r *Rolling) Push(v float64) {
	if r.count == len(r.window) {
		r.remove(r.window[r.next])
	}

	r.window[r.next] = v
	r.next = (r.next + 1) % len(r.window)

	// Welford update.
	r.count++
	d := v - r.mean
	r.mean += d / float64(r.count)
	r.m2 += d * (v - r.mean)
}

// Count returns the number of values currently in the window.
func (r *Rolling) Count() int {
	return r.count
}

// Mean returns the window mean, 0 when empty.
func (r *Rolling) Mean() float64 {
	return r.mean
}

// StdDev returns the population standard deviation of the window.
func (r *Rolling) StdDev() float64 {
	if r.count < 2 {
		return 0
	}

	variance := r.m2 / float64(r.count)
	if variance < 0 {
		// Floating point cancellation can push m2 marginally negative.
		variance = 0
	}

	return math.Sqrt(variance)
}

// remove reverses a Welford update for an evicted value.
func (r *Rolling) remove(v float64) {
	if r.count == 1 {
		r.mean = 0
		r.m2 = 0
		r.count = 0

		return
	}

	d := v - r.mean
	r.mean = (float64(r.count)*r.mean - v) / float64(r.count-1)
	r.m2 -= d * (v - r.mean)
	r.count--
}
