package measure

import "time"

// RateWindow is the number of samples the mass rate is computed over.
const RateWindow = 8

// Rate estimates the rate of change of mass over the last RateWindow samples.
type Rate struct {
	mass [RateWindow]float32
	at   [RateWindow]time.Duration
	next int
	n    int
}

// Add records mass m at time t.
func (r *Rate) Add(m float32, t time.Duration) {
	r.mass[r.next] = m
	r.at[r.next] = t
	r.next = (r.next + 1) % RateWindow
	if r.n < RateWindow {
		r.n++
	}
}

// Value returns the rate in grams per second between the oldest and newest samples, or 0
// until two samples with distinct times are recorded.
func (r *Rate) Value() float32 {
	if r.n < 2 {
		return 0
	}
	newest := (r.next + RateWindow - 1) % RateWindow
	oldest := (r.next + RateWindow - r.n) % RateWindow
	dt := r.at[newest] - r.at[oldest]
	if dt <= 0 {
		return 0
	}
	return (r.mass[newest] - r.mass[oldest]) / float32(dt.Seconds())
}

// Len returns the number of samples held.
func (r *Rate) Len() int {
	return r.n
}

// Reset drops every sample.
func (r *Rate) Reset() {
	r.next, r.n = 0, 0
}
