// Package filter holds the per-channel sample filters: range rejection, a sliding median
// and exponential smoothing.
package filter

import "cmp"

// Threshold rejects samples outside [Min, Max].
type Threshold[T cmp.Ordered] struct {
	Min, Max T
	last     T
	valid    bool
}

// NewThreshold creates a range filter.
func NewThreshold[T cmp.Ordered](lo, hi T) Threshold[T] {
	return Threshold[T]{Min: lo, Max: hi}
}

// Apply reports whether v is in range. Rejected samples leave the filter unchanged.
func (t *Threshold[T]) Apply(v T) bool {
	if v < t.Min || v > t.Max {
		return false
	}
	t.last = v
	t.valid = true
	return true
}

// LastValid returns the last accepted sample.
func (t *Threshold[T]) LastValid() (T, bool) {
	return t.last, t.valid
}

// Reset forgets the last accepted sample.
func (t *Threshold[T]) Reset() {
	var zero T
	t.last = zero
	t.valid = false
}

// DefaultMedianSize is the window of NewMedian(0).
const DefaultMedianSize = 5

// Median is the median of the last N samples.
type Median[T cmp.Ordered] struct {
	buf     []T
	scratch []T
	next    int
	count   int
}

// NewMedian creates a median filter over size samples.
func NewMedian[T cmp.Ordered](size int) *Median[T] {
	if size <= 0 {
		size = DefaultMedianSize
	}
	return &Median[T]{
		buf:     make([]T, size),
		scratch: make([]T, size),
	}
}

// Push adds v and returns the new median.
func (m *Median[T]) Push(v T) T {
	m.buf[m.next] = v
	m.next = (m.next + 1) % len(m.buf)
	if m.count < len(m.buf) {
		m.count++
	}
	return m.Value()
}

// Value returns the median of the buffered samples. For an even count it is the upper of
// the two middle samples.
func (m *Median[T]) Value() T {
	if m.count == 0 {
		var zero T
		return zero
	}
	// Until the window fills, samples sit at the front of buf.
	s := m.scratch[:m.count]
	copy(s, m.buf[:m.count])
	return Select(s, m.count/2)
}

// Len returns the number of buffered samples.
func (m *Median[T]) Len() int {
	return m.count
}

// Size returns the window size.
func (m *Median[T]) Size() int {
	return len(m.buf)
}

// Reset empties the window.
func (m *Median[T]) Reset() {
	m.next = 0
	m.count = 0
}

// Select reorders s and returns its k-th smallest element.
func Select[T cmp.Ordered](s []T, k int) T {
	lo, hi := 0, len(s)-1
	for lo < hi {
		p := partition(s, lo, hi)
		switch {
		case k == p:
			return s[k]
		case k < p:
			hi = p - 1
		default:
			lo = p + 1
		}
	}
	return s[k]
}

// partition is a Lomuto partition around the middle element.
func partition[T cmp.Ordered](s []T, lo, hi int) int {
	mid := lo + (hi-lo)/2
	s[mid], s[hi] = s[hi], s[mid]
	pivot := s[hi]
	i := lo
	for j := lo; j < hi; j++ {
		if s[j] < pivot {
			s[i], s[j] = s[j], s[i]
			i++
		}
	}
	s[i], s[hi] = s[hi], s[i]
	return i
}

// Exponential is a first order IIR low pass: state = α·v + (1−α)·state.
type Exponential struct {
	Alpha  float32
	state  float32
	seeded bool
}

// NewExponential creates a smoother with factor alpha in (0, 1].
func NewExponential(alpha float32) Exponential {
	return Exponential{Alpha: alpha}
}

// Update feeds v and returns the new state. The first sample after a reset seeds the state.
func (e *Exponential) Update(v float32) float32 {
	if !e.seeded {
		e.state = v
		e.seeded = true
		return v
	}
	e.state = e.Alpha*v + (1-e.Alpha)*e.state
	return e.state
}

// Value returns the current state.
func (e *Exponential) Value() float32 {
	return e.state
}

// Seeded reports whether a sample has been seen since the last reset.
func (e *Exponential) Seeded() bool {
	return e.seeded
}

// Reset clears the state.
func (e *Exponential) Reset() {
	e.state = 0
	e.seeded = false
}
