package sample

// Downsample decimates src to at most maxPoints values for display. It reuses dst when it
// has the capacity and returns the filled slice. The first value is always kept.
func Downsample[T any](dst, src []T, maxPoints int) []T {
	if maxPoints <= 0 || len(src) <= maxPoints {
		if cap(dst) < len(src) {
			dst = make([]T, len(src))
		}
		dst = dst[:len(src)]
		copy(dst, src)
		return dst
	}

	if cap(dst) < maxPoints {
		dst = make([]T, 0, maxPoints)
	}
	dst = dst[:0]

	step := float64(len(src)) / float64(maxPoints)
	for i := range maxPoints {
		dst = append(dst, src[int(float64(i)*step)])
	}
	return dst
}

// DownsampleSamples decimates a sample history.
func DownsampleSamples(dst, samples []Sample, maxPoints int) []Sample {
	return Downsample(dst, samples, maxPoints)
}

// DownsampleFlow decimates a flow history.
func DownsampleFlow(dst, flow []float64, maxPoints int) []float64 {
	return Downsample(dst, flow, maxPoints)
}
