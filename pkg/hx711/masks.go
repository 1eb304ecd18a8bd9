package hx711

// Masks returns masks for n data lines on bits 0..n-1.
func Masks(n int) []uint32 {
	m := make([]uint32, n)
	for i := range m {
		m[i] = 1 << i
	}
	return m
}
