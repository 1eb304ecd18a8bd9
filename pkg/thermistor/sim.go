package thermistor

import (
	"math"
	"sync/atomic"
)

// SimADC reports the count a divider produces at a set temperature.
type SimADC struct {
	divider Divider
	model   Beta
	bits    atomic.Uint32
}

// NewSimADC creates a simulated input for a Beta thermistor on d.
func NewSimADC(d Divider, m Beta, celsius float32) *SimADC {
	s := &SimADC{divider: d, model: m}
	s.SetCelsius(celsius)
	return s
}

// SetCelsius sets the simulated temperature.
func (s *SimADC) SetCelsius(c float32) {
	s.bits.Store(math.Float32bits(c))
}

// Celsius returns the simulated temperature.
func (s *SimADC) Celsius() float32 {
	return math.Float32frombits(s.bits.Load())
}

// Get implements ADC.
func (s *SimADC) Get() uint16 {
	r := s.model.Resistance(s.Celsius())
	d := s.divider
	var ratio float32
	if d.HighSide {
		ratio = d.Series / (r + d.Series)
	} else {
		ratio = r / (r + d.Series)
	}
	return uint16(ratio*d.Max + 0.5)
}

// Resistance is the inverse of Celsius.
func (m Beta) Resistance(c float32) float32 {
	return m.R0 * float32(math.Exp(float64(m.B*(1/(c+Kelvin)-1/(m.T0+Kelvin)))))
}
