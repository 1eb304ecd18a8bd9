// Package thermistor converts ADC readings of NTC thermistor dividers to temperature.
package thermistor

import (
	"errors"

	"github.com/chewxy/math32"
)

// Kelvin is 0 °C in kelvin.
const Kelvin = 273.15

// ErrOutOfRange is returned for readings at either rail, where the divider is open or
// shorted.
var ErrOutOfRange = errors.New("thermistor reading out of range")

// ADC is a single analog input. TinyGo's machine.ADC scales every reading to 16 bits.
type ADC interface {
	Get() uint16
}

// Divider is a thermistor in series with a fixed resistor across VRef.
type Divider struct {
	Series float32 // ohm
	VRef   float32 // volt
	Max    float32 // full scale count
	// HighSide is set when the thermistor sits between VRef and the ADC input.
	HighSide bool
}

// DefaultDivider is a 10 kΩ series resistor with the thermistor to ground.
var DefaultDivider = Divider{Series: 10000, VRef: 3.3, Max: 65535}

// Volts converts a count to the input voltage.
func (d Divider) Volts(counts float32) float32 {
	return counts / d.Max * d.VRef
}

// Resistance converts a count to thermistor resistance.
func (d Divider) Resistance(counts float32) (float32, error) {
	if counts <= 0 || counts >= d.Max || math32.IsNaN(counts) {
		return 0, ErrOutOfRange
	}
	if d.HighSide {
		return d.Series * (d.Max - counts) / counts, nil
	}
	return d.Series * counts / (d.Max - counts), nil
}

// Model maps thermistor resistance to temperature.
type Model interface {
	Celsius(r float32) float32
}

// SteinhartHart is 1/T = A + B·ln(R) + C·ln(R)³ with T in kelvin.
type SteinhartHart struct {
	A, B, C float32
}

// Celsius implements Model.
func (m SteinhartHart) Celsius(r float32) float32 {
	l := math32.Log(r)
	return 1/(m.A+m.B*l+m.C*l*l*l) - Kelvin
}

// Beta is 1/T = 1/T0 + ln(R/R0)/B, with T0 in °C.
type Beta struct {
	B  float32
	R0 float32
	T0 float32
}

// Celsius implements Model.
func (m Beta) Celsius(r float32) float32 {
	return 1/(1/(m.T0+Kelvin)+math32.Log(r/m.R0)/m.B) - Kelvin
}

// Common parts.
var (
	NTC10K  = Beta{B: 3950, R0: 10000, T0: 25}
	NTC100K = Beta{B: 3950, R0: 100000, T0: 25}

	// Steinhart–Hart fits of the same parts, good to about a degree over 0-100 °C.
	SH10K  = SteinhartHart{A: 1.129148e-3, B: 2.34125e-4, C: 8.76741e-8}
	SH100K = SteinhartHart{A: 5.092082e-4, B: 2.444895e-4, C: 1.967174e-8}
)

// Thermistor is a divider and the part fitted to it.
type Thermistor struct {
	Divider Divider
	Model   Model
}

// Celsius converts a count to temperature.
func (t Thermistor) Celsius(counts float32) (float32, error) {
	r, err := t.Divider.Resistance(counts)
	if err != nil {
		return 0, err
	}
	return t.Model.Celsius(r), nil
}

// Bank reads a set of thermistor inputs.
type Bank struct {
	adcs []ADC
}

// NewBank creates a bank over the given inputs.
func NewBank(adcs ...ADC) *Bank {
	return &Bank{adcs: adcs}
}

// Channels returns the number of inputs.
func (b *Bank) Channels() int {
	return len(b.adcs)
}

// Read appends the raw count of every input to dst[:0].
func (b *Bank) Read(dst []float32) []float32 {
	dst = dst[:0]
	for _, a := range b.adcs {
		dst = append(dst, float32(a.Get()))
	}
	return dst
}
