package measure

import (
	"time"

	"github.com/itohio/goscale/pkg/store"
)

// MaxChannels is the number of filtered channels: mass sensors then thermistors.
const MaxChannels = store.MaxMassSensors + store.MaxTemperatureSensors

// Flags marks channels whose out of threshold count reached the limit. Bit i is mass
// sensor i, bit 8+j is thermistor j.
type Flags uint16

// TemperatureFlag returns the flag of thermistor j.
func TemperatureFlag(j int) Flags {
	return 1 << (8 + j)
}

// MassFlag returns the flag of mass sensor i.
func MassFlag(i int) Flags {
	return 1 << i
}

// Telemetry is one processed reading. With Raw set, SensorMass and SensorTemperature hold
// averaged raw counts and the aggregate fields are zero.
type Telemetry struct {
	Time        time.Duration
	Raw         bool
	Samples     int
	Mass        float32 // net, grams
	Gross       float32 // grams
	Tare        float32 // active tare, grams
	Temperature float32 // °C
	Rate        float32 // g/s

	MassSensors        int
	SensorMass         [store.MaxMassSensors]float32
	TemperatureSensors int
	SensorTemperature  [store.MaxTemperatureSensors]float32

	// Errors counts out of threshold samples per channel, mass sensors first.
	Errors [MaxChannels]uint8
	Flags  Flags
}

// Masses returns the per-sensor masses.
func (t *Telemetry) Masses() []float32 {
	return t.SensorMass[:t.MassSensors]
}

// Temperatures returns the per-thermistor temperatures.
func (t *Telemetry) Temperatures() []float32 {
	return t.SensorTemperature[:t.TemperatureSensors]
}

// ErrorCounts returns the out of threshold counts of every present channel.
func (t *Telemetry) ErrorCounts() []uint8 {
	out := make([]uint8, 0, t.MassSensors+t.TemperatureSensors)
	out = append(out, t.Errors[:t.MassSensors]...)
	return append(out, t.Errors[store.MaxMassSensors:store.MaxMassSensors+t.TemperatureSensors]...)
}
