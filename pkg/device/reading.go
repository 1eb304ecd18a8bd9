package device

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/itohio/goscale/pkg/measure"
	"github.com/itohio/goscale/pkg/packet"
)

// Reading is one decoded read response.
type Reading struct {
	Timestamp time.Time
	Raw       bool

	Tare        []float32 // every tare slot, disabled slots read 0
	Mass        float32   // net, grams
	Temperature float32   // °C
	Rate        float32   // g/s

	SensorMass        []float32
	SensorTemperature []float32
	Errors            []uint8 // out of threshold counts, mass sensors first
	Flags             measure.Flags
}

// Flagged reports whether any channel reached the out of threshold limit.
func (r Reading) Flagged() bool {
	return r.Flags != 0
}

// ActiveTare returns the sum of the tare slots.
func (r Reading) ActiveTare() float32 {
	var sum float32
	for _, v := range r.Tare {
		sum += v
	}
	return sum
}

// ParseReading decodes the DataPoint payload of a read response.
func ParseReading(payload []byte, ts time.Time) (Reading, error) {
	records, err := packet.ParseDataPoint(payload)
	if err != nil {
		return Reading{}, err
	}

	r := Reading{Timestamp: ts}
	var flags []byte
	for _, rec := range records {
		switch rec.Endpoint {
		case packet.EndpointTare:
			r.Tare = append(r.Tare, rec.Float32s()...)
		case packet.EndpointMass:
			r.Mass, err = scalar(rec)
		case packet.EndpointTemperature:
			r.Temperature, err = scalar(rec)
		case packet.EndpointMassRate:
			r.Rate, err = scalar(rec)
		case packet.EndpointSensorMass:
			r.SensorMass = append(r.SensorMass, rec.Float32s()...)
		case packet.EndpointSensorTemperature:
			r.SensorTemperature = append(r.SensorTemperature, rec.Float32s()...)
		case packet.EndpointErrorCount:
			r.Errors = append(r.Errors, rec.Value...)
		case packet.EndpointFlags:
			flags = append(flags, rec.Value...)
		}
		if err != nil {
			return Reading{}, err
		}
	}
	switch len(flags) {
	case 0:
	case 1:
		r.Flags = measure.Flags(flags[0])
	default:
		r.Flags = measure.Flags(binary.LittleEndian.Uint16(flags))
	}
	return r, nil
}

func scalar(rec packet.Record) (float32, error) {
	v := rec.Float32s()
	if len(v) != 1 {
		return 0, fmt.Errorf("%w: endpoint %d carries %d bytes", packet.ErrMalformedDataPoint, rec.Endpoint, len(rec.Value))
	}
	return v[0], nil
}
