package packet

import (
	"encoding/binary"
	"errors"
	"math"
)

// Endpoint tags a telemetry value inside a DataPoint.
type Endpoint uint8

const (
	EndpointTare Endpoint = iota + 1
	EndpointMass
	EndpointTemperature
	EndpointMassRate
	EndpointSensorMass
	EndpointSensorTemperature
	EndpointErrorCount
	EndpointFlags
)

const maxRecordLen = 255

// ErrMalformedDataPoint is returned when TLV records run past the buffer.
var ErrMalformedDataPoint = errors.New("malformed data point")

// DataPoint is a bounded TLV buffer: type (1 byte), length (1 byte), value bytes.
// Consecutive values of the same endpoint share one record header. An endpoint always
// carries values of one kind (float32 or uint8).
type DataPoint struct {
	buf     [MaxPayloadSize]byte
	n       int
	last    int
	hasLast bool
}

// AddFloat32 appends a little-endian float32 value.
func (d *DataPoint) AddFloat32(e Endpoint, v float32) bool {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
	return d.add(e, b[:])
}

// AddUint8 appends a single byte value.
func (d *DataPoint) AddUint8(e Endpoint, v uint8) bool {
	return d.add(e, []byte{v})
}

// add refuses values that would overflow the buffer and leaves it unchanged.
func (d *DataPoint) add(e Endpoint, value []byte) bool {
	if d.hasLast && Endpoint(d.buf[d.last]) == e && int(d.buf[d.last+1])+len(value) <= maxRecordLen {
		if d.n+len(value) > len(d.buf) {
			return false
		}
		d.n += copy(d.buf[d.n:], value)
		d.buf[d.last+1] += byte(len(value))
		return true
	}

	if d.n+2+len(value) > len(d.buf) {
		return false
	}
	d.last, d.hasLast = d.n, true
	d.buf[d.n] = byte(e)
	d.buf[d.n+1] = byte(len(value))
	d.n += 2
	d.n += copy(d.buf[d.n:], value)
	return true
}

// Bytes returns the encoded records.
func (d *DataPoint) Bytes() []byte {
	return d.buf[:d.n]
}

// Len returns the encoded size.
func (d *DataPoint) Len() int {
	return d.n
}

// Reset empties the buffer.
func (d *DataPoint) Reset() {
	d.n, d.last, d.hasLast = 0, 0, false
}

// Record is one decoded TLV record.
type Record struct {
	Endpoint Endpoint
	Value    []byte
}

// Float32s interprets the value as packed float32s.
func (r Record) Float32s() []float32 {
	out := make([]float32, len(r.Value)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(r.Value[i*4:]))
	}
	return out
}

// ParseDataPoint decodes a DataPoint payload into records in wire order.
func ParseDataPoint(b []byte) ([]Record, error) {
	var records []Record
	for len(b) > 0 {
		if len(b) < 2 {
			return nil, ErrMalformedDataPoint
		}
		n := int(b[1])
		if len(b) < 2+n {
			return nil, ErrMalformedDataPoint
		}
		records = append(records, Record{Endpoint: Endpoint(b[0]), Value: b[2 : 2+n]})
		b = b[2+n:]
	}
	return records, nil
}
