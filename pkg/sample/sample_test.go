package sample

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/goscale/pkg/config"
	"github.com/itohio/goscale/pkg/device"
	"github.com/itohio/goscale/pkg/measure"
	"github.com/itohio/goscale/pkg/store"
)

func reading(ts time.Time, mass float32) device.Reading {
	return device.Reading{
		Timestamp:   ts,
		Tare:        []float32{100, 0, 0, 0, 0},
		Mass:        mass,
		Temperature: 22.5,
		Rate:        2,
		SensorMass:  []float32{mass / 2, mass / 2},
	}
}

func TestConvert(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		unit store.Unit
		mass float64
		rate float64
		tare float64
	}{
		{"grams", store.UnitGrams, 1000, 2, 100},
		{"kilograms", store.UnitKilograms, 1, 0.002, 0.1},
		{"ounces", store.UnitOunces, 35.27396, 0.07054792, 3.527396},
		{"pounds", store.UnitPounds, 2.204623, 0.004409246, 0.2204623},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Convert(reading(now, 1000), tt.unit)
			assert.Equal(t, now, s.Timestamp)
			assert.InDelta(t, tt.mass, s.Mass, tt.mass*1e-5)
			assert.InDelta(t, tt.rate, s.Rate, tt.rate*1e-5)
			assert.InDelta(t, tt.tare, s.Tare, tt.tare*1e-5)
			assert.InDelta(t, 22.5, s.Temperature, 1e-6)
			require.Len(t, s.Sensors, 2)
			assert.InDelta(t, tt.mass/2, s.Sensors[0], tt.mass*1e-5)
			assert.False(t, s.Flagged)
		})
	}
}

func TestConvertFlagged(t *testing.T) {
	r := reading(time.Now(), 10)
	r.Flags = measure.MassFlag(0)
	r.SensorMass = nil
	s := Convert(r, store.UnitGrams)
	assert.True(t, s.Flagged)
	assert.Nil(t, s.Sensors)
}

func TestConverter(t *testing.T) {
	cfg := config.Default()
	cfg.Meter.Unit = "kg"
	in := make(chan device.Reading, 10)
	out := NewConverter(cfg, 10, nil)(in)

	now := time.Now()
	in <- reading(now, 500)
	raw := reading(now, 123456)
	raw.Raw = true
	in <- raw
	in <- reading(now.Add(time.Second), 1500)
	close(in)

	var got []Sample
	for s := range out {
		got = append(got, s)
	}
	require.Len(t, got, 2)
	assert.InDelta(t, 0.5, got[0].Mass, 1e-6)
	assert.InDelta(t, 1.5, got[1].Mass, 1e-6)
}

// TestConverter_GracefulShutdown tests that converter closes output channel
// when input channel is closed.
func TestConverter_GracefulShutdown(t *testing.T) {
	in := make(chan device.Reading, 10)
	out := NewConverter(config.Default(), 10, nil)(in)

	done := make(chan int)
	go func() {
		count := 0
		for range out {
			count++
		}
		done <- count
	}()

	now := time.Now()
	for i := range 3 {
		in <- reading(now.Add(time.Duration(i)*time.Second), 1)
	}
	close(in)

	select {
	case count := <-done:
		assert.Equal(t, 3, count)
	case <-time.After(2 * time.Second):
		t.Fatal("converter did not close output channel within timeout")
	}
}
